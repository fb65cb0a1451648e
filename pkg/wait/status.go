// Package wait decodes the status word reported by wait4 for a traced child.
//
// The decoding functions are total: any 32-bit value is accepted, including
// values no kernel would produce, and none of them panic.
package wait

import "fmt"

const (
	sigTrap = 5

	stopped   = 0x7f
	continued = 0xffff
)

// Status is the raw wait status word in the POSIX encoding
type Status uint32

// Result is a snapshot of one wait4 return
type Result struct {
	Pid    int
	Status Status
}

// Stopped reports whether the child is in a stop state (WIFSTOPPED)
func (s Status) Stopped() bool {
	return s&0xff == stopped
}

// StopSignal returns the signal that stopped the child (WSTOPSIG)
func (s Status) StopSignal() int {
	return int(s&0xff00) >> 8
}

// Continued reports whether the child was resumed by SIGCONT (WIFCONTINUED)
func (s Status) Continued() bool {
	return s == continued
}

// TermSignal returns the signal that terminated the child (WTERMSIG)
func (s Status) TermSignal() int {
	return int(s & 0x7f)
}

// Signaled reports whether the child was terminated by a signal (WIFSIGNALED)
//
// The sum is evaluated as a signed char like the libc macro, so the stop
// marker 0x7f does not count as a terminating signal.
func (s Status) Signaled() bool {
	return int8(uint8((s&0x7f)+1))>>1 > 0
}

// Exited reports whether the child exited normally (WIFEXITED)
func (s Status) Exited() bool {
	return s.TermSignal() == 0
}

// ExitStatus returns the exit code of a normally exited child (WEXITSTATUS)
func (s Status) ExitStatus() int {
	return int(s&0xff00) >> 8
}

// TrapCause returns the ptrace event encoded in the upper bits of a SIGTRAP
// stop, or -1 if the child was not stopped by SIGTRAP
func (s Status) TrapCause() int {
	if !s.Stopped() || s.StopSignal() != sigTrap {
		return -1
	}
	return int(s >> 16)
}

func (s Status) String() string {
	switch {
	case s.Continued():
		return "continued"
	case s.Stopped():
		if c := s.TrapCause(); c > 0 {
			return fmt.Sprintf("stopped(trap event %d)", c)
		}
		return fmt.Sprintf("stopped(signal %d)", s.StopSignal())
	case s.Exited():
		return fmt.Sprintf("exited(%d)", s.ExitStatus())
	default:
		return fmt.Sprintf("signaled(%d)", s.TermSignal())
	}
}

// Stopped reports whether the child is in a stop state
func (r Result) Stopped() bool { return r.Status.Stopped() }

// Exited reports whether the child exited normally
func (r Result) Exited() bool { return r.Status.Exited() }

// Signaled reports whether the child was killed by a signal
func (r Result) Signaled() bool { return r.Status.Signaled() }

// Continued reports whether the child was resumed by SIGCONT
func (r Result) Continued() bool { return r.Status.Continued() }

// StopSignal returns the stop signal
func (r Result) StopSignal() int { return r.Status.StopSignal() }

// TermSignal returns the terminating signal
func (r Result) TermSignal() int { return r.Status.TermSignal() }

func (r Result) String() string {
	return fmt.Sprintf("pid %d: %v", r.Pid, r.Status)
}
