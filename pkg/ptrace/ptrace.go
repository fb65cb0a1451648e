// Package ptrace is the narrow control surface over the process trace
// primitive.
//
// Everything that touches a traced process goes through Controller: the
// orchestrator never sees raw pointers, it asks for registers, words of memory
// and resumption. Tracer is the kernel backed implementation; tests provide
// scripted fakes.
//
// ptrace is bound to the calling OS thread. Every Controller call for a given
// tracee must come from the thread that became its tracer, so callers lock
// the goroutine with runtime.LockOSThread before forking the tracee.
package ptrace

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/codius/go-sandbox/pkg/wait"
)

// Controller is the set of trace operations the sandbox needs. Operations that
// target a pid require the caller to already be that pid's tracer.
type Controller interface {
	// Attach makes the caller the tracer of pid (PTRACE_ATTACH)
	Attach(pid int) error
	// Detach releases pid and delivers sig on resume (PTRACE_DETACH)
	Detach(pid int, sig int) error
	// Cont resumes a stopped tracee delivering sig (PTRACE_CONT)
	Cont(pid int, sig int) error
	// SetOptions selects which lifecycle events are reported as distinct stops
	SetOptions(pid int, opts Options) error
	// GetRegs reads a fresh register snapshot
	GetRegs(pid int) (*Registers, error)
	// SkipSyscall cancels the syscall the tracee is stopped at and makes it
	// return ret
	SkipSyscall(pid int, regs *Registers, ret int64) error
	// PeekWord reads the word at the word aligned address addr
	PeekWord(pid int, addr uintptr) (uint64, error)
	// GetEventMsg returns the message attached to the last ptrace event stop
	GetEventMsg(pid int) (uint, error)
	// Wait blocks until a tracee in the set selected by pid changes state
	Wait(pid int) (wait.Result, error)
	// Kill sends sig to pid (negative for a process group)
	Kill(pid int, sig int) error
}

// Options is the PTRACE_SETOPTIONS bitset. Values keep the kernel bit positions.
type Options uint

// Option bits
const (
	OptionTraceSysGood   Options = unix.PTRACE_O_TRACESYSGOOD
	OptionTraceFork      Options = unix.PTRACE_O_TRACEFORK
	OptionTraceVFork     Options = unix.PTRACE_O_TRACEVFORK
	OptionTraceClone     Options = unix.PTRACE_O_TRACECLONE
	OptionTraceExec      Options = unix.PTRACE_O_TRACEEXEC
	OptionTraceVForkDone Options = unix.PTRACE_O_TRACEVFORKDONE
	OptionTraceExit      Options = unix.PTRACE_O_TRACEEXIT
	OptionTraceSeccomp   Options = unix.PTRACE_O_TRACESECCOMP
	OptionExitKill       Options = unix.PTRACE_O_EXITKILL
)

// RequiredOptions are the events the engine cannot work without
const RequiredOptions = OptionTraceExit | OptionTraceSeccomp | OptionTraceExec

var optionNames = []struct {
	o    Options
	name string
}{
	{OptionTraceSysGood, "sysgood"},
	{OptionTraceFork, "fork"},
	{OptionTraceVFork, "vfork"},
	{OptionTraceClone, "clone"},
	{OptionTraceExec, "exec"},
	{OptionTraceVForkDone, "vforkdone"},
	{OptionTraceExit, "exit"},
	{OptionTraceSeccomp, "seccomp"},
	{OptionExitKill, "exitkill"},
}

// Has reports whether all bits of o are set
func (opts Options) Has(o Options) bool {
	return opts&o == o
}

func (opts Options) String() string {
	var names []string
	for _, n := range optionNames {
		if opts.Has(n.o) {
			names = append(names, n.name)
		}
	}
	return "[" + strings.Join(names, "|") + "]"
}

// Event is the ptrace event carried by a SIGTRAP stop
type Event int

// Trap causes
const (
	EventFork      Event = unix.PTRACE_EVENT_FORK
	EventVFork     Event = unix.PTRACE_EVENT_VFORK
	EventClone     Event = unix.PTRACE_EVENT_CLONE
	EventExec      Event = unix.PTRACE_EVENT_EXEC
	EventVForkDone Event = unix.PTRACE_EVENT_VFORK_DONE
	EventExit      Event = unix.PTRACE_EVENT_EXIT
	EventSeccomp   Event = unix.PTRACE_EVENT_SECCOMP
	EventStop      Event = unix.PTRACE_EVENT_STOP
)

func (e Event) String() string {
	switch e {
	case EventFork:
		return "fork"
	case EventVFork:
		return "vfork"
	case EventClone:
		return "clone"
	case EventExec:
		return "exec"
	case EventVForkDone:
		return "vfork_done"
	case EventExit:
		return "exit"
	case EventSeccomp:
		return "seccomp"
	case EventStop:
		return "stop"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// Errors reported by trace operations
var (
	// ErrNotTraced is returned when the target is not a tracee of the caller
	// (or no longer exists)
	ErrNotTraced = errors.New("ptrace: process is not traced by caller")
	// ErrPermission is returned when the kernel refuses the trace operation
	ErrPermission = errors.New("ptrace: permission denied")
)

// Error records a failed trace operation
type Error struct {
	Op  string
	Pid int
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("ptrace %s(%d): %v", e.Op, e.Pid, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is maps the kernel errno to the ErrNotTraced / ErrPermission kinds
func (e *Error) Is(target error) bool {
	switch target {
	case ErrNotTraced:
		return errors.Is(e.Err, unix.ESRCH)
	case ErrPermission:
		return errors.Is(e.Err, unix.EPERM)
	}
	return false
}

func opError(op string, pid int, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Pid: pid, Err: err}
}
