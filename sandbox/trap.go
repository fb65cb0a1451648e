package sandbox

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/codius/go-sandbox/pkg/ptrace"
	"github.com/codius/go-sandbox/pkg/seccomp"
	"github.com/codius/go-sandbox/pkg/wait"
)

// tick performs one wait on the process group and handles the result
func (s *Sandbox) tick(ctx context.Context) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		s.terminate()
		return nil, err
	}
	// handle cancelation while blocked in wait
	stop := context.AfterFunc(ctx, func() {
		s.ctl.Kill(-s.pid, int(unix.SIGKILL))
	})

	w, err := s.ctl.Wait(s.waitPid())
	if !stop() {
		if err == nil && w.Stopped() {
			// a reported stop is not reported again
			s.ctl.Cont(w.Pid, 0)
		}
		s.terminate()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, s.fail(KindProtocol, "wait", s.pid, err)
	}
	s.logger.Debug("sandbox: wait", "pid", w.Pid, "status", w.Status)

	switch {
	case w.Stopped():
		return s.handleStop(w)

	case w.Signaled():
		delete(s.tracees, w.Pid)
		if w.Pid == s.pid {
			return nil, s.fail(KindChildCrash, "wait", w.Pid, crashSignal(w.TermSignal()))
		}
		s.logger.Debug("sandbox: tracee killed", "pid", w.Pid, "signal", w.TermSignal())

	case w.Exited():
		delete(s.tracees, w.Pid)
		if w.Pid == s.pid {
			if !s.execved {
				return nil, s.setupFailure(w.Pid)
			}
			return nil, s.fail(KindProtocol, "wait", w.Pid,
				fmt.Errorf("exited without exit event: %v", w.Status))
		}
		s.logger.Debug("sandbox: tracee exited", "pid", w.Pid, "status", w.Status.ExitStatus())
	}
	return nil, nil
}

// waitPid selects the leader until it executed, its process group after
func (s *Sandbox) waitPid() int {
	if s.execved {
		return -s.pid
	}
	return s.pid
}

func (s *Sandbox) handleStop(w wait.Result) ([]Event, error) {
	pid := w.Pid
	sig := w.StopSignal()

	if sig != int(unix.SIGTRAP) || w.Status.TrapCause() <= 0 {
		// auto attached children start with a SIGSTOP of their own
		if seen := s.tracees[pid]; !seen {
			s.tracees[pid] = true
			if sig == int(unix.SIGSTOP) {
				s.logger.Debug("sandbox: tracee attached", "pid", pid)
				return nil, s.cont(pid, 0)
			}
		}
		s.logger.Debug("sandbox: forwarding signal", "pid", pid, "signal", sig)
		return nil, s.cont(pid, sig)
	}

	switch ev := ptrace.Event(w.Status.TrapCause()); ev {
	case ptrace.EventSeccomp:
		if !s.execved {
			s.logger.Debug("sandbox: seccomp stop before execve", "pid", pid)
			break
		}
		if err := s.handleSeccomp(pid); err != nil {
			s.terminate()
			return nil, err
		}

	case ptrace.EventExit:
		if pid == s.pid {
			return s.leaderExit(pid)
		}
		s.logger.Debug("sandbox: tracee exiting", "pid", pid)

	case ptrace.EventExec:
		if !s.execved {
			s.execved = true
			s.setState(StateRunning)
		}
		s.logger.Debug("sandbox: execve", "pid", pid)

	case ptrace.EventClone, ptrace.EventFork, ptrace.EventVFork:
		msg, err := s.ctl.GetEventMsg(pid)
		if err != nil {
			return nil, s.fail(KindProtocol, "geteventmsg", pid, err)
		}
		if _, ok := s.tracees[int(msg)]; !ok {
			s.tracees[int(msg)] = false
		}
		s.logger.Debug("sandbox: new tracee", "pid", pid, "event", ev, "child", msg)

	default:
		s.logger.Debug("sandbox: unexpected trap", "pid", pid, "event", ev)
	}
	return nil, s.cont(pid, 0)
}

// handleSeccomp decides a syscall trapped by the filter
func (s *Sandbox) handleSeccomp(pid int) error {
	msg, err := s.ctl.GetEventMsg(pid)
	if err != nil {
		return newError(KindProtocol, "geteventmsg", pid, err)
	}
	regs, err := s.ctl.GetRegs(pid)
	if err != nil {
		return newError(KindProtocol, "getregs", pid, err)
	}
	sc, err := ptrace.NewSyscall(pid, regs)
	if err != nil {
		if s.ignoreUnknown && errors.Is(err, ptrace.ErrUnknownSyscall) {
			s.logger.Warn("sandbox: allowing unknown syscall", "pid", pid, "error", err)
			return nil
		}
		return newError(KindProtocol, "decode syscall", pid, err)
	}

	switch int16(msg) {
	case seccomp.MsgDisallow:
		s.logger.Warn("sandbox: disallowed syscall", "pid", pid, "syscall", sc.Name)
		sc.Deny(unix.EPERM)
	case seccomp.MsgHandle:
		s.vfs.HandleSyscall(sc)
	default:
		// undefined seccomp message, possible set up filter wrong
		s.logger.Warn("sandbox: unknown seccomp trap message", "pid", pid, "msg", msg)
	}
	for _, h := range s.hooks {
		h(sc)
	}

	if sc.Denied() {
		s.logger.Debug("sandbox: syscall denied", "pid", pid, "syscall", sc)
		if err := s.ctl.SkipSyscall(pid, regs, sc.Return); err != nil {
			return newError(KindProtocol, "skip syscall", pid, err)
		}
	}
	return nil
}

// leaderExit reports the exit of the child and releases it
func (s *Sandbox) leaderExit(pid int) ([]Event, error) {
	msg, err := s.ctl.GetEventMsg(pid)
	if err != nil {
		return nil, s.fail(KindProtocol, "geteventmsg", pid, err)
	}
	if !s.execved {
		return nil, s.setupFailure(pid)
	}
	status := wait.Status(msg)
	if status.Signaled() {
		return nil, s.fail(KindChildCrash, "exit", pid, crashSignal(status.TermSignal()))
	}

	s.setState(StateExiting)
	events := []Event{{Kind: EventExited, Pid: pid, ExitStatus: status.ExitStatus()}}
	if err := s.ctl.Detach(pid, 0); err != nil && !errors.Is(err, ptrace.ErrNotTraced) {
		return events, s.fail(KindProtocol, "detach", pid, err)
	}
	s.terminate()
	return append(events, Event{Kind: EventReleased, Pid: pid}), nil
}

// cont resumes pid. A tracee that vanished while stopped is not an error, its
// death is reported by the next wait.
func (s *Sandbox) cont(pid, sig int) error {
	err := s.ctl.Cont(pid, sig)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ptrace.ErrNotTraced):
		s.logger.Debug("sandbox: tracee gone", "pid", pid)
		delete(s.tracees, pid)
		return nil
	}
	return s.fail(KindProtocol, "cont", pid, err)
}
