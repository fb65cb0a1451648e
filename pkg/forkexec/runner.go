// Package forkexec starts the traced child: fork, apply resource limits,
// request tracing, stop for the tracer, load the seccomp filter and execve.
//
// Only raw syscalls run in the child between fork and execve. Failures there
// are reported to the parent as ChildError over a close-on-exec socket pair.
//
// seccomp requires kernel >= 3.8, TSYNC >= 3.17
package forkexec

import (
	"golang.org/x/sys/unix"

	"github.com/codius/go-sandbox/pkg/rlimit"
)

// Runner is the configuration including the exec path, argv
// and resource limits. It creates tracee for ptrace-based tracer.
type Runner struct {
	// argv and env for execve syscall for the child process
	Args []string
	Env  []string

	// POSIX Resource limit set by set rlimit
	RLimits []rlimit.RLimit

	// work path set by chdir(dir) (current working directory for child)
	WorkDir string

	// seccomp syscall filter applied to child
	Seccomp *unix.SockFprog

	// ptrace controls child process to call ptrace(PTRACE_TRACEME)
	// runtime.LockOSThread is required for tracer to call ptrace syscalls
	Ptrace bool

	// no_new_privs calls prctl(PR_SET_NO_NEW_PRIVS) to disable calls to
	// setuid processes. It is automatically enabled when seccomp filter is provided
	NoNewPrivs bool

	// stop before seccomp calls kill(getpid(), SIGSTOP) to wait for tracer to continue
	// right before the calls to seccomp. It is automatically enabled when
	// ptrace is set, since the tracer has to set its options before the
	// filter can trap anything
	StopBeforeSeccomp bool
}

// Process is a started child
type Process struct {
	Pid int

	setup chan error
}

// SetupError blocks until the child either called execve successfully (nil)
// or failed after the initial sync. Call it once the child stopped for good
// (exec event, exit or reap), otherwise it may block.
func (p *Process) SetupError() error {
	return <-p.setup
}
