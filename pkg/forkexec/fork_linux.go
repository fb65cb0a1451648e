package forkexec

import (
	"fmt"
	"syscall"
	"unsafe" // required for go:linkname.

	"golang.org/x/sys/unix"
)

//go:linkname beforeFork syscall.runtime_BeforeFork
func beforeFork()

//go:linkname afterFork syscall.runtime_AfterFork
func afterFork()

//go:linkname afterForkInChild syscall.runtime_AfterForkInChild
func afterForkInChild()

// Start will fork, load seccomp and execve and being traced by ptrace
// Return the process and potential error
// The runtime OS thread must be locked before calling this function
// if ptrace is set to true
func (r *Runner) Start() (*Process, error) {
	argv0, argv, env, err := prepareExec(r.Args, r.Env)
	if err != nil {
		return nil, err
	}

	// prepare work dir
	workdir, err := syscallStringFromString(r.WorkDir)
	if err != nil {
		return nil, err
	}

	// socketpair p is used to sync with the child and to receive its setup error
	// p[0] is used by parent and p[1] is used by child
	p, err := unix.Socketpair(unix.AF_LOCAL, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}

	// fork in child
	pid, err1 := forkAndExecInChild(r, argv0, argv, env, workdir, p)

	// restore all signals
	afterFork()
	syscall.ForkLock.Unlock()

	return syncWithChild(r, p, int(pid), err1)
}

func syncWithChild(r *Runner, p [2]int, pid int, err1 syscall.Errno) (*Process, error) {
	unix.Close(p[1])

	// clone syscall failed
	if err1 != 0 {
		unix.Close(p[0])
		return nil, ChildError{Err: err1, Location: LocClone}
	}

	// child reports setup progress right before it requests tracing
	msg, n, err := readChildError(p[0])
	switch {
	case err != nil:
	case n == 0:
		err = fmt.Errorf("child exited before sync: %w", unix.EPIPE)
	case msg.Location != 0:
		err = msg
	}
	if err != nil {
		unix.Close(p[0])
		handleChildFailed(pid)
		return nil, err
	}

	proc := &Process{Pid: pid, setup: make(chan error, 1)}

	// if stopped before execve by signal SIGSTOP or PTRACE_ME, then do not wait until execve
	if r.Ptrace || r.StopBeforeSeccomp {
		go func() {
			proc.setup <- finalChildError(p[0])
			unix.Close(p[0])
		}()
		return proc, nil
	}

	// if read anything mean child failed after sync (close_on_exec so it should not block)
	err = finalChildError(p[0])
	unix.Close(p[0])
	if err != nil {
		handleChildFailed(pid)
		return nil, err
	}
	proc.setup <- nil
	return proc, nil
}

// finalChildError reads the outcome of execve: EOF when the close-on-exec
// socket was closed by a successful exec
func finalChildError(fd int) error {
	msg, n, err := readChildError(fd)
	switch {
	case err != nil:
		return err
	case n == 0:
		return nil
	case msg.Location == 0:
		return fmt.Errorf("unexpected sync message from child: %w", unix.EPROTO)
	}
	return msg
}

func readChildError(fd int) (ChildError, int, error) {
	var msg ChildError
	buf := unsafe.Slice((*byte)(unsafe.Pointer(&msg)), unsafe.Sizeof(msg))
	n := 0
	for n < len(buf) {
		r, err := unix.Read(fd, buf[n:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return msg, n, err
		}
		if r == 0 {
			break
		}
		n += r
	}
	if n != 0 && n != len(buf) {
		return msg, n, fmt.Errorf("short read from child (%d bytes): %w", n, unix.EPIPE)
	}
	return msg, n, nil
}

func handleChildFailed(pid int) {
	var wstatus unix.WaitStatus
	// make sure not blocked
	unix.Kill(pid, unix.SIGKILL)
	// child failed; wait for it to exit, to make sure the zombies don't accumulate
	_, err := unix.Wait4(pid, &wstatus, 0, nil)
	for err == unix.EINTR {
		_, err = unix.Wait4(pid, &wstatus, 0, nil)
	}
}
