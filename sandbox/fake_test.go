package sandbox

import (
	"encoding/binary"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/codius/go-sandbox/pkg/forkexec"
	"github.com/codius/go-sandbox/pkg/ptrace"
	"github.com/codius/go-sandbox/pkg/seccomp/libseccomp"
	"github.com/codius/go-sandbox/pkg/wait"
)

const childPid = 100

func stopped(sig unix.Signal) wait.Status {
	return wait.Status(uint32(sig)<<8 | 0x7f)
}

func trapped(ev ptrace.Event) wait.Status {
	return wait.Status(uint32(ev)<<16 | uint32(unix.SIGTRAP)<<8 | 0x7f)
}

func exited(code int) wait.Status {
	return wait.Status(uint32(code) << 8)
}

func signaled(sig unix.Signal) wait.Status {
	return wait.Status(uint32(sig))
}

// step is one scripted wait result and the trap data read while handling it
type step struct {
	pid    int
	status wait.Status
	err    error
	msg    uint
	regs   *ptrace.Registers
	// during runs while the wait is blocked, before it returns
	during func()
}

type contCall struct {
	pid, sig int
}

// fakeController replays a script of wait results
type fakeController struct {
	mu       sync.Mutex
	steps    []step
	cur      step
	waits    int
	options  ptrace.Options
	conts    []contCall
	detached []int
	killed   []int
	skipped  []int64
	mem      map[uintptr]uint64

	// held are tracees in a reported stop that were not resumed since
	held map[int]bool
	// blocked is set by a wait that would never return in the kernel: the
	// script is done but a held tracee cannot die
	blocked bool
}

var _ ptrace.Controller = (*fakeController)(nil)

func (f *fakeController) Attach(pid int) error { return nil }

func (f *fakeController) Detach(pid int, sig int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detached = append(f.detached, pid)
	delete(f.held, pid)
	return nil
}

func (f *fakeController) Cont(pid int, sig int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conts = append(f.conts, contCall{pid, sig})
	delete(f.held, pid)
	return nil
}

func (f *fakeController) SetOptions(pid int, opts ptrace.Options) error {
	f.options = opts
	return nil
}

func (f *fakeController) GetRegs(pid int) (*ptrace.Registers, error) {
	if f.cur.regs == nil {
		return nil, &ptrace.Error{Op: "getregs", Pid: pid, Err: unix.ESRCH}
	}
	return f.cur.regs, nil
}

func (f *fakeController) SkipSyscall(pid int, regs *ptrace.Registers, ret int64) error {
	f.skipped = append(f.skipped, ret)
	return nil
}

func (f *fakeController) PeekWord(pid int, addr uintptr) (uint64, error) {
	w, ok := f.mem[addr]
	if !ok {
		return 0, &ptrace.Error{Op: "peekdata", Pid: pid, Err: unix.EIO}
	}
	return w, nil
}

func (f *fakeController) GetEventMsg(pid int) (uint, error) {
	return f.cur.msg, nil
}

func (f *fakeController) Wait(pid int) (wait.Result, error) {
	f.mu.Lock()
	f.waits++
	if len(f.steps) == 0 {
		if len(f.held) > 0 {
			f.blocked = true
		}
		f.mu.Unlock()
		return wait.Result{}, &ptrace.Error{Op: "wait4", Pid: pid, Err: unix.ECHILD}
	}
	f.cur, f.steps = f.steps[0], f.steps[1:]
	cur := f.cur
	f.mu.Unlock()

	if cur.during != nil {
		cur.during()
	}
	if cur.err != nil {
		return wait.Result{}, cur.err
	}
	p := cur.pid
	if p == 0 {
		p = childPid
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held == nil {
		f.held = make(map[int]bool)
	}
	if cur.status.Stopped() {
		f.held[p] = true
	} else {
		delete(f.held, p)
	}
	return wait.Result{Pid: p, Status: cur.status}, nil
}

func (f *fakeController) Kill(pid int, sig int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, pid)
	return nil
}

// kills returns the kill targets, safe against a concurrent cancel kill
func (f *fakeController) kills() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.killed...)
}

// putString maps s NUL terminated at the word aligned addr
func (f *fakeController) putString(addr uintptr, s string) {
	if f.mem == nil {
		f.mem = make(map[uintptr]uint64)
	}
	b := []byte(s + "\x00")
	for len(b)%ptrace.WordSize != 0 {
		b = append(b, 0)
	}
	for i := 0; i < len(b); i += ptrace.WordSize {
		f.mem[addr+uintptr(i)] = binary.NativeEndian.Uint64(b[i:])
	}
}

func syscallRegs(name string, args ...uint64) *ptrace.Registers {
	no, ok := libseccomp.ToSyscallNo(name)
	if !ok {
		panic("no syscall " + name)
	}
	var a [6]uint64
	copy(a[:], args)
	return ptrace.NewRegisters(uint64(no), a)
}

// scripted builds a sandbox over a fake controller. The spawn sync stop is
// prepended to steps.
func scripted(sink EventSink, steps []step, opts ...Option) (*Sandbox, *fakeController, *[]*forkexec.Runner) {
	ctl := &fakeController{
		steps: append([]step{{status: stopped(unix.SIGSTOP)}}, steps...),
	}
	var started []*forkexec.Runner
	s := New(sink, opts...)
	s.ctl = ctl
	s.start = func(r *forkexec.Runner) (int, func() error, error) {
		started = append(started, r)
		return childPid, func() error { return nil }, nil
	}
	return s, ctl, &started
}

type recorder struct {
	events []Event
}

func (r *recorder) Event(e Event) {
	r.events = append(r.events, e)
}
