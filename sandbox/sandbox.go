// Package sandbox runs an untrusted program under ptrace and a seccomp filter.
//
// A Sandbox forks the child, which requests tracing, stops, loads the filter
// and executes the program. Every syscall the filter traps is decoded and
// handed to the VFS, which may deny it. The host drives the sandbox one trace
// event at a time with Tick and receives lifecycle Events synchronously:
//
//	s := sandbox.New(sink)
//	defer s.Close()
//	if err := s.Spawn([]string{"/bin/true"}); err != nil {
//		return err
//	}
//	for s.Running() {
//		if err := s.Tick(ctx); err != nil {
//			return err
//		}
//	}
//
// Every trace call runs on a dedicated locked OS thread owned by the sandbox.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/codius/go-sandbox/pkg/forkexec"
	"github.com/codius/go-sandbox/pkg/ptrace"
	"github.com/codius/go-sandbox/pkg/rlimit"
	"github.com/codius/go-sandbox/vfs"
)

// State is the life cycle stage of a sandbox
type State int32

// Sandbox states
const (
	StateUnstarted State = iota
	StateSpawning
	StateTracing // attached, child not yet executed
	StateRunning
	StateExiting
	StateTerminated
)

var stateString = []string{
	"unstarted",
	"spawning",
	"tracing",
	"running",
	"exiting",
	"terminated",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateString) {
		return stateString[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// traceOptions are set on the child once it stopped for the tracer
const traceOptions = ptrace.RequiredOptions | ptrace.OptionTraceClone | ptrace.OptionTraceFork |
	ptrace.OptionTraceVFork | ptrace.OptionExitKill

// starter forks the child described by the runner
type starter func(r *forkexec.Runner) (pid int, setupErr func() error, err error)

func startProcess(r *forkexec.Runner) (int, func() error, error) {
	p, err := r.Start()
	if err != nil {
		return 0, nil, err
	}
	return p.Pid, p.SetupError, nil
}

// Sandbox traces one child process and its descendants
type Sandbox struct {
	sinks         []EventSink
	logger        *slog.Logger
	vfs           *vfs.VFS
	allow         []string
	env           []string
	workDir       string
	rlimits       rlimit.RLimits
	hooks         []func(*ptrace.Syscall)
	ignoreUnknown bool

	ctl    ptrace.Controller
	start  starter
	thread *thread

	mu         sync.Mutex
	delivering atomic.Bool
	state      atomic.Int32
	childPid   atomic.Int64
	closed     bool

	// owned by the tracer thread
	pid      int
	execved  bool
	tracees  map[int]bool // pid -> initial stop seen
	setupErr func() error
}

// New creates a sandbox delivering events to sink, which may be nil. Close
// must be called to release the tracer thread.
func New(sink EventSink, opts ...Option) *Sandbox {
	s := &Sandbox{
		logger: slog.New(slog.DiscardHandler),
		ctl:    ptrace.Tracer{},
		start:  startProcess,
	}
	if sink != nil {
		s.sinks = append(s.sinks, sink)
	}
	for _, o := range opts {
		o(s)
	}
	if s.vfs == nil {
		s.vfs = vfs.New(vfs.WithLogger(s.logger))
	}
	if s.env == nil {
		s.env = os.Environ()
	}
	s.thread = newThread()
	return s
}

// VFS returns the filesystem layer, for registering handlers and mounts
// before Spawn
func (s *Sandbox) VFS() *vfs.VFS {
	return s.vfs
}

// State returns the current state
func (s *Sandbox) State() State {
	return State(s.state.Load())
}

func (s *Sandbox) setState(st State) {
	s.state.Store(int32(st))
}

// Running reports whether the child is still traced and Tick may be called
func (s *Sandbox) Running() bool {
	switch s.State() {
	case StateTracing, StateRunning, StateExiting:
		return true
	}
	return false
}

// Pid returns the pid of the child, 0 before Spawn
func (s *Sandbox) Pid() int {
	return int(s.childPid.Load())
}

// Spawn starts argv under the sandbox. argv[0] is the path of the program.
// The child is stopped at the sync point, traced and resumed before Spawn
// returns.
func (s *Sandbox) Spawn(argv []string) error {
	if s.delivering.Load() {
		return ErrReentrant
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.State() != StateUnstarted {
		return ErrAlreadySpawned
	}
	var err error
	s.thread.do(func() {
		err = s.spawn(argv)
	})
	return err
}

// Tick waits for exactly one change of a traced process and handles it.
// Events it produces are delivered before it returns. Cancelling ctx kills
// the child and terminates the sandbox. Any returned error other than
// ErrNotRunning or ErrReentrant terminated the sandbox.
func (s *Sandbox) Tick(ctx context.Context) error {
	if s.delivering.Load() {
		return ErrReentrant
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Running() {
		return ErrNotRunning
	}
	var (
		events []Event
		err    error
	)
	s.thread.do(func() {
		events, err = s.tick(ctx)
	})
	s.deliver(events)
	return err
}

// Run ticks until the child is released or an error occurs
func (s *Sandbox) Run(ctx context.Context) error {
	for s.Running() {
		if err := s.Tick(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Kill kills the child and all its descendants between ticks, then delivers
// EventReleased
func (s *Sandbox) Kill() error {
	if s.delivering.Load() {
		return ErrReentrant
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Running() {
		return ErrNotRunning
	}
	s.thread.do(s.terminate)
	s.deliver([]Event{{Kind: EventReleased, Pid: s.pid}})
	return nil
}

// Close kills any child still traced and releases the tracer thread. It is
// safe to call more than once.
func (s *Sandbox) Close() error {
	if s.delivering.Load() {
		return ErrReentrant
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.State() != StateTerminated {
		s.thread.do(s.terminate)
	}
	s.thread.stop()
	return nil
}

func (s *Sandbox) deliver(events []Event) {
	if len(events) == 0 {
		return
	}
	s.delivering.Store(true)
	defer s.delivering.Store(false)

	for _, e := range events {
		s.logger.Debug("sandbox: event", "event", e)
		for _, sink := range s.sinks {
			sink.Event(e)
		}
	}
}

func (s *Sandbox) spawn(argv []string) error {
	s.setState(StateSpawning)

	filter, err := s.buildFilter()
	if err != nil {
		s.setState(StateTerminated)
		return newError(KindSetup, "build filter", 0, err)
	}
	r := &forkexec.Runner{
		Args:    argv,
		Env:     s.env,
		RLimits: s.rlimits.PrepareRLimit(),
		WorkDir: s.workDir,
		Seccomp: filter.SockFprog(),
		Ptrace:  true,
	}
	pid, setupErr, err := s.start(r)
	if err != nil {
		s.setState(StateTerminated)
		return newError(KindSetup, "start", 0, err)
	}
	s.pid = pid
	s.childPid.Store(int64(pid))
	s.setupErr = setupErr
	s.tracees = map[int]bool{pid: true}
	s.vfs.SetReader(ptrace.NewMemoryReader(s.ctl))
	s.logger.Debug("sandbox: child started", "pid", pid, "argv", argv)

	// the child stops itself right after PTRACE_TRACEME
	w, err := s.ctl.Wait(pid)
	if err != nil {
		return s.fail(KindProtocol, "wait", pid, err)
	}
	if !w.Stopped() {
		return s.setupFailure(pid)
	}
	if sig := w.StopSignal(); sig != int(unix.SIGSTOP) {
		return s.fail(KindProtocol, "sync", pid, fmt.Errorf("unexpected stop: %v", w.Status))
	}
	if err := s.ctl.SetOptions(pid, traceOptions); err != nil {
		return s.fail(KindProtocol, "setoptions", pid, err)
	}
	s.setState(StateTracing)
	if err := s.ctl.Cont(pid, 0); err != nil {
		return s.fail(KindProtocol, "cont", pid, err)
	}
	return nil
}

// terminate kills the process group of the child and reaps every member.
// A tracee held in a ptrace stop, the exit stop included, dies only once it
// is resumed, so every known tracee and every stop seen while reaping is
// continued.
func (s *Sandbox) terminate() {
	if s.pid > 0 {
		s.ctl.Kill(-s.pid, int(unix.SIGKILL))
		s.ctl.Kill(s.pid, int(unix.SIGKILL))
		for pid := range s.tracees {
			if pid != s.pid {
				s.ctl.Kill(pid, int(unix.SIGKILL))
			}
			s.ctl.Cont(pid, 0)
		}
		s.reap(-s.pid)
		// tracees that left the process group
		for pid := range s.tracees {
			s.reap(pid)
		}
		s.tracees = nil
	}
	s.setState(StateTerminated)
}

// reap waits on pid until nothing is left to wait for
func (s *Sandbox) reap(pid int) {
	for {
		w, err := s.ctl.Wait(pid)
		if err != nil {
			return
		}
		if w.Stopped() {
			s.ctl.Cont(w.Pid, 0)
		}
	}
}

// fail terminates the sandbox and returns the fatal error
func (s *Sandbox) fail(kind Kind, op string, pid int, err error) error {
	s.logger.Debug("sandbox: fatal", "kind", kind, "op", op, "pid", pid, "error", err)
	s.terminate()
	return newError(kind, op, pid, err)
}

// setupFailure terminates the sandbox after the child died before execve and
// returns the reason the child reported
func (s *Sandbox) setupFailure(pid int) error {
	s.terminate()
	// the child is reaped, so its end of the error socket is closed
	err := s.setupErr()
	if err == nil {
		err = fmt.Errorf("child exited before execve")
	}
	return newError(KindSetup, "execve", pid, err)
}
