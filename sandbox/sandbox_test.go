package sandbox

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/codius/go-sandbox/pkg/forkexec"
	"github.com/codius/go-sandbox/pkg/ptrace"
	"github.com/codius/go-sandbox/pkg/seccomp"
	"github.com/codius/go-sandbox/vfs"
)

func atFDCWD() uint64 {
	fd := int64(unix.AT_FDCWD)
	return uint64(fd)
}

func runAll(t *testing.T, s *Sandbox) error {
	t.Helper()
	for i := 0; s.Running(); i++ {
		require.Less(t, i, 100, "tick loop does not terminate")
		if err := s.Tick(context.Background()); err != nil {
			return err
		}
	}
	return nil
}

func TestSpawnSetsUpTracing(t *testing.T) {
	s, ctl, started := scripted(nil, nil, WithEnv([]string{"A=1"}), WithWorkDir("/tmp"))
	defer s.Close()

	require.NoError(t, s.Spawn([]string{"/bin/true"}))
	assert.Equal(t, StateTracing, s.State())
	assert.True(t, s.Running())
	assert.Equal(t, childPid, s.Pid())
	assert.Equal(t, traceOptions, ctl.options)
	assert.True(t, ctl.options.Has(ptrace.RequiredOptions))
	assert.Equal(t, []contCall{{childPid, 0}}, ctl.conts)

	require.Len(t, *started, 1)
	r := (*started)[0]
	assert.Equal(t, []string{"/bin/true"}, r.Args)
	assert.Equal(t, []string{"A=1"}, r.Env)
	assert.Equal(t, "/tmp", r.WorkDir)
	assert.True(t, r.Ptrace)
	require.NotNil(t, r.Seccomp)
	assert.NotZero(t, r.Seccomp.Len)

	assert.ErrorIs(t, s.Spawn([]string{"/bin/true"}), ErrAlreadySpawned)
}

func TestExitThenRelease(t *testing.T) {
	rec := &recorder{}
	s, ctl, _ := scripted(rec, []step{
		{status: trapped(ptrace.EventExec)},
		{status: trapped(ptrace.EventExit), msg: uint(exited(0))},
	})
	defer s.Close()

	require.NoError(t, s.Spawn([]string{"/bin/true"}))
	require.NoError(t, s.Tick(context.Background()))
	assert.Equal(t, StateRunning, s.State())
	assert.Empty(t, rec.events)

	require.NoError(t, s.Tick(context.Background()))
	assert.Equal(t, []Event{
		{Kind: EventExited, Pid: childPid, ExitStatus: 0},
		{Kind: EventReleased, Pid: childPid},
	}, rec.events)
	assert.False(t, s.Running())
	assert.Equal(t, StateTerminated, s.State())
	assert.Equal(t, []int{childPid}, ctl.detached)
	assert.Contains(t, ctl.killed, -childPid)

	waits := ctl.waits
	assert.ErrorIs(t, s.Tick(context.Background()), ErrNotRunning)
	assert.Equal(t, waits, ctl.waits, "tick on a terminated sandbox must not wait")
	assert.Len(t, rec.events, 2)
}

func TestExitStatus(t *testing.T) {
	rec := &recorder{}
	s, _, _ := scripted(rec, []step{
		{status: trapped(ptrace.EventExec)},
		{status: trapped(ptrace.EventExit), msg: uint(exited(3))},
	})
	defer s.Close()

	require.NoError(t, s.Spawn([]string{"prog"}))
	require.NoError(t, s.Run(context.Background()))
	require.Len(t, rec.events, 2)
	assert.Equal(t, 3, rec.events[0].ExitStatus)
}

func TestOpenInterception(t *testing.T) {
	const pathAddr = 0x7ffd0000
	v := vfs.New()
	require.NoError(t, v.Mount("/secret", vfs.ModeDeny))
	var paths []string
	v.Handle("openat", func(r *vfs.Request) { paths = append(paths, r.Path) })

	s, ctl, _ := scripted(nil, []step{
		{status: trapped(ptrace.EventExec)},
		{
			status: trapped(ptrace.EventSeccomp),
			msg:    uint(seccomp.MsgHandle),
			regs:   syscallRegs("openat", atFDCWD(), pathAddr, unix.O_RDONLY),
		},
		{
			status: trapped(ptrace.EventSeccomp),
			msg:    uint(seccomp.MsgHandle),
			regs:   syscallRegs("openat", atFDCWD(), pathAddr+64, unix.O_RDONLY),
		},
		{status: trapped(ptrace.EventExit), msg: uint(exited(0))},
	}, WithVFS(v))
	defer s.Close()
	ctl.putString(pathAddr, "/etc/hostname")
	ctl.putString(pathAddr+64, "/secret/key")

	require.NoError(t, s.Spawn([]string{"cat"}))
	require.NoError(t, runAll(t, s))
	assert.Equal(t, []string{"/etc/hostname", "/secret/key"}, paths)
	assert.Equal(t, []int64{-int64(unix.EACCES)}, ctl.skipped)
}

func TestPtraceDisallowed(t *testing.T) {
	var seen []*ptrace.Syscall
	s, ctl, _ := scripted(nil, []step{
		{status: trapped(ptrace.EventExec)},
		{
			status: trapped(ptrace.EventSeccomp),
			msg:    uint(seccomp.MsgDisallow),
			regs:   syscallRegs("ptrace", unix.PTRACE_TRACEME),
		},
	}, WithSyscallHook(func(sc *ptrace.Syscall) { seen = append(seen, sc) }))
	defer s.Close()

	require.NoError(t, s.Spawn([]string{"prog"}))
	require.NoError(t, s.Tick(context.Background()))
	require.NoError(t, s.Tick(context.Background()))
	assert.Equal(t, []int64{-int64(unix.EPERM)}, ctl.skipped)
	require.Len(t, seen, 1)
	assert.Equal(t, "ptrace", seen[0].Name)
	assert.Equal(t, unix.EPERM, seen[0].Errno)
	assert.True(t, s.Running())
}

func TestUnknownSyscall(t *testing.T) {
	steps := []step{
		{status: trapped(ptrace.EventExec)},
		{
			status: trapped(ptrace.EventSeccomp),
			msg:    uint(seccomp.MsgHandle),
			regs:   ptrace.NewRegisters(1<<20, [6]uint64{}),
		},
	}

	s, ctl1, _ := scripted(nil, steps)
	defer s.Close()
	require.NoError(t, s.Spawn([]string{"prog"}))
	require.NoError(t, s.Tick(context.Background()))
	err := s.Tick(context.Background())
	assert.ErrorIs(t, err, KindProtocol)
	assert.ErrorIs(t, err, ptrace.ErrUnknownSyscall)
	assert.False(t, s.Running())
	assert.False(t, ctl1.blocked, "the trapped tracee was not resumed before reaping")

	s2, ctl, _ := scripted(nil, steps, WithIgnoreUnknownSyscalls())
	defer s2.Close()
	require.NoError(t, s2.Spawn([]string{"prog"}))
	require.NoError(t, s2.Tick(context.Background()))
	require.NoError(t, s2.Tick(context.Background()))
	assert.True(t, s2.Running())
	assert.Empty(t, ctl.skipped)
}

func TestSignalForwarding(t *testing.T) {
	s, ctl, _ := scripted(nil, []step{
		{status: trapped(ptrace.EventExec)},
		{status: stopped(unix.SIGUSR1)},
		{status: trapped(ptrace.EventClone), msg: 101},
		{pid: 101, status: stopped(unix.SIGSTOP)},
		{pid: 101, status: stopped(unix.SIGSTOP)},
		{pid: 101, status: exited(0)},
	})
	defer s.Close()

	require.NoError(t, s.Spawn([]string{"prog"}))
	for i := 0; i < 6; i++ {
		require.NoError(t, s.Tick(context.Background()))
	}
	assert.Equal(t, []contCall{
		{childPid, 0}, // spawn
		{childPid, 0}, // exec
		{childPid, int(unix.SIGUSR1)},
		{childPid, 0}, // clone
		{101, 0},      // initial stop of the new tracee
		{101, int(unix.SIGSTOP)},
	}, ctl.conts)
	assert.True(t, s.Running(), "a non leader exit is bookkeeping only")
}

func TestChildCrash(t *testing.T) {
	tests := []struct {
		name string
		step step
	}{
		{"signaled", step{status: signaled(unix.SIGSEGV)}},
		{"exit event", step{status: trapped(ptrace.EventExit), msg: uint(signaled(unix.SIGSEGV))}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			s, ctl, _ := scripted(rec, []step{{status: trapped(ptrace.EventExec)}, tt.step})
			defer s.Close()

			require.NoError(t, s.Spawn([]string{"prog"}))
			err := runAll(t, s)
			require.ErrorIs(t, err, KindChildCrash)
			var se *Error
			require.ErrorAs(t, err, &se)
			assert.Equal(t, int(unix.SIGSEGV), se.Signal())
			assert.Equal(t, childPid, se.Pid)
			assert.Empty(t, rec.events)
			assert.Equal(t, StateTerminated, s.State())
			assert.False(t, ctl.blocked, "reaping waited on a tracee held in its exit stop")
		})
	}
}

func TestRawExitIsProtocolError(t *testing.T) {
	s, _, _ := scripted(nil, []step{
		{status: trapped(ptrace.EventExec)},
		{status: exited(0)},
	})
	defer s.Close()
	require.NoError(t, s.Spawn([]string{"prog"}))
	assert.ErrorIs(t, runAll(t, s), KindProtocol)
}

func TestWaitFailure(t *testing.T) {
	werr := &ptrace.Error{Op: "wait4", Pid: childPid, Err: unix.ECHILD}
	s, ctl, _ := scripted(nil, []step{{err: werr}})
	defer s.Close()

	require.NoError(t, s.Spawn([]string{"prog"}))
	err := s.Tick(context.Background())
	assert.ErrorIs(t, err, KindProtocol)
	assert.ErrorIs(t, err, unix.ECHILD)
	assert.False(t, s.Running())
	assert.Contains(t, ctl.killed, -childPid)
}

func TestExitBeforeExec(t *testing.T) {
	childErr := forkexec.ChildError{Err: unix.ENOENT, Location: forkexec.LocExecve}
	s, ctl, _ := scripted(nil, []step{
		{status: trapped(ptrace.EventExit), msg: uint(exited(1))},
	})
	s.start = func(r *forkexec.Runner) (int, func() error, error) {
		return childPid, func() error { return childErr }, nil
	}
	defer s.Close()

	require.NoError(t, s.Spawn([]string{"/nonexistent"}))
	err := s.Tick(context.Background())
	assert.ErrorIs(t, err, KindSetup)
	assert.ErrorIs(t, err, unix.ENOENT)
	var ce forkexec.ChildError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, forkexec.LocExecve, ce.Location)
	assert.False(t, ctl.blocked, "reaping waited on a tracee held in its exit stop")
}

func TestSpawnFailures(t *testing.T) {
	s := New(nil)
	defer s.Close()
	s.start = func(r *forkexec.Runner) (int, func() error, error) {
		return 0, nil, forkexec.ChildError{Err: unix.EAGAIN, Location: forkexec.LocClone}
	}
	err := s.Spawn([]string{"prog"})
	assert.ErrorIs(t, err, KindSetup)
	assert.ErrorIs(t, err, unix.EAGAIN)
	assert.Equal(t, StateTerminated, s.State())
	assert.ErrorIs(t, s.Tick(context.Background()), ErrNotRunning)

	// child died before its sync stop
	s2, _, _ := scripted(nil, nil)
	defer s2.Close()
	s2.ctl.(*fakeController).steps[0].status = exited(1)
	assert.ErrorIs(t, s2.Spawn([]string{"prog"}), KindSetup)
}

func TestReentrantSink(t *testing.T) {
	var (
		s    *Sandbox
		errs []error
	)
	sink := SinkFunc(func(e Event) {
		errs = append(errs, s.Tick(context.Background()), s.Kill(), s.Close())
		assert.False(t, s.Running() && e.Kind == EventReleased)
		assert.Equal(t, childPid, s.Pid())
	})
	s, _, _ = scripted(sink, []step{
		{status: trapped(ptrace.EventExec)},
		{status: trapped(ptrace.EventExit), msg: uint(exited(0))},
	})
	defer s.Close()

	require.NoError(t, s.Spawn([]string{"prog"}))
	require.NoError(t, runAll(t, s))
	require.Len(t, errs, 6)
	for _, err := range errs {
		assert.ErrorIs(t, err, ErrReentrant)
	}
}

func TestDeliveryRejectsOtherGoroutines(t *testing.T) {
	var (
		s       *Sandbox
		fromSink error
	)
	sink := SinkFunc(func(e Event) {
		if e.Kind != EventExited {
			return
		}
		done := make(chan error)
		go func() { done <- s.Kill() }()
		fromSink = <-done
	})
	s, _, _ = scripted(sink, []step{
		{status: trapped(ptrace.EventExec)},
		{status: trapped(ptrace.EventExit), msg: uint(exited(0))},
	})
	defer s.Close()

	require.NoError(t, s.Spawn([]string{"prog"}))
	require.NoError(t, runAll(t, s))
	assert.ErrorIs(t, fromSink, ErrReentrant)
	// after delivery the same call is answered normally
	assert.ErrorIs(t, s.Kill(), ErrNotRunning)
}

func TestKill(t *testing.T) {
	rec := &recorder{}
	s, ctl, _ := scripted(rec, []step{{status: trapped(ptrace.EventExec)}})
	defer s.Close()

	require.NoError(t, s.Spawn([]string{"prog"}))
	require.NoError(t, s.Tick(context.Background()))
	require.NoError(t, s.Kill())
	assert.False(t, s.Running())
	assert.Equal(t, []Event{{Kind: EventReleased, Pid: childPid}}, rec.events)
	assert.Equal(t, []int{-childPid, childPid}, ctl.killed)
	assert.ErrorIs(t, s.Kill(), ErrNotRunning)
}

func TestCancelledContext(t *testing.T) {
	s, ctl, _ := scripted(nil, []step{{status: trapped(ptrace.EventExec)}})
	defer s.Close()
	require.NoError(t, s.Spawn([]string{"prog"}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Tick(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, s.Running())
	assert.Contains(t, ctl.killed, -childPid)
	assert.False(t, ctl.blocked)
}

func TestCancelDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recorder{}
	s, ctl, _ := scripted(rec, []step{
		{status: trapped(ptrace.EventExec)},
		{status: trapped(ptrace.EventClone), msg: 101},
		// the kill sent on cancelation stops the leader at its exit
		{status: trapped(ptrace.EventExit), msg: uint(signaled(unix.SIGKILL)), during: cancel},
	})
	defer s.Close()

	require.NoError(t, s.Spawn([]string{"prog"}))
	require.NoError(t, s.Tick(ctx))
	require.NoError(t, s.Tick(ctx))
	err := s.Tick(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateTerminated, s.State())
	assert.Empty(t, rec.events)
	assert.Contains(t, ctl.kills(), -childPid)
	assert.Contains(t, ctl.kills(), 101)
	assert.False(t, ctl.blocked, "reaping waited on a tracee held in its exit stop")
	assert.ErrorIs(t, s.Tick(ctx), ErrNotRunning)
}

func TestClose(t *testing.T) {
	s, ctl, _ := scripted(nil, nil)
	require.NoError(t, s.Spawn([]string{"prog"}))
	require.NoError(t, s.Close())
	assert.Contains(t, ctl.killed, -childPid)
	assert.Equal(t, StateTerminated, s.State())
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Spawn([]string{"prog"}), ErrClosed)
}

func TestJournal(t *testing.T) {
	const pathAddr = 0x10000
	var buf bytes.Buffer
	j := NewJournal(&buf)
	s, ctl, _ := scripted(nil, []step{
		{status: trapped(ptrace.EventExec)},
		{
			status: trapped(ptrace.EventSeccomp),
			msg:    uint(seccomp.MsgHandle),
			regs:   syscallRegs("openat", atFDCWD(), pathAddr, unix.O_WRONLY),
		},
		{status: trapped(ptrace.EventExit), msg: uint(exited(7))},
	}, WithJournal(j), WithVFS(vfs.New(vfs.WithDefaultMode(vfs.ModeReadOnly))))
	defer s.Close()
	ctl.putString(pathAddr, "/out")

	require.NoError(t, s.Spawn([]string{"prog"}))
	require.NoError(t, runAll(t, s))
	require.NoError(t, j.Err())

	recs, err := ReadJournal(&buf)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, RecordSyscall, recs[0].Kind)
	assert.Equal(t, "openat", recs[0].Syscall)
	assert.Equal(t, int(unix.EACCES), recs[0].Errno)
	assert.Equal(t, uint64(pathAddr), recs[0].Args[1])
	assert.Equal(t, RecordExited, recs[1].Kind)
	assert.Equal(t, 7, recs[1].ExitStatus)
	assert.Equal(t, RecordReleased, recs[2].Kind)
	for _, r := range recs {
		assert.Equal(t, childPid, r.Pid)
		assert.NotZero(t, r.Time)
	}
}

func TestJournalWriteError(t *testing.T) {
	j := NewJournal(failWriter{})
	j.Event(Event{Kind: EventReleased, Pid: 1})
	j.Event(Event{Kind: EventReleased, Pid: 1})
	assert.Error(t, j.Err())
}

type failWriter struct{}

func (failWriter) Write(p []byte) (int, error) {
	return 0, errors.New("disk full")
}

func TestErrorFormat(t *testing.T) {
	err := newError(KindChildCrash, "wait", 42, crashSignal(9))
	assert.Equal(t, "Child Crash: wait (pid 42): killed by signal 9", err.Error())
	assert.Equal(t, "Protocol Error", KindProtocol.String())
	assert.Equal(t, "Invalid", Kind(99).String())
	assert.Equal(t, 0, newError(KindSetup, "start", 0, nil).Signal())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "exited(pid 1, status 2)", Event{Kind: EventExited, Pid: 1, ExitStatus: 2}.String())
}
