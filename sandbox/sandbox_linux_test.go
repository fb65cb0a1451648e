package sandbox

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/codius/go-sandbox/pkg/forkexec"
	"github.com/codius/go-sandbox/vfs"
)

// skipUnsupported skips when the kernel or the container forbids tracing or
// seccomp filters
func skipUnsupported(t *testing.T, err error) {
	t.Helper()
	var ce forkexec.ChildError
	if errors.As(err, &ce) {
		switch ce.Location {
		case forkexec.LocPtraceMe, forkexec.LocSeccomp, forkexec.LocSetNoNewPrivs:
			t.Skipf("sandbox not supported: %v", err)
		}
	}
	if errors.Is(err, unix.EPERM) || errors.Is(err, unix.ENOSYS) {
		t.Skipf("sandbox not supported: %v", err)
	}
}

func lookPath(t *testing.T, name string) string {
	t.Helper()
	p, err := exec.LookPath(name)
	if err != nil {
		t.Skipf("%s not found: %v", name, err)
	}
	return p
}

func runSandbox(t *testing.T, argv []string, opts ...Option) (*recorder, error) {
	t.Helper()
	rec := &recorder{}
	s := New(rec, opts...)
	defer s.Close()

	if err := s.Spawn(argv); err != nil {
		skipUnsupported(t, err)
		t.Fatalf("Spawn() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	err := s.Run(ctx)
	if errors.Is(err, KindSetup) {
		skipUnsupported(t, err)
	}
	if err == nil {
		assert.False(t, s.Running())
		assert.ErrorIs(t, s.Tick(ctx), ErrNotRunning)
	}
	return rec, err
}

func TestRunTrue(t *testing.T) {
	rec, err := runSandbox(t, []string{lookPath(t, "true")})
	require.NoError(t, err)
	require.Len(t, rec.events, 2)
	assert.Equal(t, EventExited, rec.events[0].Kind)
	assert.Equal(t, 0, rec.events[0].ExitStatus)
	assert.Equal(t, EventReleased, rec.events[1].Kind)
	assert.Equal(t, rec.events[0].Pid, rec.events[1].Pid)
}

func TestRunExitStatus(t *testing.T) {
	rec, err := runSandbox(t, []string{lookPath(t, "false")})
	require.NoError(t, err)
	require.Len(t, rec.events, 2)
	assert.Equal(t, 1, rec.events[0].ExitStatus)
}

func TestRunOpenIntercepted(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "data")
	require.NoError(t, os.WriteFile(file, []byte("hello\n"), 0644))

	tests := []struct {
		name   string
		mode   vfs.Mode
		status int
	}{
		{"allowed", vfs.ModeReadWrite, 0},
		{"denied", vfs.ModeDeny, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := vfs.New()
			require.NoError(t, v.Mount(dir, tt.mode))
			var paths []string
			record := func(r *vfs.Request) { paths = append(paths, r.Path) }
			v.Handle("open", record)
			v.Handle("openat", record)

			rec, err := runSandbox(t, []string{lookPath(t, "head"), "-c", "1", file}, WithVFS(v))
			require.NoError(t, err)
			assert.Contains(t, paths, file)
			require.Len(t, rec.events, 2)
			assert.Equal(t, tt.status, rec.events[0].ExitStatus)
		})
	}
}

func TestRunSignaled(t *testing.T) {
	rec := &recorder{}
	s := New(rec)
	defer s.Close()

	if err := s.Spawn([]string{lookPath(t, "sleep"), "10"}); err != nil {
		skipUnsupported(t, err)
		t.Fatalf("Spawn() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	for s.State() != StateRunning {
		err := s.Tick(ctx)
		if errors.Is(err, KindSetup) {
			skipUnsupported(t, err)
		}
		require.NoError(t, err)
	}
	require.NoError(t, unix.Kill(s.Pid(), unix.SIGTERM))

	err := s.Run(ctx)
	require.ErrorIs(t, err, KindChildCrash)
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, int(unix.SIGTERM), se.Signal())
	assert.Empty(t, rec.events)
	assert.ErrorIs(t, s.Tick(ctx), ErrNotRunning)
}

func TestRunTimeout(t *testing.T) {
	s := New(nil)
	defer s.Close()

	if err := s.Spawn([]string{lookPath(t, "sleep"), "10"}); err != nil {
		skipUnsupported(t, err)
		t.Fatalf("Spawn() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := s.Run(ctx)
	if errors.Is(err, KindSetup) {
		skipUnsupported(t, err)
	}
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.False(t, s.Running())
}
