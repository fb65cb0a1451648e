package sandbox

import (
	"log/slog"

	"github.com/codius/go-sandbox/pkg/ptrace"
	"github.com/codius/go-sandbox/pkg/rlimit"
	"github.com/codius/go-sandbox/vfs"
)

// Option configures a Sandbox
type Option func(*Sandbox)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sandbox) { s.logger = l }
}

// WithVFS sets the filesystem layer. Its descriptor threshold is also the
// filter's.
func WithVFS(v *vfs.VFS) Option {
	return func(s *Sandbox) { s.vfs = v }
}

// WithAllow allows extra syscalls without interception
func WithAllow(names ...string) Option {
	return func(s *Sandbox) { s.allow = append(s.allow, names...) }
}

// WithEnv sets the child environment. The default is the current one.
func WithEnv(env []string) Option {
	return func(s *Sandbox) { s.env = env }
}

// WithWorkDir sets the child working directory
func WithWorkDir(dir string) Option {
	return func(s *Sandbox) { s.workDir = dir }
}

// WithRLimits sets the resource limits applied in the child before exec
func WithRLimits(r rlimit.RLimits) Option {
	return func(s *Sandbox) { s.rlimits = r }
}

// WithSyscallHook calls h with every intercepted syscall after it has been
// decided
func WithSyscallHook(h func(*ptrace.Syscall)) Option {
	return func(s *Sandbox) { s.hooks = append(s.hooks, h) }
}

// WithJournal records intercepted syscalls and events to j
func WithJournal(j *Journal) Option {
	return func(s *Sandbox) {
		s.hooks = append(s.hooks, j.Syscall)
		s.sinks = append(s.sinks, j)
	}
}

// WithIgnoreUnknownSyscalls lets syscalls missing from the name table pass
// instead of aborting the sandbox
func WithIgnoreUnknownSyscalls() Option {
	return func(s *Sandbox) { s.ignoreUnknown = true }
}
