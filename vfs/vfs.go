// Package vfs mediates the filesystem syscalls a sandboxed process makes.
//
// The tracer hands every intercepted call to HandleSyscall. Path arguments are
// read out of the child, made absolute and checked against a set of mounts.
// Registered handlers see the decoded request first and may deny it
// themselves. HandleSyscall never blocks on the child and always returns the
// record it was given, marked denied or not.
package vfs

import (
	"log/slog"
	"path"

	"golang.org/x/sys/unix"

	"github.com/codius/go-sandbox/pkg/ptrace"
)

// DefaultFDThreshold is the first descriptor number the filter lets through
// untraced. Descriptor calls below it are handed to the VFS.
const DefaultFDThreshold = 4098

// MemoryReader reads arguments out of the stopped child
type MemoryReader interface {
	ReadString(pid int, addr uintptr) ([]byte, error)
	ReadWords(pid int, addr uintptr, n int) ([]uint64, error)
}

// Request is the decoded view of an intercepted call passed to handlers
type Request struct {
	Syscall *ptrace.Syscall

	// Path is the absolute, cleaned path the call refers to, empty for pure
	// descriptor calls
	Path string
	// RawPath is the path argument exactly as the child passed it
	RawPath string
	// FD is the descriptor argument, -1 if the call has none
	FD int
	// Write is set for calls that may modify the file
	Write bool

	procLink bool
}

// Deny fails the call with errno
func (r *Request) Deny(errno unix.Errno) {
	r.Syscall.Deny(errno)
}

// Handler inspects a request. It may call Deny.
type Handler func(*Request)

// VFS is the filesystem interception layer of one sandbox
type VFS struct {
	reader      MemoryReader
	mounts      *MountSet
	defaultMode Mode
	threshold   int
	handlers    map[string][]Handler
	procRoot    string
	logger      *slog.Logger
}

// Option configures a VFS
type Option func(*VFS)

// WithReader sets the memory reader used to fetch path arguments
func WithReader(r MemoryReader) Option {
	return func(v *VFS) { v.reader = r }
}

// WithDefaultMode sets the mode for paths outside every mount
func WithDefaultMode(m Mode) Option {
	return func(v *VFS) { v.defaultMode = m }
}

// WithThreshold sets the descriptor threshold shared with the filter
func WithThreshold(fd int) Option {
	return func(v *VFS) { v.threshold = fd }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(v *VFS) { v.logger = l }
}

// New creates a VFS without mounts. Paths default to ModeReadWrite.
func New(opts ...Option) *VFS {
	v := &VFS{
		mounts:      NewMountSet(),
		defaultMode: ModeReadWrite,
		threshold:   DefaultFDThreshold,
		handlers:    make(map[string][]Handler),
		procRoot:    "/proc",
		logger:      slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// SetReader sets the memory reader. The sandbox calls it once the tracer
// exists.
func (v *VFS) SetReader(r MemoryReader) {
	v.reader = r
}

// SetLogger replaces the logger
func (v *VFS) SetLogger(l *slog.Logger) {
	v.logger = l
}

// Mount binds path to mode
func (v *VFS) Mount(p string, mode Mode) error {
	return v.mounts.Add(p, mode)
}

// Mounts returns the mount table
func (v *VFS) Mounts() *MountSet {
	return v.mounts
}

// Handle registers h for the syscall name. Handlers run in registration order.
func (v *VFS) Handle(name string, h Handler) {
	v.handlers[name] = append(v.handlers[name], h)
}

// Threshold returns the descriptor threshold
func (v *VFS) Threshold() int {
	return v.threshold
}

// Managed reports whether fd is below the threshold, i.e. its calls are
// intercepted
func (v *VFS) Managed(fd int) bool {
	return fd >= 0 && fd < v.threshold
}

// Check returns whether the mount policy allows the access to the absolute
// path p. Paths through procfs links such as /proc/self/root are not covered
// by any mount and get the default mode.
func (v *VFS) Check(p string, write bool) (Mode, bool) {
	return v.check(path.Clean(p), write, throughProcLink(p))
}

func (v *VFS) check(p string, write, procLink bool) (Mode, bool) {
	m, ok := v.mounts.Lookup(p)
	if !ok || procLink {
		m = v.defaultMode
	}
	return m, m.Allows(write)
}

// HandleSyscall decides an intercepted call. The returned record is sc,
// denied with EACCES if the policy or a handler refused it.
func (v *VFS) HandleSyscall(sc *ptrace.Syscall) *ptrace.Syscall {
	req := &Request{Syscall: sc, FD: -1}
	c, known := calls[sc.Name]
	if known {
		if err := v.decode(c, req); err != nil {
			v.logger.Warn("vfs: cannot resolve arguments, allowing",
				"pid", sc.Pid, "syscall", sc.Name, "error", err)
			return sc
		}
	}

	for _, h := range v.handlers[sc.Name] {
		h(req)
		if sc.Denied() {
			v.logger.Debug("vfs: denied by handler",
				"pid", sc.Pid, "syscall", sc.Name, "path", req.Path, "errno", sc.Errno)
			return sc
		}
	}

	if known && c.policy {
		mode, ok := v.check(req.Path, req.Write, req.procLink)
		if !ok {
			sc.Deny(unix.EACCES)
		}
		v.logger.Debug("vfs: path access",
			"pid", sc.Pid, "syscall", sc.Name, "path", req.Path, "write", req.Write,
			"mode", mode, "allowed", ok)
		return sc
	}

	v.logger.Debug("vfs: observed", "pid", sc.Pid, "syscall", sc.Name, "fd", req.FD,
		"managed", v.Managed(req.FD))
	return sc
}
