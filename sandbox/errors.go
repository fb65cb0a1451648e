package sandbox

import (
	"errors"
	"fmt"
)

// Kind classifies a fatal sandbox error
type Kind int

// Error kinds
const (
	KindInvalid Kind = iota // 0 not initialized

	// KindSetup is a failure to start the child: fork, filter, exec
	KindSetup
	// KindProtocol is a trace invariant violation: failed wait or trace
	// call, unknown syscall, unexpected wait result
	KindProtocol
	// KindPolicy is a policy resolution failure. The VFS recovers these
	// itself, the kind exists for errors raised by custom handlers.
	KindPolicy
	// KindChildCrash is a child killed by a real signal while traced
	KindChildCrash
)

var kindString = []string{
	"Invalid",
	"Setup Error",
	"Protocol Error",
	"Policy Error",
	"Child Crash",
}

func (k Kind) String() string {
	i := int(k)
	if i >= 0 && i < len(kindString) {
		return kindString[i]
	}
	return kindString[0]
}

func (k Kind) Error() string {
	return k.String()
}

// Error is a fatal condition that terminated the sandbox
type Error struct {
	Kind Kind
	Op   string
	Pid  int
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v: %s (pid %d)", e.Kind, e.Op, e.Pid)
	}
	return fmt.Sprintf("%v: %s (pid %d): %v", e.Kind, e.Op, e.Pid, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the error against its Kind, so errors.Is(err, KindSetup) works
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// Signal returns the signal that killed the child for KindChildCrash
func (e *Error) Signal() int {
	var s crashSignal
	if errors.As(e.Err, &s) {
		return int(s)
	}
	return 0
}

type crashSignal int

func (s crashSignal) Error() string {
	return fmt.Sprintf("killed by signal %d", int(s))
}

func newError(kind Kind, op string, pid int, err error) *Error {
	return &Error{Kind: kind, Op: op, Pid: pid, Err: err}
}

// Sentinel errors of the sandbox life cycle
var (
	ErrNotRunning     = errors.New("sandbox: not running")
	ErrAlreadySpawned = errors.New("sandbox: already spawned")
	ErrReentrant      = errors.New("sandbox: called during event delivery")
	ErrClosed         = errors.New("sandbox: closed")
)
