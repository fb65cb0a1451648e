package ptrace

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/codius/go-sandbox/pkg/seccomp/libseccomp"
)

// ErrUnknownSyscall is returned when a syscall number has no name on the
// native architecture
var ErrUnknownSyscall = errors.New("ptrace: unknown syscall")

// Syscall is the decoded view of one intercepted syscall. It is built once
// per trap and handed to exactly one handler.
type Syscall struct {
	Pid  int
	No   uint64
	Name string
	Args [6]uint64

	// Return is the value forced when the call is denied, 0 at entry
	Return int64
	Errno  unix.Errno
}

// NewSyscall decodes the syscall the tracee is stopped at
func NewSyscall(pid int, regs *Registers) (*Syscall, error) {
	no := regs.SyscallNo()
	name, err := libseccomp.ToSyscallName(uint(no))
	if err != nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSyscall, no)
	}
	return &Syscall{
		Pid:  pid,
		No:   no,
		Name: name,
		Args: regs.Args(),
	}, nil
}

// Deny marks the syscall to be skipped, failing with errno
func (s *Syscall) Deny(errno unix.Errno) {
	s.Errno = errno
	s.Return = -int64(errno)
}

// Denied reports whether a handler denied the syscall
func (s *Syscall) Denied() bool {
	return s.Errno != 0
}

// Arg returns argument i as a pointer sized value
func (s *Syscall) Arg(i int) uintptr {
	return uintptr(s.Args[i])
}

// FD returns argument i as a file descriptor
func (s *Syscall) FD(i int) int {
	return int(int32(s.Args[i]))
}

func (s *Syscall) String() string {
	ret := fmt.Sprintf("%s(%#x, %#x, %#x, %#x, %#x, %#x)", s.Name,
		s.Args[0], s.Args[1], s.Args[2], s.Args[3], s.Args[4], s.Args[5])
	if s.Denied() {
		ret += " = " + s.Errno.Error()
	}
	return ret
}
