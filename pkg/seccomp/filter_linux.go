// Package seccomp describes syscall filter policies and the compiled filter
// loaded into the child.
//
// A Policy is an ordered list of rules evaluated first match wins. It can be
// evaluated in Go with Classify, and compiled to BPF by the libseccomp
// subpackage. Both must agree for every syscall.
package seccomp

import (
	"golang.org/x/sys/unix"
)

// Filter is the BPF seccomp filter value
type Filter []unix.SockFilter

// SockFprog converts Filter to SockFprog for seccomp syscall
func (f Filter) SockFprog() *unix.SockFprog {
	b := []unix.SockFilter(f)
	return &unix.SockFprog{
		Len:    uint16(len(b)),
		Filter: &b[0],
	}
}
