// Package libseccomp compiles seccomp policies to BPF with go-seccomp-bpf and
// maps syscall numbers of the native architecture to names.
package libseccomp

import (
	"fmt"

	"github.com/codius/go-sandbox/pkg/seccomp"
	libseccomp "github.com/elastic/go-seccomp-bpf"
)

// ToSeccompAction convert action to libseccomp compatible action
func ToSeccompAction(a seccomp.Action) libseccomp.Action {
	var action libseccomp.Action
	switch a.Action() {
	case seccomp.ActionAllow:
		action = libseccomp.ActionAllow
	case seccomp.ActionErrno:
		action = libseccomp.ActionErrno
	case seccomp.ActionTrace:
		action = libseccomp.ActionTrace
	default:
		return libseccomp.ActionKillProcess
	}
	// the least 16 bit of ret value is SECCOMP_RET_DATA
	return libseccomp.Action(uint32(action) | uint32(uint16(a.ReturnCode())))
}

// ToSeccompOperation convert the comparison operator
func ToSeccompOperation(o seccomp.Op) (libseccomp.Operation, error) {
	switch o {
	case seccomp.OpEqual:
		return libseccomp.Equal, nil
	case seccomp.OpNotEqual:
		return libseccomp.NotEqual, nil
	case seccomp.OpLess:
		return libseccomp.LessThan, nil
	case seccomp.OpLessOrEqual:
		return libseccomp.LessOrEqual, nil
	case seccomp.OpGreater:
		return libseccomp.GreaterThan, nil
	case seccomp.OpGreaterOrEqual:
		return libseccomp.GreaterOrEqual, nil
	case seccomp.OpBitsSet:
		return libseccomp.BitsSet, nil
	case seccomp.OpBitsNotSet:
		return libseccomp.BitsNotSet, nil
	}
	return "", fmt.Errorf("unsupported operation %v", o)
}
