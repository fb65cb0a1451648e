package libseccomp

import (
	"fmt"

	"github.com/elastic/go-seccomp-bpf/arch"
)

var (
	info, errInfo = arch.GetInfo("")
	syscallNo     = make(map[string]int)
)

func init() {
	if errInfo != nil {
		return
	}
	for no, name := range info.SyscallNumbers {
		syscallNo[name] = no
	}
}

// ToSyscallName convert syscallno to syscall name
func ToSyscallName(sysno uint) (string, error) {
	if errInfo != nil {
		return "", errInfo
	}
	n, ok := info.SyscallNumbers[int(sysno)]
	if !ok {
		return "", fmt.Errorf("syscall no %d does not exist", sysno)
	}
	return n, nil
}

// ToSyscallNo convert syscall name to the native syscall number
func ToSyscallNo(name string) (int, bool) {
	no, ok := syscallNo[name]
	return no, ok
}

// Supported filters names down to the syscalls that exist on the native
// architecture, returning the kept and the skipped names
func Supported(names []string) (kept, skipped []string) {
	for _, n := range names {
		if _, ok := syscallNo[n]; ok {
			kept = append(kept, n)
		} else {
			skipped = append(skipped, n)
		}
	}
	return kept, skipped
}
