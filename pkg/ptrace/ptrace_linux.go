package ptrace

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// regset notes
const (
	ntPrStatus      = 1
	ntArmSystemCall = 0x404
)

func ptrace(request int, pid int, addr uintptr, data uintptr) error {
	_, _, e1 := unix.Syscall6(unix.SYS_PTRACE, uintptr(request), uintptr(pid), addr, data, 0, 0)
	if e1 != 0 {
		return e1
	}
	return nil
}

func getIovec(base *byte, l int) unix.Iovec {
	iov := unix.Iovec{Base: base}
	iov.SetLen(l)
	return iov
}

func ptraceGetRegSet(pid int, regs *unix.PtraceRegs) error {
	iov := getIovec((*byte)(unsafe.Pointer(regs)), int(unsafe.Sizeof(*regs)))
	return ptrace(unix.PTRACE_GETREGSET, pid, ntPrStatus, uintptr(unsafe.Pointer(&iov)))
}

func ptraceSetRegSet(pid int, regs *unix.PtraceRegs) error {
	iov := getIovec((*byte)(unsafe.Pointer(regs)), int(unsafe.Sizeof(*regs)))
	return ptrace(unix.PTRACE_SETREGSET, pid, ntPrStatus, uintptr(unsafe.Pointer(&iov)))
}

// ptraceSetSyscallNo rewrites the syscall number on architectures where it
// lives outside the general purpose registers
func ptraceSetSyscallNo(pid int, no int32) error {
	iov := getIovec((*byte)(unsafe.Pointer(&no)), int(unsafe.Sizeof(no)))
	return ptrace(unix.PTRACE_SETREGSET, pid, ntArmSystemCall, uintptr(unsafe.Pointer(&iov)))
}
