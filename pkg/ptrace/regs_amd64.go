package ptrace

import (
	"golang.org/x/sys/unix"
)

// Registers is a snapshot of the tracee's general purpose registers taken at
// a stop. It is re-read on every trap.
type Registers struct {
	unix.PtraceRegs
}

// SyscallNo returns the number of the syscall the tracee is stopped at
func (r *Registers) SyscallNo() uint64 {
	return r.Orig_rax
}

// Args returns the six syscall arguments in ABI order
func (r *Registers) Args() [6]uint64 {
	return [6]uint64{r.Rdi, r.Rsi, r.Rdx, r.R10, r.R8, r.R9}
}

// SetReturnValue sets the value the syscall returns if it is skipped
func (r *Registers) SetReturnValue(ret int64) {
	r.Rax = uint64(ret)
}

// ReturnValue returns the syscall return register
func (r *Registers) ReturnValue() int64 {
	return int64(r.Rax)
}

// NewRegisters builds a snapshot of a stop at syscall no, for scripted
// controllers
func NewRegisters(no uint64, args [6]uint64) *Registers {
	r := new(Registers)
	r.Orig_rax = no
	r.Rdi, r.Rsi, r.Rdx, r.R10, r.R8, r.R9 = args[0], args[1], args[2], args[3], args[4], args[5]
	return r
}

func getRegs(pid int, regs *Registers) error {
	return unix.PtraceGetRegs(pid, &regs.PtraceRegs)
}

func skipSyscall(pid int, regs *Registers) error {
	regs.Orig_rax = ^uint64(0) // -1
	return unix.PtraceSetRegs(pid, &regs.PtraceRegs)
}
