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
	return r.Regs[8] // x8
}

// Args returns the six syscall arguments in ABI order
func (r *Registers) Args() [6]uint64 {
	return [6]uint64{r.Regs[0], r.Regs[1], r.Regs[2], r.Regs[3], r.Regs[4], r.Regs[5]}
}

// SetReturnValue sets the value the syscall returns if it is skipped
func (r *Registers) SetReturnValue(ret int64) {
	r.Regs[0] = uint64(ret) // x0
}

// ReturnValue returns the syscall return register
func (r *Registers) ReturnValue() int64 {
	return int64(r.Regs[0])
}

// NewRegisters builds a snapshot of a stop at syscall no, for scripted
// controllers
func NewRegisters(no uint64, args [6]uint64) *Registers {
	r := new(Registers)
	r.Regs[8] = no
	copy(r.Regs[:6], args[:])
	return r
}

// PTRACE_GETREGS does not exist on arm64
func getRegs(pid int, regs *Registers) error {
	return ptraceGetRegSet(pid, &regs.PtraceRegs)
}

func skipSyscall(pid int, regs *Registers) error {
	if err := ptraceSetRegSet(pid, &regs.PtraceRegs); err != nil {
		return err
	}
	return ptraceSetSyscallNo(pid, -1)
}
