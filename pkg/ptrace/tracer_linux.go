package ptrace

import (
	"encoding/binary"

	"golang.org/x/sys/unix"

	"github.com/codius/go-sandbox/pkg/wait"
)

// Tracer is the kernel backed Controller. The zero value is ready to use.
type Tracer struct{}

var _ Controller = Tracer{}

// Attach implements Controller
func (Tracer) Attach(pid int) error {
	return opError("attach", pid, unix.PtraceAttach(pid))
}

// Detach implements Controller
func (Tracer) Detach(pid int, sig int) error {
	return opError("detach", pid, ptrace(unix.PTRACE_DETACH, pid, 0, uintptr(sig)))
}

// Cont implements Controller
func (Tracer) Cont(pid int, sig int) error {
	return opError("cont", pid, unix.PtraceCont(pid, sig))
}

// SetOptions implements Controller
func (Tracer) SetOptions(pid int, opts Options) error {
	return opError("setoptions", pid, unix.PtraceSetOptions(pid, int(opts)))
}

// GetRegs implements Controller
func (Tracer) GetRegs(pid int) (*Registers, error) {
	regs := new(Registers)
	if err := getRegs(pid, regs); err != nil {
		return nil, opError("getregs", pid, err)
	}
	return regs, nil
}

// SkipSyscall implements Controller
func (Tracer) SkipSyscall(pid int, regs *Registers, ret int64) error {
	regs.SetReturnValue(ret)
	return opError("setregs", pid, skipSyscall(pid, regs))
}

// PeekWord implements Controller
func (Tracer) PeekWord(pid int, addr uintptr) (uint64, error) {
	var buf [WordSize]byte
	n, err := unix.PtracePeekData(pid, addr, buf[:])
	if err != nil {
		return 0, opError("peekdata", pid, err)
	}
	if n != WordSize {
		return 0, opError("peekdata", pid, unix.EIO)
	}
	return binary.NativeEndian.Uint64(buf[:]), nil
}

// GetEventMsg implements Controller
func (Tracer) GetEventMsg(pid int) (uint, error) {
	msg, err := unix.PtraceGetEventMsg(pid)
	if err != nil {
		return 0, opError("geteventmsg", pid, err)
	}
	return msg, nil
}

// Wait implements Controller. A negative pid waits for any member of that
// process group. Interrupted waits are restarted.
func (Tracer) Wait(pid int) (wait.Result, error) {
	var ws unix.WaitStatus
	for {
		p, err := unix.Wait4(pid, &ws, unix.WALL, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return wait.Result{}, opError("wait4", pid, err)
		}
		return wait.Result{Pid: p, Status: wait.Status(ws)}, nil
	}
}

// Kill implements Controller
func (Tracer) Kill(pid int, sig int) error {
	return opError("kill", pid, unix.Kill(pid, unix.Signal(sig)))
}
