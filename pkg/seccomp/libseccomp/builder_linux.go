package libseccomp

import (
	"fmt"

	"github.com/codius/go-sandbox/pkg/seccomp"
	libseccomp "github.com/elastic/go-seccomp-bpf"
	"github.com/elastic/go-seccomp-bpf/arch"
	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

// offsets into struct seccomp_data
const (
	offsetNr   = 0
	offsetArch = 4
)

// Builder is used to build the filter
type Builder struct {
	Policy *seccomp.Policy

	// Skipped receives names absent on the native architecture, once per
	// rule they appear in
	Skipped func(name string)
}

// Build builds the filter
func (b *Builder) Build() (seccomp.Filter, error) {
	insts, err := b.Assemble()
	if err != nil {
		return nil, err
	}
	raw, err := bpf.Assemble(insts)
	if err != nil {
		return nil, fmt.Errorf("assemble filter: %w", err)
	}
	return ExportBPF(raw), nil
}

// Assemble compiles the policy into BPF instructions. Rules are checked in
// order and the first match returns, so the program decides exactly as
// Policy.Classify does.
func (b *Builder) Assemble() ([]bpf.Instruction, error) {
	if errInfo != nil {
		return nil, errInfo
	}
	if b.Policy == nil {
		return nil, fmt.Errorf("no policy")
	}
	if err := b.Policy.Validate(); err != nil {
		return nil, err
	}

	type target struct {
		label  libseccomp.Label
		action libseccomp.Action
	}
	var (
		p       = libseccomp.NewProgram()
		targets []target
	)
	for _, r := range b.Policy.Rules {
		names, skipped := Supported(r.Names)
		if b.Skipped != nil {
			for _, n := range skipped {
				b.Skipped(n)
			}
		}
		if len(names) == 0 {
			continue
		}
		var conds []libseccomp.ArgumentConditions
		if len(r.Conditions) > 0 {
			c, err := toConditions(r.Conditions)
			if err != nil {
				return nil, err
			}
			conds = []libseccomp.ArgumentConditions{c}
		}
		t := target{label: p.NewLabel(), action: ToSeccompAction(r.Action)}
		for _, n := range names {
			sc := libseccomp.SyscallWithConditions{
				Num:        uint32(syscallNo[n] | info.SeccompMask),
				Conditions: conds,
			}
			sc.Assemble(&p, t.label)
		}
		targets = append(targets, t)
	}
	p.Ret(ToSeccompAction(b.Policy.Default))
	for _, t := range targets {
		p.SetLabel(t.label)
		p.Ret(t.action)
	}
	body, err := p.Assemble()
	if err != nil {
		return nil, fmt.Errorf("compile filter: %w", err)
	}
	return append(b.header(), body...), nil
}

// header rejects foreign architectures and loads the syscall number
func (b *Builder) header() []bpf.Instruction {
	insts := []bpf.Instruction{
		bpf.LoadAbsolute{Off: offsetArch, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(info.ID), SkipTrue: 1},
		bpf.RetConstant{Val: uint32(libseccomp.ActionKillProcess)},
		bpf.LoadAbsolute{Off: offsetNr, Size: 4},
	}
	if info.ID == arch.X86_64.ID {
		// x32 syscalls share the audit arch of x86_64
		insts = append(insts,
			bpf.JumpIf{Cond: bpf.JumpGreaterOrEqual, Val: uint32(arch.X32.SeccompMask), SkipFalse: 1},
			bpf.RetConstant{Val: uint32(libseccomp.ActionErrno) | uint32(unix.ENOSYS)},
		)
	}
	return insts
}

func toConditions(cs []seccomp.Condition) (libseccomp.ArgumentConditions, error) {
	ret := make(libseccomp.ArgumentConditions, 0, len(cs))
	for _, c := range cs {
		op, err := ToSeccompOperation(c.Op)
		if err != nil {
			return nil, err
		}
		ret = append(ret, libseccomp.Condition{
			Argument:  uint32(c.Arg),
			Operation: op,
			Value:     c.Value,
		})
	}
	return ret, nil
}

// ExportBPF convert the assembled program to kernel readable BPF content
func ExportBPF(raw []bpf.RawInstruction) seccomp.Filter {
	f := make(seccomp.Filter, 0, len(raw))
	for _, r := range raw {
		f = append(f, unix.SockFilter{
			Code: r.Op,
			Jt:   r.Jt,
			Jf:   r.Jf,
			K:    r.K,
		})
	}
	return f
}
