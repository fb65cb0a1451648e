// Package rlimit provides data structure for resource limits by setrlimit syscall on linux.
package rlimit

import (
	"fmt"
	"strings"
	"syscall"
)

// RLimits defines the rlimit applied by setrlimit syscall to traced process
type RLimits struct {
	CPU          uint64 `yaml:"cpu"`      // in s
	CPUHard      uint64 `yaml:"cpu_hard"` // in s
	Data         Size   `yaml:"data"`
	FileSize     Size   `yaml:"file_size"`
	Stack        Size   `yaml:"stack"`
	AddressSpace Size   `yaml:"address_space"`
	OpenFile     uint64 `yaml:"open_file"`
	DisableCore  bool   `yaml:"disable_core"` // set core to 0
}

// RLimit is the resource limits defined by Linux setrlimit
type RLimit struct {
	// Res is the resource type (e.g. syscall.RLIMIT_CPU)
	Res int
	// Rlim is the limit applied to that resource
	Rlim syscall.Rlimit
}

func getRlimit(cur, max uint64) syscall.Rlimit {
	return syscall.Rlimit{Cur: cur, Max: max}
}

// PrepareRLimit creates rlimit structures for tracee
// TimeLimit in s, SizeLimit in byte
func (r *RLimits) PrepareRLimit() []RLimit {
	var ret []RLimit
	if r.CPU > 0 {
		cpuHard := r.CPUHard
		if cpuHard < r.CPU {
			cpuHard = r.CPU
		}
		ret = append(ret, RLimit{
			Res:  syscall.RLIMIT_CPU,
			Rlim: getRlimit(r.CPU, cpuHard),
		})
	}
	for _, l := range []struct {
		res int
		v   uint64
	}{
		{syscall.RLIMIT_DATA, r.Data.Byte()},
		{syscall.RLIMIT_FSIZE, r.FileSize.Byte()},
		{syscall.RLIMIT_STACK, r.Stack.Byte()},
		{syscall.RLIMIT_AS, r.AddressSpace.Byte()},
		{syscall.RLIMIT_NOFILE, r.OpenFile},
	} {
		if l.v > 0 {
			ret = append(ret, RLimit{Res: l.res, Rlim: getRlimit(l.v, l.v)})
		}
	}
	if r.DisableCore {
		ret = append(ret, RLimit{
			Res:  syscall.RLIMIT_CORE,
			Rlim: getRlimit(0, 0),
		})
	}
	return ret
}

func (r RLimit) String() string {
	switch r.Res {
	case syscall.RLIMIT_CPU:
		return fmt.Sprintf("CPU[%d s:%d s]", r.Rlim.Cur, r.Rlim.Max)
	case syscall.RLIMIT_NOFILE:
		return fmt.Sprintf("OpenFile[%d:%d]", r.Rlim.Cur, r.Rlim.Max)
	}
	t := ""
	switch r.Res {
	case syscall.RLIMIT_DATA:
		t = "Data"
	case syscall.RLIMIT_FSIZE:
		t = "File"
	case syscall.RLIMIT_STACK:
		t = "Stack"
	case syscall.RLIMIT_AS:
		t = "AddressSpace"
	case syscall.RLIMIT_CORE:
		t = "Core"
	}
	return fmt.Sprintf("%s[%v:%v]", t, Size(r.Rlim.Cur), Size(r.Rlim.Max))
}

func (r RLimits) String() string {
	var sb strings.Builder
	sb.WriteString("RLimits[")
	for i, rl := range r.PrepareRLimit() {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(rl.String())
	}
	sb.WriteString("]")
	return sb.String()
}
