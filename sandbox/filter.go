package sandbox

import (
	"github.com/codius/go-sandbox/pkg/seccomp"
	"github.com/codius/go-sandbox/pkg/seccomp/libseccomp"
)

// lifecycleSyscalls are followed through ptrace events, not the filter
var lifecycleSyscalls = []string{
	"execve",
	"execveat",
	"clone",
	"clone3",
	"fork",
	"vfork",
}

// fileSyscalls carry a path and are always mediated by the VFS
var fileSyscalls = []string{
	"open",
	"openat",
	"openat2",
	"access",
	"faccessat",
	"faccessat2",
	"stat",
	"lstat",
	"newfstatat",
	"statx",
	"getcwd",
	"readlink",
	"readlinkat",
	"chdir",
	"fchdir",
}

// fdSyscalls are mediated only for descriptors below the threshold
var fdSyscalls = []string{
	"read",
	"close",
	"ioctl",
	"fstat",
	"lseek",
	"write",
	"getdents",
	"getdents64",
	"readv",
	"writev",
	"pread64",
	"pwrite64",
}

// safeSyscalls are allowed without inspection. Every entry here is reachable
// by the child unmediated.
var safeSyscalls = []string{
	// memory
	"brk",
	"mmap",
	"mprotect",
	"munmap",
	"mremap",
	"madvise",

	// signals
	"rt_sigaction",
	"rt_sigprocmask",
	"rt_sigreturn",
	"sigaltstack",
	"tkill",
	"tgkill",

	// scheduling
	"sched_yield",
	"sched_getaffinity",

	// clocks and sleeping
	"gettimeofday",
	"time",
	"clock_gettime",
	"clock_getres",
	"clock_nanosleep",
	"nanosleep",

	// polling and in-process descriptors
	"poll",
	"ppoll",
	"select",
	"pselect6",
	"epoll_create",
	"epoll_create1",
	"epoll_ctl",
	"epoll_wait",
	"epoll_pwait",
	"eventfd2",
	"pipe2",
	"dup",
	"dup2",
	"dup3",
	"fcntl",
	"fadvise64",
	"fsync",
	"fdatasync",
	"sync",

	// sockets
	"accept",
	"accept4",
	"listen",

	// threads
	"futex",
	"set_tid_address",
	"set_robust_list",
	"get_robust_list",
	"set_thread_area",
	"rseq",

	// process
	"getpid",
	"getppid",
	"gettid",
	"getuid",
	"geteuid",
	"getgid",
	"getegid",
	"uname",
	"umask",
	"sysinfo",
	"getrandom",
	"prlimit64",
	"getrlimit",
	"arch_prctl",
	"prctl",
	"restart_syscall",
	"exit",
	"exit_group",
}

// fdLimit bounds the argument values a descriptor call may pass untraced
const fdLimit = 1 << 32

// DefaultPolicy builds the filter policy of a sandbox. Descriptor calls on
// fds below threshold trap to the tracer, the rest are allowed directly.
// allow is appended after the built-in table, so it cannot override the
// mediated classes.
func DefaultPolicy(threshold int, allow []string) *seccomp.Policy {
	var (
		handle   = seccomp.ActionTrace.WithReturnCode(seccomp.MsgHandle)
		disallow = seccomp.ActionTrace.WithReturnCode(seccomp.MsgDisallow)
		fd       = uint64(threshold)
	)
	p := &seccomp.Policy{
		Default: seccomp.ActionKill,
		Rules: []seccomp.Rule{
			// must stay first: nothing below may shadow it
			{Names: []string{"ptrace"}, Action: disallow},
			{Names: lifecycleSyscalls, Action: seccomp.ActionAllow},
			{Names: fileSyscalls, Action: handle},
			// the kernel reads descriptors as 32-bit ints, so any value with
			// high bits set is traced along with the managed range
			{
				Names: fdSyscalls,
				Conditions: []seccomp.Condition{
					{Arg: 0, Op: seccomp.OpGreaterOrEqual, Value: fd},
					{Arg: 0, Op: seccomp.OpLess, Value: fdLimit},
				},
				Action: seccomp.ActionAllow,
			},
			{Names: fdSyscalls, Action: handle},
			{Names: safeSyscalls, Action: seccomp.ActionAllow},
		},
	}
	if len(allow) > 0 {
		p.Rules = append(p.Rules, seccomp.Rule{
			Names:  append([]string(nil), allow...),
			Action: seccomp.ActionAllow,
		})
	}
	return p
}

// buildFilter compiles the policy for the native architecture
func (s *Sandbox) buildFilter() (seccomp.Filter, error) {
	b := libseccomp.Builder{
		Policy: DefaultPolicy(s.vfs.Threshold(), s.allow),
		Skipped: func(name string) {
			s.logger.Debug("sandbox: syscall not available on this architecture", "syscall", name)
		},
	}
	return b.Build()
}
