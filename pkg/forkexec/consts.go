package forkexec

import (
	"time"

	"golang.org/x/sys/unix"
)

// defines missing consts from syscall package
const (
	SECCOMP_SET_MODE_FILTER   = 1
	SECCOMP_FILTER_FLAG_TSYNC = 1

	// execve retries on ETXTBSY at most this many times
	etxtbsyRetries = 50
)

var etxtbsyRetryInterval = unix.NsecToTimespec(int64(time.Millisecond))
