package vfs

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

var errNoReader = errors.New("vfs: no memory reader")

// call describes where an intercepted syscall keeps its arguments. Indexes
// are -1 when absent.
type call struct {
	path   int
	dirfd  int
	flags  int
	how    int // struct open_how pointer
	fd     int
	fdPath bool // the descriptor names the target (fchdir)
	write  bool
	policy bool // the mount policy applies
}

func pathCall(p int) call {
	return call{path: p, dirfd: -1, flags: -1, how: -1, fd: -1, policy: true}
}

func atCall(dirfd, p int) call {
	c := pathCall(p)
	c.dirfd = dirfd
	return c
}

func fdCall(write bool) call {
	return call{path: -1, dirfd: -1, flags: -1, how: -1, fd: 0, write: write}
}

func withFlags(c call, flags int) call {
	c.flags = flags
	return c
}

func withHow(c call, how int) call {
	c.how = how
	return c
}

var calls = map[string]call{
	"open":       withFlags(pathCall(0), 1),
	"openat":     withFlags(atCall(0, 1), 2),
	"openat2":    withHow(atCall(0, 1), 2),
	"access":     pathCall(0),
	"faccessat":  atCall(0, 1),
	"faccessat2": atCall(0, 1),
	"stat":       pathCall(0),
	"lstat":      pathCall(0),
	"newfstatat": atCall(0, 1),
	"statx":      atCall(0, 1),
	"readlink":   pathCall(0),
	"readlinkat": atCall(0, 1),
	"chdir":      pathCall(0),
	"fchdir":     {path: -1, dirfd: -1, flags: -1, how: -1, fd: 0, fdPath: true, policy: true},
	"getcwd":     {path: -1, dirfd: -1, flags: -1, how: -1, fd: -1},

	"read":       fdCall(false),
	"close":      fdCall(false),
	"ioctl":      fdCall(false),
	"fstat":      fdCall(false),
	"lseek":      fdCall(false),
	"getdents":   fdCall(false),
	"getdents64": fdCall(false),
	"readv":      fdCall(false),
	"pread64":    fdCall(false),
	"write":      fdCall(true),
	"writev":     fdCall(true),
	"pwrite64":   fdCall(true),
}

// openWrites reports whether open flags may modify the file
func openWrites(flags uint64) bool {
	return flags&unix.O_ACCMODE != unix.O_RDONLY ||
		flags&(unix.O_CREAT|unix.O_TRUNC|unix.O_APPEND) != 0
}

func (v *VFS) decode(c call, req *Request) error {
	sc := req.Syscall
	req.Write = c.write
	if c.fd >= 0 {
		req.FD = sc.FD(c.fd)
	}

	switch {
	case c.path >= 0:
		if v.reader == nil {
			return errNoReader
		}
		raw, err := v.reader.ReadString(sc.Pid, sc.Arg(c.path))
		if err != nil {
			return err
		}
		req.RawPath = string(raw)
		dirfd := unix.AT_FDCWD
		if c.dirfd >= 0 {
			dirfd = sc.FD(c.dirfd)
			req.FD = dirfd
		}
		joined, err := v.resolve(sc.Pid, dirfd, req.RawPath)
		if err != nil {
			return err
		}
		req.Path = path.Clean(joined)
		req.procLink = throughProcLink(joined)

	case c.fdPath:
		p, err := v.fdPath(sc.Pid, req.FD)
		if err != nil {
			return err
		}
		req.Path = p
	}

	if c.flags >= 0 {
		req.Write = openWrites(sc.Args[c.flags])
	}
	if c.how >= 0 {
		w, err := v.reader.ReadWords(sc.Pid, sc.Arg(c.how), 1)
		if err != nil {
			// unknown flags are treated as a write
			v.logger.Warn("vfs: cannot read open_how", "pid", sc.Pid, "error", err)
			req.Write = true
		} else {
			req.Write = openWrites(w[0])
		}
	}
	return nil
}

// resolve calculates the absolute path for a process. The result is not
// cleaned, dot dot components still follow the links before them.
func (v *VFS) resolve(pid, dirfd int, p string) (string, error) {
	if path.IsAbs(p) {
		return p, nil
	}
	var (
		base string
		err  error
	)
	if dirfd == unix.AT_FDCWD {
		base, err = v.procCwd(pid)
	} else {
		base, err = v.fdPath(pid, dirfd)
	}
	if err != nil {
		return "", err
	}
	return base + "/" + p, nil
}

// procCwd gets the process CWD
func (v *VFS) procCwd(pid int) (string, error) {
	return v.readProcLink(pid, "cwd")
}

// fdPath gets the path an open descriptor of the process refers to
func (v *VFS) fdPath(pid, fd int) (string, error) {
	if fd < 0 {
		return "", fmt.Errorf("invalid descriptor %d", fd)
	}
	return v.readProcLink(pid, "fd/"+strconv.Itoa(fd))
}

func (v *VFS) readProcLink(pid int, name string) (string, error) {
	s, err := os.Readlink(path.Join(v.procRoot, strconv.Itoa(pid), name))
	if err != nil {
		return "", err
	}
	if !path.IsAbs(s) {
		// pipe:[1234], socket:[5678], anon_inode:...
		return "", fmt.Errorf("%s of %d is not a path: %s", name, pid, s)
	}
	return s, nil
}

// procLinks are the entries of /proc/<pid> the kernel follows to wherever
// they point, regardless of the path that names them
var procLinks = map[string]bool{
	"root":      true,
	"cwd":       true,
	"fd":        true,
	"map_files": true,
}

// throughProcLink reports whether the kernel resolves the absolute path p
// through a procfs link, so its lexical prefix says nothing about the file
// reached. Dot dot components are walked as the kernel walks them.
func throughProcLink(p string) bool {
	var walked []string
	for _, c := range strings.Split(p, "/") {
		switch c {
		case "", ".":
			continue
		case "..":
			if len(walked) > 0 {
				walked = walked[:len(walked)-1]
			}
			continue
		}
		walked = append(walked, c)
		if isProcLink(walked) {
			return true
		}
	}
	return false
}

func isProcLink(walked []string) bool {
	if len(walked) == 2 && walked[0] == "dev" && walked[1] == "fd" {
		// /dev/fd -> /proc/self/fd
		return true
	}
	if len(walked) < 3 || walked[0] != "proc" || !isProcDir(walked[1]) {
		return false
	}
	rest := walked[2:]
	if len(rest) == 3 && rest[0] == "task" && isNumber(rest[1]) {
		rest = rest[2:]
	}
	return len(rest) == 1 && procLinks[rest[0]]
}

func isProcDir(name string) bool {
	return name == "self" || name == "thread-self" || isNumber(name)
}

func isNumber(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
