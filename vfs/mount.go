package vfs

import (
	"fmt"
	"path"
	"sort"
	"strings"
)

// Mode is the access a mount grants
type Mode int

// Mount modes
const (
	ModeReadWrite Mode = iota
	ModeReadOnly
	ModeDeny
)

var modeNames = []string{"rw", "ro", "deny"}

func (m Mode) String() string {
	if m >= 0 && int(m) < len(modeNames) {
		return modeNames[m]
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// ParseMode parses rw / ro / deny (and their long forms)
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "rw", "readwrite", "read-write":
		return ModeReadWrite, nil
	case "ro", "readonly", "read-only":
		return ModeReadOnly, nil
	case "deny", "none":
		return ModeDeny, nil
	}
	return 0, fmt.Errorf("unknown mount mode %q", s)
}

// Allows reports whether an access of the given kind is granted
func (m Mode) Allows(write bool) bool {
	switch m {
	case ModeReadWrite:
		return true
	case ModeReadOnly:
		return !write
	}
	return false
}

// Mount binds a path prefix to a mode
type Mount struct {
	Path string
	Mode Mode
}

// MountSet stores the mount modes in a hierarchical set. A path is governed
// by its longest mounted prefix.
type MountSet struct {
	set  map[string]Mode
	root *Mode
}

// NewMountSet creates the new mount set
func NewMountSet() *MountSet {
	return &MountSet{set: make(map[string]Mode)}
}

// Add mounts name with mode. A later Add of the same path replaces it.
func (s *MountSet) Add(name string, mode Mode) error {
	if !path.IsAbs(name) {
		return fmt.Errorf("mount path %q is not absolute", name)
	}
	name = path.Clean(name)
	if name == "/" {
		s.root = &mode
	} else {
		s.set[name] = mode
	}
	return nil
}

// Lookup returns the mode of the longest mount covering name
func (s *MountSet) Lookup(name string) (Mode, bool) {
	for name = path.Clean(name); name != ""; name = dirname(name) {
		if m, ok := s.set[name]; ok {
			return m, true
		}
	}
	if s.root != nil {
		return *s.root, true
	}
	return 0, false
}

// Mounts lists the mounts sorted by path
func (s *MountSet) Mounts() []Mount {
	ret := make([]Mount, 0, len(s.set)+1)
	if s.root != nil {
		ret = append(ret, Mount{Path: "/", Mode: *s.root})
	}
	for p, m := range s.set {
		ret = append(ret, Mount{Path: p, Mode: m})
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Path < ret[j].Path })
	return ret
}

// dirname return path without last "/"
func dirname(path string) string {
	if p := strings.LastIndex(path, "/"); p >= 0 {
		return path[:p]
	}
	return ""
}
