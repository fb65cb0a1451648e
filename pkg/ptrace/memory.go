package ptrace

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// WordSize is the unit PeekWord reads
	WordSize = 8

	// DefaultMaxLen bounds ReadString when MaxLen is not set (PATH_MAX)
	DefaultMaxLen = 4096
)

// ErrStringTooLong is returned when no terminator is found within MaxLen bytes
var ErrStringTooLong = errors.New("ptrace: string exceeds read limit")

// Peeker reads one word of tracee memory
type Peeker interface {
	PeekWord(pid int, addr uintptr) (uint64, error)
}

// MemoryReader reads strings and word arrays out of a stopped tracee
type MemoryReader struct {
	Peeker Peeker

	// MaxLen is the maximum number of bytes before the terminator
	MaxLen int
}

// NewMemoryReader creates a reader with the default length limit
func NewMemoryReader(p Peeker) *MemoryReader {
	return &MemoryReader{Peeker: p, MaxLen: DefaultMaxLen}
}

// ReadString reads the NUL terminated string at addr. The terminator is not
// part of the result.
func (m *MemoryReader) ReadString(pid int, addr uintptr) ([]byte, error) {
	maxLen := m.MaxLen
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}

	var (
		word [WordSize]byte
		ret  = make([]byte, 0, 64)
		base = addr &^ (WordSize - 1)
		off  = int(addr - base)
	)
	for {
		w, err := m.Peeker.PeekWord(pid, base)
		if err != nil {
			return nil, fmt.Errorf("read string at %#x: %w", addr, err)
		}
		binary.NativeEndian.PutUint64(word[:], w)
		for _, b := range word[off:] {
			if b == 0 {
				return ret, nil
			}
			if len(ret) == maxLen {
				return nil, fmt.Errorf("read string at %#x: %w", addr, ErrStringTooLong)
			}
			ret = append(ret, b)
		}
		off = 0
		base += WordSize
	}
}

// ReadWords reads n consecutive words starting at the word aligned addr
func (m *MemoryReader) ReadWords(pid int, addr uintptr, n int) ([]uint64, error) {
	if addr%WordSize != 0 {
		return nil, fmt.Errorf("read words at %#x: unaligned address", addr)
	}
	ret := make([]uint64, 0, n)
	for i := 0; i < n; i++ {
		w, err := m.Peeker.PeekWord(pid, addr+uintptr(i*WordSize))
		if err != nil {
			return nil, fmt.Errorf("read words at %#x: %w", addr, err)
		}
		ret = append(ret, w)
	}
	return ret, nil
}
