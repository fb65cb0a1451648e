package rlimit

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Size stores number of byte for the object. E.g. Memory.
// Maximum size is bounded by 64-bit limit
type Size uint64

// String stringer interface for print
func (s Size) String() string {
	t := uint64(s)
	switch {
	case t < 1<<10:
		return fmt.Sprintf("%d B", t)
	case t < 1<<20:
		return fmt.Sprintf("%.1f KiB", float64(t)/float64(1<<10))
	case t < 1<<30:
		return fmt.Sprintf("%.1f MiB", float64(t)/float64(1<<20))
	default:
		return fmt.Sprintf("%.1f GiB", float64(t)/float64(1<<30))
	}
}

// Set parses sizes like 512, 64k, 256MiB or 1G
func (s *Size) Set(str string) error {
	str = strings.TrimSpace(str)
	str = strings.TrimSuffix(strings.TrimSuffix(str, "iB"), "B")
	str = strings.TrimSuffix(str, "b")
	if str == "" {
		return fmt.Errorf("invalid size %q", str)
	}

	factor := 0
	switch str[len(str)-1] {
	case 'k', 'K':
		factor = 10
	case 'm', 'M':
		factor = 20
	case 'g', 'G':
		factor = 30
	}
	if factor > 0 {
		str = str[:len(str)-1]
	}

	t, err := strconv.ParseUint(str, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", str, err)
	}
	if t > (1<<64-1)>>factor {
		return fmt.Errorf("size %q overflows", str)
	}
	*s = Size(t << factor)
	return nil
}

// Type implements pflag.Value
func (s *Size) Type() string {
	return "size"
}

// UnmarshalYAML accepts both plain integers and suffixed strings
func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", value.Line)
	}
	if err := s.Set(value.Value); err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	return nil
}

// Byte return size in bytes
func (s Size) Byte() uint64 {
	return uint64(s)
}
