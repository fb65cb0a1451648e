// Package config loads sandbox profiles from YAML.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/codius/go-sandbox/pkg/rlimit"
	"github.com/codius/go-sandbox/sandbox"
	"github.com/codius/go-sandbox/vfs"
)

// Mount binds a path to an access mode (rw, ro or deny)
type Mount struct {
	Path string `yaml:"path"`
	Mode string `yaml:"mode"`
}

// Profile is the configuration of one sandboxed run
type Profile struct {
	FDThreshold int            `yaml:"fd_threshold"`
	DefaultMode string         `yaml:"default_mode"`
	Mounts      []Mount        `yaml:"mounts"`
	Allow       []string       `yaml:"allow"`
	Env         []string       `yaml:"env"`
	WorkDir     string         `yaml:"workdir"`
	RLimits     rlimit.RLimits `yaml:"rlimits"`
	LogLevel    string         `yaml:"log_level"`

	// Journal is the path the syscall journal is written to, empty for none
	Journal string `yaml:"journal"`

	IgnoreUnknownSyscalls bool `yaml:"ignore_unknown_syscalls"`
}

var (
	defaultReadableFiles = []string{
		"/etc/ld.so.cache",
		"/etc/localtime",
		"/usr/lib/locale",
		"/usr/share/zoneinfo",
		"/lib",
		"/usr/lib",
		"/usr/bin",
		"/bin",
		"/dev/null",
		"/dev/urandom",
		"/proc/self",
	}

	defaultWritableFiles = []string{
		"/dev/null",
		"/tmp",
	}
)

// Default returns the permissive profile: every path is read write, only the
// filter and the syscall mediation apply
func Default() *Profile {
	return &Profile{
		FDThreshold: vfs.DefaultFDThreshold,
		DefaultMode: vfs.ModeReadWrite.String(),
		LogLevel:    "info",
	}
}

// Restricted returns a profile denying every path but the system libraries,
// the usual device files and workDir
func Restricted(workDir string) *Profile {
	p := Default()
	p.DefaultMode = vfs.ModeDeny.String()
	for _, f := range defaultReadableFiles {
		p.Mounts = append(p.Mounts, Mount{Path: f, Mode: vfs.ModeReadOnly.String()})
	}
	for _, f := range archReadableFiles {
		p.Mounts = append(p.Mounts, Mount{Path: f, Mode: vfs.ModeReadOnly.String()})
	}
	for _, f := range defaultWritableFiles {
		p.Mounts = append(p.Mounts, Mount{Path: f, Mode: vfs.ModeReadWrite.String()})
	}
	if workDir != "" {
		p.WorkDir = workDir
		p.Mounts = append(p.Mounts, Mount{Path: workDir, Mode: vfs.ModeReadWrite.String()})
	}
	return p
}

// Load reads the profile at path
func Load(path string) (*Profile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	p, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Parse decodes a profile. Fields missing from the document keep their
// Default value, unknown fields are an error.
func Parse(r io.Reader) (*Profile, error) {
	p := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(p); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks the profile
func (p *Profile) Validate() error {
	if p.FDThreshold < 0 {
		return fmt.Errorf("fd_threshold: negative value %d", p.FDThreshold)
	}
	if _, err := vfs.ParseMode(p.DefaultMode); err != nil {
		return fmt.Errorf("default_mode: %w", err)
	}
	for i, m := range p.Mounts {
		if _, err := vfs.ParseMode(m.Mode); err != nil {
			return fmt.Errorf("mounts[%d]: %w", i, err)
		}
		if !strings.HasPrefix(m.Path, "/") {
			return fmt.Errorf("mounts[%d]: path %q is not absolute", i, m.Path)
		}
	}
	for _, e := range p.Env {
		if !strings.Contains(e, "=") {
			return fmt.Errorf("env: %q is not KEY=VALUE", e)
		}
	}
	if _, err := p.Level(); err != nil {
		return err
	}
	return nil
}

// Level returns the log level
func (p *Profile) Level() (slog.Level, error) {
	var l slog.Level
	if p.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(p.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return l, nil
}

// VFS builds the filesystem layer of the profile
func (p *Profile) VFS(logger *slog.Logger) (*vfs.VFS, error) {
	def, err := vfs.ParseMode(p.DefaultMode)
	if err != nil {
		return nil, err
	}
	v := vfs.New(
		vfs.WithThreshold(p.FDThreshold),
		vfs.WithDefaultMode(def),
		vfs.WithLogger(logger),
	)
	for _, m := range p.Mounts {
		mode, err := vfs.ParseMode(m.Mode)
		if err != nil {
			return nil, err
		}
		if err := v.Mount(m.Path, mode); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// Options converts the profile into sandbox options. The journal is left to
// the caller, which owns the file.
func (p *Profile) Options(logger *slog.Logger) ([]sandbox.Option, error) {
	v, err := p.VFS(logger)
	if err != nil {
		return nil, err
	}
	opts := []sandbox.Option{
		sandbox.WithLogger(logger),
		sandbox.WithVFS(v),
		sandbox.WithRLimits(p.RLimits),
		sandbox.WithWorkDir(p.WorkDir),
	}
	if len(p.Allow) > 0 {
		opts = append(opts, sandbox.WithAllow(p.Allow...))
	}
	if len(p.Env) > 0 {
		opts = append(opts, sandbox.WithEnv(p.Env))
	}
	if p.IgnoreUnknownSyscalls {
		opts = append(opts, sandbox.WithIgnoreUnknownSyscalls())
	}
	return opts, nil
}
