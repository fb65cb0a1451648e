// Command sandbox-run runs a program under the ptrace sandbox.
//
//	sandbox-run [options] -- program [args...]
//
// Every intercepted filesystem access is checked against the mounts of the
// profile. The command exits with the exit status of the program, 128+signal
// when it was killed by a signal.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/codius/go-sandbox/config"
	"github.com/codius/go-sandbox/pkg/rlimit"
	"github.com/codius/go-sandbox/sandbox"
	"github.com/codius/go-sandbox/vfs"
)

type exitError int

func (e exitError) Error() string {
	return fmt.Sprintf("exit status %d", int(e))
}

func (e exitError) ExitCode() int {
	return int(e)
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "sandbox-run: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	profile     string
	restricted  bool
	debug       bool
	timeout     time.Duration
	deny        []string
	readOnly    []string
	readWrite   []string
	allow       []string
	workDir     string
	journal     string
	dumpJournal string
	cpu         uint64
	memory      rlimit.Size
}

func run(args []string) error {
	var o options
	fs := pflag.NewFlagSet("sandbox-run", pflag.ContinueOnError)
	fs.StringVar(&o.profile, "profile", "", "YAML profile to load")
	fs.BoolVar(&o.restricted, "restricted", false, "start from the restricted profile (deny by default)")
	fs.BoolVarP(&o.debug, "debug", "d", false, "log every trace event")
	fs.DurationVarP(&o.timeout, "timeout", "t", 0, "kill the program after this duration")
	fs.StringArrayVar(&o.deny, "deny", nil, "deny every access below path")
	fs.StringArrayVar(&o.readOnly, "readonly", nil, "allow only reads below path")
	fs.StringArrayVar(&o.readWrite, "readwrite", nil, "allow every access below path")
	fs.StringArrayVar(&o.allow, "allow", nil, "allow an extra syscall without interception")
	fs.StringVarP(&o.workDir, "workdir", "w", "", "working directory of the program")
	fs.StringVar(&o.journal, "journal", "", "write a CBOR journal of intercepted syscalls to file")
	fs.StringVar(&o.dumpJournal, "dump-journal", "", "print a journal file and exit")
	fs.Uint64Var(&o.cpu, "cpu", 0, "CPU time limit in seconds")
	fs.Var(&o.memory, "memory", "address space limit (e.g. 256M)")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: sandbox-run [options] -- program [args...]\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return exitError(2)
	}

	if o.dumpJournal != "" {
		return dumpJournal(o.dumpJournal)
	}
	argv := fs.Args()
	if len(argv) == 0 {
		fs.Usage()
		return exitError(2)
	}

	p, err := loadProfile(&o)
	if err != nil {
		return err
	}
	level, err := p.Level()
	if err != nil {
		return err
	}
	if o.debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	opts, err := p.Options(logger)
	if err != nil {
		return err
	}
	if p.Journal != "" {
		f, err := os.Create(p.Journal)
		if err != nil {
			return err
		}
		defer f.Close()
		j := sandbox.NewJournal(f)
		opts = append(opts, sandbox.WithJournal(j))
		defer func() {
			if err := j.Err(); err != nil {
				logger.Error("journal incomplete", "error", err)
			}
		}()
	}
	return runSandbox(argv, o.timeout, logger, opts)
}

// loadProfile merges the profile file with the command line
func loadProfile(o *options) (*config.Profile, error) {
	var p *config.Profile
	switch {
	case o.profile != "":
		var err error
		if p, err = config.Load(o.profile); err != nil {
			return nil, err
		}
	case o.restricted:
		wd := o.workDir
		if wd == "" {
			wd, _ = os.Getwd()
		}
		p = config.Restricted(wd)
	default:
		p = config.Default()
	}

	add := func(paths []string, m vfs.Mode) {
		for _, path := range paths {
			p.Mounts = append(p.Mounts, config.Mount{Path: path, Mode: m.String()})
		}
	}
	add(o.readWrite, vfs.ModeReadWrite)
	add(o.readOnly, vfs.ModeReadOnly)
	add(o.deny, vfs.ModeDeny)
	p.Allow = append(p.Allow, o.allow...)
	if o.workDir != "" {
		p.WorkDir = o.workDir
	}
	if o.journal != "" {
		p.Journal = o.journal
	}
	if o.cpu > 0 {
		p.RLimits.CPU = o.cpu
	}
	if o.memory > 0 {
		p.RLimits.AddressSpace = o.memory
	}
	return p, p.Validate()
}

func runSandbox(argv []string, timeout time.Duration, logger *slog.Logger, opts []sandbox.Option) error {
	exitStatus := 0
	sink := sandbox.SinkFunc(func(e sandbox.Event) {
		logger.Info("sandbox event", "event", e.Kind, "pid", e.Pid, "status", e.ExitStatus)
		if e.Kind == sandbox.EventExited {
			exitStatus = e.ExitStatus
		}
	})
	s := sandbox.New(sink, opts...)
	defer s.Close()

	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := s.Spawn(argv); err != nil {
		return err
	}
	logger.Debug("spawned", "pid", s.Pid(), "argv", argv)

	if err := s.Run(ctx); err != nil {
		var se *sandbox.Error
		if errors.As(err, &se) && se.Kind == sandbox.KindChildCrash {
			logger.Warn("program killed", "signal", se.Signal())
			return exitError(128 + se.Signal())
		}
		return err
	}
	if exitStatus != 0 {
		return exitError(exitStatus)
	}
	return nil
}

func dumpJournal(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	recs, err := sandbox.ReadJournal(f)
	for _, r := range recs {
		fmt.Printf("%s %v\n", time.Unix(0, r.Time).Format(time.RFC3339Nano), r)
	}
	return err
}
