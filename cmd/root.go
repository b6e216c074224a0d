package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	"github.com/creack/pty"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"snoop/pkg/audit"
	"snoop/pkg/tracer"
)

var (
	interactive   bool
	auditDBPath   string
	traceLogPath  string
	traceSyscalls string
	blockSyscalls string
	denyPath      string
	redirect      string
	preloadPath   string
)

// RootCmd runs a command under syscall interception.
var RootCmd = &cobra.Command{
	Use:   "snoop -- command [args...]",
	Short: "snoop intercepts and rewrites a traced process's syscalls",
	Long: `snoop runs a command under ptrace, decodes the arguments of a
fixed set of path-taking syscalls, and applies a simple block/rewrite
policy to them: --block always blocks a syscall, --deny-path blocks any
call whose path argument contains a substring, and --redirect rewrites a
path argument to a different one, written into the tracee's reserved
remote memory block rather than over the original string.`,
	Args:         cobra.MinimumNArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(args)
	},
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	RootCmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "attach a PTY and proxy the terminal to the traced process")
	RootCmd.Flags().StringVarP(&auditDBPath, "audit-db", "a", "", "path to a SQLite database recording blocked calls and argument rewrites")
	RootCmd.Flags().StringVar(&traceLogPath, "trace-log", "", "path to log file for syscall entries/exits (default: stderr)")
	RootCmd.Flags().StringVar(&traceSyscalls, "trace-syscalls", "", "comma-separated syscalls to log (default: all)")
	RootCmd.Flags().StringVar(&blockSyscalls, "block", "", "comma-separated policed syscalls to always block (other syscall names have no effect)")
	RootCmd.Flags().StringVar(&denyPath, "deny-path", "", "comma-separated substrings; a policed call whose path argument contains one is blocked")
	RootCmd.Flags().StringVar(&redirect, "redirect", "", "comma-separated FROM=TO path rewrites applied to policed calls")
	RootCmd.Flags().StringVar(&preloadPath, "preload", "", "override the LD_PRELOAD path for the remote-memory helper library")
}

func run(args []string) error {
	var syscalls []string
	for _, s := range strings.Split(traceSyscalls, ",") {
		if s = strings.TrimSpace(s); s != "" {
			syscalls = append(syscalls, s)
		}
	}

	var logger tracer.Logger
	if traceLogPath != "" {
		fl, err := tracer.NewFileLogger(traceLogPath)
		if err != nil {
			return fmt.Errorf("opening trace log: %w", err)
		}
		defer fl.Close()
		logger = fl
	} else {
		logger = tracer.NewStreamLogger(os.Stderr)
	}

	var store *audit.Store
	if auditDBPath != "" {
		s, err := audit.Open(audit.DefaultConfig(auditDBPath))
		if err != nil {
			return fmt.Errorf("opening audit database: %w", err)
		}
		s.SetLogger(logger)
		defer s.Close()
		store = s
	}

	pol, err := newPolicy(blockSyscalls, denyPath, redirect)
	if err != nil {
		return err
	}

	cfg := tracer.Config{
		Logger:        logger,
		TraceSyscalls: syscalls,
		PreloadPath:   preloadPath,
	}
	if store != nil {
		cfg.Recorder = store
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if interactive {
		return runInteractive(ctx, cfg, pol, args)
	}
	return runDirect(ctx, cfg, pol, args)
}

func runDirect(ctx context.Context, cfg tracer.Config, pol *policy, args []string) error {
	it := tracer.New(cfg)
	if err := registerDescriptors(it, pol); err != nil {
		return err
	}

	if err := it.Spawn(ctx, args[0], args[1:]...); err != nil && ctx.Err() == nil {
		return fmt.Errorf("trace failed: %w", err)
	}
	return nil
}

// runInteractive attaches a PTY to the tracee so an interactive shell
// behaves normally under the stop/resume cadence ptrace imposes.
func runInteractive(ctx context.Context, cfg tracer.Config, pol *policy, args []string) error {
	ptmx, tty, err := pty.Open()
	if err != nil {
		return fmt.Errorf("opening pty: %w", err)
	}
	defer ptmx.Close()

	cfg.Setup = func(cmd *exec.Cmd) error {
		cmd.Stdin = tty
		cmd.Stdout = tty
		cmd.Stderr = tty
		cmd.SysProcAttr.Setsid = true
		cmd.SysProcAttr.Setctty = true
		return nil
	}
	cfg.OnStart = func() { tty.Close() }

	it := tracer.New(cfg)
	if err := registerDescriptors(it, pol); err != nil {
		return err
	}

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for range winch {
			pty.InheritSize(os.Stdin, ptmx)
		}
	}()
	winch <- syscall.SIGWINCH

	oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
	if err != nil {
		return fmt.Errorf("setting raw terminal mode: %w", err)
	}
	defer term.Restore(int(os.Stdin.Fd()), oldState)

	go io.Copy(ptmx, os.Stdin)

	done := make(chan error, 1)
	go func() { done <- it.Spawn(ctx, args[0], args[1:]...) }()

	io.Copy(os.Stdout, ptmx)

	if err := <-done; err != nil && ctx.Err() == nil {
		return fmt.Errorf("trace failed: %w", err)
	}
	return nil
}
