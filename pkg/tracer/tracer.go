// Package tracer implements the ptrace-based syscall interception engine:
// it spawns (or could attach to) a single tracee, decodes each intercepted
// syscall's arguments through pkg/marshal, runs a registered Descriptor's
// hooks, and either lets the call proceed (with possibly-edited arguments)
// or blocks it outright and fabricates its return value.
package tracer

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"snoop/pkg/marshal"
	"snoop/pkg/preload"
	"snoop/pkg/remote"
	"snoop/pkg/syscalltable"
)

// Recorder receives a notification for every blocked call and every
// argument rewrite the control loop performs, for callers that want a
// durable record of interception decisions (see pkg/audit.Store, which
// satisfies this interface). A nil Recorder in Config disables recording
// entirely; it is never required for interception itself to work.
type Recorder interface {
	RecordBlock(pid int, syscall string, fabricatedNr uint64, ret int64)
	RecordRewrite(pid int, syscall string, argIndex int, original, rewritten string)
}

// traceeState is the control loop's per-tracee bookkeeping: whether the
// next syscall stop is an entry or an exit, and which fabricated syscall
// numbers are standing in for a blocked call awaiting its exit stop.
type traceeState struct {
	inSyscall bool
	pending   map[uint64]int64 // fabricated syscall nr -> blocked return value
}

// Config configures a new Interceptor.
type Config struct {
	// Logger receives entry/exit trace lines and diagnostic messages.
	// Defaults to NopLogger.
	Logger Logger
	// TraceSyscalls restricts LogEntry/LogExit to these syscall names.
	// Empty means log everything. This has no effect on which syscalls are
	// intercepted; that's governed entirely by which names have a
	// registered Descriptor.
	TraceSyscalls []string
	// PreloadPath overrides the LD_PRELOAD path computed by
	// preload.DefaultPath. Mostly useful for tests that can't rely on
	// os.Executable pointing at a real binary.
	PreloadPath string
	// Recorder, if set, is notified of every blocked call and argument
	// rewrite.
	Recorder Recorder
	// Setup, if set, is called on the prepared *exec.Cmd before Start,
	// e.g. to attach a PTY slave as Stdin/Stdout/Stderr instead of the
	// defaults Spawn otherwise wires up.
	Setup func(cmd *exec.Cmd) error
	// OnStart, if set, runs immediately after the tracee starts, e.g. to
	// close the parent's copy of a PTY slave handed to Setup.
	OnStart func()
}

// Interceptor is the tracer control loop: the set of registered syscall
// descriptors plus the running state needed to dispatch entry/exit stops
// against them. Each syscall name gets its own Descriptor with its own
// argument kinds and hooks, dispatched by name at every entry/exit stop.
type Interceptor struct {
	descriptors map[string]*Descriptor
	logger      Logger
	syscalls    *syscalltable.Table
	preloadPath string
	traceFilter map[string]bool
	recorder    Recorder
	setup       func(cmd *exec.Cmd) error
	onStart     func()

	tracees map[int]*traceeState
	allocs  map[int]*remote.Allocator
}

// New builds an Interceptor with no registered descriptors. Call Register
// before Spawn to intercept anything; unregistered syscalls simply pass
// through untouched (and are still logged, if a logger is set).
func New(cfg Config) *Interceptor {
	logger := cfg.Logger
	if logger == nil {
		logger = NopLogger{}
	}

	filter := make(map[string]bool, len(cfg.TraceSyscalls))
	for _, s := range cfg.TraceSyscalls {
		filter[s] = true
	}

	return &Interceptor{
		descriptors: make(map[string]*Descriptor),
		logger:      logger,
		syscalls:    syscalltable.New(),
		preloadPath: cfg.PreloadPath,
		traceFilter: filter,
		recorder:    cfg.Recorder,
		setup:       cfg.Setup,
		onStart:     cfg.OnStart,
		tracees:     make(map[int]*traceeState),
		allocs:      make(map[int]*remote.Allocator),
	}
}

// Register adds a descriptor the control loop will dispatch to. It is an
// error to register two descriptors under the same syscall name: unlike
// the logging filter, dispatch has no notion of "most specific wins", so
// a silent overwrite would make one of the two simply never run.
func (t *Interceptor) Register(d *Descriptor) error {
	if _, exists := t.descriptors[d.Name]; exists {
		return fmt.Errorf("tracer: descriptor for %q already registered", d.Name)
	}
	t.descriptors[d.Name] = d
	return nil
}

// Spawn starts name as a new traced process and runs the control loop
// until it exits or ctx is cancelled. Only single-process tracing is
// supported (no PTRACE_O_TRACEFORK/VFORK/CLONE); a forking tracee's
// children run unobserved.
func (t *Interceptor) Spawn(ctx context.Context, name string, args ...string) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	cmd := exec.Command(name, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}

	preloadPath := t.preloadPath
	if preloadPath == "" {
		if p, err := preload.DefaultPath(); err == nil {
			preloadPath = p
		}
	}
	if preloadPath != "" {
		key, value := preload.Env(preloadPath)
		cmd.Env = append(os.Environ(), key+"="+value)
	}

	if t.setup != nil {
		if err := t.setup(cmd); err != nil {
			return fmt.Errorf("tracer: setup: %w", err)
		}
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("tracer: starting %s: %w", name, err)
	}
	if t.onStart != nil {
		t.onStart()
	}
	pid := cmd.Process.Pid

	var ws syscall.WaitStatus
	if _, err := syscall.Wait4(pid, &ws, 0, nil); err != nil {
		return fmt.Errorf("tracer: wait4 initial stop: %w", err)
	}

	if err := syscall.PtraceSetOptions(pid, syscall.PTRACE_O_TRACESYSGOOD); err != nil {
		return fmt.Errorf("tracer: ptrace setoptions: %w", err)
	}
	if err := syscall.PtraceSyscall(pid, 0); err != nil {
		return fmt.Errorf("tracer: ptrace syscall: %w", err)
	}

	return t.traceLoop(ctx, pid)
}

// traceLoop is the main ptrace wait/dispatch loop for a single tracee.
func (t *Interceptor) traceLoop(ctx context.Context, pid int) error {
	state := &traceeState{pending: make(map[uint64]int64)}
	t.tracees[pid] = state

	alloc := remote.NewAllocator(pid)
	alloc.SetLogger(t.logger)
	t.allocs[pid] = alloc

	defer delete(t.tracees, pid)
	defer delete(t.allocs, pid)

	for {
		select {
		case <-ctx.Done():
			syscall.PtraceDetach(pid)
			return ctx.Err()
		default:
		}

		var ws syscall.WaitStatus
		_, err := syscall.Wait4(pid, &ws, 0, nil)
		if err != nil {
			if err == syscall.EINTR {
				continue
			}
			return fmt.Errorf("tracer: wait4: %w", err)
		}

		if ws.Exited() || ws.Signaled() {
			return nil
		}

		if !ws.Stopped() {
			continue
		}

		sig := ws.StopSignal()
		switch {
		case sig == syscall.SIGTRAP|0x80:
			if err := t.handleSyscallStop(pid, state); err != nil {
				t.logger.Panicf("syscall stop handling error for pid %d: %v", pid, err)
				return fmt.Errorf("tracer: pid %d: %w", pid, err)
			}
			if err := syscall.PtraceSyscall(pid, 0); err != nil {
				return fmt.Errorf("tracer: ptrace syscall: %w", err)
			}
		case sig == syscall.SIGTRAP:
			// Plain SIGTRAP with no ptrace event of interest to a
			// single-tracee loop (no fork/clone/exec tracking), so just
			// resume.
			syscall.PtraceSyscall(pid, 0)
		default:
			// Any other signal is delivered to the tracee, not swallowed.
			syscall.PtraceSyscall(pid, int(sig))
		}
	}
}

// handleSyscallStop dispatches one syscall-entry or syscall-exit stop.
func (t *Interceptor) handleSyscallStop(pid int, state *traceeState) error {
	var regs syscall.PtraceRegs
	if err := syscall.PtraceGetRegs(pid, &regs); err != nil {
		return fmt.Errorf("ptrace getregs: %w", err)
	}

	if !state.inSyscall {
		state.inSyscall = true
		return t.handleEntry(pid, state, &regs)
	}
	state.inSyscall = false
	return t.handleExit(pid, state, &regs)
}

func (t *Interceptor) handleEntry(pid int, state *traceeState, regs *syscall.PtraceRegs) error {
	nr := syscallNo(regs)
	name := t.syscalls.Name(nr)
	argv := argRegs(regs)
	mem := newPtraceMemory(pid)

	d, ok := t.descriptors[name]
	if !ok {
		t.maybeLogEntry(pid, name, argv, mem)
		return nil
	}

	call := &Call{PID: pid}
	for i := 0; i < MaxArity; i++ {
		m, err := marshal.ReadArg(mem, d.Kinds[i], argv[i])
		if err != nil {
			return fmt.Errorf("tracer: reading arg %d of %s: %w", i, name, err)
		}
		call.args[i] = m
	}

	t.maybeLogEntry(pid, name, argv, mem)

	var originals []string
	if t.recorder != nil {
		originals = make([]string, d.Arity)
		for i := 0; i < d.Arity; i++ {
			originals[i] = snapshotMirror(call.args[i])
		}
	}

	result := d.Pre(call)
	if result.blocked {
		fab := t.fabricate(state)
		state.pending[fab] = result.ret
		if t.recorder != nil {
			t.recorder.RecordBlock(pid, name, fab, result.ret)
		}
		setSyscallNo(regs, fab)
		return syscall.PtraceSetRegs(pid, regs)
	}

	if t.recorder != nil {
		for i := 0; i < d.Arity; i++ {
			m := call.args[i]
			if !m.Touched() {
				continue
			}
			if newVal := snapshotMirror(m); newVal != originals[i] {
				t.recorder.RecordRewrite(pid, name, i, originals[i], newVal)
			}
		}
	}

	alloc := t.allocs[pid]
	dirty := false
	for i := 0; i < d.Arity; i++ {
		value, changed, err := marshal.WriteBack(mem, alloc, call.args[i])
		if err != nil {
			return fmt.Errorf("tracer: writing back arg %d of %s: %w", i, name, err)
		}
		if changed {
			setArgReg(regs, i, value)
			dirty = true
		}
	}
	if dirty {
		return syscall.PtraceSetRegs(pid, regs)
	}
	return nil
}

func (t *Interceptor) handleExit(pid int, state *traceeState, regs *syscall.PtraceRegs) error {
	nr := syscallNo(regs)

	if ret, blocked := state.pending[nr]; blocked {
		delete(state.pending, nr)
		setReturnValue(regs, ret)
		if label := fmt.Sprintf("blocked_0x%x", nr); t.shouldLog(label) {
			t.logger.LogExit(pid, label, ret)
		}
		return syscall.PtraceSetRegs(pid, regs)
	}

	name := t.syscalls.Name(nr)
	ret := returnValue(regs)
	if t.shouldLog(name) {
		t.logger.LogExit(pid, name, ret)
	}

	d, ok := t.descriptors[name]
	if !ok {
		return nil
	}

	newRet := d.Post(ret)
	if newRet == ret {
		return nil
	}
	setReturnValue(regs, newRet)
	return syscall.PtraceSetRegs(pid, regs)
}

// fabricate returns a syscall number guaranteed to be invalid (no x86_64
// syscall table entry uses numbers in this range) and not already pending
// for this tracee: the kernel rejects it outright with ENOSYS, so the real
// syscall body never runs, and the number itself doubles as the
// correlation key for substituting the hook's chosen return value at the
// matching exit stop.
func (t *Interceptor) fabricate(state *traceeState) uint64 {
	for {
		nr := uint64(512 + rand.Intn(65536))
		if _, exists := state.pending[nr]; !exists {
			return nr
		}
	}
}

func (t *Interceptor) maybeLogEntry(pid int, name string, argv [MaxArity]uint64, mem *ptraceMemory) {
	if !t.shouldLog(name) {
		return
	}
	read := func(addr uint64) string {
		if addr == 0 {
			return ""
		}
		b, _, err := mem.ReadCString(addr)
		if err != nil {
			return ""
		}
		return string(trimNUL(b))
	}
	t.logger.LogEntry(pid, name, argv, read)
}

func (t *Interceptor) shouldLog(name string) bool {
	if len(t.traceFilter) == 0 {
		return true
	}
	return t.traceFilter[name]
}

// snapshotMirror renders a mirror's current content as a comparable
// string, used to detect whether a Pre hook actually changed a value
// worth recording (Touched() alone doesn't say whether the new value
// differs from the old one).
func snapshotMirror(m *marshal.Mirror) string {
	switch m.Kind() {
	case marshal.KindInt:
		return strconv.FormatInt(m.Int(), 10)
	case marshal.KindCString:
		return m.String()
	case marshal.KindCStringArray:
		return strings.Join(m.Elements(), "\x00")
	default:
		return ""
	}
}

func trimNUL(b []byte) []byte {
	if i := indexByte(b, 0); i >= 0 {
		return b[:i]
	}
	return b
}
