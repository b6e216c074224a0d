package tracer

import (
	"fmt"
	"syscall"

	"snoop/pkg/marshal"
)

// ptraceMemory implements marshal.Memory over PTRACE_PEEKDATA/POKEDATA for
// one tracee, including NUL-terminated-string reads chunked eight bytes
// at a time.
type ptraceMemory struct {
	pid int
}

func newPtraceMemory(pid int) *ptraceMemory {
	return &ptraceMemory{pid: pid}
}

// ReadBytes reads exactly n bytes at addr. A short read is an error here;
// callers that want truncate-on-failure semantics (C-string reads) use
// ReadCString instead.
func (m *ptraceMemory) ReadBytes(addr uint64, n int) ([]byte, error) {
	buf := make([]byte, n)
	got, err := syscall.PtracePeekData(m.pid, uintptr(addr), buf)
	if err != nil {
		return nil, fmt.Errorf("ptrace peekdata at %#x: %w", addr, err)
	}
	if got < n {
		return nil, fmt.Errorf("ptrace peekdata at %#x: short read (%d of %d bytes)", addr, got, n)
	}
	return buf, nil
}

// ReadCString reads a NUL-terminated byte string starting at addr,
// chunking the remote read eight bytes at a time. A read that fails
// partway through is silently truncated to what was read so far: the
// mirror simply ends up shorter than the real remote string.
func (m *ptraceMemory) ReadCString(addr uint64) ([]byte, bool, error) {
	var out []byte
	offset := uint64(0)
	const chunk = 8

	for {
		buf := make([]byte, chunk)
		n, err := syscall.PtracePeekData(m.pid, uintptr(addr+offset), buf)
		if err != nil || n == 0 {
			return out, true, nil
		}
		buf = buf[:n]
		if i := indexByte(buf, 0); i >= 0 {
			out = append(out, buf[:i+1]...)
			return out, false, nil
		}
		out = append(out, buf...)
		offset += uint64(n)
	}
}

// WriteBytes writes b verbatim to addr in the tracee's address space.
func (m *ptraceMemory) WriteBytes(addr uint64, b []byte) error {
	if len(b) == 0 {
		return nil
	}
	n, err := syscall.PtracePokeData(m.pid, uintptr(addr), b)
	if err != nil {
		return fmt.Errorf("ptrace pokedata at %#x: %w", addr, err)
	}
	if n < len(b) {
		return fmt.Errorf("ptrace pokedata at %#x: short write (%d of %d bytes)", addr, n, len(b))
	}
	return nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// Call gives a pre-hook access to the six argument mirrors materialised
// for the current syscall-entry stop. Slots beyond a descriptor's arity
// are always marshal.KindInt and may be ignored.
type Call struct {
	PID  int
	args [MaxArity]*marshal.Mirror
}

// Arg returns the mirror for argument i (0-based, 0..5).
func (c *Call) Arg(i int) *marshal.Mirror {
	return c.args[i]
}

var _ marshal.Memory = (*ptraceMemory)(nil)
