// Package marshal implements the argument marshalling layer: it turns a
// raw syscall-argument register value into a host-side Mirror the tracer
// can hand to a hook, and turns a possibly-edited Mirror back into bytes
// written into the tracee and a replacement register value.
package marshal

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Kind is an argument's semantic type, fixed per syscall-descriptor slot.
type Kind int

const (
	// KindInt is a plain machine integer argument.
	KindInt Kind = iota
	// KindCString is a `char *` / `const char *` pointer argument.
	KindCString
	// KindCStringArray is a NULL-terminated `const char *const []` pointer
	// argument (the argv/envp family), presented flattened.
	KindCStringArray
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindCString:
		return "cstring"
	case KindCStringArray:
		return "cstring_array"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ErrCannotRelocateArray is returned when a hook attempts to replace the
// outer pointer of a KindCStringArray argument: the flattened-buffer
// writeback strategy only supports editing elements in place.
var ErrCannotRelocateArray = errors.New("marshal: cannot relocate a char*const[] argument's outer pointer")

// Memory is the tracee-memory-I/O surface Mirror needs to read and write
// remote bytes. pkg/tracer implements it over ptrace PEEKDATA/POKEDATA.
type Memory interface {
	ReadBytes(addr uint64, n int) ([]byte, error)
	ReadCString(addr uint64) ([]byte, bool, error) // bytes include trailing NUL; bool reports truncation
	WriteBytes(addr uint64, b []byte) error
}

// Allocator hands out remote addresses for enlarged string arguments.
type Allocator interface {
	Alloc(size int) (uint64, error)
}

// Mirror is the tracer-local copy of one syscall argument, materialised at
// syscall-entry and released once the entry stop's writeback is done.
type Mirror struct {
	kind Kind
	addr uint64 // original tracee address; 0 for ints and NULL pointers

	intVal int64

	buf    []byte // KindCString: NUL-terminated copy. KindCStringArray: flat concatenation.
	origLen int   // length of buf as originally read (including terminating NUL)

	elemAddrs []uint64 // KindCStringArray only: original non-zero element pointers, in order

	newBuf   []byte // KindCString only: set by Replace, signals "allocate new remote memory"
	touched  bool
	truncated bool // a partial remote read shortened this mirror
}

// Kind reports the argument's semantic type.
func (m *Mirror) Kind() Kind { return m.kind }

// Addr reports the original tracee address the argument pointed at (0 for
// integers and NULL pointers).
func (m *Mirror) Addr() uint64 { return m.addr }

// Truncated reports whether a partial remote read shortened this mirror.
func (m *Mirror) Truncated() bool { return m.truncated }

// Touched reports whether a hook called a setter on this mirror. An
// untouched mirror leaves its register completely alone at writeback,
// which is what gives pass-through syscalls register-fidelity.
func (m *Mirror) Touched() bool { return m.touched }

// Int returns the integer value for a KindInt mirror.
func (m *Mirror) Int() int64 {
	return m.intVal
}

// SetInt sets the integer value for a KindInt mirror.
func (m *Mirror) SetInt(v int64) {
	m.intVal = v
	m.touched = true
}

// String returns the C string content (without the trailing NUL) for a
// KindCString mirror.
func (m *Mirror) String() string {
	return string(trimNUL(m.buf))
}

// Bytes returns the mirror's current raw buffer: the NUL-terminated string
// for KindCString, or the flattened "a\0b\0c\0\0" buffer for
// KindCStringArray.
func (m *Mirror) Bytes() []byte {
	return m.buf
}

// SetString edits a KindCString mirror in place. If the new string is no
// longer than the original (including its NUL), the underlying tracee
// address is reused at writeback. If it is longer, the extra bytes are
// silently truncated to the original length; this is a documented
// contract, not a bug. Use Replace to avoid truncation.
func (m *Mirror) SetString(s string) {
	b := append([]byte(s), 0)
	if m.origLen > 0 && len(b) > m.origLen {
		b = b[:m.origLen]
		b[len(b)-1] = 0
	}
	m.buf = b
	m.newBuf = nil
	m.touched = true
}

// Replace swaps a KindCString mirror's content for a new string that will
// be written into freshly allocated remote memory at writeback, rather
// than reusing the original address. Use this when the new value may be
// longer than the original.
func (m *Mirror) Replace(s string) {
	m.newBuf = append([]byte(s), 0)
	m.buf = m.newBuf
	m.touched = true
}

// Elements splits a KindCStringArray mirror's flat buffer back into its
// individual NUL-terminated byte strings (the NULs stripped).
func (m *Mirror) Elements() []string {
	out := make([]string, 0, len(m.elemAddrs))
	rest := m.buf
	for len(rest) > 0 {
		i := indexByte(rest, 0)
		if i < 0 {
			out = append(out, string(rest))
			break
		}
		if i == 0 && len(out) >= len(m.elemAddrs) {
			break // trailing extra NUL marking the end of the array
		}
		out = append(out, string(rest[:i]))
		rest = rest[i+1:]
	}
	return out
}

// SetElements rebuilds a KindCStringArray mirror's flat buffer from a new
// set of element strings, edited in place (see Relocate for why the outer
// pointer can never move).
func (m *Mirror) SetElements(elems []string) {
	var buf []byte
	for _, e := range elems {
		buf = append(buf, e...)
		buf = append(buf, 0)
	}
	buf = append(buf, 0)
	m.buf = buf
	m.touched = true
}

// Relocate always fails for KindCStringArray: the flattened-buffer
// representation does not support moving the outer `char *const[]`
// pointer, only editing the strings it already points at.
func (m *Mirror) Relocate(uint64) error {
	if m.kind != KindCStringArray {
		return fmt.Errorf("marshal: Relocate is only meaningful for %s arguments", KindCStringArray)
	}
	return ErrCannotRelocateArray
}

// ReadArg materialises a Mirror for one syscall argument register value.
func ReadArg(mem Memory, kind Kind, reg uint64) (*Mirror, error) {
	switch kind {
	case KindInt:
		return &Mirror{kind: KindInt, intVal: int64(reg)}, nil

	case KindCString:
		if reg == 0 {
			return &Mirror{kind: KindCString, addr: 0}, nil
		}
		buf, truncated, err := mem.ReadCString(reg)
		if err != nil {
			return nil, fmt.Errorf("marshal: read C string at %#x: %w", reg, err)
		}
		return &Mirror{
			kind:      KindCString,
			addr:      reg,
			buf:       buf,
			origLen:   len(buf),
			truncated: truncated,
		}, nil

	case KindCStringArray:
		return readCStringArray(mem, reg)

	default:
		return nil, fmt.Errorf("marshal: unknown argument kind %v", kind)
	}
}

func readCStringArray(mem Memory, reg uint64) (*Mirror, error) {
	m := &Mirror{kind: KindCStringArray, addr: reg}
	if reg == 0 {
		return m, nil
	}

	var flat []byte
	offset := uint64(0)
	for {
		ptrBytes, err := mem.ReadBytes(reg+offset, 8)
		if err != nil {
			m.truncated = true
			break
		}
		elemAddr := binary.LittleEndian.Uint64(ptrBytes)
		offset += 8
		if elemAddr == 0 {
			break
		}

		s, truncated, err := mem.ReadCString(elemAddr)
		if err != nil {
			m.truncated = true
			break
		}
		if truncated {
			m.truncated = true
		}
		m.elemAddrs = append(m.elemAddrs, elemAddr)
		flat = append(flat, s...)
	}
	flat = append(flat, 0)

	m.buf = flat
	m.origLen = len(flat)
	return m, nil
}

// WriteBack flushes a touched mirror's current content into the tracee and
// returns the replacement register value. It reports ok=false (with a nil
// error) for mirrors that were never touched; callers must leave those
// registers alone entirely to preserve pass-through fidelity.
func WriteBack(mem Memory, alloc Allocator, m *Mirror) (value uint64, ok bool, err error) {
	if !m.touched {
		return 0, false, nil
	}

	switch m.kind {
	case KindInt:
		return uint64(m.intVal), true, nil

	case KindCString:
		return writeBackCString(mem, alloc, m)

	case KindCStringArray:
		return writeBackCStringArray(mem, m)

	default:
		return 0, false, fmt.Errorf("marshal: unknown argument kind %v", m.kind)
	}
}

func writeBackCString(mem Memory, alloc Allocator, m *Mirror) (uint64, bool, error) {
	if m.newBuf != nil {
		addr, err := alloc.Alloc(len(m.newBuf))
		if err != nil {
			return 0, false, fmt.Errorf("marshal: allocating remote memory for replaced string: %w", err)
		}
		if err := mem.WriteBytes(addr, m.newBuf); err != nil {
			return 0, false, fmt.Errorf("marshal: writing replaced string to %#x: %w", addr, err)
		}
		return addr, true, nil
	}

	if m.addr == 0 {
		// Hook edited a mirror that started out as a NULL pointer; there is
		// nowhere to write it back in place, so nothing to do.
		return 0, true, nil
	}

	if err := mem.WriteBytes(m.addr, m.buf); err != nil {
		return 0, false, fmt.Errorf("marshal: writing string back to %#x: %w", m.addr, err)
	}
	return m.addr, true, nil
}

func writeBackCStringArray(mem Memory, m *Mirror) (uint64, bool, error) {
	if m.addr == 0 {
		return 0, true, nil
	}

	elements := m.Elements()
	for i, addr := range m.elemAddrs {
		if i >= len(elements) {
			break
		}
		b := append([]byte(elements[i]), 0)
		if err := mem.WriteBytes(addr, b); err != nil {
			return 0, false, fmt.Errorf("marshal: writing array element %d back to %#x: %w", i, addr, err)
		}
	}
	return m.addr, true, nil
}

func trimNUL(b []byte) []byte {
	if i := indexByte(b, 0); i >= 0 {
		return b[:i]
	}
	return b
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
