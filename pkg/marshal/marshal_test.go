package marshal

import (
	"encoding/binary"
	"testing"
)

// fakeMemory models a tracee's address space as a plain byte map, letting
// the marshalling logic be tested without a real ptrace target.
type fakeMemory struct {
	data map[uint64][]byte
}

func newFakeMemory() *fakeMemory {
	return &fakeMemory{data: make(map[uint64][]byte)}
}

func (f *fakeMemory) put(addr uint64, b []byte) {
	f.data[addr] = append([]byte(nil), b...)
}

func (f *fakeMemory) ReadBytes(addr uint64, n int) ([]byte, error) {
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = f.byteAt(addr + uint64(i))
	}
	return out, nil
}

func (f *fakeMemory) byteAt(addr uint64) byte {
	for base, b := range f.data {
		if addr >= base && addr < base+uint64(len(b)) {
			return b[addr-base]
		}
	}
	return 0
}

func (f *fakeMemory) ReadCString(addr uint64) ([]byte, bool, error) {
	var out []byte
	for i := 0; ; i++ {
		c := f.byteAt(addr + uint64(i))
		out = append(out, c)
		if c == 0 {
			break
		}
	}
	return out, false, nil
}

func (f *fakeMemory) WriteBytes(addr uint64, b []byte) error {
	f.put(addr, b)
	return nil
}

type fakeAllocator struct {
	next uint64
}

func (a *fakeAllocator) Alloc(size int) (uint64, error) {
	addr := a.next
	a.next += uint64(size)
	return addr, nil
}

func TestReadIntRoundTrip(t *testing.T) {
	m, err := ReadArg(nil, KindInt, 0)
	if err != nil {
		t.Fatal(err)
	}
	if m.Int() != 0 {
		t.Fatalf("Int() = %d, want 0", m.Int())
	}
	if m.Touched() {
		t.Fatal("fresh mirror should be untouched")
	}
	if _, ok, _ := WriteBack(nil, nil, m); ok {
		t.Fatal("untouched mirror should not produce a register value")
	}
}

func TestCStringRoundTripUnmodified(t *testing.T) {
	mem := newFakeMemory()
	mem.put(0x1000, []byte("hello.txt\x00"))

	m, err := ReadArg(mem, KindCString, 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	if m.String() != "hello.txt" {
		t.Fatalf("String() = %q", m.String())
	}

	if m.Touched() {
		t.Fatal("unmodified mirror should be untouched")
	}
}

func TestCStringInPlaceEditReusesAddress(t *testing.T) {
	mem := newFakeMemory()
	mem.put(0x2000, []byte("1.c\x00"))

	m, err := ReadArg(mem, KindCString, 0x2000)
	if err != nil {
		t.Fatal(err)
	}
	m.SetString("2.c")

	val, ok, err := WriteBack(mem, &fakeAllocator{}, m)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected writeback")
	}
	if val != 0x2000 {
		t.Fatalf("address changed on in-place edit: got %#x", val)
	}
	got, _, _ := mem.ReadCString(0x2000)
	if string(got) != "2.c\x00" {
		t.Fatalf("tracee memory = %q", got)
	}
}

func TestCStringLongerEditTruncatesWithoutRelocating(t *testing.T) {
	mem := newFakeMemory()
	mem.put(0x3000, []byte("ab\x00")) // origLen = 3

	m, err := ReadArg(mem, KindCString, 0x3000)
	if err != nil {
		t.Fatal(err)
	}
	m.SetString("abcdef")

	val, _, err := WriteBack(mem, &fakeAllocator{}, m)
	if err != nil {
		t.Fatal(err)
	}
	if val != 0x3000 {
		t.Fatalf("longer-but-not-replaced string should keep the original address, got %#x", val)
	}
	got, _, _ := mem.ReadCString(0x3000)
	if len(got) != 3 {
		t.Fatalf("expected truncation to original length 3, got %q (%d bytes)", got, len(got))
	}
	if got[len(got)-1] != 0 {
		t.Fatal("truncated buffer must still be NUL-terminated")
	}
}

func TestCStringReplaceAllocatesRemoteMemory(t *testing.T) {
	mem := newFakeMemory()
	mem.put(0x4000, []byte("1.c\x00"))

	m, err := ReadArg(mem, KindCString, 0x4000)
	if err != nil {
		t.Fatal(err)
	}
	m.Replace("1.cpp")

	alloc := &fakeAllocator{next: 0x9000}
	val, ok, err := WriteBack(mem, alloc, m)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected writeback")
	}
	if val != 0x9000 {
		t.Fatalf("expected remote address 0x9000, got %#x", val)
	}
	got, _, _ := mem.ReadCString(0x9000)
	if string(got) != "1.cpp\x00" {
		t.Fatalf("remote memory = %q", got)
	}
	// Original location must be untouched.
	orig, _, _ := mem.ReadCString(0x4000)
	if string(orig) != "1.c\x00" {
		t.Fatalf("original address should be unchanged, got %q", orig)
	}
}

func TestCStringArrayFlattensAndRoundTrips(t *testing.T) {
	mem := newFakeMemory()
	// Argv array at 0x5000: three pointers then a NULL terminator.
	mem.put(0x5100, []byte("sh\x00"))
	mem.put(0x5200, []byte("-c\x00"))
	mem.put(0x5300, []byte("echo hi\x00"))

	var ptrs []byte
	for _, a := range []uint64{0x5100, 0x5200, 0x5300, 0} {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], a)
		ptrs = append(ptrs, b[:]...)
	}
	mem.put(0x5000, ptrs)

	m, err := ReadArg(mem, KindCStringArray, 0x5000)
	if err != nil {
		t.Fatal(err)
	}
	want := "sh\x00-c\x00echo hi\x00\x00"
	if string(m.Bytes()) != want {
		t.Fatalf("flat buffer = %q, want %q", m.Bytes(), want)
	}

	elems := m.Elements()
	if len(elems) != 3 || elems[0] != "sh" || elems[1] != "-c" || elems[2] != "echo hi" {
		t.Fatalf("Elements() = %#v", elems)
	}

	if m.Touched() {
		t.Fatal("unmodified array mirror should be untouched")
	}
}

func TestCStringArrayRelocateAlwaysErrors(t *testing.T) {
	mem := newFakeMemory()
	mem.put(0x6000, make([]byte, 8)) // single NULL terminator -> empty argv
	m, err := ReadArg(mem, KindCStringArray, 0x6000)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Relocate(0x7000); err != ErrCannotRelocateArray {
		t.Fatalf("Relocate err = %v, want ErrCannotRelocateArray", err)
	}
}

func TestCStringArrayEditWritesElementsInPlace(t *testing.T) {
	mem := newFakeMemory()
	mem.put(0x5100, []byte("old1\x00"))
	mem.put(0x5200, []byte("old2\x00"))

	var ptrs []byte
	for _, a := range []uint64{0x5100, 0x5200, 0} {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], a)
		ptrs = append(ptrs, b[:]...)
	}
	mem.put(0x5000, ptrs)

	m, err := ReadArg(mem, KindCStringArray, 0x5000)
	if err != nil {
		t.Fatal(err)
	}
	m.SetElements([]string{"new1", "new2"})

	addr, ok, err := WriteBack(mem, &fakeAllocator{}, m)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || addr != 0x5000 {
		t.Fatalf("outer pointer must stay at 0x5000, got %#x (ok=%v)", addr, ok)
	}
	got1, _, _ := mem.ReadCString(0x5100)
	got2, _, _ := mem.ReadCString(0x5200)
	if string(got1) != "new1\x00" || string(got2) != "new2\x00" {
		t.Fatalf("elements = %q, %q", got1, got2)
	}
}

func TestNilPointerArgumentsAreEmpty(t *testing.T) {
	m, err := ReadArg(nil, KindCString, 0)
	if err != nil {
		t.Fatal(err)
	}
	if m.Addr() != 0 {
		t.Fatal("NULL pointer mirror should have zero address")
	}
}
