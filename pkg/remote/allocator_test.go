package remote

import (
	"encoding/binary"
	"os"
	"testing"
)

func writeDiscoveryFile(t *testing.T, pid int, base uint64) {
	t.Helper()
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], base)
	if err := os.WriteFile(DiscoveryFilePath(pid), b[:], 0o644); err != nil {
		t.Fatalf("write discovery file: %v", err)
	}
	t.Cleanup(func() { os.Remove(DiscoveryFilePath(pid)) })
}

func TestAllocLazyDiscovery(t *testing.T) {
	pid := os.Getpid()*1000 + 1
	writeDiscoveryFile(t, pid, 0x7f0000000000)

	a := NewAllocator(pid)
	addr, err := a.Alloc(16)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if addr != 0x7f0000000000 {
		t.Fatalf("first alloc address = %#x, want base", addr)
	}

	addr2, err := a.Alloc(16)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if addr2 != 0x7f0000000000+16 {
		t.Fatalf("second alloc address = %#x, want base+16", addr2)
	}
}

func TestAllocWrapsWhenExhausted(t *testing.T) {
	pid := os.Getpid()*1000 + 2
	writeDiscoveryFile(t, pid, 0x1000)

	a := NewAllocator(pid)
	if _, err := a.Alloc(MaxBlockSize - 10); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	// This allocation would overflow the block, so it must wrap to base.
	addr, err := a.Alloc(20)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if addr != 0x1000 {
		t.Fatalf("wrapped alloc address = %#x, want base", addr)
	}
}

func TestAllocNeverExceedsBlock(t *testing.T) {
	pid := os.Getpid()*1000 + 3
	const base = 0x2000
	writeDiscoveryFile(t, pid, base)

	a := NewAllocator(pid)
	total := 0
	for total < MaxBlockSize*3 {
		addr, err := a.Alloc(64)
		if err != nil {
			t.Fatalf("Alloc: %v", err)
		}
		if addr < base || addr+64 > base+MaxBlockSize {
			t.Fatalf("address %#x out of bounds [%#x, %#x)", addr, base, base+MaxBlockSize)
		}
		total += 64
	}
}

func TestAllocRejectsOversizedRequest(t *testing.T) {
	pid := os.Getpid()*1000 + 4
	writeDiscoveryFile(t, pid, 0x3000)

	a := NewAllocator(pid)
	if _, err := a.Alloc(MaxBlockSize); err != nil {
		t.Fatalf("Alloc(MaxBlockSize): %v", err)
	}

	a2 := NewAllocator(pid)
	if _, err := a2.Alloc(MaxBlockSize + 1); err == nil {
		t.Fatal("Alloc(MaxBlockSize+1) should have failed")
	}
}

func TestAllocFailsWithoutDiscoveryFile(t *testing.T) {
	pid := os.Getpid()*1000 + 5
	a := NewAllocator(pid)
	if _, err := a.Alloc(8); err == nil {
		t.Fatal("expected error when discovery file is absent")
	}
}
