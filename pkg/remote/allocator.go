// Package remote implements the bump allocator that hands out space inside
// a tracee's address space for enlarged string arguments.
package remote

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// MaxBlockSize is the fixed size of the remote memory block the preloaded
// helper library reserves inside the tracee at startup.
const MaxBlockSize = 8192

const (
	discoveryRetries = 5
	discoveryDelay   = 50 * time.Millisecond
)

// Logger receives a warning each time the discovery file isn't ready yet
// and has to be retried. It's a minimal, locally declared interface so
// this package doesn't need to import pkg/tracer; any logger with a
// Warnf method (pkg/tracer.Logger included) satisfies it structurally.
type Logger interface {
	Warnf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Warnf(string, ...any) {}

// Allocator is a ring buffer over memory living inside one tracee's address
// space. Its base address is learned lazily from a discovery file the
// preloaded helper library writes at tracee startup (see pkg/preload).
type Allocator struct {
	pid    int
	base   uint64
	offset uint64
	max    uint64
	log    Logger
}

// NewAllocator returns an allocator for the tracee with the given pid. The
// discovery file is not read until the first Alloc call.
func NewAllocator(pid int) *Allocator {
	return &Allocator{pid: pid, max: MaxBlockSize, log: nopLogger{}}
}

// SetLogger installs a logger to receive discovery-retry warnings.
func (a *Allocator) SetLogger(log Logger) {
	if log == nil {
		log = nopLogger{}
	}
	a.log = log
}

// Alloc returns a remote address with room for size bytes. size must not
// exceed MaxBlockSize. The address is valid only until the next Alloc call
// that wraps the ring; callers must consume it within the same
// syscall-entry stop.
func (a *Allocator) Alloc(size int) (uint64, error) {
	if size < 0 || uint64(size) > a.max {
		return 0, fmt.Errorf("remote: requested allocation of %d bytes exceeds max block size %d", size, a.max)
	}

	if a.base == 0 {
		if err := a.discoverBase(); err != nil {
			return 0, err
		}
	}

	if a.offset+uint64(size) > a.max {
		a.offset = 0
	}

	addr := a.base + a.offset
	a.offset += uint64(size)
	return addr, nil
}

// discoverBase reads the base address the preloaded helper library wrote
// for this pid, retrying a few times since the tracee may not have reached
// its constructor yet.
func (a *Allocator) discoverBase() error {
	path := DiscoveryFilePath(a.pid)

	var lastErr error
	for attempt := 0; attempt < discoveryRetries; attempt++ {
		b, err := os.ReadFile(path)
		if err == nil && len(b) == 8 {
			a.base = binary.LittleEndian.Uint64(b)
			return nil
		}
		if err == nil {
			err = fmt.Errorf("discovery file %s has %d bytes, want 8", path, len(b))
		}
		lastErr = err
		a.log.Warnf("remote memory for pid %d not ready yet (attempt %d/%d): %v", a.pid, attempt+1, discoveryRetries, err)
		time.Sleep(discoveryDelay)
	}

	return fmt.Errorf("remote: memory block for pid %d never became ready: %w", a.pid, lastErr)
}

// DiscoveryFilePath is the well-known path the preloaded helper library
// writes its reserved block's base address to, as 8 little-endian bytes.
func DiscoveryFilePath(pid int) string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("snoop-mem.%d", pid))
}
