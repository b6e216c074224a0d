// Package preload describes the interface between the tracer and the
// out-of-scope helper shared library: it computes the LD_PRELOAD path the
// tracer injects into the tracee's environment and leaves the actual
// memory-reservation/discovery-file write to that library. See
// pkg/remote for the reader side of the discovery file it produces.
package preload

import (
	"os"
	"path/filepath"
)

// LibraryName is the shared object the tracer asks the dynamic linker to
// preload into every tracee. Building it is out of scope for this engine
// (it is a tiny, architecture-specific constructor that reserves
// remote.MaxBlockSize bytes and writes their address to
// remote.DiscoveryFilePath); this package only computes where the tracer
// expects to find it.
const LibraryName = "libsnoopmem.so"

// EnvVar is the dynamic linker's preload variable on Linux.
const EnvVar = "LD_PRELOAD"

// DefaultPath returns LibraryName resolved next to the current
// executable's directory, the conventional place to look for a
// helper shared library shipped alongside the tracer binary.
func DefaultPath() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", err
	}
	return filepath.Join(filepath.Dir(exe), LibraryName), nil
}

// Env returns the (key, value) pair to set on a child process's
// environment so the dynamic linker preloads path into it. Pass the
// result of DefaultPath, or an explicit override.
func Env(path string) (key, value string) {
	return EnvVar, path
}
