// Package syscalltable is the immutable mapping from an x86_64 kernel
// syscall number to its canonical name, loaded once from an embedded
// tab-separated resource.
package syscalltable

import (
	"bufio"
	"bytes"
	_ "embed"
	"fmt"
	"strconv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

//go:embed syscalls_x64.tsv
var syscallsTSV []byte

var (
	once  sync.Once
	table map[uint64]string
)

func load() {
	table = make(map[uint64]string)
	scanner := bufio.NewScanner(bytes.NewReader(syscallsTSV))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		nrStr, name, ok := cut(line, '\t')
		if !ok {
			continue
		}
		nr, err := strconv.ParseUint(nrStr, 10, 64)
		if err != nil {
			continue
		}
		table[nr] = name
	}
}

func cut(s string, sep byte) (before, after string, found bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return s[:i], s[i+1:], true
		}
	}
	return s, "", false
}

// cacheSize caps the lookup cache in front of the embedded table. The
// table itself only holds a few hundred entries, so this is generous
// headroom rather than a real memory concern.
const cacheSize = 1024

// Table is a read-only syscall-number-to-name lookup, cached for repeated
// hot-path lookups from the tracer's entry/exit stop handling.
type Table struct {
	cache *lru.Cache[uint64, string]
}

// New returns a Table backed by the embedded x86_64 syscall list. It is
// safe for concurrent use, though the tracer's single-threaded control
// loop never needs that.
func New() *Table {
	once.Do(load)
	cache, err := lru.New[uint64, string](cacheSize)
	if err != nil {
		// lru.New only fails for a non-positive size, which cacheSize never is.
		panic(fmt.Sprintf("syscalltable: unexpected lru.New error: %v", err))
	}
	return &Table{cache: cache}
}

// Name returns the canonical name for a syscall number, or a formatted
// "unknown_0x%x" placeholder if the number isn't in the table, still
// usable for dispatch (it simply won't match any registered descriptor).
func (t *Table) Name(nr uint64) string {
	if name, ok := t.cache.Get(nr); ok {
		return name
	}

	name, ok := table[nr]
	if !ok {
		name = fmt.Sprintf("unknown_0x%x", nr)
	}
	t.cache.Add(nr, name)
	return name
}

// Len reports how many syscall numbers the embedded table covers.
func (t *Table) Len() int {
	once.Do(load)
	return len(table)
}
