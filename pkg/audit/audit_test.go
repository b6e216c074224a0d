package audit

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	s, err := Open(DefaultConfig(path))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordBlockPersists(t *testing.T) {
	s := openTestStore(t)

	s.RecordBlock(1234, "unlink", 51200, -1)

	calls, err := s.BlockedCalls(context.Background())
	if err != nil {
		t.Fatalf("BlockedCalls: %v", err)
	}
	if len(calls) != 1 {
		t.Fatalf("len(calls) = %d, want 1", len(calls))
	}
	got := calls[0]
	if got.PID != 1234 || got.Syscall != "unlink" || got.FabricatedNr != 51200 || got.ReturnValue != -1 {
		t.Fatalf("BlockedCalls[0] = %+v, want pid=1234 syscall=unlink nr=51200 ret=-1", got)
	}
}

func TestRecordRewritePersists(t *testing.T) {
	s := openTestStore(t)

	s.RecordRewrite(42, "open", 0, "/etc/shadow", "/dev/null")

	rewrites, err := s.ArgRewrites(context.Background())
	if err != nil {
		t.Fatalf("ArgRewrites: %v", err)
	}
	if len(rewrites) != 1 {
		t.Fatalf("len(rewrites) = %d, want 1", len(rewrites))
	}
	got := rewrites[0]
	if got.PID != 42 || got.Syscall != "open" || got.ArgIndex != 0 || got.Original != "/etc/shadow" || got.Rewritten != "/dev/null" {
		t.Fatalf("ArgRewrites[0] = %+v, want pid=42 syscall=open arg=0 /etc/shadow->/dev/null", got)
	}
}

func TestBlockedCallsOrderedByInsertion(t *testing.T) {
	s := openTestStore(t)

	s.RecordBlock(1, "open", 1000, -1)
	s.RecordBlock(2, "unlink", 1001, -1)
	s.RecordBlock(3, "mkdir", 1002, -1)

	calls, err := s.BlockedCalls(context.Background())
	if err != nil {
		t.Fatalf("BlockedCalls: %v", err)
	}
	if len(calls) != 3 {
		t.Fatalf("len(calls) = %d, want 3", len(calls))
	}
	for i, want := range []string{"open", "unlink", "mkdir"} {
		if calls[i].Syscall != want {
			t.Errorf("calls[%d].Syscall = %q, want %q", i, calls[i].Syscall, want)
		}
	}
}

func TestEmptyStoreReturnsNoRows(t *testing.T) {
	s := openTestStore(t)

	calls, err := s.BlockedCalls(context.Background())
	if err != nil {
		t.Fatalf("BlockedCalls: %v", err)
	}
	if len(calls) != 0 {
		t.Fatalf("len(calls) = %d, want 0 on a fresh store", len(calls))
	}
}
