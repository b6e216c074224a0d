// Package audit persists a record of what the tracer actually did to a
// traced process: every blocked syscall and every argument it rewrote.
// It is the tracer's optional write-behind log, not part of the
// interception decision path itself; a nil *Store is never required.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "modernc.org/sqlite"
)

// Logger receives a warning whenever an audit write fails. It's a
// minimal, locally declared interface so this package doesn't need to
// import pkg/tracer; any logger with a Warnf method (pkg/tracer.Logger
// included) satisfies it structurally.
type Logger interface {
	Warnf(format string, args ...any)
}

// stderrLogger is the default Logger: a failed audit write is rare enough,
// and important enough, that it should never vanish with no diagnostic at
// all even when the caller hasn't wired up a real Logger.
type stderrLogger struct{}

func (stderrLogger) Warnf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "audit: "+format+"\n", args...)
}

// Store records blocked calls and argument rewrites to a SQLite database,
// one connection, WAL mode, with a busy timeout so concurrent readers
// (e.g. a CLI inspection command) don't collide with the tracer's writer.
type Store struct {
	db  *sql.DB
	log Logger
}

// Config configures Open.
type Config struct {
	Path        string
	BusyTimeout time.Duration
}

// DefaultConfig returns sensible defaults for Path.
func DefaultConfig(path string) Config {
	return Config{Path: path, BusyTimeout: 5 * time.Second}
}

// Open opens or creates the audit database at cfg.Path.
func Open(cfg Config) (*Store, error) {
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_synchronous=NORMAL",
		cfg.Path, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, log: stderrLogger{}}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: initializing schema: %w", err)
	}
	return s, nil
}

// SetLogger installs a logger to receive warnings when an audit write
// fails, replacing the default stderr fallback.
func (s *Store) SetLogger(log Logger) {
	if log == nil {
		log = stderrLogger{}
	}
	s.log = log
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// BlockedCall is one recorded blocked syscall.
type BlockedCall struct {
	PID          int
	Syscall      string
	FabricatedNr uint64
	ReturnValue  int64
	OccurredAt   int64 // unix seconds
}

// ArgRewrite is one recorded argument rewrite.
type ArgRewrite struct {
	PID        int
	Syscall    string
	ArgIndex   int
	Original   string
	Rewritten  string
	OccurredAt int64
}

// RecordBlock appends a blocked-call record. It satisfies
// tracer.Recorder's RecordBlock method, letting a *Store be passed
// directly as an Interceptor's Recorder.
func (s *Store) RecordBlock(pid int, syscall string, fabricatedNr uint64, ret int64) {
	_, err := s.db.ExecContext(context.Background(),
		`INSERT INTO blocked_calls (pid, syscall, fabricated_nr, return_value, occurred_at) VALUES (?, ?, ?, ?, ?)`,
		pid, syscall, fabricatedNr, ret, unixNow())
	if err != nil {
		// The tracer's hot path cannot fail on audit-logging errors, so
		// this is a warning rather than a returned error.
		s.log.Warnf("recording blocked call (pid %d, %s): %v", pid, syscall, err)
	}
}

// RecordRewrite appends an argument-rewrite record. It satisfies
// tracer.Recorder's RecordRewrite method.
func (s *Store) RecordRewrite(pid int, syscall string, argIndex int, original, rewritten string) {
	_, err := s.db.ExecContext(context.Background(),
		`INSERT INTO arg_rewrites (pid, syscall, arg_index, original, rewritten, occurred_at) VALUES (?, ?, ?, ?, ?, ?)`,
		pid, syscall, argIndex, original, rewritten, unixNow())
	if err != nil {
		s.log.Warnf("recording arg rewrite (pid %d, %s, arg %d): %v", pid, syscall, argIndex, err)
	}
}

// BlockedCalls returns every recorded blocked call, oldest first.
func (s *Store) BlockedCalls(ctx context.Context) ([]BlockedCall, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT pid, syscall, fabricated_nr, return_value, occurred_at FROM blocked_calls ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("audit: querying blocked calls: %w", err)
	}
	defer rows.Close()

	var out []BlockedCall
	for rows.Next() {
		var b BlockedCall
		if err := rows.Scan(&b.PID, &b.Syscall, &b.FabricatedNr, &b.ReturnValue, &b.OccurredAt); err != nil {
			return nil, fmt.Errorf("audit: scanning blocked call: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ArgRewrites returns every recorded argument rewrite, oldest first.
func (s *Store) ArgRewrites(ctx context.Context) ([]ArgRewrite, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT pid, syscall, arg_index, original, rewritten, occurred_at FROM arg_rewrites ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("audit: querying arg rewrites: %w", err)
	}
	defer rows.Close()

	var out []ArgRewrite
	for rows.Next() {
		var r ArgRewrite
		if err := rows.Scan(&r.PID, &r.Syscall, &r.ArgIndex, &r.Original, &r.Rewritten, &r.OccurredAt); err != nil {
			return nil, fmt.Errorf("audit: scanning arg rewrite: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func unixNow() int64 {
	return time.Now().Unix()
}
