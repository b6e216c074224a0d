package audit

import "fmt"

const schema = `
CREATE TABLE IF NOT EXISTS blocked_calls (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	pid INTEGER NOT NULL,
	syscall TEXT NOT NULL,
	fabricated_nr INTEGER NOT NULL,
	return_value INTEGER NOT NULL,
	occurred_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_blocked_calls_pid ON blocked_calls(pid);

CREATE TABLE IF NOT EXISTS arg_rewrites (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	pid INTEGER NOT NULL,
	syscall TEXT NOT NULL,
	arg_index INTEGER NOT NULL,
	original TEXT NOT NULL,
	rewritten TEXT NOT NULL,
	occurred_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_arg_rewrites_pid ON arg_rewrites(pid);
`

func (s *Store) initSchema() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("audit: creating schema: %w", err)
	}
	return nil
}
