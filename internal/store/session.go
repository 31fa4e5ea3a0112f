package store

import (
	"context"
	"database/sql"

	"womflow/internal/model"
	"womflow/internal/womerror"
)

// Op is one buffered write, applied inside the commit transaction.
type Op func(tx *sql.Tx) error

// Session is a cheap per-worker handle. Writes are buffered through Add and
// applied atomically by Commit under the store's shared lock; reads bypass
// the buffer. Sessions are not safe for use by multiple goroutines; each
// worker owns its own.
type Session struct {
	st      *Store
	pending []Op
}

// NewSession creates a session bound to the store.
func (s *Store) NewSession() *Session {
	return &Session{st: s}
}

// Add buffers a write for the next Commit.
func (s *Session) Add(op Op) {
	s.pending = append(s.pending, op)
}

// AddAll buffers several writes in order.
func (s *Session) AddAll(ops ...Op) {
	s.pending = append(s.pending, ops...)
}

// Delete buffers a deletion statement.
func (s *Session) Delete(query string, args ...any) {
	s.Add(func(tx *sql.Tx) error {
		_, err := tx.Exec(query, args...)
		return err
	})
}

// Something reports whether the session has uncommitted work.
func (s *Session) Something() bool { return len(s.pending) > 0 }

// Commit applies every buffered op in one transaction under the shared
// commit lock. The buffer is cleared whether or not the commit succeeds;
// a failed transaction is rolled back.
func (s *Session) Commit(ctx context.Context) error {
	if len(s.pending) == 0 {
		return nil
	}
	ops := s.pending
	s.pending = nil

	s.st.mu.Lock()
	defer s.st.mu.Unlock()

	tx, err := s.st.db.BeginTx(ctx, nil)
	if err != nil {
		return womerror.Wrap(womerror.PersistenceFailure, err, "failed to begin transaction")
	}
	for _, op := range ops {
		if err := op(tx); err != nil {
			_ = tx.Rollback()
			return womerror.Wrap(womerror.PersistenceFailure, err, "transaction aborted")
		}
	}
	if err := tx.Commit(); err != nil {
		return womerror.Wrap(womerror.PersistenceFailure, err, "failed to commit")
	}
	return nil
}

// Rollback discards the buffered writes.
func (s *Session) Rollback() {
	s.pending = nil
}

// Execute runs a single statement immediately under the shared lock.
func (s *Session) Execute(ctx context.Context, query string, args ...any) error {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	if _, err := s.st.db.ExecContext(ctx, query, args...); err != nil {
		return womerror.Wrap(womerror.PersistenceFailure, err, "failed to execute statement")
	}
	return nil
}

// Query runs a read directly against the database.
func (s *Session) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.st.db.QueryContext(ctx, query, args...)
}

// QueryRow runs a single-row read directly against the database.
func (s *Session) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.st.db.QueryRowContext(ctx, query, args...)
}

// Close discards any pending writes. The underlying database stays open; it
// belongs to the Store.
func (s *Session) Close() {
	s.pending = nil
}

// GetOrCreateModification returns the freshness ledger row for a physical
// table, creating it with the given timestamp when absent. Race-safe: the
// lookup and insert happen under the shared lock, so concurrent binders see
// exactly one row per table.
func (s *Session) GetOrCreateModification(ctx context.Context, tableName string, defaultModifiedAt int64) (*model.TableModification, bool, error) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()

	m := &model.TableModification{TableName: tableName}
	err := s.st.db.QueryRowContext(ctx,
		"SELECT table_name, modified_at FROM wom_modification_table WHERE table_name = ?",
		tableName,
	).Scan(&m.TableName, &m.ModifiedAt)
	switch {
	case err == nil:
		return m, false, nil
	case err != sql.ErrNoRows:
		return nil, false, womerror.Wrap(womerror.PersistenceFailure, err, "failed to query modification row")
	}

	if _, err := s.st.db.ExecContext(ctx,
		"INSERT INTO wom_modification_table (table_name, modified_at) VALUES (?, ?)",
		tableName, defaultModifiedAt,
	); err != nil {
		return nil, false, womerror.Wrap(womerror.PersistenceFailure, err, "failed to create modification row")
	}
	m.ModifiedAt = defaultModifiedAt
	return m, true, nil
}
