package store

import (
	"context"
	"database/sql"
	"time"

	"womflow/internal/model"
	"womflow/internal/womerror"
)

// InsertExecution buffers the creation of an execution row on the session
// and fills exec.ID at commit time. Must be the first op of a binding
// transaction so later ops can reference the id.
func (s *Session) InsertExecution(exec *model.Execution) {
	s.Add(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			"INSERT INTO wom_execution (uuid, started_at, status) VALUES (?, ?, ?)",
			exec.UUID, exec.StartedAt.UnixMilli(), exec.Status,
		)
		if err != nil {
			return err
		}
		exec.ID, err = res.LastInsertId()
		return err
	})
}

// InsertRule buffers the creation of a rule row plus its descriptors and
// options. IDs are filled in at commit time; the rule's ExecutionID is read
// from exec after the execution op has run.
func (s *Session) InsertRule(exec *model.Execution, rule *model.Rule) {
	s.Add(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			"INSERT INTO wom_rule (name, tool, execution_id, status) VALUES (?, ?, ?, ?)",
			rule.Name, rule.Tool, exec.ID, rule.Status,
		)
		if err != nil {
			return err
		}
		if rule.ID, err = res.LastInsertId(); err != nil {
			return err
		}
		rule.ExecutionID = exec.ID

		for _, f := range rule.Files {
			res, err := tx.Exec(
				"INSERT INTO wom_file_iio (rule_id, name, path, is_input) VALUES (?, ?, ?, ?)",
				rule.ID, f.Name, f.Path, roleToInt(f.Role),
			)
			if err != nil {
				return err
			}
			if f.ID, err = res.LastInsertId(); err != nil {
				return err
			}
			f.RuleID = rule.ID
		}
		for _, t := range rule.Tables {
			res, err := tx.Exec(
				"INSERT INTO wom_table_iio (rule_id, name, tablename, model, is_input, modification_table_name) VALUES (?, ?, ?, ?, ?, ?)",
				rule.ID, t.Name, t.TableName, t.Model, roleToInt(t.Role), t.TableName,
			)
			if err != nil {
				return err
			}
			if t.ID, err = res.LastInsertId(); err != nil {
				return err
			}
			t.RuleID = rule.ID
		}
		for _, o := range rule.Options {
			res, err := tx.Exec(
				"INSERT INTO wom_option (rule_id, name, value) VALUES (?, ?, ?)",
				rule.ID, o.Name, o.Value,
			)
			if err != nil {
				return err
			}
			if o.ID, err = res.LastInsertId(); err != nil {
				return err
			}
			o.RuleID = rule.ID
		}
		return nil
	})
}

// FinishExecution records the terminal status of an execution.
func (s *Store) FinishExecution(ctx context.Context, id int64, status string, finishedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		"UPDATE wom_execution SET finished_at = ?, status = ? WHERE id = ?",
		finishedAt.UnixMilli(), status, id,
	)
	if err != nil {
		return womerror.Wrap(womerror.PersistenceFailure, err, "failed to finish execution")
	}
	return nil
}

// UpdateRuleRun persists the execution metadata of a rule row.
func (s *Store) UpdateRuleRun(ctx context.Context, rule *model.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var started, finished, duration any
	if rule.StartedAt != nil {
		started = rule.StartedAt.UnixMilli()
	}
	if rule.FinishedAt != nil {
		finished = rule.FinishedAt.UnixMilli()
	}
	if rule.DurationMS != nil {
		duration = *rule.DurationMS
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE wom_rule SET started_at = ?, finished_at = ?, duration_ms = ?, status = ? WHERE id = ?",
		started, finished, duration, rule.Status, rule.ID,
	)
	if err != nil {
		return womerror.Wrap(womerror.PersistenceFailure, err, "failed to update rule "+rule.Name)
	}
	return nil
}

// UpdateRuleStatus persists only the status column.
func (s *Store) UpdateRuleStatus(ctx context.Context, ruleID int64, status model.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, "UPDATE wom_rule SET status = ? WHERE id = ?", status, ruleID)
	if err != nil {
		return womerror.Wrap(womerror.PersistenceFailure, err, "failed to update rule status")
	}
	return nil
}

// UpdateFileStats persists the observed mtime/size/used_at of a descriptor.
func (s *Store) UpdateFileStats(ctx context.Context, fd *model.FileDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		"UPDATE wom_file_iio SET mtime_epoch_millis = ?, size = ?, used_at = ? WHERE id = ?",
		nullable(fd.MtimeMillis), nullable(fd.Size), nullable(fd.UsedAt), fd.ID,
	)
	if err != nil {
		return womerror.Wrap(womerror.PersistenceFailure, err, "failed to update file stats for "+fd.Path)
	}
	return nil
}

// UpdateTableUsedAt persists the used_at of a table descriptor.
func (s *Store) UpdateTableUsedAt(ctx context.Context, td *model.TableDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		"UPDATE wom_table_iio SET used_at = ? WHERE id = ?",
		nullable(td.UsedAt), td.ID,
	)
	if err != nil {
		return womerror.Wrap(womerror.PersistenceFailure, err, "failed to update table used_at for "+td.TableName)
	}
	return nil
}

// TouchModification bumps the freshness ledger row for a table. The row is
// created if a writer somehow got here before binding did.
func (s *Store) TouchModification(ctx context.Context, tableName string, at int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO wom_modification_table (table_name, modified_at) VALUES (?, ?)
		 ON CONFLICT(table_name) DO UPDATE SET modified_at = excluded.modified_at`,
		tableName, at,
	)
	if err != nil {
		return womerror.Wrap(womerror.PersistenceFailure, err, "failed to touch modification for "+tableName)
	}
	return nil
}

// GetModification reads the ledger row for a table, or nil when absent.
func (s *Store) GetModification(ctx context.Context, tableName string) (*model.TableModification, error) {
	m := &model.TableModification{}
	err := s.db.QueryRowContext(ctx,
		"SELECT table_name, modified_at FROM wom_modification_table WHERE table_name = ?",
		tableName,
	).Scan(&m.TableName, &m.ModifiedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, womerror.Wrap(womerror.PersistenceFailure, err, "failed to read modification for "+tableName)
	}
	return m, nil
}

// FileStamp is the recorded provenance of one input file.
type FileStamp struct {
	UsedAt *int64
	Size   *int64
}

// Provenance is the recorded input set of a past rule run, keyed by file
// path and table model identifier.
type Provenance struct {
	Files  map[string]FileStamp
	Tables map[string]*int64 // model identifier -> used_at
}

// LastRunProvenance loads the input provenance of the most recent successful
// run of the named rule, excluding the given execution. Returns nil when the
// rule never completed before.
func (s *Store) LastRunProvenance(ctx context.Context, ruleName string, excludeExecutionID int64) (*Provenance, error) {
	var ruleID int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM wom_rule
		 WHERE name = ? AND execution_id != ? AND status IN (?, ?)
		 ORDER BY id DESC LIMIT 1`,
		ruleName, excludeExecutionID, model.StatusExecuted, model.StatusAlreadyExecuted,
	).Scan(&ruleID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, womerror.Wrap(womerror.PersistenceFailure, err, "failed to find previous run of "+ruleName)
	}

	prov := &Provenance{Files: make(map[string]FileStamp), Tables: make(map[string]*int64)}

	rows, err := s.db.QueryContext(ctx,
		"SELECT path, used_at, size FROM wom_file_iio WHERE rule_id = ? AND is_input = 1", ruleID)
	if err != nil {
		return nil, womerror.Wrap(womerror.PersistenceFailure, err, "failed to load file provenance")
	}
	defer rows.Close()
	for rows.Next() {
		var path string
		var usedAt, size sql.NullInt64
		if err := rows.Scan(&path, &usedAt, &size); err != nil {
			return nil, womerror.Wrap(womerror.PersistenceFailure, err, "failed to scan file provenance")
		}
		prov.Files[path] = FileStamp{UsedAt: nullInt(usedAt), Size: nullInt(size)}
	}
	if err := rows.Err(); err != nil {
		return nil, womerror.Wrap(womerror.PersistenceFailure, err, "failed to iterate file provenance")
	}

	trows, err := s.db.QueryContext(ctx,
		"SELECT model, used_at FROM wom_table_iio WHERE rule_id = ? AND is_input = 1", ruleID)
	if err != nil {
		return nil, womerror.Wrap(womerror.PersistenceFailure, err, "failed to load table provenance")
	}
	defer trows.Close()
	for trows.Next() {
		var modelID string
		var usedAt sql.NullInt64
		if err := trows.Scan(&modelID, &usedAt); err != nil {
			return nil, womerror.Wrap(womerror.PersistenceFailure, err, "failed to scan table provenance")
		}
		prov.Tables[modelID] = nullInt(usedAt)
	}
	if err := trows.Err(); err != nil {
		return nil, womerror.Wrap(womerror.PersistenceFailure, err, "failed to iterate table provenance")
	}
	return prov, nil
}

// RecentExecutions lists past executions, newest first.
func (s *Store) RecentExecutions(ctx context.Context, limit int) ([]*model.Execution, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, uuid, started_at, finished_at, status FROM wom_execution ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, womerror.Wrap(womerror.PersistenceFailure, err, "failed to list executions")
	}
	defer rows.Close()

	var out []*model.Execution
	for rows.Next() {
		var e model.Execution
		var started int64
		var finished sql.NullInt64
		if err := rows.Scan(&e.ID, &e.UUID, &started, &finished, &e.Status); err != nil {
			return nil, womerror.Wrap(womerror.PersistenceFailure, err, "failed to scan execution")
		}
		e.StartedAt = time.UnixMilli(started)
		if finished.Valid {
			t := time.UnixMilli(finished.Int64)
			e.FinishedAt = &t
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// RulesForExecution loads the rule rows of an execution, without
// descriptors, ordered by id.
func (s *Store) RulesForExecution(ctx context.Context, executionID int64) ([]*model.Rule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, tool, execution_id, started_at, finished_at, duration_ms, status
		 FROM wom_rule WHERE execution_id = ? ORDER BY id`, executionID)
	if err != nil {
		return nil, womerror.Wrap(womerror.PersistenceFailure, err, "failed to list rules")
	}
	defer rows.Close()

	var out []*model.Rule
	for rows.Next() {
		var r model.Rule
		var started, finished, duration sql.NullInt64
		if err := rows.Scan(&r.ID, &r.Name, &r.Tool, &r.ExecutionID, &started, &finished, &duration, &r.Status); err != nil {
			return nil, womerror.Wrap(womerror.PersistenceFailure, err, "failed to scan rule")
		}
		if started.Valid {
			t := time.UnixMilli(started.Int64)
			r.StartedAt = &t
		}
		if finished.Valid {
			t := time.UnixMilli(finished.Int64)
			r.FinishedAt = &t
		}
		if duration.Valid {
			d := duration.Int64
			r.DurationMS = &d
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// CountRules returns the number of rule rows for an execution. Zero after a
// rolled-back binding.
func (s *Store) CountRules(ctx context.Context, executionID int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM wom_rule WHERE execution_id = ?", executionID).Scan(&n)
	if err != nil {
		return 0, womerror.Wrap(womerror.PersistenceFailure, err, "failed to count rules")
	}
	return n, nil
}

func nullable(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}
