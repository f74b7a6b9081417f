package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/droverhq/drover/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

var _ Store = (*LibSQLStore)(nil)

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	// Single connection: admission counting and revision CAS rely on
	// transactions against one writer.
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Definitions ---

func (s *LibSQLStore) PutDefinition(ctx context.Context, def *Definition) error {
	doc, err := json.Marshal(def.Document)
	if err != nil {
		return fmt.Errorf("marshal definition document: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO definitions (name, version, description, document, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(name, version) DO NOTHING`,
		def.Name, def.Version, nullStr(def.Description), string(doc), timeOrNow(def.CreatedAt),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeConflict, "definition %s@%s already published", def.Name, def.Version)
	}
	return nil
}

// GetDefinition resolves version "" to the most recently published version.
func (s *LibSQLStore) GetDefinition(ctx context.Context, name, version string) (*Definition, error) {
	query := `SELECT name, version, description, document, created_at FROM definitions WHERE name = ?`
	args := []any{name}
	if version != "" {
		query += ` AND version = ?`
		args = append(args, version)
	}
	query += ` ORDER BY created_at DESC LIMIT 1`

	d := &Definition{}
	var desc sql.NullString
	var doc string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&d.Name, &d.Version, &desc, &doc, &d.CreatedAt)
	if err == sql.ErrNoRows {
		if version != "" {
			name = name + "@" + version
		}
		return nil, storeNotFound("definition", name)
	}
	if err != nil {
		return nil, err
	}
	d.Description = desc.String
	if err := json.Unmarshal([]byte(doc), &d.Document); err != nil {
		return nil, fmt.Errorf("unmarshal definition document: %w", err)
	}
	return d, nil
}

func (s *LibSQLStore) ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*Definition, error) {
	query := `SELECT name, version, description, document, created_at FROM definitions`
	var where []string
	var args []any
	if filter.Name != "" {
		where = append(where, "name = ?")
		args = append(args, filter.Name)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY name, created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []*Definition
	for rows.Next() {
		d := &Definition{}
		var desc sql.NullString
		var doc string
		if err := rows.Scan(&d.Name, &d.Version, &desc, &doc, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.Description = desc.String
		if err := json.Unmarshal([]byte(doc), &d.Document); err != nil {
			return nil, fmt.Errorf("unmarshal definition document: %w", err)
		}
		defs = append(defs, d)
	}
	return defs, rows.Err()
}

// --- Executions ---

// CreateExecution inserts a new execution, first counting active executions
// inside the same transaction. At or above ceiling the insert is abandoned
// and CAPACITY_ERROR returned; an execution is never queued for later
// admission.
func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *Execution, ceiling int) error {
	def, err := json.Marshal(exec.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	input, err := marshalMapOrDefault(exec.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create execution: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if ceiling > 0 {
		var active int
		row := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM executions WHERE status IN ('pending', 'running', 'paused')`)
		if err := row.Scan(&active); err != nil {
			return fmt.Errorf("count active executions: %w", err)
		}
		if active >= ceiling {
			drr := schema.NewErrorf(schema.ErrCodeCapacity, "active execution ceiling reached (%d/%d)", active, ceiling)
			return drr.WithDetails(map[string]any{"active": active, "ceiling": ceiling})
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO executions (id, process_name, process_version, definition, status, input, outputs, failure, schedule_id, revision, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.ProcessName, exec.ProcessVersion, string(def), string(exec.Status),
		string(input), nullRaw(exec.Outputs), nullRaw(exec.Failure), nullStr(exec.ScheduleID),
		exec.Revision, timeOrNow(exec.CreatedAt), nullTime(exec.StartedAt), nullTime(exec.CompletedAt), timeOrNow(exec.UpdatedAt),
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	e := &Execution{}
	var defJSON, status string
	var input, outputs, failure, scheduleID sql.NullString
	var startedAt, completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, process_name, process_version, definition, status, input, outputs, failure, schedule_id, revision, created_at, started_at, completed_at, updated_at
		 FROM executions WHERE id = ?`, id,
	).Scan(&e.ID, &e.ProcessName, &e.ProcessVersion, &defJSON, &status, &input, &outputs, &failure,
		&scheduleID, &e.Revision, &e.CreatedAt, &startedAt, &completedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, err
	}
	e.Status = schema.ExecutionStatus(status)
	if err := json.Unmarshal([]byte(defJSON), &e.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	if input.Valid && input.String != "" {
		if err := json.Unmarshal([]byte(input.String), &e.Input); err != nil {
			return nil, fmt.Errorf("unmarshal input: %w", err)
		}
	}
	e.Outputs = rawOrNil(outputs)
	e.Failure = rawOrNil(failure)
	e.ScheduleID = scheduleID.String
	if startedAt.Valid {
		e.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		e.CompletedAt = &completedAt.Time
	}
	return e, nil
}

// UpdateExecution persists lifecycle fields guarded by a revision
// compare-and-swap. On success exec.Revision reflects the stored value.
func (s *LibSQLStore) UpdateExecution(ctx context.Context, exec *Execution, expectedRevision int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions
		 SET status = ?, outputs = ?, failure = ?, started_at = ?, completed_at = ?, revision = revision + 1, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND revision = ?`,
		string(exec.Status), nullRaw(exec.Outputs), nullRaw(exec.Failure),
		nullTime(exec.StartedAt), nullTime(exec.CompletedAt),
		exec.ID, expectedRevision,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var revision int64
		probe := s.db.QueryRowContext(ctx, `SELECT revision FROM executions WHERE id = ?`, exec.ID)
		if scanErr := probe.Scan(&revision); scanErr == sql.ErrNoRows {
			return storeNotFound("execution", exec.ID)
		} else if scanErr != nil {
			return scanErr
		}
		drr := schema.NewErrorf(schema.ErrCodeConflict, "execution %q revision mismatch: expected %d, have %d", exec.ID, expectedRevision, revision)
		return drr.WithDetails(map[string]any{"expected": expectedRevision, "actual": revision})
	}
	exec.Revision = expectedRevision + 1
	return nil
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	query := `SELECT id, process_name, process_version, definition, status, input, outputs, failure, schedule_id, revision, created_at, started_at, completed_at, updated_at FROM executions`
	var where []string
	var args []any
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.ProcessName != "" {
		where = append(where, "process_name = ?")
		args = append(args, filter.ProcessName)
	}
	if filter.ScheduleID != "" {
		where = append(where, "schedule_id = ?")
		args = append(args, filter.ScheduleID)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		e := &Execution{}
		var defJSON, status string
		var input, outputs, failure, scheduleID sql.NullString
		var startedAt, completedAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.ProcessName, &e.ProcessVersion, &defJSON, &status, &input, &outputs, &failure,
			&scheduleID, &e.Revision, &e.CreatedAt, &startedAt, &completedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		e.Status = schema.ExecutionStatus(status)
		if err := json.Unmarshal([]byte(defJSON), &e.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
		if input.Valid && input.String != "" {
			if err := json.Unmarshal([]byte(input.String), &e.Input); err != nil {
				return nil, fmt.Errorf("unmarshal input: %w", err)
			}
		}
		e.Outputs = rawOrNil(outputs)
		e.Failure = rawOrNil(failure)
		e.ScheduleID = scheduleID.String
		if startedAt.Valid {
			e.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			e.CompletedAt = &completedAt.Time
		}
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

func (s *LibSQLStore) CountActiveExecutions(ctx context.Context) (int, error) {
	var count int
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM executions WHERE status IN ('pending', 'running', 'paused')`)
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// --- Step runs ---

func (s *LibSQLStore) UpsertStepRun(ctx context.Context, run *StepRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO step_runs (execution_id, step_id, status, skip_reason, attempts, output, error, resume_at, decision_id, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id, step_id) DO UPDATE SET
		   status = excluded.status,
		   skip_reason = excluded.skip_reason,
		   attempts = excluded.attempts,
		   output = excluded.output,
		   error = excluded.error,
		   resume_at = excluded.resume_at,
		   decision_id = excluded.decision_id,
		   started_at = excluded.started_at,
		   completed_at = excluded.completed_at,
		   duration_ms = excluded.duration_ms`,
		run.ExecutionID, run.StepID, string(run.Status), nullStr(string(run.SkipReason)), run.Attempts,
		nullRaw(run.Output), nullRaw(run.Error), nullTime(run.ResumeAt), nullStr(run.DecisionID),
		nullTime(run.StartedAt), nullTime(run.CompletedAt), run.DurationMs,
	)
	return err
}

func (s *LibSQLStore) GetStepRun(ctx context.Context, executionID, stepID string) (*StepRun, error) {
	r := &StepRun{}
	var status string
	var skipReason, output, errJSON, decisionID sql.NullString
	var resumeAt, startedAt, completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT execution_id, step_id, status, skip_reason, attempts, output, error, resume_at, decision_id, started_at, completed_at, duration_ms
		 FROM step_runs WHERE execution_id = ? AND step_id = ?`, executionID, stepID,
	).Scan(&r.ExecutionID, &r.StepID, &status, &skipReason, &r.Attempts, &output, &errJSON,
		&resumeAt, &decisionID, &startedAt, &completedAt, &r.DurationMs)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("step run", executionID+"/"+stepID)
	}
	if err != nil {
		return nil, err
	}
	r.Status = schema.StepStatus(status)
	r.SkipReason = schema.SkipReason(skipReason.String)
	r.Output = rawOrNil(output)
	r.Error = rawOrNil(errJSON)
	r.DecisionID = decisionID.String
	if resumeAt.Valid {
		r.ResumeAt = &resumeAt.Time
	}
	if startedAt.Valid {
		r.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	return r, nil
}

func (s *LibSQLStore) ListStepRuns(ctx context.Context, executionID string) ([]*StepRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT execution_id, step_id, status, skip_reason, attempts, output, error, resume_at, decision_id, started_at, completed_at, duration_ms
		 FROM step_runs WHERE execution_id = ? ORDER BY step_id`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*StepRun
	for rows.Next() {
		r := &StepRun{}
		var status string
		var skipReason, output, errJSON, decisionID sql.NullString
		var resumeAt, startedAt, completedAt sql.NullTime
		if err := rows.Scan(&r.ExecutionID, &r.StepID, &status, &skipReason, &r.Attempts, &output, &errJSON,
			&resumeAt, &decisionID, &startedAt, &completedAt, &r.DurationMs); err != nil {
			return nil, err
		}
		r.Status = schema.StepStatus(status)
		r.SkipReason = schema.SkipReason(skipReason.String)
		r.Output = rawOrNil(output)
		r.Error = rawOrNil(errJSON)
		r.DecisionID = decisionID.String
		if resumeAt.Valid {
			r.ResumeAt = &resumeAt.Time
		}
		if startedAt.Valid {
			r.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			r.CompletedAt = &completedAt.Time
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *LibSQLStore) ListDueExecutionIDs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	query := `SELECT DISTINCT execution_id FROM (
		SELECT execution_id FROM step_runs WHERE status = 'running' AND resume_at IS NOT NULL AND resume_at <= ?
		UNION
		SELECT execution_id FROM decisions WHERE status = 'pending' AND timeout_at IS NOT NULL AND timeout_at <= ?
	)`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, now, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Decisions ---

func (s *LibSQLStore) CreateDecision(ctx context.Context, dec *Decision) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decisions (id, execution_id, step_id, title, description, status, timeout_at, timeout_action, decided_by, comment, decided_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		dec.ID, dec.ExecutionID, dec.StepID, nullStr(dec.Title), nullStr(dec.Description),
		string(dec.Status), nullTime(dec.TimeoutAt), nullStr(string(dec.TimeoutAction)),
		nullStr(dec.DecidedBy), nullStr(dec.Comment), nullTime(dec.DecidedAt), timeOrNow(dec.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetDecision(ctx context.Context, id string) (*Decision, error) {
	d := &Decision{}
	var status string
	var title, desc, timeoutAction, decidedBy, comment sql.NullString
	var timeoutAt, decidedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, execution_id, step_id, title, description, status, timeout_at, timeout_action, decided_by, comment, decided_at, created_at
		 FROM decisions WHERE id = ?`, id,
	).Scan(&d.ID, &d.ExecutionID, &d.StepID, &title, &desc, &status, &timeoutAt, &timeoutAction,
		&decidedBy, &comment, &decidedAt, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("decision", id)
	}
	if err != nil {
		return nil, err
	}
	d.Status = schema.DecisionStatus(status)
	d.Title = title.String
	d.Description = desc.String
	d.TimeoutAction = schema.TimeoutAction(timeoutAction.String)
	d.DecidedBy = decidedBy.String
	d.Comment = comment.String
	if timeoutAt.Valid {
		d.TimeoutAt = &timeoutAt.Time
	}
	if decidedAt.Valid {
		d.DecidedAt = &decidedAt.Time
	}
	return d, nil
}

// ResolveDecision applies a resolution to a pending decision. A decision
// that is no longer pending fails with CONFLICT, which keeps resolution
// idempotence errors visible to the caller.
func (s *LibSQLStore) ResolveDecision(ctx context.Context, id string, resolution *Resolution) error {
	decidedAt := time.Now().UTC()
	if resolution.DecidedAt != nil {
		decidedAt = *resolution.DecidedAt
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE decisions SET status = ?, decided_by = ?, comment = ?, decided_at = ?
		 WHERE id = ? AND status = 'pending'`,
		resolution.Status, nullStr(resolution.DecidedBy), nullStr(resolution.Comment), decidedAt, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var current string
		probe := s.db.QueryRowContext(ctx, `SELECT status FROM decisions WHERE id = ?`, id)
		if scanErr := probe.Scan(&current); scanErr == sql.ErrNoRows {
			return storeNotFound("decision", id)
		} else if scanErr != nil {
			return scanErr
		}
		return schema.NewErrorf(schema.ErrCodeConflict, "decision %q already resolved (%s)", id, current)
	}
	return nil
}

func (s *LibSQLStore) ListDecisions(ctx context.Context, filter DecisionFilter) ([]*Decision, error) {
	query := `SELECT id, execution_id, step_id, title, description, status, timeout_at, timeout_action, decided_by, comment, decided_at, created_at FROM decisions`
	var where []string
	var args []any
	if filter.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.ExpiringBefore != nil {
		where = append(where, "timeout_at IS NOT NULL AND timeout_at <= ?")
		args = append(args, *filter.ExpiringBefore)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var decisions []*Decision
	for rows.Next() {
		d := &Decision{}
		var status string
		var title, desc, timeoutAction, decidedBy, comment sql.NullString
		var timeoutAt, decidedAt sql.NullTime
		if err := rows.Scan(&d.ID, &d.ExecutionID, &d.StepID, &title, &desc, &status, &timeoutAt, &timeoutAction,
			&decidedBy, &comment, &decidedAt, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.Status = schema.DecisionStatus(status)
		d.Title = title.String
		d.Description = desc.String
		d.TimeoutAction = schema.TimeoutAction(timeoutAction.String)
		d.DecidedBy = decidedBy.String
		d.Comment = comment.String
		if timeoutAt.Valid {
			d.TimeoutAt = &timeoutAt.Time
		}
		if decidedAt.Valid {
			d.DecidedAt = &decidedAt.Time
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

// --- Schedules ---

func (s *LibSQLStore) CreateSchedule(ctx context.Context, sched *Schedule) error {
	input, err := marshalMapOrDefault(sched.Input)
	if err != nil {
		return fmt.Errorf("marshal schedule input: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, process_name, process_version, cron_expression, timezone, input, enabled, next_fire_at, last_fire_at, last_execution_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.ProcessName, nullStr(sched.ProcessVersion), sched.CronExpression,
		nullStr(sched.Timezone), string(input), sched.Enabled, nullTime(sched.NextFireAt),
		nullTime(sched.LastFireAt), nullStr(sched.LastExecutionID),
		timeOrNow(sched.CreatedAt), timeOrNow(sched.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	sc := &Schedule{}
	var version, timezone, input, lastExecID sql.NullString
	var nextFireAt, lastFireAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, process_name, process_version, cron_expression, timezone, input, enabled, next_fire_at, last_fire_at, last_execution_id, created_at, updated_at
		 FROM schedules WHERE id = ?`, id,
	).Scan(&sc.ID, &sc.ProcessName, &version, &sc.CronExpression, &timezone, &input, &sc.Enabled,
		&nextFireAt, &lastFireAt, &lastExecID, &sc.CreatedAt, &sc.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("schedule", id)
	}
	if err != nil {
		return nil, err
	}
	sc.ProcessVersion = version.String
	sc.Timezone = timezone.String
	sc.LastExecutionID = lastExecID.String
	if input.Valid && input.String != "" {
		if err := json.Unmarshal([]byte(input.String), &sc.Input); err != nil {
			return nil, fmt.Errorf("unmarshal schedule input: %w", err)
		}
	}
	if nextFireAt.Valid {
		sc.NextFireAt = &nextFireAt.Time
	}
	if lastFireAt.Valid {
		sc.LastFireAt = &lastFireAt.Time
	}
	return sc, nil
}

func (s *LibSQLStore) UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error {
	sets := []string{"updated_at = CURRENT_TIMESTAMP"}
	var args []any
	if update.CronExpression != nil {
		sets = append(sets, "cron_expression = ?")
		args = append(args, *update.CronExpression)
	}
	if update.Timezone != nil {
		sets = append(sets, "timezone = ?")
		args = append(args, nullStr(*update.Timezone))
	}
	if update.Input != nil {
		input, err := marshalMapOrDefault(*update.Input)
		if err != nil {
			return fmt.Errorf("marshal schedule input: %w", err)
		}
		sets = append(sets, "input = ?")
		args = append(args, string(input))
	}
	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.NextFireAt != nil {
		sets = append(sets, "next_fire_at = ?")
		args = append(args, *update.NextFireAt)
	}
	if update.LastFireAt != nil {
		sets = append(sets, "last_fire_at = ?")
		args = append(args, *update.LastFireAt)
	}
	if update.LastExecutionID != nil {
		sets = append(sets, "last_execution_id = ?")
		args = append(args, nullStr(*update.LastExecutionID))
	}

	query := "UPDATE schedules SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	args = append(args, id)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

func (s *LibSQLStore) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error) {
	query := `SELECT id, process_name, process_version, cron_expression, timezone, input, enabled, next_fire_at, last_fire_at, last_execution_id, created_at, updated_at FROM schedules`
	var where []string
	var args []any
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, *filter.Enabled)
	}
	if filter.DueBefore != nil {
		where = append(where, "next_fire_at IS NOT NULL AND next_fire_at <= ?")
		args = append(args, *filter.DueBefore)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []*Schedule
	for rows.Next() {
		sc := &Schedule{}
		var version, timezone, input, lastExecID sql.NullString
		var nextFireAt, lastFireAt sql.NullTime
		if err := rows.Scan(&sc.ID, &sc.ProcessName, &version, &sc.CronExpression, &timezone, &input, &sc.Enabled,
			&nextFireAt, &lastFireAt, &lastExecID, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
			return nil, err
		}
		sc.ProcessVersion = version.String
		sc.Timezone = timezone.String
		sc.LastExecutionID = lastExecID.String
		if input.Valid && input.String != "" {
			if err := json.Unmarshal([]byte(input.String), &sc.Input); err != nil {
				return nil, fmt.Errorf("unmarshal schedule input: %w", err)
			}
		}
		if nextFireAt.Valid {
			sc.NextFireAt = &nextFireAt.Time
		}
		if lastFireAt.Valid {
			sc.LastFireAt = &lastFireAt.Time
		}
		schedules = append(schedules, sc)
	}
	return schedules, rows.Err()
}

func (s *LibSQLStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

// --- Workers ---

func (s *LibSQLStore) RegisterWorker(ctx context.Context, worker *Worker) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workers (id, name, endpoint, description, created_at, last_seen_at)
		 VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(name) DO UPDATE SET endpoint=excluded.endpoint, description=excluded.description, last_seen_at=CURRENT_TIMESTAMP`,
		worker.ID, worker.Name, worker.Endpoint, nullStr(worker.Description), timeOrNow(worker.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetWorkerByName(ctx context.Context, name string) (*Worker, error) {
	w := &Worker{}
	var desc sql.NullString
	var lastSeen sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, endpoint, description, created_at, last_seen_at FROM workers WHERE name = ?`, name,
	).Scan(&w.ID, &w.Name, &w.Endpoint, &desc, &w.CreatedAt, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("worker", name)
	}
	if err != nil {
		return nil, err
	}
	w.Description = desc.String
	if lastSeen.Valid {
		w.LastSeenAt = &lastSeen.Time
	}
	return w, nil
}

func (s *LibSQLStore) ListWorkers(ctx context.Context) ([]*Worker, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, endpoint, description, created_at, last_seen_at FROM workers ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workers []*Worker
	for rows.Next() {
		w := &Worker{}
		var desc sql.NullString
		var lastSeen sql.NullTime
		if err := rows.Scan(&w.ID, &w.Name, &w.Endpoint, &desc, &w.CreatedAt, &lastSeen); err != nil {
			return nil, err
		}
		w.Description = desc.String
		if lastSeen.Valid {
			w.LastSeenAt = &lastSeen.Time
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

// --- History ---

// AppendEvent assigns the next per-execution sequence inside a transaction,
// so concurrent appends for different executions never contend on one
// global counter.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *ExecutionEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append event: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var next int64
	row := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM execution_events WHERE execution_id = ?`, event.ExecutionID)
	if err := row.Scan(&next); err != nil {
		return fmt.Errorf("next event sequence: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO execution_events (execution_id, step_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, nullStr(event.StepID), event.Type, nullRaw(event.Payload),
		timeOrNow(event.Timestamp), next,
	)
	if err != nil {
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	event.Sequence = next
	return tx.Commit()
}

func (s *LibSQLStore) ListEvents(ctx context.Context, executionID string, sinceSequence int64) ([]*ExecutionEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, step_id, event_type, payload, timestamp, sequence
		 FROM execution_events WHERE execution_id = ? AND sequence > ? ORDER BY sequence`,
		executionID, sinceSequence)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*ExecutionEvent
	for rows.Next() {
		e := &ExecutionEvent{}
		var stepID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &stepID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.StepID = stepID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.DroverError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}
