package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/orchestra/pkg/schema"
)

// LibSQLStore implements Store on libSQL (embedded SQLite fork).
// Every compare-and-set is a single conditional UPDATE.
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/orchestra.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows, so use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Plan executions ---

func (s *LibSQLStore) CreatePlan(ctx context.Context, p *PlanExecution) error {
	plan, err := json.Marshal(p.Plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	inputs, err := marshalOrDefault(p.Inputs, "{}")
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}
	setup, err := marshalOrDefault(p.SetupAbstractions, "{}")
	if err != nil {
		return fmt.Errorf("marshal setup abstractions: %w", err)
	}
	meta, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	failure, err := marshalNullable(p.FailureInfo)
	if err != nil {
		return fmt.Errorf("marshal failure info: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO plan_executions (id, plan_id, status, plan, inputs, setup_abstractions, metadata, root_node_id, failure_info, start_ts, end_ts, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.PlanID, string(p.Status), string(plan), inputs, setup, string(meta),
		nullStr(p.RootNodeID), failure, timeOrNow(p.StartTS), nullTime(p.EndTS),
		timeOrNow(p.CreatedAt), timeOrNow(p.UpdatedAt),
	)
	return err
}

const planColumns = `id, plan_id, status, plan, inputs, setup_abstractions, metadata, root_node_id, failure_info, start_ts, end_ts, created_at, updated_at`

func (s *LibSQLStore) GetPlan(ctx context.Context, id string) (*PlanExecution, error) {
	p, err := scanPlan(s.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plan_executions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("plan execution", id)
	}
	return p, err
}

// UpdatePlanStatus reads the current status and updates on exactly that value,
// so the returned status is the one the update replaced.
func (s *LibSQLStore) UpdatePlanStatus(ctx context.Context, id string, from []schema.Status, to schema.Status, update *PlanUpdate) (schema.Status, bool, error) {
	if len(from) == 0 {
		return "", false, schema.NewError(schema.ErrCodeValidation, "empty expected status set")
	}
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{string(to), time.Now().UTC()}
	if update != nil {
		if update.FailureInfo != nil {
			raw, err := json.Marshal(update.FailureInfo)
			if err != nil {
				return "", false, fmt.Errorf("marshal failure info: %w", err)
			}
			sets = append(sets, "failure_info = ?")
			args = append(args, string(raw))
		}
		if update.EndTS != nil {
			sets = append(sets, "end_ts = ?")
			args = append(args, *update.EndTS)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, schema.NewErrorf(schema.ErrCodeStore, "begin plan update: %s", err).WithCause(err)
	}
	defer tx.Rollback()

	var cur string
	err = tx.QueryRowContext(ctx, `SELECT status FROM plan_executions WHERE id = ?`, id).Scan(&cur)
	if err == sql.ErrNoRows {
		return "", false, storeNotFound("plan execution", id)
	}
	if err != nil {
		return "", false, err
	}
	prev := schema.Status(cur)
	if !slices.Contains(from, prev) {
		return prev, false, nil
	}

	args = append(args, id, cur)
	res, err := tx.ExecContext(ctx,
		`UPDATE plan_executions SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status = ?`,
		args...)
	if err != nil {
		return "", false, schema.NewErrorf(schema.ErrCodeStore, "update plan %s: %s", id, err).WithCause(err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return prev, false, err
	}
	if err := tx.Commit(); err != nil {
		return "", false, schema.NewErrorf(schema.ErrCodeStore, "commit plan update: %s", err).WithCause(err)
	}
	return prev, true, nil
}

func (s *LibSQLStore) ListPlans(ctx context.Context, filter PlanFilter) ([]*PlanExecution, error) {
	var where []string
	var args []any
	if filter.PlanID != "" {
		where = append(where, "plan_id = ?")
		args = append(args, filter.PlanID)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		args = append(args, statusArgs(filter.Statuses)...)
	}
	query := `SELECT ` + planColumns + ` FROM plan_executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []*PlanExecution
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// --- Node executions ---

const nodeColumns = `id, plan_execution_id, node, status, mode, parent_id, previous_id, next_id, step_parameters, ambiance, failure_info, outputs, retry_ids, old_retry, task_handle, start_ts, end_ts, timeout_at, version, created_at, updated_at, seed_parameters`

func (s *LibSQLStore) SaveNode(ctx context.Context, n *NodeExecution) error {
	node, err := json.Marshal(n.Node)
	if err != nil {
		return fmt.Errorf("marshal node: %w", err)
	}
	params, err := marshalOrDefault(n.ResolvedStepParameters, "{}")
	if err != nil {
		return fmt.Errorf("marshal step parameters: %w", err)
	}
	seed, err := marshalOrDefault(n.StepParameters, "{}")
	if err != nil {
		return fmt.Errorf("marshal seed parameters: %w", err)
	}
	amb, err := json.Marshal(n.Ambiance)
	if err != nil {
		return fmt.Errorf("marshal ambiance: %w", err)
	}
	failure, err := marshalNullable(n.FailureInfo)
	if err != nil {
		return fmt.Errorf("marshal failure info: %w", err)
	}
	outputs, err := marshalNullable(n.Outputs)
	if err != nil {
		return fmt.Errorf("marshal outputs: %w", err)
	}
	retryIDs, err := marshalOrDefault(n.RetryIDs, "[]")
	if err != nil {
		return fmt.Errorf("marshal retry ids: %w", err)
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "begin save node: %s", err).WithCause(err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO node_executions (`+nodeColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   status = excluded.status, mode = excluded.mode, next_id = excluded.next_id,
		   step_parameters = excluded.step_parameters, seed_parameters = excluded.seed_parameters,
		   ambiance = excluded.ambiance,
		   failure_info = excluded.failure_info, outputs = excluded.outputs,
		   retry_ids = excluded.retry_ids, old_retry = excluded.old_retry,
		   task_handle = excluded.task_handle, start_ts = excluded.start_ts, end_ts = excluded.end_ts,
		   timeout_at = excluded.timeout_at, version = node_executions.version + 1,
		   updated_at = excluded.updated_at`,
		n.ID, n.PlanExecutionID, string(node), string(n.Status), nullStr(n.Mode),
		nullStr(n.ParentID), nullStr(n.PreviousID), nullStr(n.NextID),
		params, string(amb), failure, outputs, retryIDs, boolInt(n.OldRetry), nullStr(n.TaskHandle),
		nullTime(n.StartTS), nullTime(n.EndTS), nullMillis(n.TimeoutAt), n.Version,
		timeOrNow(n.CreatedAt), now, seed,
	)
	if err != nil {
		return err
	}

	// History is append-only: effects already recorded are kept as they are.
	for _, eff := range n.InterruptHistory {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO node_interrupt_effects (node_execution_id, interrupt_id, interrupt_type, took_effect_at)
			 SELECT ?, ?, ?, ? WHERE NOT EXISTS (
			   SELECT 1 FROM node_interrupt_effects WHERE node_execution_id = ? AND interrupt_id = ?)`,
			n.ID, eff.InterruptID, string(eff.Type), timeOrNow(eff.TookEffectAt), n.ID, eff.InterruptID,
		); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "record interrupt effect: %s", err).WithCause(err)
		}
	}
	return tx.Commit()
}

// GetNode returns a node execution with its interrupt history.
func (s *LibSQLStore) GetNode(ctx context.Context, id string) (*NodeExecution, error) {
	n, err := scanNode(s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM node_executions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("node execution", id)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT interrupt_id, interrupt_type, took_effect_at FROM node_interrupt_effects
		 WHERE node_execution_id = ? ORDER BY id ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var eff InterruptEffect
		var typ string
		if err := rows.Scan(&eff.InterruptID, &typ, &eff.TookEffectAt); err != nil {
			return nil, err
		}
		eff.Type = schema.InterruptType(typ)
		n.InterruptHistory = append(n.InterruptHistory, eff)
	}
	return n, rows.Err()
}

// UpdateNodeStatus reads the current status and updates on exactly that value
// inside one transaction. Nodes superseded by a retry never match.
func (s *LibSQLStore) UpdateNodeStatus(ctx context.Context, id string, from []schema.Status, to schema.Status, update *NodeUpdate) (schema.Status, bool, error) {
	if len(from) == 0 {
		return "", false, schema.NewError(schema.ErrCodeValidation, "empty expected status set")
	}
	sets := []string{"status = ?", "version = version + 1", "updated_at = ?"}
	args := []any{string(to), time.Now().UTC()}
	if update != nil {
		var err error
		if sets, args, err = nodeUpdateSets(update, sets, args); err != nil {
			return "", false, err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, schema.NewErrorf(schema.ErrCodeStore, "begin node update: %s", err).WithCause(err)
	}
	defer tx.Rollback()

	prev, retried, _, err := nodeState(ctx, tx, id)
	if err != nil {
		return "", false, err
	}
	if retried || !slices.Contains(from, prev) {
		return prev, false, nil
	}

	args = append(args, id, string(prev))
	res, err := tx.ExecContext(ctx,
		`UPDATE node_executions SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status = ? AND old_retry = 0`,
		args...)
	if err != nil {
		return "", false, schema.NewErrorf(schema.ErrCodeStore, "update node %s: %s", id, err).WithCause(err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return prev, false, err
	}

	if update != nil && update.Interrupt != nil {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO node_interrupt_effects (node_execution_id, interrupt_id, interrupt_type, took_effect_at) VALUES (?, ?, ?, ?)`,
			id, update.Interrupt.InterruptID, string(update.Interrupt.Type), timeOrNow(update.Interrupt.TookEffectAt),
		); err != nil {
			return "", false, schema.NewErrorf(schema.ErrCodeStore, "record interrupt effect: %s", err).WithCause(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", false, schema.NewErrorf(schema.ErrCodeStore, "commit node update: %s", err).WithCause(err)
	}
	return prev, true, nil
}

// nodeState reads the fields every node compare-and-set checks.
func nodeState(ctx context.Context, q execQuerier, id string) (status schema.Status, retried bool, nextID string, err error) {
	var cur string
	var oldRetry int
	var next sql.NullString
	err = q.QueryRowContext(ctx, `SELECT status, old_retry, next_id FROM node_executions WHERE id = ?`, id).
		Scan(&cur, &oldRetry, &next)
	if err == sql.ErrNoRows {
		return "", false, "", storeNotFound("node execution", id)
	}
	if err != nil {
		return "", false, "", err
	}
	return schema.Status(cur), oldRetry != 0, next.String, nil
}

func nodeUpdateSets(u *NodeUpdate, sets []string, args []any) ([]string, []any, error) {
	if u.FailureInfo != nil {
		raw, err := json.Marshal(u.FailureInfo)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal failure info: %w", err)
		}
		sets = append(sets, "failure_info = ?")
		args = append(args, string(raw))
	}
	if u.Outputs != nil {
		raw, err := json.Marshal(u.Outputs)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal outputs: %w", err)
		}
		sets = append(sets, "outputs = ?")
		args = append(args, string(raw))
	}
	if u.ResolvedStepParameters != nil {
		raw, err := json.Marshal(u.ResolvedStepParameters)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal step parameters: %w", err)
		}
		sets = append(sets, "step_parameters = ?")
		args = append(args, string(raw))
	}
	if u.TaskHandle != nil {
		sets = append(sets, "task_handle = ?")
		args = append(args, *u.TaskHandle)
	}
	if u.StartTS != nil {
		sets = append(sets, "start_ts = ?")
		args = append(args, *u.StartTS)
	}
	if u.EndTS != nil {
		sets = append(sets, "end_ts = ?")
		args = append(args, *u.EndTS)
	}
	if u.TimeoutAt != nil {
		sets = append(sets, "timeout_at = ?")
		args = append(args, u.TimeoutAt.UnixMilli())
	}
	return sets, args, nil
}

func (s *LibSQLStore) MarkRetried(ctx context.Context, id string, from []schema.Status, nextID string) (schema.Status, bool, error) {
	if len(from) == 0 {
		return "", false, schema.NewError(schema.ErrCodeValidation, "empty expected status set")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, schema.NewErrorf(schema.ErrCodeStore, "begin mark retried: %s", err).WithCause(err)
	}
	defer tx.Rollback()

	prev, retried, next, err := nodeState(ctx, tx, id)
	if err != nil {
		return "", false, err
	}
	if retried || next != "" || !slices.Contains(from, prev) {
		return prev, false, nil
	}

	now := time.Now().UTC()
	sets := "old_retry = 1, next_id = ?, version = version + 1, updated_at = ?"
	args := []any{nextID, now}
	if to := SupersededStatus(prev); to != prev {
		sets += ", status = ?, end_ts = COALESCE(end_ts, ?)"
		args = append(args, string(to), now)
	}
	args = append(args, id, string(prev))
	res, err := tx.ExecContext(ctx,
		`UPDATE node_executions SET `+sets+` WHERE id = ? AND status = ? AND old_retry = 0`,
		args...)
	if err != nil {
		return "", false, schema.NewErrorf(schema.ErrCodeStore, "mark node %s retried: %s", id, err).WithCause(err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return prev, false, err
	}
	if err := tx.Commit(); err != nil {
		return "", false, schema.NewErrorf(schema.ErrCodeStore, "commit mark retried: %s", err).WithCause(err)
	}
	return prev, true, nil
}

func (s *LibSQLStore) SetNextID(ctx context.Context, id, nextID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE node_executions SET next_id = ?, version = version + 1, updated_at = ? WHERE id = ?`,
		nextID, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "node execution", id)
}

func (s *LibSQLStore) FindChildren(ctx context.Context, planExecutionID, parentID string) ([]*NodeExecution, error) {
	return s.queryNodes(ctx,
		`SELECT `+nodeColumns+` FROM node_executions WHERE plan_execution_id = ? AND parent_id = ? ORDER BY created_at ASC, rowid ASC`,
		planExecutionID, parentID)
}

// ListNodes returns nodes matching filter. Interrupt history is only loaded by GetNode.
func (s *LibSQLStore) ListNodes(ctx context.Context, filter NodeFilter) ([]*NodeExecution, error) {
	var where []string
	var args []any
	if filter.PlanExecutionID != "" {
		where = append(where, "plan_execution_id = ?")
		args = append(args, filter.PlanExecutionID)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		args = append(args, statusArgs(filter.Statuses)...)
	}
	if filter.ExcludeRetried {
		where = append(where, "old_retry = 0")
	}
	if filter.TimeoutBefore != nil {
		where = append(where, "timeout_at IS NOT NULL AND timeout_at <= ?")
		args = append(args, filter.TimeoutBefore.UnixMilli())
	}
	query := `SELECT ` + nodeColumns + ` FROM node_executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, rowid ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	return s.queryNodes(ctx, query, args...)
}

func (s *LibSQLStore) queryNodes(ctx context.Context, query string, args ...any) ([]*NodeExecution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*NodeExecution
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// --- Interrupts ---

func (s *LibSQLStore) CreateInterrupt(ctx context.Context, in *Interrupt) error {
	params, err := marshalOrDefault(in.Parameters, "{}")
	if err != nil {
		return fmt.Errorf("marshal interrupt parameters: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO interrupts (id, plan_execution_id, node_execution_id, type, parameters, state, reason, issued_by, created_at, processed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ID, in.PlanExecutionID, nullStr(in.NodeExecutionID), string(in.Type), params,
		string(in.State), nullStr(in.Reason), nullStr(in.IssuedBy), timeOrNow(in.CreatedAt), nullTime(in.ProcessedAt),
	)
	return err
}

const interruptColumns = `id, plan_execution_id, node_execution_id, type, parameters, state, reason, issued_by, created_at, processed_at`

func (s *LibSQLStore) GetInterrupt(ctx context.Context, id string) (*Interrupt, error) {
	in, err := scanInterrupt(s.db.QueryRowContext(ctx, `SELECT `+interruptColumns+` FROM interrupts WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("interrupt", id)
	}
	return in, err
}

func (s *LibSQLStore) UpdateInterruptState(ctx context.Context, id string, from []schema.InterruptState, to schema.InterruptState, reason string) (bool, error) {
	if len(from) == 0 {
		return false, schema.NewError(schema.ErrCodeValidation, "empty expected state set")
	}
	sets := []string{"state = ?"}
	args := []any{string(to)}
	if reason != "" {
		sets = append(sets, "reason = ?")
		args = append(args, reason)
	}
	if to.IsTerminal() {
		sets = append(sets, "processed_at = ?")
		args = append(args, time.Now().UTC())
	}
	args = append(args, id)
	for _, st := range from {
		args = append(args, string(st))
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE interrupts SET `+strings.Join(sets, ", ")+` WHERE id = ? AND state IN (`+placeholders(len(from))+`)`,
		args...)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeStore, "update interrupt %s: %s", id, err).WithCause(err)
	}
	return s.casResult(ctx, s.db, res, "interrupts", "interrupt", id)
}

func (s *LibSQLStore) ListInterrupts(ctx context.Context, planExecutionID string) ([]*Interrupt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+interruptColumns+` FROM interrupts WHERE plan_execution_id = ? ORDER BY created_at ASC, rowid ASC`,
		planExecutionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Interrupt
	for rows.Next() {
		in, err := scanInterrupt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// --- Scanning ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlan(sc rowScanner) (*PlanExecution, error) {
	p := &PlanExecution{}
	var (
		status, planJSON, inputsJSON, setupJSON, metaJSON string
		rootID, failureJSON                              sql.NullString
		endTS                                            sql.NullTime
	)
	if err := sc.Scan(&p.ID, &p.PlanID, &status, &planJSON, &inputsJSON, &setupJSON, &metaJSON,
		&rootID, &failureJSON, &p.StartTS, &endTS, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Status = schema.Status(status)
	p.RootNodeID = rootID.String
	if err := json.Unmarshal([]byte(planJSON), &p.Plan); err != nil {
		return nil, fmt.Errorf("unmarshal plan: %w", err)
	}
	_ = json.Unmarshal([]byte(inputsJSON), &p.Inputs)
	_ = json.Unmarshal([]byte(setupJSON), &p.SetupAbstractions)
	_ = json.Unmarshal([]byte(metaJSON), &p.Metadata)
	if failureJSON.Valid && failureJSON.String != "" {
		p.FailureInfo = &schema.FailureInfo{}
		if err := json.Unmarshal([]byte(failureJSON.String), p.FailureInfo); err != nil {
			return nil, fmt.Errorf("unmarshal failure info: %w", err)
		}
	}
	if endTS.Valid {
		p.EndTS = &endTS.Time
	}
	return p, nil
}

func scanNode(sc rowScanner) (*NodeExecution, error) {
	n := &NodeExecution{}
	var (
		nodeJSON, status, paramsJSON, seedJSON, ambJSON, retryJSON           string
		mode, parentID, prevID, nextID, failureJSON, outputsJSON, taskHandle sql.NullString
		oldRetry                                                             int
		startTS, endTS                                                       sql.NullTime
		timeoutAt                                                            sql.NullInt64
	)
	if err := sc.Scan(&n.ID, &n.PlanExecutionID, &nodeJSON, &status, &mode, &parentID, &prevID, &nextID,
		&paramsJSON, &ambJSON, &failureJSON, &outputsJSON, &retryJSON, &oldRetry, &taskHandle,
		&startTS, &endTS, &timeoutAt, &n.Version, &n.CreatedAt, &n.UpdatedAt, &seedJSON); err != nil {
		return nil, err
	}
	n.Status = schema.Status(status)
	n.Mode = mode.String
	n.ParentID = parentID.String
	n.PreviousID = prevID.String
	n.NextID = nextID.String
	n.TaskHandle = taskHandle.String
	n.OldRetry = oldRetry != 0
	if err := json.Unmarshal([]byte(nodeJSON), &n.Node); err != nil {
		return nil, fmt.Errorf("unmarshal node: %w", err)
	}
	if err := json.Unmarshal([]byte(ambJSON), &n.Ambiance); err != nil {
		return nil, fmt.Errorf("unmarshal ambiance: %w", err)
	}
	_ = json.Unmarshal([]byte(paramsJSON), &n.ResolvedStepParameters)
	_ = json.Unmarshal([]byte(seedJSON), &n.StepParameters)
	_ = json.Unmarshal([]byte(retryJSON), &n.RetryIDs)
	if failureJSON.Valid && failureJSON.String != "" {
		n.FailureInfo = &schema.FailureInfo{}
		if err := json.Unmarshal([]byte(failureJSON.String), n.FailureInfo); err != nil {
			return nil, fmt.Errorf("unmarshal failure info: %w", err)
		}
	}
	if outputsJSON.Valid && outputsJSON.String != "" {
		_ = json.Unmarshal([]byte(outputsJSON.String), &n.Outputs)
	}
	if startTS.Valid {
		n.StartTS = &startTS.Time
	}
	if endTS.Valid {
		n.EndTS = &endTS.Time
	}
	if timeoutAt.Valid {
		t := time.UnixMilli(timeoutAt.Int64).UTC()
		n.TimeoutAt = &t
	}
	return n, nil
}

func scanInterrupt(sc rowScanner) (*Interrupt, error) {
	in := &Interrupt{}
	var (
		nodeID, reason, issuedBy sql.NullString
		typ, state, paramsJSON   string
		processedAt              sql.NullTime
	)
	if err := sc.Scan(&in.ID, &in.PlanExecutionID, &nodeID, &typ, &paramsJSON, &state,
		&reason, &issuedBy, &in.CreatedAt, &processedAt); err != nil {
		return nil, err
	}
	in.NodeExecutionID = nodeID.String
	in.Type = schema.InterruptType(typ)
	in.State = schema.InterruptState(state)
	in.Reason = reason.String
	in.IssuedBy = issuedBy.String
	_ = json.Unmarshal([]byte(paramsJSON), &in.Parameters)
	if processedAt.Valid {
		in.ProcessedAt = &processedAt.Time
	}
	return in, nil
}

// --- Helpers ---

type execQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// casResult turns the outcome of a conditional UPDATE into the CAS contract:
// true when a row changed, false when the row exists in another state,
// NOT_FOUND when it does not exist at all.
func (s *LibSQLStore) casResult(ctx context.Context, q execQuerier, res sql.Result, table, resource, id string) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	var one int
	err = q.QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, storeNotFound(resource, id)
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

func storeNotFound(resource, id string) *schema.OrchestraError {
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

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func statusArgs(statuses []schema.Status) []any {
	out := make([]any, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
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

// nullMillis stores deadlines as unix milliseconds so they compare numerically.
func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalOrDefault[T any](v T, def string) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(raw) == "null" {
		return def, nil
	}
	return string(raw), nil
}

func marshalNullable(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(raw) == "null" {
		return nil, nil
	}
	return string(raw), nil
}
