package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rendis/orchestra/pkg/schema"
)

// AppendEvent appends an event with a monotonically increasing per-plan sequence.
// The sequence read and the insert share one transaction.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin event tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE plan_execution_id = ?`, event.PlanExecutionID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (plan_execution_id, node_execution_id, event_type, from_status, to_status, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.PlanExecutionID, nullStr(event.NodeExecutionID), event.Type,
		nullStr(event.FromStatus), nullStr(event.ToStatus), nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	return tx.Commit()
}

// GetEvents returns events for a plan with sequence > since, ordered by sequence.
func (s *LibSQLStore) GetEvents(ctx context.Context, planExecutionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, plan_execution_id, node_execution_id, event_type, from_status, to_status, payload, timestamp, sequence
		 FROM events WHERE plan_execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		planExecutionID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var nodeID, from, to, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.PlanExecutionID, &nodeID, &e.Type, &from, &to, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.NodeExecutionID = nodeID.String
		e.FromStatus = from.String
		e.ToStatus = to.String
		if payload.Valid && payload.String != "" {
			e.Payload = []byte(payload.String)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ReplayStatuses folds a plan's change log into the last known status of the
// plan (key "") and of every node. It rejects logs with sequence gaps.
func ReplayStatuses(events []*Event) (map[string]schema.Status, error) {
	statuses := make(map[string]schema.Status)
	for i, e := range events {
		if want := int64(i + 1); e.Sequence != want {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in plan %s: expected %d, got %d", e.PlanExecutionID, want, e.Sequence)
		}
		switch e.Type {
		case schema.LogPlanStatusChanged:
			statuses[""] = schema.Status(e.ToStatus)
		case schema.LogNodeStatusChanged, schema.LogNodeCreated:
			statuses[e.NodeExecutionID] = schema.Status(e.ToStatus)
		}
	}
	return statuses, nil
}

func nullRaw(r []byte) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}
