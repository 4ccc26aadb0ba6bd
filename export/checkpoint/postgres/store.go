// Package postgres stores workflow checkpoints in the export_workflows table.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/CMSgov/bcda-export/export/checkpoint"
	"github.com/CMSgov/bcda-export/export/models"
	"github.com/huandu/go-sqlbuilder"
)

type queryable interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type executable interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

const (
	sqlFlavor = sqlbuilder.PostgreSQL
	table     = "export_workflows"
)

// Ensure Store satisfies the interface
var _ checkpoint.Store = &Store{}

// Store keeps the workflow state and error columns queryable and the rest of
// the checkpoint as JSON. cancel_requested is only ever set by RequestCancel.
type Store struct {
	queryable
	executable
	now func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db, db, time.Now}
}

func (s *Store) Create(ctx context.Context, cp *checkpoint.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint %s: %w", cp.InstanceID, err)
	}

	ib := sqlFlavor.NewInsertBuilder().InsertInto(table)
	ib.Cols("instance_id", "state", "cancel_requested", "error_kind", "error_message", "checkpoint").
		Values(cp.InstanceID, string(cp.State), cp.CancelRequested, cp.ErrorKind, cp.ErrorMessage, string(data))

	query, args := ib.Build()
	// A duplicate id inserts nothing and is reported as ErrAlreadyExists.
	query += " ON CONFLICT (instance_id) DO NOTHING"
	result, err := s.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return checkpoint.ErrAlreadyExists
	}
	return nil
}

func (s *Store) Get(ctx context.Context, instanceID string) (*checkpoint.Checkpoint, error) {
	sb := sqlFlavor.NewSelectBuilder()
	sb.Select("checkpoint", "cancel_requested", "created_at", "updated_at")
	sb.From(table).Where(sb.Equal("instance_id", instanceID))

	query, args := sb.Build()

	var (
		data                 []byte
		cancelRequested      bool
		createdAt, updatedAt sql.NullTime
	)
	err := s.QueryRowContext(ctx, query, args...).Scan(&data, &cancelRequested, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, checkpoint.ErrNotFound
		}
		return nil, err
	}

	var cp checkpoint.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint %s: %w", instanceID, err)
	}
	if cp.Documents == nil {
		cp.Documents = make(map[string]models.ResourceDocument)
	}
	cp.CancelRequested = cancelRequested
	if createdAt.Valid {
		cp.CreatedAt = createdAt.Time
	}
	if updatedAt.Valid {
		cp.UpdatedAt = updatedAt.Time
	}

	return &cp, nil
}

func (s *Store) Save(ctx context.Context, cp *checkpoint.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint %s: %w", cp.InstanceID, err)
	}

	return s.update(ctx, cp.InstanceID, map[string]interface{}{
		"state":         string(cp.State),
		"error_kind":    cp.ErrorKind,
		"error_message": cp.ErrorMessage,
		"checkpoint":    string(data),
	})
}

func (s *Store) RequestCancel(ctx context.Context, instanceID string) error {
	return s.update(ctx, instanceID, map[string]interface{}{"cancel_requested": true})
}

func (s *Store) ListInterrupted(ctx context.Context) ([]string, error) {
	terminal := checkpoint.TerminalStates()
	states := make([]interface{}, len(terminal))
	for i, st := range terminal {
		states[i] = string(st)
	}

	sb := sqlFlavor.NewSelectBuilder().Select("instance_id").From(table)
	sb.Where(sb.NotIn("state", states...)).OrderBy("created_at")

	query, args := sb.Build()
	rows, err := s.QueryContext(ctx, query, args...)
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
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return ids, nil
}

func (s *Store) DeleteFinished(ctx context.Context, cutoff time.Time) ([]string, error) {
	terminal := checkpoint.TerminalStates()
	states := make([]interface{}, len(terminal))
	for i, st := range terminal {
		states[i] = string(st)
	}

	db := sqlFlavor.NewDeleteBuilder().DeleteFrom(table)
	db.Where(db.In("state", states...), db.LessThan("updated_at", cutoff))

	query, args := db.Build()
	rows, err := s.QueryContext(ctx, query+" RETURNING instance_id", args...)
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
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Strings(ids)
	return ids, nil
}

func (s *Store) update(ctx context.Context, instanceID string, fieldAndValues map[string]interface{}) error {
	ub := sqlFlavor.NewUpdateBuilder().Update(table)
	// Fixed column order
	for _, field := range []string{"state", "cancel_requested", "error_kind", "error_message", "checkpoint"} {
		if value, ok := fieldAndValues[field]; ok {
			ub.SetMore(ub.Assign(field, value))
		}
	}
	ub.SetMore(ub.Assign("updated_at", s.now()))
	ub.Where(ub.Equal("instance_id", instanceID))

	query, args := ub.Build()
	result, err := s.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return checkpoint.ErrNotFound
	}
	return nil
}
