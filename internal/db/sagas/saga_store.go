// Package sagasdb persists saga snapshots and their outbox messages in
// Postgres. Creating a saga and enqueueing its start intent commit in one
// transaction, so acceptance and processing can never disagree.
package sagasdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"ferryman/internal/outbox"
	"ferryman/internal/saga"
)

// Store persists saga snapshots.
type Store struct {
	db *sql.DB
}

// NewStore constructs a Store backed by Postgres.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// NewStoreWithSchema initializes the schema then returns the store.
func NewStoreWithSchema(ctx context.Context, db *sql.DB) (*Store, error) {
	store := NewStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the saga and outbox tables if they do not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sagas (
			id UUID PRIMARY KEY,
			state TEXT NOT NULL,
			current_step_index INT NOT NULL DEFAULT 0,
			data_json JSONB NOT NULL,
			data_type TEXT NOT NULL,
			error_log JSONB NOT NULL DEFAULT '[]'::jsonb
		)`,
		`CREATE TABLE IF NOT EXISTS outbox_messages (
			id UUID PRIMARY KEY,
			type TEXT NOT NULL,
			payload JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			processed_at TIMESTAMPTZ,
			attempt_count INT NOT NULL DEFAULT 0,
			last_error TEXT,
			locked_until TIMESTAMPTZ,
			locked_by TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_unprocessed ON outbox_messages (created_at) WHERE processed_at IS NULL`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_created_at ON outbox_messages (created_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// CreateSaga inserts the saga snapshot and its StartSaga outbox message
// in one transaction. On failure neither row exists.
func (s *Store) CreateSaga(ctx context.Context, id uuid.UUID, data any, dataType string) error {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal saga data: %w", err)
	}
	payload, err := json.Marshal(outbox.StartSagaPayload{SagaID: id})
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sagas (id, state, current_step_index, data_json, data_type, error_log)
		VALUES ($1, $2, 0, $3, $4, '[]'::jsonb)`,
		id, string(saga.StateCreated), dataJSON, dataType,
	); err != nil {
		return fmt.Errorf("insert saga %s: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO outbox_messages (id, type, payload)
		VALUES ($1, $2, $3)`,
		uuid.New(), outbox.TypeStartSaga, payload,
	); err != nil {
		return fmt.Errorf("insert outbox message for saga %s: %w", id, err)
	}

	return tx.Commit()
}

// Save upserts the instance's snapshot.
func (s *Store) Save(ctx context.Context, inst *saga.Instance) error {
	dataJSON, err := json.Marshal(inst.Data())
	if err != nil {
		return fmt.Errorf("marshal saga data: %w", err)
	}
	errorLog, err := json.Marshal(inst.ErrorLog())
	if err != nil {
		return fmt.Errorf("marshal error log: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sagas (id, state, current_step_index, data_json, data_type, error_log)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET state = EXCLUDED.state,
		    current_step_index = EXCLUDED.current_step_index,
		    data_json = EXCLUDED.data_json,
		    error_log = EXCLUDED.error_log`,
		inst.ID(), string(inst.State()), inst.Cursor(), dataJSON, inst.DataType(), errorLog,
	)
	return err
}

// Load reads the snapshot, deserializes its payload into data and
// attaches the step list. A missing saga returns (nil, nil). A corrupt
// payload is fatal; an unrecognized state rehydrates as Failed.
func (s *Store) Load(ctx context.Context, id uuid.UUID, steps []saga.Step, data any) (*saga.Instance, error) {
	var (
		state    string
		cursor   int
		dataJSON []byte
		dataType string
		errLog   []byte
	)
	row := s.db.QueryRowContext(ctx, `
		SELECT state, current_step_index, data_json, data_type, error_log
		FROM sagas
		WHERE id = $1`,
		id,
	)
	if err := row.Scan(&state, &cursor, &dataJSON, &dataType, &errLog); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(dataJSON, data); err != nil {
		return nil, fmt.Errorf("saga %s snapshot corrupt: %w", id, err)
	}
	var errorLog []string
	if len(errLog) > 0 {
		if err := json.Unmarshal(errLog, &errorLog); err != nil {
			return nil, fmt.Errorf("saga %s error log corrupt: %w", id, err)
		}
	}

	return saga.Rehydrate(id, saga.State(state), cursor, errorLog, data, dataType, steps), nil
}

// Status is the read-model view of a saga for the status endpoint.
type Status struct {
	ID       uuid.UUID
	State    saga.State
	Cursor   int
	DataType string
	Errors   []string
}

// GetStatus reads the snapshot fields the status endpoint serves, or nil
// when the saga does not exist.
func (s *Store) GetStatus(ctx context.Context, id uuid.UUID) (*Status, error) {
	var (
		status Status
		errLog []byte
	)
	row := s.db.QueryRowContext(ctx, `
		SELECT id, state, current_step_index, data_type, error_log
		FROM sagas
		WHERE id = $1`,
		id,
	)
	var state string
	if err := row.Scan(&status.ID, &state, &status.Cursor, &status.DataType, &errLog); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	status.State = saga.State(state)
	if len(errLog) > 0 {
		if err := json.Unmarshal(errLog, &status.Errors); err != nil {
			return nil, fmt.Errorf("saga %s error log corrupt: %w", id, err)
		}
	}
	return &status, nil
}
