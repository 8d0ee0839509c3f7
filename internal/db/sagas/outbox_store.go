package sagasdb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"ferryman/internal/outbox"
)

// lastErrorLimit caps the stored failure reason.
const lastErrorLimit = 500

// OutboxStore implements outbox.Store on the outbox_messages table.
type OutboxStore struct {
	db *sql.DB
}

// NewOutboxStore constructs an OutboxStore backed by Postgres. The schema
// is owned by Store.InitSchema.
func NewOutboxStore(db *sql.DB) *OutboxStore {
	return &OutboxStore{db: db}
}

// ScoutNext finds the oldest message that is unprocessed and unleased.
// The read is non-binding; Claim decides who actually gets the message.
func (o *OutboxStore) ScoutNext(ctx context.Context) (*outbox.Message, error) {
	row := o.db.QueryRowContext(ctx, `
		SELECT id, type, payload, created_at, attempt_count
		FROM outbox_messages
		WHERE processed_at IS NULL AND (locked_until IS NULL OR locked_until < NOW())
		ORDER BY created_at ASC
		LIMIT 1`,
	)
	return scanMessage(row)
}

// Claim leases the message if it is still eligible. Zero rows affected
// means another worker won the race.
func (o *OutboxStore) Claim(ctx context.Context, id uuid.UUID, workerID string, ttl time.Duration) (bool, error) {
	res, err := o.db.ExecContext(ctx, `
		UPDATE outbox_messages
		SET locked_by = $2, locked_until = NOW() + make_interval(secs => $3)
		WHERE id = $1 AND processed_at IS NULL AND (locked_until IS NULL OR locked_until < NOW())`,
		id, workerID, ttl.Seconds(),
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// Get reads the message by id.
func (o *OutboxStore) Get(ctx context.Context, id uuid.UUID) (*outbox.Message, error) {
	row := o.db.QueryRowContext(ctx, `
		SELECT id, type, payload, created_at, attempt_count
		FROM outbox_messages
		WHERE id = $1`,
		id,
	)
	msg, err := scanMessage(row)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, errors.New("outbox message not found: " + id.String())
	}
	return msg, nil
}

// MarkProcessed finalizes the message. Finalized messages are terminal
// and never dispatched again.
func (o *OutboxStore) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	_, err := o.db.ExecContext(ctx, `
		UPDATE outbox_messages
		SET processed_at = NOW(), locked_by = NULL, locked_until = NULL
		WHERE id = $1`,
		id,
	)
	return err
}

// Release clears the lease and hides the message until the delay passes.
// countAttempt distinguishes real failures from transient conflicts.
func (o *OutboxStore) Release(ctx context.Context, id uuid.UUID, delay time.Duration, reason string, countAttempt bool) error {
	if len(reason) > lastErrorLimit {
		reason = reason[:lastErrorLimit]
	}
	increment := 0
	if countAttempt {
		increment = 1
	}
	_, err := o.db.ExecContext(ctx, `
		UPDATE outbox_messages
		SET locked_by = NULL,
		    locked_until = NOW() + make_interval(secs => $2),
		    last_error = $3,
		    attempt_count = attempt_count + $4
		WHERE id = $1`,
		id, delay.Seconds(), reason, increment,
	)
	return err
}

func scanMessage(row *sql.Row) (*outbox.Message, error) {
	var msg outbox.Message
	err := row.Scan(&msg.ID, &msg.Type, &msg.Payload, &msg.CreatedAt, &msg.AttemptCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}
