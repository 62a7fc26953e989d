package inbox

import (
	"context"
	_ "embed"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

// execer is the subset of *db.Pool the inbox needs.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Repository records processed event ids so redelivered events are skipped.
type Repository struct {
	pool     execer
	consumer string
}

func NewRepository(pool execer, consumer string) *Repository {
	return &Repository{pool: pool, consumer: consumer}
}

func (r *Repository) EnsureSchema(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, schema)
	return err
}

// Record claims eventID for this consumer. It returns false when the event was
// already claimed.
func (r *Repository) Record(ctx context.Context, eventID string, eventType string) (bool, error) {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO inbox_events (consumer, event_id, event_type)
		VALUES ($1, $2, $3)
	`, r.consumer, eventID, eventType)
	if err == nil {
		return true, nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return false, nil
	}
	return false, err
}

// Release drops a claim after the handler failed, so the retry can run again.
func (r *Repository) Release(ctx context.Context, eventID string) error {
	_, err := r.pool.Exec(ctx, `
		DELETE FROM inbox_events WHERE consumer = $1 AND event_id = $2
	`, r.consumer, eventID)
	return err
}
