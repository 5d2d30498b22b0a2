package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/phc-his/his/internal/platform/db"
	"github.com/phc-his/his/internal/platform/httpx"
)

// IdempotencyHeader carries the client-chosen key on create requests.
const IdempotencyHeader = "Idempotency-Key"

const maxIdempotencyKey = 128

// ErrIdempotencyConflict indicates the key was already used for the scope.
var ErrIdempotencyConflict = fmt.Errorf("%w: idempotent request already processed", httpx.ErrConflict)

// ErrIdempotencyKeyInvalid rejects empty or oversized keys.
var ErrIdempotencyKeyInvalid = fmt.Errorf("%w: idempotency key must be 1-%d bytes", httpx.ErrValidation, maxIdempotencyKey)

// IdempotencyStore persists processed keys.
type IdempotencyStore struct {
	now func() time.Time
}

// NewIdempotencyStore constructs the store.
func NewIdempotencyStore() *IdempotencyStore {
	return &IdempotencyStore{now: time.Now}
}

// Claim inserts key for scope through q. Pass the mutation's transaction so a
// rolled back mutation releases its key.
func (s *IdempotencyStore) Claim(ctx context.Context, q db.Querier, key, scope string) error {
	if s == nil || q == nil {
		return errors.New("idempotency store not initialised")
	}
	if key == "" || len(key) > maxIdempotencyKey {
		return ErrIdempotencyKeyInvalid
	}
	if scope == "" {
		return errors.New("idempotency scope required")
	}
	_, err := q.Exec(ctx, `INSERT INTO idempotency_keys (key, scope, created_at) VALUES ($1, $2, $3)`, key, scope, s.now().UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrIdempotencyConflict
		}
		return err
	}
	return nil
}

// PurgeIdempotencyKeys removes keys claimed before cutoff.
func PurgeIdempotencyKeys(ctx context.Context, q db.Querier, cutoff time.Time) (int64, error) {
	tag, err := q.Exec(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
