package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/sekimon/internal/idempotency"
)

// IdempotencyStore implements idempotency.Store on the idempotency_keys
// table. Expiry is checked in SQL, so rows past expires_at are never
// returned even before CleanupIdempotencyKeys deletes them.
type IdempotencyStore struct {
	db *DB
}

// Idempotency returns the Postgres idempotency store.
func (db *DB) Idempotency() *IdempotencyStore { return &IdempotencyStore{db: db} }

var _ idempotency.Store = (*IdempotencyStore)(nil)

// Check implements idempotency.Store. An expired row is deleted first, then
// the insert either wins the key or falls through to reading the live row.
func (s *IdempotencyStore) Check(ctx context.Context, key, requestHash string, ttl time.Duration) (idempotency.Lookup, error) {
	var lookup idempotency.Lookup
	err := retry(ctx, func() error {
		if _, err := s.db.pool.Exec(ctx,
			`DELETE FROM idempotency_keys WHERE idempotency_key = $1 AND expires_at <= now()`, key,
		); err != nil {
			return err
		}

		var firstSeen, expires time.Time
		err := s.db.pool.QueryRow(ctx,
			`INSERT INTO idempotency_keys (idempotency_key, request_hash, expires_at)
			 VALUES ($1, $2, now() + ($3 * interval '1 microsecond'))
			 ON CONFLICT (idempotency_key) DO NOTHING
			 RETURNING created_at, expires_at`,
			key, requestHash, ttl.Microseconds(),
		).Scan(&firstSeen, &expires)
		if err == nil {
			lookup = idempotency.Lookup{Record: &idempotency.Record{
				Key: key, RequestHash: requestHash, FirstSeenAt: firstSeen, ExpiresAt: expires,
			}}
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}

		rec, err := s.load(ctx, key)
		if err != nil {
			return err
		}
		if rec == nil {
			// Expired between the insert and the read.
			return errRaced
		}
		if requestHash != "" && rec.RequestHash != "" && rec.RequestHash != requestHash {
			return idempotency.ErrPayloadMismatch
		}
		lookup = idempotency.Lookup{IsReplay: true, Record: rec}
		return nil
	})
	if errors.Is(err, idempotency.ErrPayloadMismatch) {
		return idempotency.Lookup{}, err
	}
	if err != nil {
		return idempotency.Lookup{}, fmt.Errorf("storage: check idempotency: %w", err)
	}
	return lookup, nil
}

var errRaced = errors.New("storage: idempotency key expired during check")

func (s *IdempotencyStore) load(ctx context.Context, key string) (*idempotency.Record, error) {
	var (
		rec         idempotency.Record
		status      *int
		contentType *string
		body        []byte
	)
	err := s.db.pool.QueryRow(ctx,
		`SELECT request_hash, created_at, expires_at, status_code, content_type, response_body
		 FROM idempotency_keys
		 WHERE idempotency_key = $1 AND expires_at > now()`,
		key,
	).Scan(&rec.RequestHash, &rec.FirstSeenAt, &rec.ExpiresAt, &status, &contentType, &body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.Key = key
	if status != nil {
		resp := &idempotency.Response{StatusCode: *status, Body: body}
		if contentType != nil {
			resp.ContentType = *contentType
		}
		rec.Response = resp
	}
	return &rec, nil
}

// StoreResponse implements idempotency.Store.
func (s *IdempotencyStore) StoreResponse(ctx context.Context, key string, resp idempotency.Response, ttl time.Duration) error {
	body := resp.Body
	if body == nil {
		body = []byte{}
	}
	_, err := s.db.pool.Exec(ctx,
		`INSERT INTO idempotency_keys (idempotency_key, request_hash, status_code, content_type, response_body, expires_at)
		 VALUES ($1, '', $2, $3, $4, now() + ($5 * interval '1 microsecond'))
		 ON CONFLICT (idempotency_key) DO UPDATE
		 SET status_code = EXCLUDED.status_code,
		     content_type = EXCLUDED.content_type,
		     response_body = EXCLUDED.response_body,
		     expires_at = EXCLUDED.expires_at,
		     completed_at = now()
		 WHERE idempotency_keys.status_code IS NULL OR idempotency_keys.expires_at <= now()`,
		key, resp.StatusCode, resp.ContentType, body, ttl.Microseconds(),
	)
	if err != nil {
		return fmt.Errorf("storage: store idempotent response: %w", err)
	}
	return nil
}

// GetResponse implements idempotency.Store.
func (s *IdempotencyStore) GetResponse(ctx context.Context, key string) (*idempotency.Response, error) {
	rec, err := s.load(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("storage: get idempotent response: %w", err)
	}
	if rec == nil {
		return nil, nil
	}
	return rec.Response, nil
}

// Release implements idempotency.Store.
func (s *IdempotencyStore) Release(ctx context.Context, key string) error {
	if _, err := s.db.pool.Exec(ctx,
		`DELETE FROM idempotency_keys WHERE idempotency_key = $1 AND status_code IS NULL`, key,
	); err != nil {
		return fmt.Errorf("storage: release idempotency key: %w", err)
	}
	return nil
}

// Close is a no-op; the pool is owned by DB.
func (s *IdempotencyStore) Close() error { return nil }

// CleanupIdempotencyKeys deletes expired rows and returns how many.
func (db *DB) CleanupIdempotencyKeys(ctx context.Context) (int64, error) {
	tag, err := db.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}
