package storage_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/sekimon/internal/idempotency"
)

func TestIdempotency_ReplayAndMismatch(t *testing.T) {
	requireDB(t)
	ctx := context.Background()
	store := testDB.Idempotency()
	key := "caller|" + uuid.NewString()

	first, err := store.Check(ctx, key, "hash-a", time.Hour)
	require.NoError(t, err)
	assert.False(t, first.IsReplay)

	pending, err := store.Check(ctx, key, "hash-a", time.Hour)
	require.NoError(t, err)
	assert.True(t, pending.InProgress())

	body := []byte(`{"ok":true}`)
	require.NoError(t, store.StoreResponse(ctx, key, idempotency.Response{
		StatusCode: 201, ContentType: "application/json", Body: body,
	}, time.Hour))

	replay, err := store.Check(ctx, key, "hash-a", time.Hour)
	require.NoError(t, err)
	require.True(t, replay.Record.Completed())
	assert.Equal(t, 201, replay.Record.Response.StatusCode)
	assert.Equal(t, body, replay.Record.Response.Body)

	_, err = store.Check(ctx, key, "hash-b", time.Hour)
	assert.ErrorIs(t, err, idempotency.ErrPayloadMismatch)

	require.NoError(t, store.StoreResponse(ctx, key, idempotency.Response{StatusCode: 500}, time.Hour))
	resp, err := store.GetResponse(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 201, resp.StatusCode, "the first stored response wins")
}

func TestIdempotency_ExpiredKeyIsReissued(t *testing.T) {
	requireDB(t)
	ctx := context.Background()
	store := testDB.Idempotency()
	key := "caller|" + uuid.NewString()

	_, err := store.Check(ctx, key, "h", time.Hour)
	require.NoError(t, err)
	_, err = testDB.Pool().Exec(ctx,
		`UPDATE idempotency_keys SET expires_at = now() - interval '1 second' WHERE idempotency_key = $1`, key)
	require.NoError(t, err)

	resp, err := store.GetResponse(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, resp)

	again, err := store.Check(ctx, key, "other", time.Hour)
	require.NoError(t, err)
	assert.False(t, again.IsReplay, "expired keys start over")
}

func TestIdempotency_ReleaseOnlyInProgress(t *testing.T) {
	requireDB(t)
	ctx := context.Background()
	store := testDB.Idempotency()
	pending := "caller|" + uuid.NewString()
	done := "caller|" + uuid.NewString()

	_, err := store.Check(ctx, pending, "h", time.Hour)
	require.NoError(t, err)
	require.NoError(t, store.Release(ctx, pending))
	l, err := store.Check(ctx, pending, "h", time.Hour)
	require.NoError(t, err)
	assert.False(t, l.IsReplay)

	require.NoError(t, store.StoreResponse(ctx, done, idempotency.Response{StatusCode: 200}, time.Hour))
	require.NoError(t, store.Release(ctx, done))
	resp, err := store.GetResponse(ctx, done)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 200, resp.StatusCode)
}

func TestIdempotency_ConcurrentSingleWinner(t *testing.T) {
	requireDB(t)
	ctx := context.Background()
	store := testDB.Idempotency()
	key := "caller|" + uuid.NewString()

	var winners atomic.Int32
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := store.Check(ctx, key, "h", time.Hour)
			if err == nil && !l.IsReplay {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())
}

func TestIdempotency_Cleanup(t *testing.T) {
	requireDB(t)
	ctx := context.Background()
	key := "caller|" + uuid.NewString()
	_, err := testDB.Pool().Exec(ctx,
		`INSERT INTO idempotency_keys (idempotency_key, request_hash, expires_at)
		 VALUES ($1, 'h', now() - interval '1 day')`, key)
	require.NoError(t, err)

	deleted, err := testDB.CleanupIdempotencyKeys(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, deleted, int64(1))
}
