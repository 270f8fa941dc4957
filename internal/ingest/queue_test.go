package ingest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dowhiz/dowhiz/internal/channel"
)

func openTestQueue(t *testing.T, opts Options) *SQLiteQueue {
	t.Helper()
	q, err := OpenSQLite(filepath.Join(t.TempDir(), "queue.db"), opts)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func testEnvelope(externalID string) Envelope {
	msg := &channel.InboundMessage{
		Channel:    channel.Email,
		Sender:     "alice@example.com",
		Recipient:  "dowhiz@example.com",
		Subject:    "hello",
		TextBody:   "hi there",
		ThreadID:   "thread-1",
		RawPayload: []byte(`{"From":"alice@example.com"}`),
	}
	return NewEnvelope("acme", "dowhiz", msg, externalID)
}

func TestEnqueueDeduplicates(t *testing.T) {
	q := openTestQueue(t, Options{})
	ctx := context.Background()

	inserted, err := q.Enqueue(ctx, testEnvelope("msg-1"))
	require.NoError(t, err)
	assert.True(t, inserted)

	// Same external id, fresh envelope id: still one row.
	inserted, err = q.Enqueue(ctx, testEnvelope("msg-1"))
	require.NoError(t, err)
	assert.False(t, inserted)

	claimed, err := q.ClaimNext(ctx, "dowhiz")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	claimed, err = q.ClaimNext(ctx, "dowhiz")
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestDedupeKeyFallsBackToRawHash(t *testing.T) {
	env := testEnvelope("")
	assert.Equal(t,
		"acme:dowhiz:email:"+channel.RawHash([]byte(`{"From":"alice@example.com"}`)),
		env.DedupeKey)
}

func TestClaimIsScopedToEmployee(t *testing.T) {
	q := openTestQueue(t, Options{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, testEnvelope("msg-1"))
	require.NoError(t, err)

	claimed, err := q.ClaimNext(ctx, "someone-else")
	require.NoError(t, err)
	assert.Nil(t, claimed)

	claimed, err = q.ClaimNext(ctx, "dowhiz")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "acme", claimed.TenantID)
	assert.Equal(t, channel.Email, claimed.Channel)
	assert.Equal(t, 1, claimed.Attempts)
	require.NotNil(t, claimed.Payload)
	assert.Equal(t, "hi there", claimed.Payload.TextBody)
}

func TestFailureBacksOffThenRetries(t *testing.T) {
	q := openTestQueue(t, Options{MaxAttempts: 3})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, testEnvelope("msg-1"))
	require.NoError(t, err)

	claimed, err := q.ClaimNext(ctx, "dowhiz")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, q.MarkFailed(ctx, claimed.ID, "boom"))

	// available_at is now + attempts*5s, so an immediate reclaim sees nothing.
	reclaimed, err := q.ClaimNext(ctx, "dowhiz")
	require.NoError(t, err)
	assert.Nil(t, reclaimed)

	var status string
	var availableAt time.Time
	require.NoError(t, q.db.QueryRow(
		`SELECT status, available_at FROM ingestion_queue WHERE id = ?`, claimed.ID,
	).Scan(&status, &availableAt))
	assert.Equal(t, StatusPending, status)
	assert.WithinDuration(t, time.Now().UTC().Add(5*time.Second), availableAt, 2*time.Second)
}

func TestFailureBecomesTerminalAtAttemptCap(t *testing.T) {
	q := openTestQueue(t, Options{MaxAttempts: 1})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, testEnvelope("msg-1"))
	require.NoError(t, err)

	claimed, err := q.ClaimNext(ctx, "dowhiz")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, q.MarkFailed(ctx, claimed.ID, "boom"))

	var status, lastError string
	require.NoError(t, q.db.QueryRow(
		`SELECT status, last_error FROM ingestion_queue WHERE id = ?`, claimed.ID,
	).Scan(&status, &lastError))
	assert.Equal(t, StatusFailed, status)
	assert.Equal(t, "boom", lastError)

	reclaimed, err := q.ClaimNext(ctx, "dowhiz")
	require.NoError(t, err)
	assert.Nil(t, reclaimed)
}

func TestExpiredLeaseIsReclaimable(t *testing.T) {
	q := openTestQueue(t, Options{Lease: 10 * time.Millisecond, WorkerID: "w1"})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, testEnvelope("msg-1"))
	require.NoError(t, err)

	first, err := q.ClaimNext(ctx, "dowhiz")
	require.NoError(t, err)
	require.NotNil(t, first)

	time.Sleep(20 * time.Millisecond)

	second, err := q.ClaimNext(ctx, "dowhiz")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.Attempts)
}

func TestMarkDone(t *testing.T) {
	q := openTestQueue(t, Options{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, testEnvelope("msg-1"))
	require.NoError(t, err)
	claimed, err := q.ClaimNext(ctx, "dowhiz")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, q.MarkDone(ctx, claimed.ID))

	var status string
	require.NoError(t, q.db.QueryRow(
		`SELECT status FROM ingestion_queue WHERE id = ?`, claimed.ID,
	).Scan(&status))
	assert.Equal(t, StatusDone, status)
}

func TestValidQueueTable(t *testing.T) {
	assert.True(t, validQueueTable("ingestion_queue"))
	assert.True(t, validQueueTable("queue_v2"))
	assert.False(t, validQueueTable(""))
	assert.False(t, validQueueTable("2queue"))
	assert.False(t, validQueueTable("queue; DROP TABLE users"))
	assert.False(t, validQueueTable(`"quoted"`))
}

func TestFIFOOrder(t *testing.T) {
	q := openTestQueue(t, Options{})
	ctx := context.Background()

	first := testEnvelope("msg-1")
	first.ReceivedAt = time.Now().UTC().Add(-2 * time.Second)
	second := testEnvelope("msg-2")
	second.ReceivedAt = time.Now().UTC().Add(-1 * time.Second)

	_, err := q.Enqueue(ctx, second)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, first)
	require.NoError(t, err)

	claimed, err := q.ClaimNext(ctx, "dowhiz")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "msg-1", claimed.ExternalMessageID)
}
