package queue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBrokerDeliversInOrder(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	first := NewMessage(uuid.New(), "default", "transcription")
	second := NewMessage(uuid.New(), "default", "transcription")
	require.NoError(t, b.Enqueue(ctx, "default", first, 0))
	require.NoError(t, b.Enqueue(ctx, "default", second, 0))

	d1, err := b.Dequeue(ctx, "default", 100*time.Millisecond, time.Minute)
	require.NoError(t, err)
	d2, err := b.Dequeue(ctx, "default", 100*time.Millisecond, time.Minute)
	require.NoError(t, err)

	assert.Equal(t, first.JobID, d1.Message.JobID)
	assert.Equal(t, second.JobID, d2.Message.JobID)
}

func TestMemoryBrokerDequeueTimesOutEmpty(t *testing.T) {
	b := NewMemoryBroker()
	_, err := b.Dequeue(context.Background(), "default", 30*time.Millisecond, time.Minute)
	assert.ErrorIs(t, err, ErrNoMessage)
}

func TestMemoryBrokerLanesAreIsolated(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, "low", NewMessage(uuid.New(), "low", "cleanup"), 0))

	_, err := b.Dequeue(ctx, "critical", 30*time.Millisecond, time.Minute)
	assert.ErrorIs(t, err, ErrNoMessage)

	depth, err := b.Depth(ctx, "low")
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestMemoryBrokerDelayedEnqueueNotVisibleEarly(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	msg := NewMessage(uuid.New(), "high", "transcription")
	require.NoError(t, b.Enqueue(ctx, "high", msg, 50*time.Millisecond))

	_, err := b.Dequeue(ctx, "high", 10*time.Millisecond, time.Minute)
	assert.ErrorIs(t, err, ErrNoMessage)

	d, err := b.Dequeue(ctx, "high", 200*time.Millisecond, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, msg.JobID, d.Message.JobID)
}

func TestMemoryBrokerLeaseExpiryRedelivers(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	msg := NewMessage(uuid.New(), "default", "transcription")
	require.NoError(t, b.Enqueue(ctx, "default", msg, 0))

	d, err := b.Dequeue(ctx, "default", 50*time.Millisecond, 20*time.Millisecond)
	require.NoError(t, err)

	// Let the lease lapse without Complete; the message must come back.
	redelivered, err := b.Dequeue(ctx, "default", 200*time.Millisecond, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, d.Message.JobID, redelivered.Message.JobID)
}

func TestMemoryBrokerExtendLeaseKeepsOwnership(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, "default", NewMessage(uuid.New(), "default", "transcription"), 0))
	d, err := b.Dequeue(ctx, "default", 50*time.Millisecond, 30*time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, b.ExtendLease(ctx, d.Token, time.Minute))
	time.Sleep(50 * time.Millisecond)

	// Lease was extended past the original deadline, so nothing is
	// redeliverable.
	_, err = b.Dequeue(ctx, "default", 20*time.Millisecond, time.Minute)
	assert.ErrorIs(t, err, ErrNoMessage)

	require.NoError(t, b.Complete(ctx, d.Token))
}

func TestMemoryBrokerCompleteRemovesForGood(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, "default", NewMessage(uuid.New(), "default", "transcription"), 0))
	d, err := b.Dequeue(ctx, "default", 50*time.Millisecond, time.Minute)
	require.NoError(t, err)

	require.NoError(t, b.Complete(ctx, d.Token))
	assert.ErrorIs(t, b.Complete(ctx, d.Token), ErrUnknownLease)

	_, err = b.Dequeue(ctx, "default", 20*time.Millisecond, time.Minute)
	assert.ErrorIs(t, err, ErrNoMessage)
}

func TestMemoryBrokerRedeliveryMintsFreshToken(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, "default", NewMessage(uuid.New(), "default", "transcription"), 0))

	d, err := b.Dequeue(ctx, "default", 50*time.Millisecond, 20*time.Millisecond)
	require.NoError(t, err)
	staleToken := d.Token

	redelivered, err := b.Dequeue(ctx, "default", 200*time.Millisecond, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, d.Message.JobID, redelivered.Message.JobID)
	assert.NotEqual(t, staleToken, redelivered.Token,
		"redelivery must not reuse the expired lease's token")

	// The dead holder's token is useless against the new lease.
	assert.ErrorIs(t, b.Complete(ctx, staleToken), ErrUnknownLease)
	assert.ErrorIs(t, b.Release(ctx, staleToken, 0), ErrUnknownLease)
	assert.ErrorIs(t, b.ExtendLease(ctx, staleToken, time.Minute), ErrUnknownLease)

	// The live holder's token still works.
	require.NoError(t, b.ExtendLease(ctx, redelivered.Token, time.Minute))
	require.NoError(t, b.Complete(ctx, redelivered.Token))
}

func TestMemoryBrokerReleaseRotatesToken(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, "default", NewMessage(uuid.New(), "default", "transcription"), 0))
	d, err := b.Dequeue(ctx, "default", 50*time.Millisecond, time.Minute)
	require.NoError(t, err)

	require.NoError(t, b.Release(ctx, d.Token, 0))

	redelivered, err := b.Dequeue(ctx, "default", 100*time.Millisecond, time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, d.Token, redelivered.Token)
	assert.ErrorIs(t, b.Complete(ctx, d.Token), ErrUnknownLease)
	require.NoError(t, b.Complete(ctx, redelivered.Token))
}

func TestMemoryBrokerReleaseWithDelaySchedulesRetry(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, "default", NewMessage(uuid.New(), "default", "transcription"), 0))
	d, err := b.Dequeue(ctx, "default", 50*time.Millisecond, time.Minute)
	require.NoError(t, err)

	require.NoError(t, b.Release(ctx, d.Token, 40*time.Millisecond))

	inFlight, err := b.InFlight(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, int64(0), inFlight)

	_, err = b.Dequeue(ctx, "default", 10*time.Millisecond, time.Minute)
	assert.ErrorIs(t, err, ErrNoMessage)

	redelivered, err := b.Dequeue(ctx, "default", 200*time.Millisecond, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, d.Message.JobID, redelivered.Message.JobID)
}
