// ABOUTME: Tests for outbox command operations.
// ABOUTME: Covers the status lattice, guarded terminal transitions and sweeper queries.

package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommands_CreateAndGet(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	cmd := testCommand(1)
	require.NoError(t, store.CreateCommand(ctx, cmd))

	got, err := store.GetCommandByCorrelationID(ctx, "corr-1")
	require.NoError(t, err)
	assert.Equal(t, cmd.ID, got.ID)
	assert.Equal(t, cmd.HostID, got.HostID)
	assert.Equal(t, CommandPending, got.Status)
	assert.Nil(t, got.SentAt)
	assert.WithinDuration(t, cmd.ExpiresAt, got.ExpiresAt, time.Second)
}

func TestCommands_GetUnknown(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetCommandByCorrelationID(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCommands_DuplicateCorrelationID(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateCommand(ctx, testCommand(1)))

	dup := testCommand(2)
	dup.CorrelationID = "corr-1"
	err := store.CreateCommand(ctx, dup)
	assert.ErrorIs(t, err, ErrDuplicateCorrelationID)
}

func TestCommands_MarkSent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateCommand(ctx, testCommand(1)))

	applied, err := store.MarkCommandSent(ctx, "corr-1", time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := store.GetCommandByCorrelationID(ctx, "corr-1")
	require.NoError(t, err)
	assert.Equal(t, CommandSent, got.Status)
	require.NotNil(t, got.SentAt)

	// Marking sent again is a no-op.
	applied, err = store.MarkCommandSent(ctx, "corr-1", time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestCommands_CompleteSuccess(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateCommand(ctx, testCommand(1)))
	_, err := store.MarkCommandSent(ctx, "corr-1", time.Now().UTC())
	require.NoError(t, err)

	applied, err := store.CompleteCommand(ctx, "corr-1", true, "", time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := store.GetCommandByCorrelationID(ctx, "corr-1")
	require.NoError(t, err)
	assert.Equal(t, CommandAcknowledged, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.Empty(t, got.ErrorMessage)
}

func TestCommands_CompleteFailure(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateCommand(ctx, testCommand(1)))

	applied, err := store.CompleteCommand(ctx, "corr-1", false, "disk full", time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := store.GetCommandByCorrelationID(ctx, "corr-1")
	require.NoError(t, err)
	assert.Equal(t, CommandFailed, got.Status)
	assert.Equal(t, "disk full", got.ErrorMessage)
}

func TestCommands_CompleteIsExactlyOnce(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateCommand(ctx, testCommand(1)))

	applied, err := store.CompleteCommand(ctx, "corr-1", true, "", time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, applied)

	// A second result for the same correlation id is discarded: the first
	// outcome wins regardless of the second one's success flag.
	applied, err = store.CompleteCommand(ctx, "corr-1", false, "late failure", time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := store.GetCommandByCorrelationID(ctx, "corr-1")
	require.NoError(t, err)
	assert.Equal(t, CommandAcknowledged, got.Status)
	assert.Empty(t, got.ErrorMessage)
}

func TestCommands_ExpireExactlyOnce(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateCommand(ctx, testCommand(1)))

	applied, err := store.ExpireCommand(ctx, "corr-1", time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = store.ExpireCommand(ctx, "corr-1", time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := store.GetCommandByCorrelationID(ctx, "corr-1")
	require.NoError(t, err)
	assert.Equal(t, CommandExpired, got.Status)
	assert.NotNil(t, got.ExpiredAt)
}

func TestCommands_ExpireDoesNotTouchTerminal(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateCommand(ctx, testCommand(1)))
	_, err := store.CompleteCommand(ctx, "corr-1", true, "", time.Now().UTC())
	require.NoError(t, err)

	applied, err := store.ExpireCommand(ctx, "corr-1", time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := store.GetCommandByCorrelationID(ctx, "corr-1")
	require.NoError(t, err)
	assert.Equal(t, CommandAcknowledged, got.Status)
}

func TestCommands_ListRetryable(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Old pending command, should be retryable.
	old := testCommand(1)
	old.CreatedAt = now.Add(-10 * time.Minute)
	require.NoError(t, store.CreateCommand(ctx, old))

	// Fresh pending command, too young to retry.
	fresh := testCommand(2)
	fresh.CreatedAt = now
	require.NoError(t, store.CreateCommand(ctx, fresh))

	// Old pending command already past its deadline, excluded.
	expired := testCommand(3)
	expired.CreatedAt = now.Add(-2 * time.Hour)
	expired.ExpiresAt = now.Add(-time.Hour)
	require.NoError(t, store.CreateCommand(ctx, expired))

	// Sent command, not retryable.
	sent := testCommand(4)
	sent.CreatedAt = now.Add(-10 * time.Minute)
	require.NoError(t, store.CreateCommand(ctx, sent))
	_, err := store.MarkCommandSent(ctx, "corr-4", now)
	require.NoError(t, err)

	got, err := store.ListRetryable(ctx, now.Add(-time.Minute), now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "corr-1", got[0].CorrelationID)
}

func TestCommands_ListRetryableOrdersFIFO(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, age := range []time.Duration{5 * time.Minute, 30 * time.Minute, 15 * time.Minute} {
		cmd := testCommand(i)
		cmd.CreatedAt = now.Add(-age)
		require.NoError(t, store.CreateCommand(ctx, cmd))
	}

	got, err := store.ListRetryable(ctx, now, now)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "corr-1", got[0].CorrelationID)
	assert.Equal(t, "corr-2", got[1].CorrelationID)
	assert.Equal(t, "corr-0", got[2].CorrelationID)
}

func TestCommands_ListOverdue(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	overdue := testCommand(1)
	overdue.ExpiresAt = now.Add(-time.Minute)
	require.NoError(t, store.CreateCommand(ctx, overdue))

	overdueSent := testCommand(2)
	overdueSent.ExpiresAt = now.Add(-time.Minute)
	require.NoError(t, store.CreateCommand(ctx, overdueSent))
	_, err := store.MarkCommandSent(ctx, "corr-2", now.Add(-2*time.Minute))
	require.NoError(t, err)

	live := testCommand(3)
	require.NoError(t, store.CreateCommand(ctx, live))

	// Terminal commands never show up even when past their deadline.
	done := testCommand(4)
	done.ExpiresAt = now.Add(-time.Minute)
	require.NoError(t, store.CreateCommand(ctx, done))
	_, err = store.CompleteCommand(ctx, "corr-4", true, "", now)
	require.NoError(t, err)

	got, err := store.ListOverdue(ctx, now)
	require.NoError(t, err)
	require.Len(t, got, 2)

	ids := []string{got[0].CorrelationID, got[1].CorrelationID}
	assert.ElementsMatch(t, []string{"corr-1", "corr-2"}, ids)
}

func TestCommands_ListByHost(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.CreateCommand(ctx, testCommand(i)))
	}
	other := testCommand(9)
	other.HostID = "host-2"
	require.NoError(t, store.CreateCommand(ctx, other))

	got, err := store.ListCommandsByHost(ctx, "host-1", 0)
	require.NoError(t, err)
	assert.Len(t, got, 3)

	got, err = store.ListCommandsByHost(ctx, "host-1", 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestCommands_ListPendingByHostOrdersFIFO(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	for i, age := range []time.Duration{3 * time.Second, 2 * time.Second, time.Second} {
		cmd := testCommand(i + 1)
		cmd.CreatedAt = now.Add(-age)
		require.NoError(t, store.CreateCommand(ctx, cmd))
	}

	sent := testCommand(4)
	require.NoError(t, store.CreateCommand(ctx, sent))
	_, err := store.MarkCommandSent(ctx, "corr-4", now)
	require.NoError(t, err)

	got, err := store.ListPendingByHost(ctx, "host-1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "corr-1", got[0].CorrelationID)
	assert.Equal(t, "corr-2", got[1].CorrelationID)
	assert.Equal(t, "corr-3", got[2].CorrelationID)
}

func TestCommands_SameSecondKeepsSubmissionOrder(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	// Stored timestamps have second granularity; commands submitted within
	// the same second must still come back in submission order.
	now := time.Now().UTC().Truncate(time.Second)
	for i := 1; i <= 4; i++ {
		cmd := testCommand(i)
		cmd.CreatedAt = now
		require.NoError(t, store.CreateCommand(ctx, cmd))
	}

	got, err := store.ListPendingByHost(ctx, "host-1")
	require.NoError(t, err)
	require.Len(t, got, 4)
	for i, cmd := range got {
		assert.Equal(t, fmt.Sprintf("corr-%d", i+1), cmd.CorrelationID)
	}

	retryable, err := store.ListRetryable(ctx, now, now)
	require.NoError(t, err)
	require.Len(t, retryable, 4)
	for i, cmd := range retryable {
		assert.Equal(t, fmt.Sprintf("corr-%d", i+1), cmd.CorrelationID)
	}
}
