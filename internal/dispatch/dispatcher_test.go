// ABOUTME: Tests for the command dispatcher.
// ABOUTME: Covers submission, validation, immediate delivery and offline queueing.

package dispatch

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warrenhq/warren-gateway/internal/registry"
	"github.com/warrenhq/warren-gateway/internal/store"
	"github.com/warrenhq/warren-gateway/internal/wire"
)

type mockChannel struct {
	mu        sync.Mutex
	sessionID string
	sent      []*wire.CommandEnvelope
	sendErr   error
}

func (m *mockChannel) Send(env *wire.CommandEnvelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, env)
	return nil
}

func (m *mockChannel) Close() error      { return nil }
func (m *mockChannel) SessionID() string { return m.sessionID }

func (m *mockChannel) sentEnvelopes() []*wire.CommandEnvelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*wire.CommandEnvelope(nil), m.sent...)
}

func setupDispatcher(t *testing.T) (*Dispatcher, *registry.Registry, store.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	reg := registry.New(logger)
	return New(s, reg, logger), reg, s
}

func TestSubmit_ValidationErrors(t *testing.T) {
	d, _, _ := setupDispatcher(t)
	ctx := context.Background()

	_, err := d.Submit(ctx, "", KindPing, nil, 0)
	assert.Error(t, err)

	_, err = d.Submit(ctx, "host-1", "reboot_the_moon", nil, 0)
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestSubmit_HostOffline(t *testing.T) {
	d, _, s := setupDispatcher(t)
	ctx := context.Background()

	corrID, err := d.Submit(ctx, "host-1", KindPing, nil, 0)
	require.NoError(t, err)
	require.NotEmpty(t, corrID)

	// No channel: the command stays pending for the sweeper.
	cmd, err := s.GetCommandByCorrelationID(ctx, corrID)
	require.NoError(t, err)
	assert.Equal(t, store.CommandPending, cmd.Status)
	assert.Equal(t, KindPing, cmd.CommandType)
	assert.WithinDuration(t, time.Now().Add(DefaultTTL), cmd.ExpiresAt, 5*time.Second)
}

func TestSubmit_HostOnline(t *testing.T) {
	d, reg, s := setupDispatcher(t)
	ctx := context.Background()

	ch := &mockChannel{sessionID: "sess-1"}
	reg.Register("host-1", ch)

	corrID, err := d.Submit(ctx, "host-1", KindPing, []byte(`{"n":1}`), time.Minute)
	require.NoError(t, err)

	sent := ch.sentEnvelopes()
	require.Len(t, sent, 1)
	assert.Equal(t, corrID, sent[0].CorrelationID)
	assert.Equal(t, KindPing, sent[0].CommandType)

	cmd, err := s.GetCommandByCorrelationID(ctx, corrID)
	require.NoError(t, err)
	assert.Equal(t, store.CommandSent, cmd.Status)
	require.NotNil(t, cmd.SentAt)
}

func TestSubmit_SendFailureLeavesPending(t *testing.T) {
	d, reg, s := setupDispatcher(t)
	ctx := context.Background()

	ch := &mockChannel{sessionID: "sess-1", sendErr: assert.AnError}
	reg.Register("host-1", ch)

	corrID, err := d.Submit(ctx, "host-1", KindPing, nil, 0)
	require.NoError(t, err)

	cmd, err := s.GetCommandByCorrelationID(ctx, corrID)
	require.NoError(t, err)
	assert.Equal(t, store.CommandPending, cmd.Status)
}

func TestSubmit_CorrelationIDsUnique(t *testing.T) {
	d, _, _ := setupDispatcher(t)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		corrID, err := d.Submit(ctx, "host-1", KindPing, nil, 0)
		require.NoError(t, err)
		assert.False(t, seen[corrID])
		seen[corrID] = true
	}
}

func TestDeliver_Retry(t *testing.T) {
	d, reg, s := setupDispatcher(t)
	ctx := context.Background()

	corrID, err := d.Submit(ctx, "host-1", KindSyncStatus, nil, 0)
	require.NoError(t, err)

	cmd, err := s.GetCommandByCorrelationID(ctx, corrID)
	require.NoError(t, err)
	require.Equal(t, store.CommandPending, cmd.Status)

	// Host comes online; redelivery succeeds and marks sent.
	ch := &mockChannel{sessionID: "sess-1"}
	reg.Register("host-1", ch)

	require.NoError(t, d.Deliver(ctx, cmd))
	assert.Len(t, ch.sentEnvelopes(), 1)

	cmd, err = s.GetCommandByCorrelationID(ctx, corrID)
	require.NoError(t, err)
	assert.Equal(t, store.CommandSent, cmd.Status)
}

func TestDeliver_NoChannel(t *testing.T) {
	d, _, s := setupDispatcher(t)
	ctx := context.Background()

	corrID, err := d.Submit(ctx, "host-1", KindPing, nil, 0)
	require.NoError(t, err)
	cmd, err := s.GetCommandByCorrelationID(ctx, corrID)
	require.NoError(t, err)

	err = d.Deliver(ctx, cmd)
	assert.ErrorIs(t, err, registry.ErrNoChannel)
}

func TestIsLifecycleKind(t *testing.T) {
	assert.True(t, IsLifecycleKind(KindCreateInstance))
	assert.True(t, IsLifecycleKind(KindDeleteInstance))
	assert.False(t, IsLifecycleKind(KindPing))
	assert.False(t, IsLifecycleKind(KindSyncStatus))
	assert.False(t, IsLifecycleKind("made_up"))
}
