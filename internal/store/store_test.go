// ABOUTME: Shared test helpers for the store package.
// ABOUTME: Provides setupTestStore and command/instance fixture builders.

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

func testCommand(i int) *QueuedCommand {
	now := time.Now().UTC()
	return &QueuedCommand{
		ID:            fmt.Sprintf("cmd-%d", i),
		HostID:        "host-1",
		CommandType:   "ping",
		CorrelationID: fmt.Sprintf("corr-%d", i),
		Payload:       json.RawMessage(`{}`),
		Status:        CommandPending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(time.Hour),
	}
}

func testInstance(id string) *ChildInstance {
	now := time.Now().UTC()
	return &ChildInstance{
		ID:               id,
		ParentHostID:     "host-1",
		BackendType:      "lxd",
		State:            InstanceCreating,
		GenerationToken:  "gen-" + id,
		AutoApproveToken: "approve-" + id,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func TestStore_OpenAndClose(t *testing.T) {
	store := setupTestStore(t)
	require.NotNil(t, store)
}

func TestStore_SchemaIdempotent(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	s1, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s1.CreateCommand(context.Background(), testCommand(1)))
	require.NoError(t, s1.Close())

	// Reopening must not lose data or fail on existing schema.
	s2, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s2.Close()

	cmd, err := s2.GetCommandByCorrelationID(context.Background(), "corr-1")
	require.NoError(t, err)
	require.Equal(t, "cmd-1", cmd.ID)
}
