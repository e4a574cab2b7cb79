// ABOUTME: Tests for child instance, profile and host persistence.
// ABOUTME: Covers the single-use approval token guard and instance updates.

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstances_CreateAndGet(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	inst := testInstance("inst-1")
	require.NoError(t, store.CreateInstance(ctx, inst))

	got, err := store.GetInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, inst.ParentHostID, got.ParentHostID)
	assert.Equal(t, InstanceCreating, got.State)
	assert.Equal(t, inst.GenerationToken, got.GenerationToken)
	assert.Equal(t, inst.AutoApproveToken, got.AutoApproveToken)
	assert.False(t, got.Approved)
	assert.Empty(t, got.PendingCommandID)
}

func TestInstances_GetUnknown(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetInstance(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInstances_Update(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	inst := testInstance("inst-1")
	require.NoError(t, store.CreateInstance(ctx, inst))

	inst.State = InstanceRunning
	inst.PendingCommandID = "corr-9"
	inst.UpdatedAt = time.Now().UTC()
	require.NoError(t, store.UpdateInstance(ctx, inst))

	got, err := store.GetInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, InstanceRunning, got.State)
	assert.Equal(t, "corr-9", got.PendingCommandID)
}

func TestInstances_UpdateUnknown(t *testing.T) {
	store := setupTestStore(t)

	inst := testInstance("ghost")
	err := store.UpdateInstance(context.Background(), inst)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInstances_ListByHost(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	a := testInstance("inst-a")
	require.NoError(t, store.CreateInstance(ctx, a))

	b := testInstance("inst-b")
	b.ParentHostID = "host-2"
	require.NoError(t, store.CreateInstance(ctx, b))

	all, err := store.ListInstances(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	only, err := store.ListInstances(ctx, "host-2")
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, "inst-b", only[0].ID)
}

func TestInstances_ConsumeApprovalToken(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	inst := testInstance("inst-1")
	require.NoError(t, store.CreateInstance(ctx, inst))

	consumed, err := store.ConsumeApprovalToken(ctx, "inst-1", "approve-inst-1")
	require.NoError(t, err)
	assert.True(t, consumed)

	got, err := store.GetInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.True(t, got.Approved)
	assert.Empty(t, got.AutoApproveToken)

	// Second presentation of the same token fails: single use.
	consumed, err = store.ConsumeApprovalToken(ctx, "inst-1", "approve-inst-1")
	require.NoError(t, err)
	assert.False(t, consumed)
}

func TestInstances_ConsumeWrongToken(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	inst := testInstance("inst-1")
	require.NoError(t, store.CreateInstance(ctx, inst))

	consumed, err := store.ConsumeApprovalToken(ctx, "inst-1", "wrong")
	require.NoError(t, err)
	assert.False(t, consumed)

	got, err := store.GetInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.False(t, got.Approved)
	assert.Equal(t, "approve-inst-1", got.AutoApproveToken)
}

func TestInstances_ConsumeEmptyToken(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	inst := testInstance("inst-1")
	inst.AutoApproveToken = ""
	require.NoError(t, store.CreateInstance(ctx, inst))

	// An empty token must never match, even against a NULL column.
	consumed, err := store.ConsumeApprovalToken(ctx, "inst-1", "")
	require.NoError(t, err)
	assert.False(t, consumed)
}

func TestProfiles_UpsertAndGet(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	p := &DistributionProfile{
		BackendType:     "lxd",
		OSDistribution:  "ubuntu-24.04",
		InstallCommands: []string{"apt-get update", "apt-get install -y curl"},
		CloudImageURL:   "https://images.example.com/ubuntu-24.04.img",
	}
	require.NoError(t, store.UpsertProfile(ctx, p))

	got, err := store.GetProfile(ctx, "lxd", "ubuntu-24.04")
	require.NoError(t, err)
	assert.Equal(t, p.InstallCommands, got.InstallCommands)
	assert.Equal(t, p.CloudImageURL, got.CloudImageURL)
	assert.Empty(t, got.ISOURL)

	// Upsert replaces in place.
	p.CloudImageURL = "https://images.example.com/ubuntu-24.04-v2.img"
	require.NoError(t, store.UpsertProfile(ctx, p))

	got, err = store.GetProfile(ctx, "lxd", "ubuntu-24.04")
	require.NoError(t, err)
	assert.Equal(t, p.CloudImageURL, got.CloudImageURL)

	profiles, err := store.ListProfiles(ctx)
	require.NoError(t, err)
	assert.Len(t, profiles, 1)
}

func TestProfiles_GetUnknown(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetProfile(context.Background(), "lxd", "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHosts_UpsertAndGet(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	h := &ManagedHost{ID: "host-1", Approved: true, LastSeen: &now}
	require.NoError(t, store.UpsertHost(ctx, h))

	got, err := store.GetHost(ctx, "host-1")
	require.NoError(t, err)
	assert.True(t, got.Approved)
	require.NotNil(t, got.LastSeen)
	assert.False(t, got.CreatedAt.IsZero())

	// Upsert updates last_seen without duplicating the row.
	later := now.Add(time.Minute)
	h.LastSeen = &later
	require.NoError(t, store.UpsertHost(ctx, h))

	hosts, err := store.ListHosts(ctx)
	require.NoError(t, err)
	require.Len(t, hosts, 1)
	assert.WithinDuration(t, later, *hosts[0].LastSeen, time.Second)
}

func TestHosts_GetUnknown(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetHost(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}
