// ABOUTME: Store interface and data types for warren-gateway persistence.
// ABOUTME: Defines QueuedCommand, ChildInstance, DistributionProfile and the Store interface.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateCorrelationID is returned when inserting a command whose
// correlation id already exists. Correlation ids are never reused, so this
// only fires on a caller bug.
var ErrDuplicateCorrelationID = errors.New("correlation id already exists")

// CommandStatus is the outbox status of a queued command. The transitions
// form a strict lattice: pending -> sent -> {acknowledged | failed}, or
// pending|sent -> expired. No transition leaves a terminal status.
type CommandStatus string

const (
	CommandPending      CommandStatus = "pending"
	CommandSent         CommandStatus = "sent"
	CommandAcknowledged CommandStatus = "acknowledged"
	CommandFailed       CommandStatus = "failed"
	CommandExpired      CommandStatus = "expired"
)

// Terminal reports whether the status admits no further transitions.
func (s CommandStatus) Terminal() bool {
	switch s {
	case CommandAcknowledged, CommandFailed, CommandExpired:
		return true
	}
	return false
}

// QueuedCommand is one durable outbox row. Rows are never deleted, only
// marked terminal, so excluded collaborators can audit command history.
type QueuedCommand struct {
	ID            string
	HostID        string
	CommandType   string
	CorrelationID string
	Payload       json.RawMessage
	Status        CommandStatus
	CreatedAt     time.Time
	SentAt        *time.Time
	CompletedAt   *time.Time
	ExpiredAt     *time.Time
	ExpiresAt     time.Time
	ErrorMessage  string
}

// InstanceState is the lifecycle state of a child instance.
type InstanceState string

const (
	InstanceCreating   InstanceState = "creating"
	InstanceRunning    InstanceState = "running"
	InstanceStopped    InstanceState = "stopped"
	InstanceRestarting InstanceState = "restarting"
	InstanceDeleting   InstanceState = "deleting"
	InstanceDeleted    InstanceState = "deleted"
	InstanceFailed     InstanceState = "failed"
)

// ChildInstance is a nested virtual instance hosted under a managed host.
// GenerationToken identifies one incarnation: it is replaced every time the
// instance is destroyed and recreated. PendingCommandID is the in-flight
// lifecycle marker; it is set at submission and cleared when the command
// reaches a terminal result or expires.
type ChildInstance struct {
	ID               string
	ParentHostID     string
	BackendType      string
	State            InstanceState
	GenerationToken  string
	AutoApproveToken string
	Approved         bool
	PendingCommandID string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// DistributionProfile describes how to provision one backend+OS combination.
// Immutable reference data; looked up by the lifecycle manager, never
// mutated by it.
type DistributionProfile struct {
	BackendType     string
	OSDistribution  string
	InstallCommands []string
	CloudImageURL   string
	ISOURL          string
}

// ManagedHost is the slice of the fleet boundary's host record the core
// reads: identity and whether the host has been approved for dispatch.
type ManagedHost struct {
	ID        string
	Approved  bool
	LastSeen  *time.Time
	CreatedAt time.Time
}

// Store defines the persistence surface for the command core.
type Store interface {
	// Outbox
	CreateCommand(ctx context.Context, cmd *QueuedCommand) error
	GetCommandByCorrelationID(ctx context.Context, correlationID string) (*QueuedCommand, error)
	// MarkCommandSent records delivery; applies only from pending.
	MarkCommandSent(ctx context.Context, correlationID string, at time.Time) (bool, error)
	// CompleteCommand moves a non-terminal command to acknowledged or failed,
	// storing the error detail atomically with the status. Returns false when
	// the command was already terminal.
	CompleteCommand(ctx context.Context, correlationID string, success bool, errMsg string, at time.Time) (bool, error)
	// ExpireCommand force-transitions a non-terminal command to expired.
	// Returns false when the command was already terminal, so expiry happens
	// exactly once.
	ExpireCommand(ctx context.Context, correlationID string, at time.Time) (bool, error)
	// ListRetryable returns pending commands created at or before olderThan
	// whose deadline has not passed.
	ListRetryable(ctx context.Context, olderThan, now time.Time) ([]*QueuedCommand, error)
	// ListOverdue returns non-terminal commands whose deadline has passed.
	ListOverdue(ctx context.Context, now time.Time) ([]*QueuedCommand, error)
	ListCommandsByHost(ctx context.Context, hostID string, limit int) ([]*QueuedCommand, error)
	// ListPendingByHost returns the host's undelivered commands in
	// submission order, for backlog delivery on reconnect.
	ListPendingByHost(ctx context.Context, hostID string) ([]*QueuedCommand, error)

	// Child instances
	CreateInstance(ctx context.Context, inst *ChildInstance) error
	GetInstance(ctx context.Context, id string) (*ChildInstance, error)
	ListInstances(ctx context.Context, hostID string) ([]*ChildInstance, error)
	UpdateInstance(ctx context.Context, inst *ChildInstance) error
	// ConsumeApprovalToken invalidates the single-use token if it matches.
	// Returns true exactly once per issued token.
	ConsumeApprovalToken(ctx context.Context, instanceID, token string) (bool, error)

	// Distribution profiles
	UpsertProfile(ctx context.Context, p *DistributionProfile) error
	GetProfile(ctx context.Context, backendType, osDistribution string) (*DistributionProfile, error)
	ListProfiles(ctx context.Context) ([]*DistributionProfile, error)

	// Managed hosts (read-mostly mirror of the fleet boundary)
	UpsertHost(ctx context.Context, h *ManagedHost) error
	GetHost(ctx context.Context, id string) (*ManagedHost, error)
	ListHosts(ctx context.Context) ([]*ManagedHost, error)

	// Close releases any resources held by the store.
	Close() error
}
