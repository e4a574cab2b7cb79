// ABOUTME: Command dispatcher - turns a logical command into a queued, correlatable message.
// ABOUTME: Persists an outbox row, then attempts best-effort immediate delivery.

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/warrenhq/warren-gateway/internal/metrics"
	"github.com/warrenhq/warren-gateway/internal/registry"
	"github.com/warrenhq/warren-gateway/internal/store"
	"github.com/warrenhq/warren-gateway/internal/wire"
)

// Command kinds understood by host agents. Lifecycle kinds drive the
// child-instance state machine; the rest are host-level.
const (
	KindCreateInstance  = "create_instance"
	KindStartInstance   = "start_instance"
	KindStopInstance    = "stop_instance"
	KindRestartInstance = "restart_instance"
	KindDeleteInstance  = "delete_instance"
	KindPing            = "ping"
	KindSyncStatus      = "sync_status"
)

// IsLifecycleKind reports whether results for this kind must be forwarded to
// the lifecycle manager.
func IsLifecycleKind(kind string) bool {
	switch kind {
	case KindCreateInstance, KindStartInstance, KindStopInstance,
		KindRestartInstance, KindDeleteInstance:
		return true
	}
	return false
}

// DefaultTTL is applied when Submit is called with a zero ttl. It mirrors
// the retention window for undeliverable messages: a command that finds no
// connection within an hour is expired rather than retried forever.
const DefaultTTL = time.Hour

// ErrUnknownKind rejects submissions with a command kind outside the closed set.
var ErrUnknownKind = errors.New("unknown command kind")

// Dispatcher allocates correlation ids, persists queued commands, and
// attempts immediate delivery through the connection registry. Submission
// never blocks on the remote agent: it returns as soon as the row is
// persisted and the best-effort send completed or failed.
type Dispatcher struct {
	store    store.Store
	registry *registry.Registry
	logger   *slog.Logger

	// hostMu serializes sends per host so delivery stays FIFO relative to
	// other commands for the same host. Different hosts never contend.
	mu     sync.Mutex
	hostMu map[string]*sync.Mutex
}

// New creates a Dispatcher backed by the given store and registry.
func New(s store.Store, reg *registry.Registry, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:    s,
		registry: reg,
		logger:   logger,
		hostMu:   make(map[string]*sync.Mutex),
	}
}

func (d *Dispatcher) hostLock(hostID string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()

	mu, ok := d.hostMu[hostID]
	if !ok {
		mu = &sync.Mutex{}
		d.hostMu[hostID] = mu
	}
	return mu
}

func validKind(kind string) bool {
	switch kind {
	case KindCreateInstance, KindStartInstance, KindStopInstance,
		KindRestartInstance, KindDeleteInstance, KindPing, KindSyncStatus:
		return true
	}
	return false
}

// Submit queues a command for the host and attempts immediate delivery.
// It returns the freshly allocated correlation id. A zero ttl selects
// DefaultTTL. The caller must already be authorized; the dispatcher does not
// consult the authorization layer itself.
func (d *Dispatcher) Submit(ctx context.Context, hostID, kind string, payload json.RawMessage, ttl time.Duration) (string, error) {
	if hostID == "" {
		return "", errors.New("host id is required")
	}
	if !validKind(kind) {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	now := time.Now().UTC()
	cmd := &store.QueuedCommand{
		ID:            uuid.New().String(),
		HostID:        hostID,
		CommandType:   kind,
		CorrelationID: uuid.New().String(),
		Payload:       payload,
		Status:        store.CommandPending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
	}

	if err := d.store.CreateCommand(ctx, cmd); err != nil {
		return "", fmt.Errorf("persisting command: %w", err)
	}
	metrics.IncSubmitted(kind)

	d.logger.Debug("command submitted",
		"correlation_id", cmd.CorrelationID,
		"host_id", hostID,
		"command_type", kind,
		"expires_at", cmd.ExpiresAt,
	)

	// Best-effort immediate send; on failure the row stays pending for the
	// sweeper.
	if err := d.Deliver(ctx, cmd); err != nil {
		if !errors.Is(err, registry.ErrNoChannel) {
			d.logger.Warn("immediate delivery failed, command stays pending",
				"correlation_id", cmd.CorrelationID,
				"host_id", hostID,
				"error", err,
			)
		}
	}

	return cmd.CorrelationID, nil
}

// Deliver writes the command to the host's live channel and marks it sent.
// Returns registry.ErrNoChannel when the host has no live connection. Used
// both for immediate delivery and for sweeper retries.
func (d *Dispatcher) Deliver(ctx context.Context, cmd *store.QueuedCommand) error {
	mu := d.hostLock(cmd.HostID)
	mu.Lock()
	defer mu.Unlock()

	ch, err := d.registry.Get(cmd.HostID)
	if err != nil {
		return err
	}

	env := wire.NewCommand(cmd.CorrelationID, cmd.CommandType, cmd.Payload)
	if err := ch.Send(env); err != nil {
		return fmt.Errorf("writing to channel: %w", err)
	}

	applied, err := d.store.MarkCommandSent(ctx, cmd.CorrelationID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("marking command sent: %w", err)
	}
	if applied {
		metrics.IncSent(cmd.CommandType)
		d.logger.Debug("command sent",
			"correlation_id", cmd.CorrelationID,
			"host_id", cmd.HostID,
			"session_id", ch.SessionID(),
		)
	}
	return nil
}
