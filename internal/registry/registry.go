// ABOUTME: Tracks the single active duplex channel for each managed host.
// ABOUTME: Registering a replacement channel closes the previous one (last-writer-wins).

package registry

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/warrenhq/warren-gateway/internal/metrics"
	"github.com/warrenhq/warren-gateway/internal/wire"
)

// ErrNoChannel indicates no live channel is registered for the host.
var ErrNoChannel = errors.New("no live channel for host")

// Channel is one live duplex connection to a host agent. Implementations must
// be safe for concurrent Send calls from multiple goroutines.
type Channel interface {
	// Send transmits a command envelope to the agent. An error means the
	// command was not delivered and should stay queued for retry.
	Send(env *wire.CommandEnvelope) error

	// Close tears the channel down. Safe to call more than once.
	Close() error

	// SessionID identifies this channel's agent session.
	SessionID() string
}

// Registry maps a host identifier to its single active channel. All methods
// are safe under concurrent access; operations for different hosts do not
// contend beyond the map lock itself.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]Channel
	logger   *slog.Logger
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		channels: make(map[string]Channel),
		logger:   logger,
	}
}

// Register installs ch as the host's active channel. If another channel is
// already registered for the host it is closed and discarded first, so two
// sockets can never both receive sends for the same host.
func (r *Registry) Register(hostID string, ch Channel) {
	r.mu.Lock()
	prev := r.channels[hostID]
	r.channels[hostID] = ch
	total := len(r.channels)
	r.mu.Unlock()

	if prev != nil {
		if err := prev.Close(); err != nil {
			r.logger.Warn("closing superseded channel",
				"host_id", hostID,
				"session_id", prev.SessionID(),
				"error", err,
			)
		}
		r.logger.Info("host channel replaced",
			"host_id", hostID,
			"old_session", prev.SessionID(),
			"new_session", ch.SessionID(),
		)
	} else {
		r.logger.Info("host connected",
			"host_id", hostID,
			"session_id", ch.SessionID(),
			"total_hosts", total,
		)
	}
	metrics.SetConnectedHosts(total)
}

// Unregister removes the host's channel, but only if the installed channel
// belongs to the given session. A disconnect notice from a superseded session
// must not tear down its replacement.
func (r *Registry) Unregister(hostID, sessionID string) {
	r.mu.Lock()
	current, ok := r.channels[hostID]
	if !ok || current.SessionID() != sessionID {
		r.mu.Unlock()
		return
	}
	delete(r.channels, hostID)
	total := len(r.channels)
	r.mu.Unlock()

	_ = current.Close()
	r.logger.Info("host disconnected",
		"host_id", hostID,
		"session_id", sessionID,
		"total_hosts", total,
	)
	metrics.SetConnectedHosts(total)
}

// Get returns the host's active channel, or ErrNoChannel if absent.
func (r *Registry) Get(hostID string) (Channel, error) {
	r.mu.RLock()
	ch, ok := r.channels[hostID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNoChannel
	}
	return ch, nil
}

// IsOnline reports whether the host currently has a live channel.
func (r *Registry) IsOnline(hostID string) bool {
	_, err := r.Get(hostID)
	return err == nil
}

// ConnectedHosts returns the identifiers of all hosts with a live channel.
func (r *Registry) ConnectedHosts() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	hosts := make([]string, 0, len(r.channels))
	for id := range r.channels {
		hosts = append(hosts, id)
	}
	return hosts
}
