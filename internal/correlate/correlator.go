// ABOUTME: Matches inbound command results to queued commands by correlation id.
// ABOUTME: Drives terminal outbox transitions and forwards lifecycle results.

package correlate

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/warrenhq/warren-gateway/internal/audit"
	"github.com/warrenhq/warren-gateway/internal/dispatch"
	"github.com/warrenhq/warren-gateway/internal/metrics"
	"github.com/warrenhq/warren-gateway/internal/store"
	"github.com/warrenhq/warren-gateway/internal/wire"
)

// Disposition reports what a result did to the queue.
type Disposition int

const (
	// Applied means the result moved the command to a terminal status.
	Applied Disposition = iota
	// Duplicate means the command was already terminal; the result was
	// discarded without side effects.
	Duplicate
	// Unknown means no command carries the result's correlation id.
	Unknown
)

func (d Disposition) String() string {
	switch d {
	case Applied:
		return "applied"
	case Duplicate:
		return "duplicate"
	case Unknown:
		return "unknown"
	}
	return "invalid"
}

// LifecycleSink receives results for lifecycle commands after their outbox
// row has been finalized.
type LifecycleSink interface {
	HandleResult(ctx context.Context, cmd *store.QueuedCommand, success bool, errDetail string) error
}

// Correlator applies agent results to the command queue. It is safe for
// concurrent use: the terminal transition is a single guarded update, so two
// racing results for the same correlation id resolve to one Applied and one
// Duplicate.
type Correlator struct {
	store     store.Store
	lifecycle LifecycleSink
	audit     audit.Notifier
	logger    *slog.Logger
}

// New creates a correlator. lifecycle may be nil when no lifecycle manager
// is wired, in which case lifecycle results still finalize their queue rows.
func New(s store.Store, lifecycle LifecycleSink, notifier audit.Notifier, logger *slog.Logger) *Correlator {
	return &Correlator{store: s, lifecycle: lifecycle, audit: notifier, logger: logger}
}

// ApplyResult processes one result envelope. Unknown and duplicate results
// are logged and dropped; neither is an error.
func (c *Correlator) ApplyResult(ctx context.Context, res *wire.ResultEnvelope) (Disposition, error) {
	cmd, err := c.store.GetCommandByCorrelationID(ctx, res.CorrelationID)
	if errors.Is(err, store.ErrNotFound) {
		c.logger.Warn("result with unknown correlation id", "correlation_id", res.CorrelationID)
		return Unknown, nil
	}
	if err != nil {
		return Unknown, err
	}

	applied, err := c.store.CompleteCommand(ctx, res.CorrelationID, res.Success, res.Error, time.Now().UTC())
	if err != nil {
		return Unknown, err
	}
	if !applied {
		c.logger.Debug("duplicate result discarded",
			"correlation_id", res.CorrelationID,
			"status", cmd.Status,
		)
		return Duplicate, nil
	}

	status := store.CommandAcknowledged
	if !res.Success {
		status = store.CommandFailed
	}
	cmd.Status = status
	metrics.IncTerminal(string(status))
	c.audit.CommandTerminal(cmd)

	c.logger.Info("command result applied",
		"correlation_id", res.CorrelationID,
		"command_type", cmd.CommandType,
		"host_id", cmd.HostID,
		"status", status,
	)

	if c.lifecycle != nil && dispatch.IsLifecycleKind(cmd.CommandType) {
		if err := c.lifecycle.HandleResult(ctx, cmd, res.Success, res.Error); err != nil {
			// Queue row is already terminal; surface the lifecycle failure
			// but do not undo the correlation.
			c.logger.Error("lifecycle result handling failed",
				"correlation_id", res.CorrelationID,
				"error", err,
			)
		}
	}
	return Applied, nil
}
