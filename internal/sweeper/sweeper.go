// ABOUTME: Background sweeper that expires overdue commands and redelivers
// ABOUTME: pending ones whose host has reconnected.

package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/warrenhq/warren-gateway/internal/audit"
	"github.com/warrenhq/warren-gateway/internal/dispatch"
	"github.com/warrenhq/warren-gateway/internal/metrics"
	"github.com/warrenhq/warren-gateway/internal/store"
)

// Deliverer attempts delivery of a pending command to its host's channel.
type Deliverer interface {
	Deliver(ctx context.Context, cmd *store.QueuedCommand) error
}

// ExpiryHandler is notified when a lifecycle command expires, so the
// instance's in-flight marker can be released.
type ExpiryHandler interface {
	HandleExpired(ctx context.Context, cmd *store.QueuedCommand) error
}

// Sweeper periodically expires commands past their deadline and retries
// delivery of pending commands. Two passes per tick, expiry first, so a
// command that is both overdue and undelivered expires rather than being
// sent after its deadline.
type Sweeper struct {
	store      store.Store
	deliverer  Deliverer
	expiry     ExpiryHandler
	audit      audit.Notifier
	logger     *slog.Logger
	interval   time.Duration
	retryAfter time.Duration
}

// New creates a sweeper. interval is the tick period; retryAfter is how old
// a pending command must be before redelivery is attempted.
func New(s store.Store, d Deliverer, e ExpiryHandler, notifier audit.Notifier, logger *slog.Logger, interval, retryAfter time.Duration) *Sweeper {
	return &Sweeper{
		store:      s,
		deliverer:  d,
		expiry:     e,
		audit:      notifier,
		logger:     logger,
		interval:   interval,
		retryAfter: retryAfter,
	}
}

// Run ticks until ctx is canceled. One sweep runs immediately on start so a
// restart does not wait a full interval to expire overdue work.
func (s *Sweeper) Run(ctx context.Context) {
	s.Sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one expiry pass and one retry pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := time.Now().UTC()
	s.expirePass(ctx, now)
	s.retryPass(ctx, now)
}

func (s *Sweeper) expirePass(ctx context.Context, now time.Time) {
	overdue, err := s.store.ListOverdue(ctx, now)
	if err != nil {
		s.logger.Error("listing overdue commands", "error", err)
		return
	}

	for _, cmd := range overdue {
		applied, err := s.store.ExpireCommand(ctx, cmd.CorrelationID, now)
		if err != nil {
			s.logger.Error("expiring command", "correlation_id", cmd.CorrelationID, "error", err)
			continue
		}
		if !applied {
			// A result won the race; the command is terminal already.
			continue
		}

		cmd.Status = store.CommandExpired
		metrics.IncTerminal(string(store.CommandExpired))
		s.audit.CommandTerminal(cmd)
		s.logger.Info("command expired",
			"correlation_id", cmd.CorrelationID,
			"command_type", cmd.CommandType,
			"host_id", cmd.HostID,
		)

		if s.expiry != nil && dispatch.IsLifecycleKind(cmd.CommandType) {
			if err := s.expiry.HandleExpired(ctx, cmd); err != nil {
				s.logger.Error("handling lifecycle expiry",
					"correlation_id", cmd.CorrelationID,
					"error", err,
				)
			}
		}
	}
}

func (s *Sweeper) retryPass(ctx context.Context, now time.Time) {
	retryable, err := s.store.ListRetryable(ctx, now.Add(-s.retryAfter), now)
	if err != nil {
		s.logger.Error("listing retryable commands", "error", err)
		return
	}

	for _, cmd := range retryable {
		if err := s.deliverer.Deliver(ctx, cmd); err != nil {
			// Host still offline or send failed; the command stays pending
			// for the next tick.
			s.logger.Debug("retry delivery not possible",
				"correlation_id", cmd.CorrelationID,
				"host_id", cmd.HostID,
				"error", err,
			)
			continue
		}
		metrics.IncRetried()
		s.logger.Info("command redelivered",
			"correlation_id", cmd.CorrelationID,
			"host_id", cmd.HostID,
		)
	}
}
