// ABOUTME: NATS transport layer binding agent sessions to registry channels.
// ABOUTME: Handles hello/bye announcements and routes result envelopes inbound.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/warrenhq/warren-gateway/internal/store"
	"github.com/warrenhq/warren-gateway/internal/wire"
)

// natsChannel is one agent session's command channel. Sends publish to the
// session-scoped subject, so a channel closed by a newer session cannot leak
// commands to the old one.
type natsChannel struct {
	conn      *nats.Conn
	subject   string
	sessionID string
	closed    atomic.Bool
}

func newNATSChannel(conn *nats.Conn, hostID, sessionID string) *natsChannel {
	return &natsChannel{
		conn:      conn,
		subject:   wire.SessionSubject(hostID, sessionID),
		sessionID: sessionID,
	}
}

func (c *natsChannel) SessionID() string { return c.sessionID }

func (c *natsChannel) Send(env *wire.CommandEnvelope) error {
	if c.closed.Load() {
		return fmt.Errorf("channel for session %s is closed", c.sessionID)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding command envelope: %w", err)
	}
	return c.conn.Publish(c.subject, data)
}

// Close tells the session to shut down. Invoked by the registry when a newer
// session for the same host supersedes this one.
func (c *natsChannel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	data, err := json.Marshal(&wire.ControlEnvelope{
		MessageType: wire.MessageTypeShutdown,
		Reason:      "session superseded",
	})
	if err != nil {
		return err
	}
	return c.conn.Publish(c.subject, data)
}

// startTransport subscribes the gateway to the agent-facing subjects.
// Subscriptions stay live until the connection is drained at shutdown.
func (g *Gateway) startTransport(ctx context.Context) error {
	subs := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{wire.SubjectHelloWildcard, func(msg *nats.Msg) { g.handleHello(ctx, msg) }},
		{wire.SubjectByeWildcard, func(msg *nats.Msg) { g.handleBye(msg) }},
		{wire.SubjectResults, func(msg *nats.Msg) { g.handleResult(ctx, msg) }},
	}

	for _, s := range subs {
		sub, err := g.nats.Subscribe(s.subject, s.handler)
		if err != nil {
			return fmt.Errorf("subscribing to %s: %w", s.subject, err)
		}
		g.subs = append(g.subs, sub)
	}

	g.logger.Info("transport subscriptions active", "url", g.nats.ConnectedUrl())
	return nil
}

// handleHello registers a new agent session. An existing session for the
// same host is superseded: its channel close publishes a shutdown control.
func (g *Gateway) handleHello(ctx context.Context, msg *nats.Msg) {
	var hello wire.HelloEnvelope
	if err := json.Unmarshal(msg.Data, &hello); err != nil {
		g.logger.Warn("malformed hello envelope", "error", err)
		return
	}
	if hello.HostID == "" || hello.SessionID == "" {
		g.logger.Warn("hello missing host_id or session_id")
		return
	}

	now := time.Now().UTC()
	host, err := g.store.GetHost(ctx, hello.HostID)
	if errors.Is(err, store.ErrNotFound) {
		host = &store.ManagedHost{ID: hello.HostID}
	} else if err != nil {
		g.logger.Error("looking up host", "host_id", hello.HostID, "error", err)
		return
	}
	host.LastSeen = &now
	if err := g.store.UpsertHost(ctx, host); err != nil {
		g.logger.Error("recording host check-in", "host_id", hello.HostID, "error", err)
	}

	// First check-in of a freshly created instance carries its single-use
	// approval token.
	if hello.InstanceID != "" && hello.ApprovalToken != "" {
		approved, err := g.lifecycle.ApproveCheckIn(ctx, hello.InstanceID, hello.ApprovalToken)
		if err != nil {
			g.logger.Error("approval check-in failed", "instance_id", hello.InstanceID, "error", err)
		} else if approved {
			g.logger.Info("instance auto-approved", "instance_id", hello.InstanceID)
		} else {
			g.logger.Warn("approval token rejected, manual approval required",
				"instance_id", hello.InstanceID,
			)
		}
	}

	ch := newNATSChannel(g.nats, hello.HostID, hello.SessionID)
	g.registry.Register(hello.HostID, ch)

	g.deliverBacklog(ctx, hello.HostID)
}

// deliverBacklog pushes the host's pending commands down the new session in
// submission order. Delivery failures are left for the sweeper's retry pass.
func (g *Gateway) deliverBacklog(ctx context.Context, hostID string) {
	cmds, err := g.store.ListPendingByHost(ctx, hostID)
	if err != nil {
		g.logger.Error("listing backlog", "host_id", hostID, "error", err)
		return
	}
	for _, cmd := range cmds {
		if err := g.dispatcher.Deliver(ctx, cmd); err != nil {
			g.logger.Debug("backlog delivery failed",
				"correlation_id", cmd.CorrelationID,
				"error", err,
			)
		}
	}
}

func (g *Gateway) handleBye(msg *nats.Msg) {
	var bye wire.ByeEnvelope
	if err := json.Unmarshal(msg.Data, &bye); err != nil {
		g.logger.Warn("malformed bye envelope", "error", err)
		return
	}
	g.registry.Unregister(bye.HostID, bye.SessionID)
}

func (g *Gateway) handleResult(ctx context.Context, msg *nats.Msg) {
	res, err := wire.DecodeResult(msg.Data)
	if err != nil {
		g.logger.Warn("malformed result envelope", "error", err)
		return
	}
	if _, err := g.correlator.ApplyResult(ctx, res); err != nil {
		g.logger.Error("applying result", "correlation_id", res.CorrelationID, "error", err)
	}
}

// natsOptions builds the connection options, wiring connection events and
// async errors into slog.
func natsOptions(name string, logger *slog.Logger) []nats.Option {
	return []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("nats async error", "subject", subject, "error", err)
		}),
	}
}
