// Package gateway orchestrates the warren-gateway server components.
//
// # Overview
//
// The gateway package is the central coordinator of the warren-gateway
// server. It owns and manages all major components: the NATS transport for
// agent sessions, the HTTP API server, the command dispatcher and
// correlator, the lifecycle manager and the background sweeper.
//
// # Gateway Struct
//
// The Gateway struct is the main entry point:
//
//	type Gateway struct {
//	    config     *config.Config
//	    store      store.Store
//	    registry   *registry.Registry
//	    dispatcher *dispatch.Dispatcher
//	    correlator *correlate.Correlator
//	    lifecycle  *lifecycle.Manager
//	    sweeper    *sweeper.Sweeper
//	    nats       *nats.Conn
//	    httpServer *http.Server
//	    // ... and more
//	}
//
// # HTTP API
//
// The gateway exposes HTTP endpoints in api.go:
//
//   - POST /api/commands - Submit a command to a host
//   - GET /api/commands/{correlation_id} - Fetch one command's status
//   - GET /api/commands?host_id=X - List a host's commands
//   - POST /api/instances - Create (or recreate) a child instance
//   - POST /api/instances/{id}/{start|stop|restart} - Lifecycle operations
//   - DELETE /api/instances/{id} - Delete an instance
//   - GET /api/hosts - List managed hosts and their connection status
//   - GET /api/profiles, PUT /api/profiles - Distribution profiles
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check (requires a live NATS connection)
//
// # NATS Transport
//
// Agent sessions ride on NATS subjects:
//
//	warren.host.<host_id>.hello  - session announcement
//	warren.host.<host_id>.bye    - session teardown
//	warren.agent.<host_id>.<session_id> - commands down to one session
//	warren.result                - results up from all agents
//
// Each hello registers a per-session channel with the registry; the newest
// session for a host wins and the superseded one is told to shut down.
// Pending commands for the host are pushed down immediately on hello.
//
// # Lifecycle
//
// Start the gateway:
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	gw.Run(ctx)
//
// Run blocks until the context is canceled, then shuts down gracefully:
// HTTP server first, then the NATS subscriptions, the sweeper and the store.
//
// # Key Files
//
//   - gateway.go: Gateway struct, initialization, Run/Shutdown
//   - api.go: HTTP handlers
//   - transport.go: NATS subscriptions and the per-session channel
package gateway
