// ABOUTME: Audit notification boundary for the excluded audit-log collaborator.
// ABOUTME: Delivers terminal-command and state-transition events without blocking the core.

package audit

import (
	"log/slog"
	"sync"

	"github.com/warrenhq/warren-gateway/internal/store"
)

// Event is one audit notification. Exactly one of Command or Instance is set.
type Event struct {
	Command   *store.QueuedCommand
	Instance  *store.ChildInstance
	FromState store.InstanceState
	ToState   store.InstanceState
}

// Notifier receives audit events from the command core. Implementations must
// not block: the core fires and forgets, and a slow or failing audit sink
// must never stall dispatch or correlation.
type Notifier interface {
	CommandTerminal(cmd *store.QueuedCommand)
	InstanceTransition(inst *store.ChildInstance, from, to store.InstanceState)
}

// LogNotifier ships audit events to a background goroutine that writes them
// to the structured log. Events are dropped, with a warning, if the buffer
// fills; audit delivery is best-effort at this boundary.
type LogNotifier struct {
	events chan Event
	logger *slog.Logger
	done   chan struct{}
	once   sync.Once
}

// NewLogNotifier creates a notifier draining into the given logger.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	n := &LogNotifier{
		events: make(chan Event, 256),
		logger: logger,
		done:   make(chan struct{}),
	}
	go n.drain()
	return n
}

// CommandTerminal reports a command reaching a terminal status.
func (n *LogNotifier) CommandTerminal(cmd *store.QueuedCommand) {
	n.offer(Event{Command: cmd})
}

// InstanceTransition reports a child-instance state change.
func (n *LogNotifier) InstanceTransition(inst *store.ChildInstance, from, to store.InstanceState) {
	n.offer(Event{Instance: inst, FromState: from, ToState: to})
}

func (n *LogNotifier) offer(ev Event) {
	select {
	case n.events <- ev:
	default:
		n.logger.Warn("audit buffer full, dropping event")
	}
}

func (n *LogNotifier) drain() {
	for {
		select {
		case ev := <-n.events:
			n.log(ev)
		case <-n.done:
			// Flush whatever is already buffered before exiting.
			for {
				select {
				case ev := <-n.events:
					n.log(ev)
				default:
					return
				}
			}
		}
	}
}

func (n *LogNotifier) log(ev Event) {
	switch {
	case ev.Command != nil:
		n.logger.Info("command terminal",
			"correlation_id", ev.Command.CorrelationID,
			"host_id", ev.Command.HostID,
			"command_type", ev.Command.CommandType,
			"status", ev.Command.Status,
			"error", ev.Command.ErrorMessage,
		)
	case ev.Instance != nil:
		n.logger.Info("instance transition",
			"instance_id", ev.Instance.ID,
			"host_id", ev.Instance.ParentHostID,
			"from", ev.FromState,
			"to", ev.ToState,
			"generation", ev.Instance.GenerationToken,
		)
	}
}

// Close stops the background goroutine. Safe to call multiple times.
func (n *LogNotifier) Close() {
	n.once.Do(func() { close(n.done) })
}

// Nop is a Notifier that discards every event. Used in tests.
type Nop struct{}

func (Nop) CommandTerminal(*store.QueuedCommand) {}

func (Nop) InstanceTransition(*store.ChildInstance, store.InstanceState, store.InstanceState) {}
