// ABOUTME: JSON envelope types exchanged between the gateway and host agents.
// ABOUTME: Defines command/result message shapes and the NATS subject layout.

package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message type discriminators carried in every envelope.
const (
	MessageTypeCommand       = "command"
	MessageTypeCommandResult = "command_result"
)

// ErrUnknownMessageType indicates an envelope with an unrecognized message_type.
var ErrUnknownMessageType = errors.New("unknown message type")

// CommandEnvelope is the outbound command message sent to a host agent.
type CommandEnvelope struct {
	MessageType   string          `json:"message_type"`
	CorrelationID string          `json:"correlation_id"`
	CommandType   string          `json:"command_type"`
	Parameters    json.RawMessage `json:"parameters,omitempty"`
}

// ResultEnvelope is the inbound result message received from a host agent.
// Result and Error are mutually exclusive in practice; Success decides which
// one the correlator reads.
type ResultEnvelope struct {
	MessageType   string          `json:"message_type"`
	CorrelationID string          `json:"correlation_id"`
	CommandType   string          `json:"command_type"`
	Success       bool            `json:"success"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// HelloEnvelope announces a new agent session for a host. Instance check-ins
// carry the single-use approval token issued at creation time.
type HelloEnvelope struct {
	HostID        string `json:"host_id"`
	SessionID     string `json:"session_id"`
	InstanceID    string `json:"instance_id,omitempty"`
	ApprovalToken string `json:"approval_token,omitempty"`
}

// ByeEnvelope announces a graceful agent disconnect.
type ByeEnvelope struct {
	HostID    string `json:"host_id"`
	SessionID string `json:"session_id"`
}

// ControlEnvelope carries gateway-to-agent control signals on the session
// subject, such as telling a superseded session to shut down.
type ControlEnvelope struct {
	MessageType string `json:"message_type"`
	Reason      string `json:"reason,omitempty"`
}

// MessageTypeShutdown tells an agent session to terminate.
const MessageTypeShutdown = "shutdown"

// NewCommand builds a command envelope for the given correlation id and kind.
func NewCommand(correlationID, commandType string, parameters json.RawMessage) *CommandEnvelope {
	return &CommandEnvelope{
		MessageType:   MessageTypeCommand,
		CorrelationID: correlationID,
		CommandType:   commandType,
		Parameters:    parameters,
	}
}

// DecodeResult parses a result envelope and validates its discriminator.
func DecodeResult(data []byte) (*ResultEnvelope, error) {
	var env ResultEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding result envelope: %w", err)
	}
	if env.MessageType != MessageTypeCommandResult {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.MessageType)
	}
	if env.CorrelationID == "" {
		return nil, errors.New("result envelope missing correlation_id")
	}
	return &env, nil
}

// Subject layout. All gateway/agent traffic lives under the "warren." prefix.
const (
	// SubjectResults is where every agent publishes command results.
	SubjectResults = "warren.result"

	// SubjectHelloWildcard subscribes to session announcements for all hosts.
	SubjectHelloWildcard = "warren.host.*.hello"

	// SubjectByeWildcard subscribes to graceful disconnects for all hosts.
	SubjectByeWildcard = "warren.host.*.bye"
)

// HelloSubject returns the session-announcement subject for a host.
func HelloSubject(hostID string) string {
	return "warren.host." + hostID + ".hello"
}

// ByeSubject returns the disconnect subject for a host.
func ByeSubject(hostID string) string {
	return "warren.host." + hostID + ".bye"
}

// SessionSubject returns the per-session command delivery subject. Commands
// published here reach exactly one agent session, so a superseded session
// never sees sends intended for its replacement.
func SessionSubject(hostID, sessionID string) string {
	return "warren.agent." + hostID + "." + sessionID
}
