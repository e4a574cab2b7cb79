// ABOUTME: Minimal fake host agent for manual testing over NATS.
// ABOUTME: Usage: fake-agent [-url nats://127.0.0.1:4222] [-host test-host]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/warrenhq/warren-gateway/internal/wire"
)

func main() {
	url := flag.String("url", "nats://127.0.0.1:4222", "NATS server URL")
	hostID := flag.String("host", "test-host", "Host ID to announce")
	instanceID := flag.String("instance", "", "Instance ID to check in as")
	approvalToken := flag.String("token", "", "Approval token for instance check-in")
	failAll := flag.Bool("fail", false, "Report failure for every command")
	flag.Parse()

	if err := run(*url, *hostID, *instanceID, *approvalToken, *failAll); err != nil {
		log.Fatal(err)
	}
}

func run(url, hostID, instanceID, approvalToken string, failAll bool) error {
	conn, err := nats.Connect(url, nats.Name("fake-agent-"+hostID))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	sessionID := uuid.New().String()

	// Subscribe to the session subject before announcing, so no command can
	// arrive into the void.
	done := make(chan struct{})
	sub, err := conn.Subscribe(wire.SessionSubject(hostID, sessionID), func(msg *nats.Msg) {
		handleMessage(conn, msg.Data, failAll, done)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	hello, err := json.Marshal(&wire.HelloEnvelope{
		HostID:        hostID,
		SessionID:     sessionID,
		InstanceID:    instanceID,
		ApprovalToken: approvalToken,
	})
	if err != nil {
		return err
	}
	if err := conn.Publish(wire.HelloSubject(hostID), hello); err != nil {
		return fmt.Errorf("failed to announce: %w", err)
	}
	fmt.Fprintf(os.Stderr, "announced as %s (session: %s)\n", hostID, sessionID)

	select {
	case <-ctx.Done():
	case <-done:
		log.Printf("shutdown requested by gateway")
	}

	bye, err := json.Marshal(&wire.ByeEnvelope{HostID: hostID, SessionID: sessionID})
	if err != nil {
		return err
	}
	if err := conn.Publish(wire.ByeSubject(hostID), bye); err != nil {
		log.Printf("publish bye error: %v", err)
	}
	return conn.Flush()
}

// handleMessage acks commands and honors shutdown controls.
func handleMessage(conn *nats.Conn, data []byte, failAll bool, done chan struct{}) {
	var ctrl wire.ControlEnvelope
	if err := json.Unmarshal(data, &ctrl); err != nil {
		log.Printf("malformed message: %v", err)
		return
	}
	if ctrl.MessageType == wire.MessageTypeShutdown {
		close(done)
		return
	}

	var cmd wire.CommandEnvelope
	if err := json.Unmarshal(data, &cmd); err != nil || cmd.MessageType != wire.MessageTypeCommand {
		return
	}

	log.Printf("received command [%s]: %s", cmd.CorrelationID, cmd.CommandType)

	// Small delay to simulate work
	time.Sleep(50 * time.Millisecond)

	res := &wire.ResultEnvelope{
		MessageType:   wire.MessageTypeCommandResult,
		CorrelationID: cmd.CorrelationID,
		CommandType:   cmd.CommandType,
		Success:       !failAll,
	}
	if failAll {
		res.Error = "simulated failure"
	} else {
		res.Result = json.RawMessage(`{"status":"ok"}`)
	}

	payload, err := json.Marshal(res)
	if err != nil {
		log.Printf("marshal result error: %v", err)
		return
	}
	if err := conn.Publish(wire.SubjectResults, payload); err != nil {
		log.Printf("publish result error: %v", err)
	}
}
