// Package dispatch validates, queues and delivers commands to host agents.
//
// Submit persists a command to the outbox before any delivery attempt, so
// a host being offline never loses the command: it stays pending and the
// sweeper retries it. Delivery marks the row sent only after the channel
// accepted the envelope.
package dispatch
