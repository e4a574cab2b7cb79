// Package sweeper runs the periodic expiry and redelivery passes over the
// command outbox.
package sweeper
