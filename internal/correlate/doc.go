// Package correlate matches agent results to queued commands.
//
// ApplyResult resolves a result envelope against the outbox by correlation
// id. Unknown ids and replays are discarded; exactly one result per command
// reaches a terminal status, and lifecycle command results are forwarded to
// the instance state machine.
package correlate
