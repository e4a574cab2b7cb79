// Package lifecycle manages child-instance state machines.
//
// # State Machine
//
// An instance moves through:
//
//	creating -> running -> stopped -> running ...
//	running  -> deleted (via delete)
//	any op failure or expired create -> failed
//	deleted | failed -> creating (recreate)
//
// Submitting an operation never changes the stored state: it records an
// in-flight marker (the pending command's correlation id) and the state
// commits only when the agent's result is correlated back. At most one
// operation per instance is in flight; a second submission is rejected
// with ErrOperationInFlight.
//
// # Generations
//
// Every incarnation of an instance carries a generation token, replaced on
// create and recreate. Delete commands embed the token current at
// submission; a delete acknowledgment whose token no longer matches is
// stale and is discarded without touching the new incarnation.
//
// # Backends
//
// The lxd, kvm and docker backends build create payloads from a
// distribution profile. LXD requires a cloud image, KVM falls back from
// cloud image to ISO, Docker needs neither.
package lifecycle
