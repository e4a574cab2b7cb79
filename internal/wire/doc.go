// Package wire defines the JSON envelopes and NATS subjects shared by the
// gateway and host agents.
package wire
