// Package registry tracks the live agent session for each host.
//
// One channel per host, last writer wins: registering a new session closes
// the previous one, and unregistering checks the session id so a late bye
// from a superseded session cannot tear down its replacement.
package registry
