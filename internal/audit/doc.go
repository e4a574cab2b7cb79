// Package audit delivers terminal-command and state-transition events to
// the audit boundary without ever blocking the command core.
package audit
