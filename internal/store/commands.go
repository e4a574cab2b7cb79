// ABOUTME: Outbox persistence - queued command rows, status transitions, sweep queries.
// ABOUTME: Terminal transitions are single guarded UPDATEs so they apply exactly once.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CreateCommand inserts a new outbox row in pending state.
// Returns ErrDuplicateCorrelationID if the correlation id already exists.
func (s *SQLiteStore) CreateCommand(ctx context.Context, cmd *QueuedCommand) error {
	query := `
		INSERT INTO queued_commands
			(id, host_id, command_type, correlation_id, payload, status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		cmd.ID,
		cmd.HostID,
		cmd.CommandType,
		cmd.CorrelationID,
		nullString(string(cmd.Payload)),
		string(cmd.Status),
		cmd.CreatedAt.UTC().Format(time.RFC3339),
		cmd.ExpiresAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateCorrelationID
		}
		return fmt.Errorf("inserting command: %w", err)
	}

	s.logger.Debug("queued command",
		"correlation_id", cmd.CorrelationID,
		"host_id", cmd.HostID,
		"command_type", cmd.CommandType,
	)
	return nil
}

const commandColumns = `
	id, host_id, command_type, correlation_id, payload, status,
	created_at, sent_at, completed_at, expired_at, expires_at, error_message
`

// GetCommandByCorrelationID retrieves a command by its correlation id.
// This is the point lookup used by the correlator; it runs against the
// unique correlation index. Returns ErrNotFound if no such command exists.
func (s *SQLiteStore) GetCommandByCorrelationID(ctx context.Context, correlationID string) (*QueuedCommand, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+commandColumns+` FROM queued_commands WHERE correlation_id = ?`,
		correlationID,
	)
	return scanCommand(row)
}

// rowScanner abstracts sql.Row and sql.Rows for scanCommand.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommand(row rowScanner) (*QueuedCommand, error) {
	var cmd QueuedCommand
	var payload, errMsg sql.NullString
	var createdAt, expiresAt string
	var sentAt, completedAt, expiredAt sql.NullString

	err := row.Scan(
		&cmd.ID,
		&cmd.HostID,
		&cmd.CommandType,
		&cmd.CorrelationID,
		&payload,
		&cmd.Status,
		&createdAt,
		&sentAt,
		&completedAt,
		&expiredAt,
		&expiresAt,
		&errMsg,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning command: %w", err)
	}

	if payload.Valid {
		cmd.Payload = []byte(payload.String)
	}
	if errMsg.Valid {
		cmd.ErrorMessage = errMsg.String
	}

	cmd.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	cmd.ExpiresAt, err = time.Parse(time.RFC3339, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	if cmd.SentAt, err = parseNullTime(sentAt); err != nil {
		return nil, fmt.Errorf("parsing sent_at: %w", err)
	}
	if cmd.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, fmt.Errorf("parsing completed_at: %w", err)
	}
	if cmd.ExpiredAt, err = parseNullTime(expiredAt); err != nil {
		return nil, fmt.Errorf("parsing expired_at: %w", err)
	}

	return &cmd, nil
}

// MarkCommandSent transitions pending -> sent with a send timestamp.
// Returns false if the command was not in pending state.
func (s *SQLiteStore) MarkCommandSent(ctx context.Context, correlationID string, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE queued_commands
		SET status = ?, sent_at = ?
		WHERE correlation_id = ? AND status = ?
	`, CommandSent, at.UTC().Format(time.RFC3339), correlationID, CommandPending)
	if err != nil {
		return false, fmt.Errorf("marking command sent: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	return rows > 0, nil
}

// CompleteCommand transitions a non-terminal command to acknowledged (on
// success) or failed (storing errMsg). The status and error detail are
// written in one statement, so the transition is atomic and applies at most
// once; a false return means the command was already terminal.
func (s *SQLiteStore) CompleteCommand(ctx context.Context, correlationID string, success bool, errMsg string, at time.Time) (bool, error) {
	status := CommandAcknowledged
	if !success {
		status = CommandFailed
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE queued_commands
		SET status = ?, completed_at = ?, error_message = ?
		WHERE correlation_id = ? AND status IN (?, ?)
	`, status, at.UTC().Format(time.RFC3339), nullString(errMsg),
		correlationID, CommandPending, CommandSent)
	if err != nil {
		return false, fmt.Errorf("completing command: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}

	if rows > 0 {
		s.logger.Debug("command completed",
			"correlation_id", correlationID,
			"status", status,
		)
	}
	return rows > 0, nil
}

// ExpireCommand force-transitions a non-terminal command to expired.
// Returns false if the command was already terminal, so a command expires
// exactly once even if two sweep passes race.
func (s *SQLiteStore) ExpireCommand(ctx context.Context, correlationID string, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE queued_commands
		SET status = ?, expired_at = ?
		WHERE correlation_id = ? AND status IN (?, ?)
	`, CommandExpired, at.UTC().Format(time.RFC3339),
		correlationID, CommandPending, CommandSent)
	if err != nil {
		return false, fmt.Errorf("expiring command: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	return rows > 0, nil
}

// ListRetryable returns pending commands created at or before olderThan whose
// deadline has not yet passed, oldest first so redelivery preserves per-host
// FIFO order. Timestamps have second granularity, so rowid breaks ties in
// insertion order.
func (s *SQLiteStore) ListRetryable(ctx context.Context, olderThan, now time.Time) ([]*QueuedCommand, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commandColumns+`
		FROM queued_commands
		WHERE status = ? AND created_at <= ? AND expires_at > ?
		ORDER BY created_at ASC, rowid ASC
	`, CommandPending,
		olderThan.UTC().Format(time.RFC3339),
		now.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("querying retryable commands: %w", err)
	}
	defer rows.Close()

	return collectCommands(rows)
}

// ListOverdue returns non-terminal commands whose deadline has passed.
func (s *SQLiteStore) ListOverdue(ctx context.Context, now time.Time) ([]*QueuedCommand, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commandColumns+`
		FROM queued_commands
		WHERE status IN (?, ?) AND expires_at <= ?
		ORDER BY created_at ASC, rowid ASC
	`, CommandPending, CommandSent, now.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("querying overdue commands: %w", err)
	}
	defer rows.Close()

	return collectCommands(rows)
}

// ListCommandsByHost returns the host's most recent commands, newest first.
// If limit is 0 or negative, a default limit of 100 is used.
func (s *SQLiteStore) ListCommandsByHost(ctx context.Context, hostID string, limit int) ([]*QueuedCommand, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commandColumns+`
		FROM queued_commands
		WHERE host_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, hostID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying host commands: %w", err)
	}
	defer rows.Close()

	return collectCommands(rows)
}

// ListPendingByHost returns the host's undelivered commands in submission
// order. This is the backlog pushed down a freshly registered session; the
// ordering is what keeps per-host delivery FIFO across reconnects.
func (s *SQLiteStore) ListPendingByHost(ctx context.Context, hostID string) ([]*QueuedCommand, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commandColumns+`
		FROM queued_commands
		WHERE host_id = ? AND status = ?
		ORDER BY created_at ASC, rowid ASC
	`, hostID, CommandPending)
	if err != nil {
		return nil, fmt.Errorf("querying pending host commands: %w", err)
	}
	defer rows.Close()

	return collectCommands(rows)
}

func collectCommands(rows *sql.Rows) ([]*QueuedCommand, error) {
	var cmds []*QueuedCommand
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating command rows: %w", err)
	}
	return cmds, nil
}
