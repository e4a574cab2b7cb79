// ABOUTME: Child instance, distribution profile, and managed host persistence.
// ABOUTME: Approval tokens are consumed with one guarded UPDATE so they are single-use.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const instanceColumns = `
	id, parent_host_id, backend_type, lifecycle_state, generation_token,
	auto_approve_token, approved, pending_command_id, created_at, updated_at
`

// CreateInstance inserts a new child instance row.
func (s *SQLiteStore) CreateInstance(ctx context.Context, inst *ChildInstance) error {
	query := `
		INSERT INTO child_instances (` + instanceColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		inst.ID,
		inst.ParentHostID,
		inst.BackendType,
		string(inst.State),
		inst.GenerationToken,
		nullString(inst.AutoApproveToken),
		boolToInt(inst.Approved),
		nullString(inst.PendingCommandID),
		inst.CreatedAt.UTC().Format(time.RFC3339),
		inst.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting instance: %w", err)
	}

	s.logger.Debug("created instance",
		"instance_id", inst.ID,
		"host_id", inst.ParentHostID,
		"backend", inst.BackendType,
	)
	return nil
}

// GetInstance retrieves a child instance by ID.
// Returns ErrNotFound if the instance doesn't exist.
func (s *SQLiteStore) GetInstance(ctx context.Context, id string) (*ChildInstance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM child_instances WHERE id = ?`, id)
	return scanInstance(row)
}

// ListInstances returns instances, optionally filtered by parent host.
func (s *SQLiteStore) ListInstances(ctx context.Context, hostID string) ([]*ChildInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM child_instances`
	var args []any
	if hostID != "" {
		query += ` WHERE parent_host_id = ?`
		args = append(args, hostID)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying instances: %w", err)
	}
	defer rows.Close()

	var insts []*ChildInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		insts = append(insts, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating instance rows: %w", err)
	}
	return insts, nil
}

// UpdateInstance writes back every mutable instance field.
// Returns ErrNotFound if the instance doesn't exist.
func (s *SQLiteStore) UpdateInstance(ctx context.Context, inst *ChildInstance) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE child_instances
		SET lifecycle_state = ?, generation_token = ?, auto_approve_token = ?,
		    approved = ?, pending_command_id = ?, updated_at = ?
		WHERE id = ?
	`,
		string(inst.State),
		inst.GenerationToken,
		nullString(inst.AutoApproveToken),
		boolToInt(inst.Approved),
		nullString(inst.PendingCommandID),
		inst.UpdatedAt.UTC().Format(time.RFC3339),
		inst.ID,
	)
	if err != nil {
		return fmt.Errorf("updating instance: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ConsumeApprovalToken invalidates the instance's single-use approval token
// and marks the instance approved, but only if the token matches. The guard
// is one UPDATE, so concurrent check-ins consume the token at most once.
func (s *SQLiteStore) ConsumeApprovalToken(ctx context.Context, instanceID, token string) (bool, error) {
	if token == "" {
		return false, nil
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE child_instances
		SET auto_approve_token = NULL, approved = 1, updated_at = ?
		WHERE id = ? AND auto_approve_token = ?
	`, time.Now().UTC().Format(time.RFC3339), instanceID, token)
	if err != nil {
		return false, fmt.Errorf("consuming approval token: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}

	if rows > 0 {
		s.logger.Info("instance auto-approved", "instance_id", instanceID)
	}
	return rows > 0, nil
}

func scanInstance(row rowScanner) (*ChildInstance, error) {
	var inst ChildInstance
	var approveToken, pendingCmd sql.NullString
	var approved int
	var createdAt, updatedAt string

	err := row.Scan(
		&inst.ID,
		&inst.ParentHostID,
		&inst.BackendType,
		&inst.State,
		&inst.GenerationToken,
		&approveToken,
		&approved,
		&pendingCmd,
		&createdAt,
		&updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning instance: %w", err)
	}

	if approveToken.Valid {
		inst.AutoApproveToken = approveToken.String
	}
	if pendingCmd.Valid {
		inst.PendingCommandID = pendingCmd.String
	}
	inst.Approved = approved != 0

	inst.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	inst.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &inst, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// UpsertProfile inserts or replaces a distribution profile. Profiles are
// reference data; the lifecycle manager only reads them.
func (s *SQLiteStore) UpsertProfile(ctx context.Context, p *DistributionProfile) error {
	installJSON, err := json.Marshal(p.InstallCommands)
	if err != nil {
		return fmt.Errorf("encoding install commands: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO distribution_profiles
			(backend_type, os_distribution, install_commands, cloud_image_url, iso_url)
		VALUES (?, ?, ?, ?, ?)
	`, p.BackendType, p.OSDistribution, string(installJSON),
		nullString(p.CloudImageURL), nullString(p.ISOURL))
	if err != nil {
		return fmt.Errorf("upserting profile: %w", err)
	}
	return nil
}

// GetProfile retrieves the profile for a backend+distribution pair.
// Returns ErrNotFound if no profile exists.
func (s *SQLiteStore) GetProfile(ctx context.Context, backendType, osDistribution string) (*DistributionProfile, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT backend_type, os_distribution, install_commands, cloud_image_url, iso_url
		FROM distribution_profiles
		WHERE backend_type = ? AND os_distribution = ?
	`, backendType, osDistribution)
	return scanProfile(row)
}

// ListProfiles returns all distribution profiles.
func (s *SQLiteStore) ListProfiles(ctx context.Context) ([]*DistributionProfile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT backend_type, os_distribution, install_commands, cloud_image_url, iso_url
		FROM distribution_profiles
		ORDER BY backend_type, os_distribution
	`)
	if err != nil {
		return nil, fmt.Errorf("querying profiles: %w", err)
	}
	defer rows.Close()

	var profiles []*DistributionProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating profile rows: %w", err)
	}
	return profiles, nil
}

func scanProfile(row rowScanner) (*DistributionProfile, error) {
	var p DistributionProfile
	var installJSON string
	var cloudImage, isoURL sql.NullString

	err := row.Scan(&p.BackendType, &p.OSDistribution, &installJSON, &cloudImage, &isoURL)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning profile: %w", err)
	}

	if err := json.Unmarshal([]byte(installJSON), &p.InstallCommands); err != nil {
		return nil, fmt.Errorf("decoding install commands: %w", err)
	}
	if cloudImage.Valid {
		p.CloudImageURL = cloudImage.String
	}
	if isoURL.Valid {
		p.ISOURL = isoURL.String
	}
	return &p, nil
}

// UpsertHost records a managed host's identity and approval flag. The fleet
// boundary owns these rows; the core only reads identity and liveness.
func (s *SQLiteStore) UpsertHost(ctx context.Context, h *ManagedHost) error {
	createdAt := h.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO managed_hosts (id, approved, last_seen, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET approved = excluded.approved, last_seen = excluded.last_seen
	`, h.ID, boolToInt(h.Approved), nullTime(h.LastSeen), createdAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("upserting host: %w", err)
	}
	return nil
}

// GetHost retrieves a managed host by ID.
// Returns ErrNotFound if the host doesn't exist.
func (s *SQLiteStore) GetHost(ctx context.Context, id string) (*ManagedHost, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, approved, last_seen, created_at FROM managed_hosts WHERE id = ?`, id)
	return scanHost(row)
}

// ListHosts returns all managed hosts.
func (s *SQLiteStore) ListHosts(ctx context.Context) ([]*ManagedHost, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, approved, last_seen, created_at FROM managed_hosts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying hosts: %w", err)
	}
	defer rows.Close()

	var hosts []*ManagedHost
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating host rows: %w", err)
	}
	return hosts, nil
}

func scanHost(row rowScanner) (*ManagedHost, error) {
	var h ManagedHost
	var approved int
	var lastSeen sql.NullString
	var createdAt string

	err := row.Scan(&h.ID, &approved, &lastSeen, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning host: %w", err)
	}

	h.Approved = approved != 0
	if h.LastSeen, err = parseNullTime(lastSeen); err != nil {
		return nil, fmt.Errorf("parsing last_seen: %w", err)
	}
	h.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &h, nil
}
