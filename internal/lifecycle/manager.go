// ABOUTME: Child-instance lifecycle state machine driven by correlated command results.
// ABOUTME: Enforces one in-flight lifecycle command per instance and the generation guard.

package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/warrenhq/warren-gateway/internal/audit"
	"github.com/warrenhq/warren-gateway/internal/dispatch"
	"github.com/warrenhq/warren-gateway/internal/metrics"
	"github.com/warrenhq/warren-gateway/internal/store"
)

// ErrOperationInFlight rejects a lifecycle command while another one for the
// same instance has not reached a terminal result or expired. The second
// command is rejected, not queued.
var ErrOperationInFlight = errors.New("lifecycle operation already in flight")

// ErrInvalidState rejects an operation the instance's current state does not
// admit, such as starting a deleted instance.
var ErrInvalidState = errors.New("operation not valid in current state")

// Submitter is the dispatcher surface the manager needs.
type Submitter interface {
	Submit(ctx context.Context, hostID, kind string, payload json.RawMessage, ttl time.Duration) (string, error)
}

// Manager owns the per-instance state machines. State transitions are driven
// exclusively by acknowledged or failed command results; submission only
// records an in-flight marker (and, for create, enters the creating state
// with a fresh generation token).
type Manager struct {
	store     store.Store
	submitter Submitter
	audit     audit.Notifier
	logger    *slog.Logger

	// One exclusion domain per instance id, so the single-in-flight rule
	// never serializes unrelated instances.
	mu       sync.Mutex
	instLock map[string]*sync.Mutex
}

// NewManager creates a lifecycle manager.
func NewManager(s store.Store, submitter Submitter, notifier audit.Notifier, logger *slog.Logger) *Manager {
	return &Manager{
		store:     s,
		submitter: submitter,
		audit:     notifier,
		logger:    logger,
		instLock:  make(map[string]*sync.Mutex),
	}
}

func (m *Manager) lock(instanceID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	mu, ok := m.instLock[instanceID]
	if !ok {
		mu = &sync.Mutex{}
		m.instLock[instanceID] = mu
	}
	return mu
}

// CreateRequest describes a new instance, or the recreation of an existing
// one when InstanceID names an instance in a deleted or failed state.
type CreateRequest struct {
	InstanceID     string // empty for a brand-new instance
	HostID         string
	Backend        string
	OSDistribution string
	TTL            time.Duration
}

// Create provisions a child instance. The instance enters the creating state
// immediately and, at that same moment, receives a fresh generation token
// and a single-use approval token. The running state is only committed when
// the agent acknowledges the create command.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*store.ChildInstance, error) {
	backend, err := ForName(req.Backend)
	if err != nil {
		return nil, err
	}

	profile, err := m.store.GetProfile(ctx, req.Backend, req.OSDistribution)
	if err != nil {
		return nil, fmt.Errorf("looking up distribution profile: %w", err)
	}

	if req.InstanceID != "" {
		return m.recreate(ctx, req, backend, profile)
	}

	now := time.Now().UTC()
	inst := &store.ChildInstance{
		ID:               uuid.New().String(),
		ParentHostID:     req.HostID,
		BackendType:      req.Backend,
		State:            store.InstanceCreating,
		GenerationToken:  uuid.New().String(),
		AutoApproveToken: uuid.New().String(),
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := m.store.CreateInstance(ctx, inst); err != nil {
		return nil, fmt.Errorf("persisting instance: %w", err)
	}

	if err := m.submitCreate(ctx, inst, backend, profile, req.TTL); err != nil {
		return nil, err
	}
	return inst, nil
}

// recreate re-enters the state machine for an instance that was deleted (or
// whose last operation failed). The generation token is replaced, which is
// what invalidates any result still in flight for the old incarnation.
func (m *Manager) recreate(ctx context.Context, req CreateRequest, backend Backend, profile *store.DistributionProfile) (*store.ChildInstance, error) {
	mu := m.lock(req.InstanceID)
	mu.Lock()
	defer mu.Unlock()

	inst, err := m.store.GetInstance(ctx, req.InstanceID)
	if err != nil {
		return nil, err
	}
	if inst.PendingCommandID != "" {
		return nil, ErrOperationInFlight
	}
	if inst.State != store.InstanceDeleted && inst.State != store.InstanceFailed {
		return nil, fmt.Errorf("%w: cannot recreate instance in state %q", ErrInvalidState, inst.State)
	}

	prev := inst.State
	inst.State = store.InstanceCreating
	inst.GenerationToken = uuid.New().String()
	inst.AutoApproveToken = uuid.New().String()
	inst.Approved = false
	inst.UpdatedAt = time.Now().UTC()

	if err := m.store.UpdateInstance(ctx, inst); err != nil {
		return nil, fmt.Errorf("updating instance: %w", err)
	}
	m.notifyTransition(inst, prev, store.InstanceCreating)

	if err := m.submitCreate(ctx, inst, backend, profile, req.TTL); err != nil {
		return nil, err
	}
	return inst, nil
}

func (m *Manager) submitCreate(ctx context.Context, inst *store.ChildInstance, backend Backend, profile *store.DistributionProfile, ttl time.Duration) error {
	payload, err := backend.BuildCreatePayload(inst, profile)
	if err != nil {
		return fmt.Errorf("building create payload: %w", err)
	}

	correlationID, err := m.submitter.Submit(ctx, inst.ParentHostID, dispatch.KindCreateInstance, payload, ttl)
	if err != nil {
		return fmt.Errorf("submitting create command: %w", err)
	}

	inst.PendingCommandID = correlationID
	inst.UpdatedAt = time.Now().UTC()
	if err := m.store.UpdateInstance(ctx, inst); err != nil {
		return fmt.Errorf("recording in-flight marker: %w", err)
	}

	m.logger.Info("instance create submitted",
		"instance_id", inst.ID,
		"host_id", inst.ParentHostID,
		"backend", inst.BackendType,
		"generation", inst.GenerationToken,
		"correlation_id", correlationID,
	)
	return nil
}

// Start submits a start command for a stopped or failed instance.
func (m *Manager) Start(ctx context.Context, instanceID string, ttl time.Duration) error {
	return m.submitSimple(ctx, instanceID, dispatch.KindStartInstance, ttl,
		store.InstanceStopped, store.InstanceFailed)
}

// Stop submits a stop command for a running instance.
func (m *Manager) Stop(ctx context.Context, instanceID string, ttl time.Duration) error {
	return m.submitSimple(ctx, instanceID, dispatch.KindStopInstance, ttl,
		store.InstanceRunning)
}

// Restart submits a restart command for a running instance.
func (m *Manager) Restart(ctx context.Context, instanceID string, ttl time.Duration) error {
	return m.submitSimple(ctx, instanceID, dispatch.KindRestartInstance, ttl,
		store.InstanceRunning)
}

// submitSimple handles the lifecycle commands whose payload is just the
// instance id: verify state, reject a concurrent operation, submit, record
// the in-flight marker. The stored state is not changed; the new state is
// committed only when the result is correlated.
func (m *Manager) submitSimple(ctx context.Context, instanceID, kind string, ttl time.Duration, from ...store.InstanceState) error {
	mu := m.lock(instanceID)
	mu.Lock()
	defer mu.Unlock()

	inst, err := m.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.PendingCommandID != "" {
		return ErrOperationInFlight
	}
	if !stateIn(inst.State, from...) {
		return fmt.Errorf("%w: %s requires state in %v, instance is %q", ErrInvalidState, kind, from, inst.State)
	}

	payload, err := json.Marshal(instanceParams{InstanceID: inst.ID})
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	correlationID, err := m.submitter.Submit(ctx, inst.ParentHostID, kind, payload, ttl)
	if err != nil {
		return fmt.Errorf("submitting %s command: %w", kind, err)
	}

	inst.PendingCommandID = correlationID
	inst.UpdatedAt = time.Now().UTC()
	return m.store.UpdateInstance(ctx, inst)
}

// Delete submits a delete command carrying the generation token current at
// submission time. The instance is marked deleted only when the agent
// acknowledges a delete for that same token.
func (m *Manager) Delete(ctx context.Context, instanceID string, ttl time.Duration) error {
	mu := m.lock(instanceID)
	mu.Lock()
	defer mu.Unlock()

	inst, err := m.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.PendingCommandID != "" {
		return ErrOperationInFlight
	}
	if inst.State == store.InstanceDeleted {
		return fmt.Errorf("%w: instance already deleted", ErrInvalidState)
	}

	payload, err := json.Marshal(deleteParams{
		InstanceID:      inst.ID,
		GenerationToken: inst.GenerationToken,
	})
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	correlationID, err := m.submitter.Submit(ctx, inst.ParentHostID, dispatch.KindDeleteInstance, payload, ttl)
	if err != nil {
		return fmt.Errorf("submitting delete command: %w", err)
	}

	inst.PendingCommandID = correlationID
	inst.UpdatedAt = time.Now().UTC()
	return m.store.UpdateInstance(ctx, inst)
}

func stateIn(s store.InstanceState, set ...store.InstanceState) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}

// HandleResult applies a correlated lifecycle command result to the instance
// state machine. Called by the correlator after the outbox row has reached
// its terminal status. Discarded results (stale generation, instance gone)
// are not errors: the queue row already records the command's outcome.
func (m *Manager) HandleResult(ctx context.Context, cmd *store.QueuedCommand, success bool, errDetail string) error {
	params, err := decodeInstanceRef(cmd)
	if err != nil {
		return err
	}

	mu := m.lock(params.InstanceID)
	mu.Lock()
	defer mu.Unlock()

	inst, err := m.store.GetInstance(ctx, params.InstanceID)
	if errors.Is(err, store.ErrNotFound) {
		m.logger.Warn("result for unknown instance, discarding",
			"instance_id", params.InstanceID,
			"correlation_id", cmd.CorrelationID,
		)
		return nil
	}
	if err != nil {
		return err
	}

	// Stale-message guard: a delete acknowledgment must reference the
	// incarnation it was submitted against. If the instance has since been
	// destroyed and recreated, the tokens differ and the result is discarded
	// without touching the new incarnation.
	if cmd.CommandType == dispatch.KindDeleteInstance && params.GenerationToken != inst.GenerationToken {
		m.logger.Info("discarding stale delete result",
			"instance_id", inst.ID,
			"result_generation", params.GenerationToken,
			"current_generation", inst.GenerationToken,
		)
		return nil
	}

	prev := inst.State
	if success {
		inst.State = successState(cmd.CommandType)
	} else {
		inst.State = store.InstanceFailed
	}

	if inst.PendingCommandID == cmd.CorrelationID {
		inst.PendingCommandID = ""
	}
	inst.UpdatedAt = time.Now().UTC()

	if err := m.store.UpdateInstance(ctx, inst); err != nil {
		return fmt.Errorf("updating instance state: %w", err)
	}

	if inst.State != prev {
		m.notifyTransition(inst, prev, inst.State)
	}

	m.logger.Info("instance state applied",
		"instance_id", inst.ID,
		"command_type", cmd.CommandType,
		"success", success,
		"from", prev,
		"to", inst.State,
		"error", errDetail,
	)
	return nil
}

// successState maps an acknowledged lifecycle command to the state it commits.
func successState(kind string) store.InstanceState {
	switch kind {
	case dispatch.KindCreateInstance, dispatch.KindStartInstance, dispatch.KindRestartInstance:
		return store.InstanceRunning
	case dispatch.KindStopInstance:
		return store.InstanceStopped
	case dispatch.KindDeleteInstance:
		return store.InstanceDeleted
	}
	return store.InstanceFailed
}

// HandleExpired releases the in-flight marker when a lifecycle command
// expires with no result. The instance keeps its prior stable state, except
// a create that never completed, which has no prior state and is marked
// failed.
func (m *Manager) HandleExpired(ctx context.Context, cmd *store.QueuedCommand) error {
	params, err := decodeInstanceRef(cmd)
	if err != nil {
		return err
	}

	mu := m.lock(params.InstanceID)
	mu.Lock()
	defer mu.Unlock()

	inst, err := m.store.GetInstance(ctx, params.InstanceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if inst.PendingCommandID != cmd.CorrelationID {
		return nil
	}

	prev := inst.State
	inst.PendingCommandID = ""
	if cmd.CommandType == dispatch.KindCreateInstance && inst.State == store.InstanceCreating {
		inst.State = store.InstanceFailed
	}
	inst.UpdatedAt = time.Now().UTC()

	if err := m.store.UpdateInstance(ctx, inst); err != nil {
		return fmt.Errorf("releasing in-flight marker: %w", err)
	}
	if inst.State != prev {
		m.notifyTransition(inst, prev, inst.State)
	}

	m.logger.Info("lifecycle command expired",
		"instance_id", inst.ID,
		"command_type", cmd.CommandType,
		"correlation_id", cmd.CorrelationID,
	)
	return nil
}

// ApproveCheckIn consumes a single-use approval token presented by an
// instance at first check-in. Returns true when the token matched and the
// instance is now approved; a false return sends the caller down the manual
// approval path, which lives outside this core.
func (m *Manager) ApproveCheckIn(ctx context.Context, instanceID, token string) (bool, error) {
	consumed, err := m.store.ConsumeApprovalToken(ctx, instanceID, token)
	if err != nil {
		return false, err
	}
	if consumed {
		if inst, err := m.store.GetInstance(ctx, instanceID); err == nil {
			m.audit.InstanceTransition(inst, inst.State, inst.State)
		}
	}
	return consumed, nil
}

// instanceRef is the slice of every lifecycle payload the manager needs to
// route a result: the instance and, for deletes, the submission-time
// generation token.
type instanceRef struct {
	InstanceID      string `json:"instance_id"`
	GenerationToken string `json:"generation_token"`
}

func decodeInstanceRef(cmd *store.QueuedCommand) (*instanceRef, error) {
	var ref instanceRef
	if err := json.Unmarshal(cmd.Payload, &ref); err != nil {
		return nil, fmt.Errorf("decoding lifecycle payload: %w", err)
	}
	if ref.InstanceID == "" {
		return nil, errors.New("lifecycle payload missing instance_id")
	}
	return &ref, nil
}

func (m *Manager) notifyTransition(inst *store.ChildInstance, from, to store.InstanceState) {
	metrics.IncTransition(string(from), string(to))
	m.audit.InstanceTransition(inst, from, to)
}
