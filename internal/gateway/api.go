// ABOUTME: HTTP API handlers for command submission and instance lifecycle.
// ABOUTME: Provides /api/commands, /api/instances, /api/hosts and /api/profiles.

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/warrenhq/warren-gateway/internal/dispatch"
	"github.com/warrenhq/warren-gateway/internal/lifecycle"
	"github.com/warrenhq/warren-gateway/internal/store"
)

// Authorizer decides whether an API caller may act on a host. External
// collaboration surfaces supply real implementations; the default trusts
// every caller.
type Authorizer interface {
	Authorize(r *http.Request, hostID string) error
}

type allowAll struct{}

func (allowAll) Authorize(*http.Request, string) error { return nil }

// SubmitCommandRequest is the JSON request body for POST /api/commands.
type SubmitCommandRequest struct {
	HostID      string          `json:"host_id"`
	CommandType string          `json:"command_type"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	TTL         string          `json:"ttl,omitempty"`
}

// SubmitCommandResponse is the JSON response for POST /api/commands.
type SubmitCommandResponse struct {
	CorrelationID string `json:"correlation_id"`
	Status        string `json:"status"`
}

// CommandResponse is the JSON shape of one queued command.
type CommandResponse struct {
	ID            string          `json:"id"`
	HostID        string          `json:"host_id"`
	CommandType   string          `json:"command_type"`
	CorrelationID string          `json:"correlation_id"`
	Parameters    json.RawMessage `json:"parameters,omitempty"`
	Status        string          `json:"status"`
	CreatedAt     string          `json:"created_at"`
	SentAt        string          `json:"sent_at,omitempty"`
	CompletedAt   string          `json:"completed_at,omitempty"`
	ExpiredAt     string          `json:"expired_at,omitempty"`
	ExpiresAt     string          `json:"expires_at"`
	Error         string          `json:"error,omitempty"`
}

// CreateInstanceRequest is the JSON request body for POST /api/instances.
// InstanceID names an existing deleted or failed instance to recreate.
type CreateInstanceRequest struct {
	InstanceID     string `json:"instance_id,omitempty"`
	HostID         string `json:"host_id"`
	Backend        string `json:"backend"`
	OSDistribution string `json:"os_distribution"`
}

// InstanceResponse is the JSON shape of one child instance.
type InstanceResponse struct {
	ID           string `json:"id"`
	ParentHostID string `json:"parent_host_id"`
	Backend      string `json:"backend"`
	State        string `json:"state"`
	Approved     bool   `json:"approved"`
	Busy         bool   `json:"busy"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

// HostResponse is the JSON shape of one managed host.
type HostResponse struct {
	ID       string `json:"id"`
	Approved bool   `json:"approved"`
	Online   bool   `json:"online"`
	LastSeen string `json:"last_seen,omitempty"`
}

// ProfileRequest is the JSON body for PUT /api/profiles.
type ProfileRequest struct {
	Backend         string   `json:"backend"`
	OSDistribution  string   `json:"os_distribution"`
	InstallCommands []string `json:"install_commands,omitempty"`
	CloudImageURL   string   `json:"cloud_image_url,omitempty"`
	ISOURL          string   `json:"iso_url,omitempty"`
}

// registerRoutes wires every API endpoint onto the mux. Health endpoints
// bypass the authorizer; everything under /api consults it.
func (g *Gateway) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)

	mux.HandleFunc("/api/commands", g.handleCommands)
	mux.HandleFunc("/api/commands/", g.handleCommandByID)
	mux.HandleFunc("/api/instances", g.handleInstances)
	mux.HandleFunc("/api/instances/", g.handleInstanceRoutes)
	mux.HandleFunc("/api/hosts", g.handleHosts)
	mux.HandleFunc("/api/profiles", g.handleProfiles)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (g *Gateway) handleReady(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !g.nats.IsConnected() {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "nats disconnected"})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// handleCommands routes /api/commands by method: GET lists a host's
// commands, POST submits a new one.
func (g *Gateway) handleCommands(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		g.handleListCommands(w, r)
	case http.MethodPost:
		g.handleSubmitCommand(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleListCommands handles GET /api/commands?host_id=X&limit=N.
func (g *Gateway) handleListCommands(w http.ResponseWriter, r *http.Request) {
	hostID := r.URL.Query().Get("host_id")
	if hostID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "host_id query param required")
		return
	}
	if err := g.authorizer.Authorize(r, hostID); err != nil {
		g.sendJSONError(w, http.StatusForbidden, "not authorized for host")
		return
	}

	limit, err := parseLimit(r, 100, 1000)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	cmds, err := g.store.ListCommandsByHost(r.Context(), hostID, limit)
	if err != nil {
		g.logger.Error("listing commands", "host_id", hostID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := make([]CommandResponse, len(cmds))
	for i, cmd := range cmds {
		response[i] = commandToResponse(cmd)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleSubmitCommand handles POST /api/commands.
func (g *Gateway) handleSubmitCommand(w http.ResponseWriter, r *http.Request) {
	var req SubmitCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.HostID == "" || req.CommandType == "" {
		g.sendJSONError(w, http.StatusBadRequest, "host_id and command_type are required")
		return
	}
	if err := g.authorizer.Authorize(r, req.HostID); err != nil {
		g.sendJSONError(w, http.StatusForbidden, "not authorized for host")
		return
	}

	ttl := g.config.Commands.DefaultTTL
	if req.TTL != "" {
		parsed, err := time.ParseDuration(req.TTL)
		if err != nil || parsed <= 0 {
			g.sendJSONError(w, http.StatusBadRequest, "ttl must be a positive duration string")
			return
		}
		ttl = parsed
	}

	correlationID, err := g.dispatcher.Submit(r.Context(), req.HostID, req.CommandType, req.Parameters, ttl)
	if errors.Is(err, dispatch.ErrUnknownKind) {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		g.logger.Error("submitting command", "host_id", req.HostID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(SubmitCommandResponse{
		CorrelationID: correlationID,
		Status:        string(store.CommandPending),
	})
}

// handleCommandByID handles GET /api/commands/{correlation_id}.
func (g *Gateway) handleCommandByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	correlationID := strings.TrimPrefix(r.URL.Path, "/api/commands/")
	if correlationID == "" || strings.Contains(correlationID, "/") {
		g.sendJSONError(w, http.StatusBadRequest, "invalid path")
		return
	}

	cmd, err := g.store.GetCommandByCorrelationID(r.Context(), correlationID)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "command not found")
		return
	}
	if err != nil {
		g.logger.Error("getting command", "correlation_id", correlationID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if err := g.authorizer.Authorize(r, cmd.HostID); err != nil {
		g.sendJSONError(w, http.StatusForbidden, "not authorized for host")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(commandToResponse(cmd))
}

// handleInstances routes /api/instances by method: GET lists instances,
// POST creates (or recreates) one.
func (g *Gateway) handleInstances(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		g.handleListInstances(w, r)
	case http.MethodPost:
		g.handleCreateInstance(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleListInstances handles GET /api/instances?host_id=X.
func (g *Gateway) handleListInstances(w http.ResponseWriter, r *http.Request) {
	hostID := r.URL.Query().Get("host_id")
	if hostID != "" {
		if err := g.authorizer.Authorize(r, hostID); err != nil {
			g.sendJSONError(w, http.StatusForbidden, "not authorized for host")
			return
		}
	}

	instances, err := g.store.ListInstances(r.Context(), hostID)
	if err != nil {
		g.logger.Error("listing instances", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := make([]InstanceResponse, len(instances))
	for i, inst := range instances {
		response[i] = instanceToResponse(inst, g.effectiveState(r, inst))
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleCreateInstance handles POST /api/instances.
func (g *Gateway) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var req CreateInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.HostID == "" || req.Backend == "" || req.OSDistribution == "" {
		g.sendJSONError(w, http.StatusBadRequest, "host_id, backend and os_distribution are required")
		return
	}
	if err := g.authorizer.Authorize(r, req.HostID); err != nil {
		g.sendJSONError(w, http.StatusForbidden, "not authorized for host")
		return
	}

	inst, err := g.lifecycle.Create(r.Context(), lifecycle.CreateRequest{
		InstanceID:     req.InstanceID,
		HostID:         req.HostID,
		Backend:        req.Backend,
		OSDistribution: req.OSDistribution,
		TTL:            g.config.Commands.DefaultTTL,
	})
	if err != nil {
		g.writeLifecycleError(w, err, "creating instance")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(instanceToResponse(inst, inst.State))
}

// handleInstanceRoutes dispatches /api/instances/{id} and
// /api/instances/{id}/{verb} where verb is start, stop or restart.
func (g *Gateway) handleInstanceRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/instances/")
	parts := strings.Split(rest, "/")

	switch {
	case len(parts) == 1 && parts[0] != "":
		g.handleInstanceByID(w, r, parts[0])
	case len(parts) == 2 && parts[0] != "":
		g.handleInstanceVerb(w, r, parts[0], parts[1])
	default:
		g.sendJSONError(w, http.StatusBadRequest, "invalid path")
	}
}

// handleInstanceByID handles GET and DELETE on /api/instances/{id}.
func (g *Gateway) handleInstanceByID(w http.ResponseWriter, r *http.Request, instanceID string) {
	inst, err := g.store.GetInstance(r.Context(), instanceID)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "instance not found")
		return
	}
	if err != nil {
		g.logger.Error("getting instance", "instance_id", instanceID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if err := g.authorizer.Authorize(r, inst.ParentHostID); err != nil {
		g.sendJSONError(w, http.StatusForbidden, "not authorized for host")
		return
	}

	switch r.Method {
	case http.MethodGet:
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(instanceToResponse(inst, g.effectiveState(r, inst)))
	case http.MethodDelete:
		if err := g.lifecycle.Delete(r.Context(), instanceID, g.config.Commands.DefaultTTL); err != nil {
			g.writeLifecycleError(w, err, "deleting instance")
			return
		}
		w.WriteHeader(http.StatusAccepted)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleInstanceVerb handles POST /api/instances/{id}/{start|stop|restart}.
func (g *Gateway) handleInstanceVerb(w http.ResponseWriter, r *http.Request, instanceID, verb string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	inst, err := g.store.GetInstance(r.Context(), instanceID)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "instance not found")
		return
	}
	if err != nil {
		g.logger.Error("getting instance", "instance_id", instanceID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if err := g.authorizer.Authorize(r, inst.ParentHostID); err != nil {
		g.sendJSONError(w, http.StatusForbidden, "not authorized for host")
		return
	}

	ttl := g.config.Commands.DefaultTTL
	switch verb {
	case "start":
		err = g.lifecycle.Start(r.Context(), instanceID, ttl)
	case "stop":
		err = g.lifecycle.Stop(r.Context(), instanceID, ttl)
	case "restart":
		err = g.lifecycle.Restart(r.Context(), instanceID, ttl)
	default:
		g.sendJSONError(w, http.StatusNotFound, fmt.Sprintf("unknown action %q", verb))
		return
	}
	if err != nil {
		g.writeLifecycleError(w, err, verb+" instance")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleHosts handles GET /api/hosts.
func (g *Gateway) handleHosts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	hosts, err := g.store.ListHosts(r.Context())
	if err != nil {
		g.logger.Error("listing hosts", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := make([]HostResponse, len(hosts))
	for i, h := range hosts {
		hr := HostResponse{
			ID:       h.ID,
			Approved: h.Approved,
			Online:   g.registry.IsOnline(h.ID),
		}
		if h.LastSeen != nil {
			hr.LastSeen = h.LastSeen.Format(time.RFC3339)
		}
		response[i] = hr
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleProfiles handles GET and PUT on /api/profiles.
func (g *Gateway) handleProfiles(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		profiles, err := g.store.ListProfiles(r.Context())
		if err != nil {
			g.logger.Error("listing profiles", "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(profiles)

	case http.MethodPut:
		var req ProfileRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.Backend == "" || req.OSDistribution == "" {
			g.sendJSONError(w, http.StatusBadRequest, "backend and os_distribution are required")
			return
		}
		if _, err := lifecycle.ForName(req.Backend); err != nil {
			g.sendJSONError(w, http.StatusBadRequest, err.Error())
			return
		}

		profile := &store.DistributionProfile{
			BackendType:     req.Backend,
			OSDistribution:  req.OSDistribution,
			InstallCommands: req.InstallCommands,
			CloudImageURL:   req.CloudImageURL,
			ISOURL:          req.ISOURL,
		}
		if err := g.store.UpsertProfile(r.Context(), profile); err != nil {
			g.logger.Error("upserting profile", "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// writeLifecycleError maps lifecycle manager errors to HTTP statuses.
func (g *Gateway) writeLifecycleError(w http.ResponseWriter, err error, action string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "not found")
	case errors.Is(err, lifecycle.ErrOperationInFlight):
		g.sendJSONError(w, http.StatusConflict, "another lifecycle operation is in flight")
	case errors.Is(err, lifecycle.ErrInvalidState):
		g.sendJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, lifecycle.ErrUnknownBackend):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	default:
		g.logger.Error(action+" failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// parseLimit parses the optional ?limit=N query param with a default and cap.
func parseLimit(r *http.Request, def, max int) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return def, nil
	}
	parsed, err := strconv.Atoi(limitStr)
	if err != nil || parsed < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	if parsed > max {
		parsed = max
	}
	return parsed, nil
}

func commandToResponse(cmd *store.QueuedCommand) CommandResponse {
	resp := CommandResponse{
		ID:            cmd.ID,
		HostID:        cmd.HostID,
		CommandType:   cmd.CommandType,
		CorrelationID: cmd.CorrelationID,
		Parameters:    cmd.Payload,
		Status:        string(cmd.Status),
		CreatedAt:     cmd.CreatedAt.Format(time.RFC3339),
		ExpiresAt:     cmd.ExpiresAt.Format(time.RFC3339),
		Error:         cmd.ErrorMessage,
	}
	if cmd.SentAt != nil {
		resp.SentAt = cmd.SentAt.Format(time.RFC3339)
	}
	if cmd.CompletedAt != nil {
		resp.CompletedAt = cmd.CompletedAt.Format(time.RFC3339)
	}
	if cmd.ExpiredAt != nil {
		resp.ExpiredAt = cmd.ExpiredAt.Format(time.RFC3339)
	}
	return resp
}

func instanceToResponse(inst *store.ChildInstance, state store.InstanceState) InstanceResponse {
	return InstanceResponse{
		ID:           inst.ID,
		ParentHostID: inst.ParentHostID,
		Backend:      inst.BackendType,
		State:        string(state),
		Approved:     inst.Approved,
		Busy:         inst.PendingCommandID != "",
		CreatedAt:    inst.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    inst.UpdatedAt.Format(time.RFC3339),
	}
}

// effectiveState returns the state shown to API clients. While a restart or
// delete is in flight the stored state is still the last stable one; the
// transitional state is derived from the pending command so clients see
// "deleting" rather than "running".
func (g *Gateway) effectiveState(r *http.Request, inst *store.ChildInstance) store.InstanceState {
	if inst.PendingCommandID == "" {
		return inst.State
	}
	cmd, err := g.store.GetCommandByCorrelationID(r.Context(), inst.PendingCommandID)
	if err != nil {
		return inst.State
	}
	switch cmd.CommandType {
	case dispatch.KindRestartInstance:
		return store.InstanceRestarting
	case dispatch.KindDeleteInstance:
		return store.InstanceDeleting
	}
	return inst.State
}
