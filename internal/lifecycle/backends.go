// ABOUTME: Closed set of virtualization backends and per-backend create payload construction.
// ABOUTME: All backend-specific behavior lives here; the manager stays backend-agnostic.

package lifecycle

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/warrenhq/warren-gateway/internal/store"
)

// Backend names. This set is closed: agents only understand these tags.
const (
	BackendLXD    = "lxd"
	BackendKVM    = "kvm"
	BackendDocker = "docker"
)

// ErrUnknownBackend rejects backend tags outside the closed set.
var ErrUnknownBackend = errors.New("unknown backend")

// Backend builds the backend-specific portion of a create command payload
// from a distribution profile. One implementation per virtualization
// mechanism; nothing else in the lifecycle manager branches on the backend.
type Backend interface {
	Name() string
	BuildCreatePayload(inst *store.ChildInstance, profile *store.DistributionProfile) (json.RawMessage, error)
}

// ForName returns the Backend implementation for a tag.
func ForName(name string) (Backend, error) {
	switch name {
	case BackendLXD:
		return lxdBackend{}, nil
	case BackendKVM:
		return kvmBackend{}, nil
	case BackendDocker:
		return dockerBackend{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
}

// Names returns every known backend tag.
func Names() []string {
	return []string{BackendLXD, BackendKVM, BackendDocker}
}

// createParams is the create_instance command payload. The agent echoes
// generation_token back in results, which is what the stale-message guard
// compares against.
type createParams struct {
	InstanceID      string   `json:"instance_id"`
	Backend         string   `json:"backend"`
	OSDistribution  string   `json:"os_distribution"`
	GenerationToken string   `json:"generation_token"`
	ApprovalToken   string   `json:"approval_token,omitempty"`
	InstallCommands []string `json:"install_commands,omitempty"`
	CloudImageURL   string   `json:"cloud_image_url,omitempty"`
	ISOURL          string   `json:"iso_url,omitempty"`
}

type lxdBackend struct{}

func (lxdBackend) Name() string { return BackendLXD }

// LXD provisions containers from cloud images and runs the install commands
// after first boot.
func (lxdBackend) BuildCreatePayload(inst *store.ChildInstance, profile *store.DistributionProfile) (json.RawMessage, error) {
	if profile.CloudImageURL == "" {
		return nil, fmt.Errorf("lxd profile for %q has no cloud image", profile.OSDistribution)
	}
	return json.Marshal(createParams{
		InstanceID:      inst.ID,
		Backend:         BackendLXD,
		OSDistribution:  profile.OSDistribution,
		GenerationToken: inst.GenerationToken,
		ApprovalToken:   inst.AutoApproveToken,
		InstallCommands: profile.InstallCommands,
		CloudImageURL:   profile.CloudImageURL,
	})
}

type kvmBackend struct{}

func (kvmBackend) Name() string { return BackendKVM }

// KVM boots from a cloud image when available and falls back to an ISO
// install source.
func (kvmBackend) BuildCreatePayload(inst *store.ChildInstance, profile *store.DistributionProfile) (json.RawMessage, error) {
	if profile.CloudImageURL == "" && profile.ISOURL == "" {
		return nil, fmt.Errorf("kvm profile for %q has neither cloud image nor iso", profile.OSDistribution)
	}
	return json.Marshal(createParams{
		InstanceID:      inst.ID,
		Backend:         BackendKVM,
		OSDistribution:  profile.OSDistribution,
		GenerationToken: inst.GenerationToken,
		ApprovalToken:   inst.AutoApproveToken,
		InstallCommands: profile.InstallCommands,
		CloudImageURL:   profile.CloudImageURL,
		ISOURL:          profile.ISOURL,
	})
}

type dockerBackend struct{}

func (dockerBackend) Name() string { return BackendDocker }

// Docker instances pull their image by distribution name; the profile's
// install commands become the container bootstrap script.
func (dockerBackend) BuildCreatePayload(inst *store.ChildInstance, profile *store.DistributionProfile) (json.RawMessage, error) {
	return json.Marshal(createParams{
		InstanceID:      inst.ID,
		Backend:         BackendDocker,
		OSDistribution:  profile.OSDistribution,
		GenerationToken: inst.GenerationToken,
		ApprovalToken:   inst.AutoApproveToken,
		InstallCommands: profile.InstallCommands,
	})
}

// instanceParams is the payload for start/stop/restart commands.
type instanceParams struct {
	InstanceID string `json:"instance_id"`
}

// deleteParams carries the generation token current at submission time so a
// delayed acknowledgment can be recognized as stale.
type deleteParams struct {
	InstanceID      string `json:"instance_id"`
	GenerationToken string `json:"generation_token"`
}
