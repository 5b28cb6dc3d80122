package orchestrator

import (
	"context"
	"sync"

	"github.com/webgrid-go/webgrid/internal/domain"
)

// MockProvisioner is an in-process Provisioner used by tests and local
// development: it records which sessions it "provisioned" without touching
// any real container runtime, matching the teacher pack's convention of an
// in-memory stand-in behind each external-collaborator interface.
type MockProvisioner struct {
	InstanceID string

	mu    sync.Mutex
	alive map[domain.ID]struct{}

	// FailNext, if set, makes the next Provision call fail with this error
	// (used to simulate provisioning failures in tests).
	FailNext error
}

// NewMockProvisioner constructs a mock provisioner tagged with instanceID,
// mirroring spec.md §4.5's requirement that deployments are labeled with
// the provisioning orchestrator's instance id.
func NewMockProvisioner(instanceID string) *MockProvisioner {
	return &MockProvisioner{InstanceID: instanceID, alive: map[domain.ID]struct{}{}}
}

func (m *MockProvisioner) Provision(ctx context.Context, sessionID domain.ID, rawCapabilities map[string]any, spec ImageSpec) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailNext != nil {
		err := m.FailNext
		m.FailNext = nil
		return nil, err
	}

	m.alive[sessionID] = struct{}{}
	return map[string]string{
		"instance": m.InstanceID,
		"image":    spec.Image,
	}, nil
}

func (m *MockProvisioner) AliveSessions(ctx context.Context) ([]domain.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ID, 0, len(m.alive))
	for id := range m.alive {
		out = append(out, id)
	}
	return out, nil
}

func (m *MockProvisioner) PurgeTerminated(ctx context.Context) error {
	return nil
}

// Kill simulates the deployment for sessionID having exited outside the
// orchestrator's knowledge (orchestrator crash scenario, spec.md §8 S4).
func (m *MockProvisioner) Kill(sessionID domain.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.alive, sessionID)
}
