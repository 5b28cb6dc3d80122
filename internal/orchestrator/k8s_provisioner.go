package orchestrator

import (
	"context"

	"github.com/webgrid-go/webgrid/errors"
	"github.com/webgrid-go/webgrid/internal/domain"
)

// K8sProvisioner is a stub satisfying Provisioner for the `orchestrator
// k8s` CLI subcommand (spec.md §6). A full typed-clientset implementation
// needs a cluster-reachable kubeconfig this exercise has no way to
// validate against; see DESIGN.md for why k8s.io/client-go is named in the
// domain stack but not wired beyond this stub.
type K8sProvisioner struct {
	Namespace string
}

var _ Provisioner = (*K8sProvisioner)(nil)

func NewK8sProvisioner(namespace string) *K8sProvisioner {
	return &K8sProvisioner{Namespace: namespace}
}

func (k *K8sProvisioner) Provision(ctx context.Context, sessionID domain.ID, rawCapabilities map[string]any, spec ImageSpec) (map[string]string, error) {
	return nil, errors.Newf("orchestrator: k8s provisioner not implemented (namespace %s)", k.Namespace)
}

func (k *K8sProvisioner) AliveSessions(ctx context.Context) ([]domain.ID, error) {
	return nil, nil
}

func (k *K8sProvisioner) PurgeTerminated(ctx context.Context) error {
	return nil
}
