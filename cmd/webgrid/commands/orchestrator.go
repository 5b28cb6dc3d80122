package commands

import (
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/webgrid-go/webgrid/errors"
	"github.com/webgrid-go/webgrid/internal/harness"
	"github.com/webgrid-go/webgrid/internal/orchestrator"
)

var (
	orchInstanceID        string
	orchPermitCapacity    int
	orchReconcileInterval time.Duration
	orchImages            []string

	orchDockerNodeImage string
	orchDockerNetwork   string

	orchK8sNamespace string
)

// OrchestratorCmd runs the orchestrator service: permit pool, matcher and
// provisioner consumer groups, and hardware reconciliation (spec.md §4.5),
// behind a pluggable provisioner selected by its subcommand.
var OrchestratorCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Run the orchestrator service (provisioning + permit pool)",
}

var orchestratorDockerCmd = &cobra.Command{
	Use:   "docker",
	Short: "Run the orchestrator with the Docker provisioner",
	RunE:  runOrchestratorDocker,
}

var orchestratorK8sCmd = &cobra.Command{
	Use:   "k8s",
	Short: "Run the orchestrator with the Kubernetes provisioner",
	RunE:  runOrchestratorK8s,
}

var orchestratorMockCmd = &cobra.Command{
	Use:   "mock",
	Short: "Run the orchestrator with the in-process mock provisioner (local dev)",
	RunE:  runOrchestratorMock,
}

func init() {
	for _, c := range []*cobra.Command{orchestratorDockerCmd, orchestratorK8sCmd, orchestratorMockCmd} {
		c.Flags().StringVar(&orchInstanceID, "instance-id", "orchestrator-1", "this instance's identifier")
		c.Flags().IntVar(&orchPermitCapacity, "permits", 10, "number of concurrent session slots this host offers")
		c.Flags().DurationVar(&orchReconcileInterval, "reconcile-interval", 30*time.Second, "hardware-reconciliation sweep interval")
		c.Flags().StringArrayVar(&orchImages, "image", nil, "provisionable image as image=browserName=browserVersion (repeatable)")
	}

	orchestratorDockerCmd.Flags().StringVar(&orchDockerNodeImage, "node-image", "", "container image running cmd/webgrid node")
	orchestratorDockerCmd.Flags().StringVar(&orchDockerNetwork, "network", "", "docker network node containers join")

	orchestratorK8sCmd.Flags().StringVar(&orchK8sNamespace, "namespace", "default", "kubernetes namespace node pods are created in")

	OrchestratorCmd.AddCommand(orchestratorDockerCmd, orchestratorK8sCmd, orchestratorMockCmd)
}

func parseImageSet(specs []string) (orchestrator.ImageSet, error) {
	images := make(orchestrator.ImageSet, 0, len(specs))
	for _, spec := range specs {
		parts := strings.Split(spec, "=")
		if len(parts) != 3 {
			return nil, errors.Newf("orchestrator: malformed --image %q, want image=browserName=browserVersion", spec)
		}
		images = append(images, orchestrator.ImageSpec{
			Image:          parts[0],
			BrowserName:    parts[1],
			BrowserVersion: parts[2],
		})
	}
	return images, nil
}

func runOrchestratorWith(cmd *cobra.Command, provisioner orchestrator.Provisioner) error {
	ctx := cmd.Context()

	images, err := parseImageSet(orchImages)
	if err != nil {
		return err
	}

	b, err := ConnectBus(ctx)
	if err != nil {
		return err
	}

	o := &orchestrator.Orchestrator{
		InstanceID:  orchInstanceID,
		Bus:         b,
		Permits:     orchestrator.NewPermitPool(orchPermitCapacity),
		Provisioner: provisioner,
		Images:      images,
	}

	jobs := []harness.Job{
		o.NewMatcherJob(),
		o.NewProvisionJob(),
		o.NewReconcileJob(orchReconcileInterval),
	}

	return RunWithProbe(ctx, "orchestrator", jobs)
}

func runOrchestratorDocker(cmd *cobra.Command, args []string) error {
	provisioner, err := orchestrator.NewDockerProvisioner(orchInstanceID, orchDockerNodeImage, orchDockerNetwork)
	if err != nil {
		return errors.Wrap(err, "orchestrator: construct docker provisioner")
	}
	return runOrchestratorWith(cmd, provisioner)
}

func runOrchestratorK8s(cmd *cobra.Command, args []string) error {
	return runOrchestratorWith(cmd, orchestrator.NewK8sProvisioner(orchK8sNamespace))
}

func runOrchestratorMock(cmd *cobra.Command, args []string) error {
	return runOrchestratorWith(cmd, orchestrator.NewMockProvisioner(orchInstanceID))
}
