package commands

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/webgrid-go/webgrid/internal/harness"
	"github.com/webgrid-go/webgrid/internal/scheduler"
)

var (
	schedulerInstanceID string
	schedulerTimeout    time.Duration
)

// SchedulerCmd runs the scheduler service: matches ProvisionerMatchRequest
// replies to orchestrators and publishes SessionScheduled (spec.md §4.4).
var SchedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the scheduler service (session-to-orchestrator matching)",
	RunE:  runScheduler,
}

func init() {
	SchedulerCmd.Flags().StringVar(&schedulerInstanceID, "instance-id", "scheduler-1", "this instance's identifier")
	SchedulerCmd.Flags().DurationVar(&schedulerTimeout, "scheduling-timeout", 10*time.Second, "max time to wait for an orchestrator match")
}

func runScheduler(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	b, err := ConnectBus(ctx)
	if err != nil {
		return err
	}

	job := scheduler.New(b, schedulerInstanceID, schedulerTimeout)
	return RunWithProbe(ctx, "scheduler", []harness.Job{job})
}
