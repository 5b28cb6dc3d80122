package commands

import (
	"github.com/spf13/cobra"

	"github.com/webgrid-go/webgrid/errors"
	"github.com/webgrid-go/webgrid/internal/archiver"
	"github.com/webgrid-go/webgrid/internal/discovery"
	"github.com/webgrid-go/webgrid/internal/domain"
)

var (
	archiverDBPath       string
	archiverArtifactRoot string
	archiverCapBytes     int64
	archiverAdvertise    string
)

// ArchiverCmd runs the archiver service: six consumer-group jobs
// projecting lifecycle events into the sqlite-backed metadata archive
// (spec.md §4.7).
var ArchiverCmd = &cobra.Command{
	Use:   "archiver",
	Short: "Run the archiver service (session metadata archive)",
	RunE:  runArchiver,
}

func init() {
	ArchiverCmd.Flags().StringVar(&archiverDBPath, "db", "webgrid-archive.db", "sqlite archive database path")
	ArchiverCmd.Flags().StringVar(&archiverArtifactRoot, "artifact-root", "webgrid-artifacts", "directory registered artifact paths are resolved against")
	ArchiverCmd.Flags().Int64Var(&archiverCapBytes, "archive-cap-bytes", 0, "evict oldest finalised sessions once the archive's JSON payload exceeds this many bytes (0 disables)")
	ArchiverCmd.Flags().StringVar(&archiverAdvertise, "advertise", "", "endpoint to advertise for api-query discovery (empty disables)")
}

func runArchiver(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	b, err := ConnectBus(ctx)
	if err != nil {
		return err
	}

	db, err := archiver.OpenDB(archiverDBPath)
	if err != nil {
		return errors.Wrap(err, "archiver: open database")
	}

	store := archiver.NewSQLiteStore(db, archiverArtifactRoot, archiverCapBytes)
	a := archiver.New(b, store)

	jobs := a.Jobs()
	if archiverAdvertise != "" {
		jobs = append(jobs, discovery.NewAdvertiser(b, domain.ServiceDescriptor{Kind: domain.ServiceKindAPIQuery}, archiverAdvertise))
	}

	return RunWithProbe(ctx, "archiver", jobs)
}
