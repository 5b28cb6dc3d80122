package commands

import (
	"context"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/webgrid-go/webgrid/errors"
	"github.com/webgrid-go/webgrid/internal/archiver"
	"github.com/webgrid-go/webgrid/internal/discovery"
	"github.com/webgrid-go/webgrid/internal/harness"
	"github.com/webgrid-go/webgrid/internal/ingress"
)

var (
	ingressInstanceID          string
	ingressListenAddr          string
	ingressRequestLimit        int
	ingressCreateTimeout       time.Duration
	ingressDiscoveryTimeout    time.Duration
	ingressDiscoveryCacheSize  int
	ingressCreateRatePerSecond float64
	ingressCreateRateBurst     int
	ingressArchivePath         string
	ingressArtifactRoot        string
)

// IngressCmd runs the ingress service: the grid's single public HTTP
// entrypoint (spec.md §4.3).
var IngressCmd = &cobra.Command{
	Use:   "ingress",
	Short: "Run the ingress service (public HTTP entrypoint)",
	RunE:  runIngress,
}

func init() {
	IngressCmd.Flags().StringVar(&ingressInstanceID, "instance-id", "ingress-1", "this instance's identifier")
	IngressCmd.Flags().StringVar(&ingressListenAddr, "listen", ":4444", "public HTTP listen address")
	IngressCmd.Flags().IntVar(&ingressRequestLimit, "request-limit", 100, "max concurrently parked session-creation requests")
	IngressCmd.Flags().DurationVar(&ingressCreateTimeout, "create-timeout", 30*time.Second, "max time to wait for a session to become operational")
	IngressCmd.Flags().DurationVar(&ingressDiscoveryTimeout, "discovery-timeout", 5*time.Second, "max time to wait for a service-discovery reply")
	IngressCmd.Flags().IntVar(&ingressDiscoveryCacheSize, "discovery-cache-size", 1000, "service-discovery LRU cache size")
	IngressCmd.Flags().Float64Var(&ingressCreateRatePerSecond, "create-rate", 10, "per-client session-creation rate limit, requests/sec (<=0 disables)")
	IngressCmd.Flags().IntVar(&ingressCreateRateBurst, "create-rate-burst", 20, "per-client session-creation burst size")
	IngressCmd.Flags().StringVar(&ingressArchivePath, "archive-db", "webgrid-archive.db", "sqlite archive database backing the artifact server")
	IngressCmd.Flags().StringVar(&ingressArtifactRoot, "artifact-root", "webgrid-artifacts", "directory registered artifact paths are resolved against")
}

func runIngress(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	b, err := ConnectBus(ctx)
	if err != nil {
		return err
	}

	discoveryCache, err := discovery.NewCache(ctx, b, ingressDiscoveryCacheSize)
	if err != nil {
		return errors.Wrap(err, "ingress: construct discovery cache")
	}

	db, err := archiver.OpenDB(ingressArchivePath)
	if err != nil {
		return errors.Wrap(err, "ingress: open archive database")
	}
	store := archiver.NewSQLiteStore(db, ingressArtifactRoot, 0)

	mux, _, _, jobs, err := ingress.NewRouter(ingress.Config{
		Bus:                 b,
		InstanceID:          ingressInstanceID,
		Discovery:           discoveryCache,
		Store:               NewArchiveBlobStore(store),
		RequestLimit:        ingressRequestLimit,
		CreateTimeout:       ingressCreateTimeout,
		DiscoveryTimeout:    ingressDiscoveryTimeout,
		CreateRatePerSecond: ingressCreateRatePerSecond,
		CreateRateBurst:     ingressCreateRateBurst,
	})
	if err != nil {
		return errors.Wrap(err, "ingress: build router")
	}

	publicServer := &http.Server{Addr: ingressListenAddr, Handler: mux}
	jobs = append(jobs, &httpServerJob{name: "ingress.public." + ingressInstanceID, server: publicServer})

	return RunWithProbe(ctx, "ingress", jobs)
}

// httpServerJob adapts a plain *http.Server into a harness.Job, so the
// public listener is supervised by the same scheduler as the rest of the
// service's background jobs.
type httpServerJob struct {
	name   string
	server *http.Server
}

var _ harness.Job = (*httpServerJob)(nil)

func (j *httpServerJob) Name() string                   { return j.name }
func (j *httpServerJob) HonorsGracefulTermination() bool { return true }

func (j *httpServerJob) Execute(ctx context.Context, tm *harness.TaskManager) error {
	tm.Ready()
	errCh := make(chan error, 1)
	go func() { errCh <- j.server.ListenAndServe() }()

	select {
	case <-ctx.Done():
	case <-tm.Terminating():
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return errors.Wrapf(err, "%s: listen", j.name)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return j.server.Shutdown(shutdownCtx)
}
