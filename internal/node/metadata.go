package node

import (
	"context"
	"encoding/json"

	"github.com/webgrid-go/webgrid/errors"
	"github.com/webgrid-go/webgrid/internal/bus"
	"github.com/webgrid-go/webgrid/internal/domain"
	"github.com/webgrid-go/webgrid/internal/harness"
	"github.com/webgrid-go/webgrid/logger"
)

const metadataStreamMaxLen = 10_000

// MetadataPublisherJob drains the in-session proxy's metadata-update
// channel and publishes each update as a SessionMetadataModified event.
// The channel is bounded (the node creates it with a buffer of 64); when
// it is full the proxy drops the update with a warning instead of waiting.
type MetadataPublisherJob struct {
	Bus        bus.Streams
	SessionID  domain.ID
	Updates    <-chan domain.SessionMetadataModified
}

func NewMetadataPublisherJob(b bus.Streams, sessionID domain.ID, updates <-chan domain.SessionMetadataModified) *MetadataPublisherJob {
	return &MetadataPublisherJob{Bus: b, SessionID: sessionID, Updates: updates}
}

var _ harness.Job = (*MetadataPublisherJob)(nil)

func (j *MetadataPublisherJob) Name() string                   { return "node.metadata-publisher." + j.SessionID.String() }
func (j *MetadataPublisherJob) HonorsGracefulTermination() bool { return false }

func (j *MetadataPublisherJob) Execute(ctx context.Context, tm *harness.TaskManager) error {
	tm.Ready()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tm.Terminating():
			return nil
		case ev, ok := <-j.Updates:
			if !ok {
				return nil
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				logger.Warnw("node: failed to marshal metadata update", "error", err)
				continue
			}
			if _, err := j.Bus.Append(ctx, string(domain.KindSessionMetadataModified), metadataStreamMaxLen, payload); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return errors.Wrap(err, "node: publish metadata update")
			}
		}
	}
}
