package domain

// EventKind names one of the eight stream keys from spec.md §3/§6 (the
// seven lifecycle events plus the provisioner match request). String values
// are the persisted-state stream keys themselves ("session.created",
// "provisioner.match", etc.), already carrying their "session." or
// "provisioner." prefix, so StreamKey returns them unchanged.
type EventKind string

const (
	KindSessionCreated            EventKind = "session.created"
	KindSessionScheduled          EventKind = "session.scheduled"
	KindProvisioningJobAssigned   EventKind = "provisioner.job.assigned"
	KindSessionProvisioned        EventKind = "session.provisioned"
	KindSessionOperational        EventKind = "session.operational"
	KindSessionMetadataModified   EventKind = "session.metadata"
	KindSessionTerminated         EventKind = "session.terminated"
	KindProvisionerMatchRequest   EventKind = "provisioner.match"
)

// StreamKey returns the bus stream key an event kind is appended to.
func (k EventKind) StreamKey() string {
	return string(k)
}

// SessionCreated is published by the ingress's session creator.
type SessionCreated struct {
	ID              ID              `json:"id"`
	RawCapabilities map[string]any  `json:"rawCapabilities"`
}

// SessionScheduled is published by the scheduler once a provisioner has
// been picked for the session.
type SessionScheduled struct {
	ID          ID     `json:"id"`
	Provisioner string `json:"provisioner"`
}

// ProvisioningJobAssigned is published by the scheduler, stream-subkeyed by
// the chosen provisioner id, and consumed only by that orchestrator.
type ProvisioningJobAssigned struct {
	SessionID       ID             `json:"sessionId"`
	RawCapabilities map[string]any `json:"rawCapabilities"`
}

// SessionProvisioned is published by the orchestrator once its provisioner
// plugin has successfully started the node.
type SessionProvisioned struct {
	ID       ID                `json:"id"`
	Metadata map[string]string `json:"metadata"`
}

// SessionOperational is published by the node once the WebDriver reports
// ready and the client's requested capabilities have been negotiated.
type SessionOperational struct {
	ID                 ID             `json:"id"`
	ActualCapabilities map[string]any `json:"actualCapabilities"`
}

// SessionMetadataModified is published by the node's metadata-extension
// responder for each POST to /session/{id}/webgrid/metadata.
type SessionMetadataModified struct {
	ID       ID                `json:"id"`
	Metadata map[string]string `json:"metadata"`
}

// SessionTerminated is published by whichever component first observes a
// terminal condition (node on its own shutdown path, scheduler on a
// scheduling timeout, orchestrator on a provisioning failure).
type SessionTerminated struct {
	ID             ID                `json:"id"`
	Reason         TerminationReason `json:"reason"`
	RecordingBytes int64             `json:"recordingBytes,omitempty"`
}

// ProvisionerMatchRequest is the scheduler's request/response call asking
// "which orchestrator can run these capabilities"; ResponseLocation is the
// reply list the orchestrator matcher appends its orchestrator id to.
type ProvisionerMatchRequest struct {
	SessionID        ID             `json:"sessionId"`
	RawCapabilities  map[string]any `json:"rawCapabilities"`
	ResponseLocation string         `json:"responseLocation"`
}

// ProvisionerMatchReply is appended to a ProvisionerMatchRequest's reply
// location by any orchestrator whose ImageSet can satisfy the request.
type ProvisionerMatchReply struct {
	OrchestratorID string `json:"orchestratorId"`
}
