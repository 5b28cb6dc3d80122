// Package domain holds the wire and in-memory types shared by every grid
// service: session identifiers and records, the seven lifecycle event
// payloads, and the request/reply and service-discovery shapes that ride on
// top of the bus.
package domain

import (
	"time"

	"github.com/google/uuid"

	"github.com/webgrid-go/webgrid/errors"
)

// ID is a session identifier: a 128-bit value, unique and immutable across
// the grid's lifetime. It is backed by uuid.UUID but kept as a distinct type
// so an ID can never be passed where an arbitrary uuid is expected.
type ID uuid.UUID

// NewID generates a fresh random session id.
func NewID() ID {
	return ID(uuid.New())
}

// ParseID parses the lowercase-hyphenated string form produced by String.
func ParseID(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ID{}, err
	}
	return ID(u), nil
}

func (id ID) String() string {
	return uuid.UUID(id).String()
}

// IsZero reports whether id is the zero value (never assigned).
func (id ID) IsZero() bool {
	return id == ID{}
}

func (id ID) MarshalJSON() ([]byte, error) {
	return []byte(`"` + id.String() + `"`), nil
}

func (id *ID) UnmarshalJSON(data []byte) error {
	if len(data) < 2 {
		return errors.Newf("domain: invalid session id literal %q", data)
	}
	parsed, err := ParseID(string(data[1 : len(data)-1]))
	if err != nil {
		return errors.Wrap(err, "domain: parse session id")
	}
	*id = parsed
	return nil
}

// TerminationReason is the sum type carried on SessionTerminated, the
// ingress's error responses, and the archive's final termination column.
// It is modelled as a tag plus free-form fields rather than a Go sum type
// (which the language doesn't have) so it serializes to a stable JSON shape.
type TerminationReason struct {
	Kind    TerminationKind `json:"kind"`
	Message string          `json:"message,omitempty"`
	Error   *BlackboxChain  `json:"error,omitempty"`
}

// TerminationKind enumerates the death reasons spec.md §4.6 maps from Heart
// death reasons, plus the scheduler/timeout categories from §4.4/§5/§7.
type TerminationKind string

const (
	IdleTimeoutReached  TerminationKind = "IdleTimeoutReached"
	ClosedByClient      TerminationKind = "ClosedByClient"
	TerminatedExternal  TerminationKind = "TerminatedExternally"
	StartupFailed       TerminationKind = "StartupFailed"
	ModuleTimeout       TerminationKind = "ModuleTimeout"
	QueueTimeout        TerminationKind = "QueueTimeout"
	SchedulingTimeout   TerminationKind = "SchedulingTimeout"
	StartupTimeout      TerminationKind = "StartupTimeout"
)

// BlackboxChain is the wire representation of a blackbox.Error: a flat,
// newline-joinable cause chain, outermost message first. Kept as a plain type here
// (rather than importing internal/blackbox) so domain has no dependency on
// the errors stack; internal/blackbox converts to/from it.
type BlackboxChain struct {
	Causes []string `json:"causes"`
}

// Record is the archive's projection of a session, derivable by replaying
// its event stream from SessionCreated to SessionTerminated.
type Record struct {
	ID ID `json:"id"`

	CreatedAt      time.Time  `json:"createdAt"`
	ScheduledAt    *time.Time `json:"scheduledAt,omitempty"`
	ProvisionedAt  *time.Time `json:"provisionedAt,omitempty"`
	OperationalAt  *time.Time `json:"operationalAt,omitempty"`
	TerminatedAt   *time.Time `json:"terminatedAt,omitempty"`

	BrowserName    string `json:"browserName,omitempty"`
	BrowserVersion string `json:"browserVersion,omitempty"`

	Provisioner         string            `json:"provisioner,omitempty"`
	ProvisionerMetadata map[string]string `json:"provisionerMetadata,omitempty"`
	ClientMetadata      map[string]string `json:"clientMetadata,omitempty"`

	RecordingBytes int64              `json:"recordingBytes,omitempty"`
	Termination    *TerminationReason `json:"termination,omitempty"`
}

// MonotoneOK checks the invariant from spec.md §3: timestamps are
// monotonically non-decreasing in lifecycle order, and a non-nil later
// timestamp implies all earlier ones are non-nil.
func (r *Record) MonotoneOK() bool {
	stages := []*time.Time{&r.CreatedAt, r.ScheduledAt, r.ProvisionedAt, r.OperationalAt, r.TerminatedAt}
	var prev *time.Time = &r.CreatedAt
	seenNil := false
	for i, t := range stages {
		if i == 0 {
			continue
		}
		if t == nil {
			seenNil = true
			continue
		}
		if seenNil {
			return false
		}
		if prev != nil && t.Before(*prev) {
			return false
		}
		prev = t
	}
	return true
}
