package domain

import "fmt"

// ServiceDescriptor identifies either a well-known service kind ("ingress",
// "archiver", "api-query") or a kind+session-id pair used to locate one
// specific node, per spec.md §3 "Service announcement".
type ServiceDescriptor struct {
	Kind      string
	SessionID *ID
}

// String renders the descriptor as the request-channel suffix used by
// internal/discovery: "discover.<kind>" or "discover.<kind>.<id>".
func (d ServiceDescriptor) String() string {
	if d.SessionID == nil {
		return fmt.Sprintf("discover.%s", d.Kind)
	}
	return fmt.Sprintf("discover.%s.%s", d.Kind, d.SessionID.String())
}

// NodeDescriptor is the well-known descriptor for locating a specific
// session's node process.
func NodeDescriptor(id ID) ServiceDescriptor {
	return ServiceDescriptor{Kind: "node", SessionID: &id}
}

// ServiceKind constants for well-known (non session-scoped) descriptors.
const (
	ServiceKindAPIQuery = "api-query"
)

// ServiceAnnouncement is published by an advertiser on the discovery
// response channel, either in reply to a request or speculatively.
type ServiceAnnouncement struct {
	Service  string `json:"service"`
	Endpoint string `json:"endpoint"`
}
