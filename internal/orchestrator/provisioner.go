package orchestrator

import (
	"context"

	"github.com/webgrid-go/webgrid/internal/domain"
)

// ImageSet is a list of (image, browser name, browser version) triples an
// orchestrator can provision (spec.md §4.5 "Matching strategy").
type ImageSet []ImageSpec

// ImageSpec names one provisionable browser image.
type ImageSpec struct {
	Image          string
	BrowserName    string
	BrowserVersion string
}

// Match returns the first triple in the set that satisfies rawCapabilities
// (spec.md §4.5): browserName/browserVersion directly, or any of its
// firstMatch alternatives. ok is false if nothing matches, in which case
// the orchestrator does not reply to the match request.
func (s ImageSet) Match(rawCapabilities map[string]any) (ImageSpec, bool) {
	alts := capabilityAlternatives(rawCapabilities)
	for _, spec := range s {
		for _, alt := range alts {
			if alt.satisfiedBy(spec) {
				return spec, true
			}
		}
	}
	return ImageSpec{}, false
}

type capabilityAlt struct {
	browserName    string
	browserVersion string
}

func (a capabilityAlt) satisfiedBy(spec ImageSpec) bool {
	if a.browserName != "" && a.browserName != spec.BrowserName {
		return false
	}
	if a.browserVersion != "" && a.browserVersion != spec.BrowserVersion {
		return false
	}
	return true
}

func capabilityAlternatives(raw map[string]any) []capabilityAlt {
	base := capabilityAlt{
		browserName:    stringField(raw, "browserName"),
		browserVersion: stringField(raw, "browserVersion"),
	}

	alts := []capabilityAlt{base}

	if firstMatch, ok := raw["firstMatch"].([]any); ok {
		for _, fm := range firstMatch {
			m, ok := fm.(map[string]any)
			if !ok {
				continue
			}
			alt := base
			if bn := stringField(m, "browserName"); bn != "" {
				alt.browserName = bn
			}
			if bv := stringField(m, "browserVersion"); bv != "" {
				alt.browserVersion = bv
			}
			alts = append(alts, alt)
		}
	}

	return alts
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// Provisioner is the pluggable backend that actually spawns a node
// (spec.md §4.5): containers, pods, or local processes. provision must be
// idempotent with respect to sessionID.
type Provisioner interface {
	// Provision starts (or, for a repeat call with the same id, confirms)
	// a node for sessionID and returns provisioner-specific metadata.
	Provision(ctx context.Context, sessionID domain.ID, rawCapabilities map[string]any, spec ImageSpec) (map[string]string, error)

	// AliveSessions lists still-running deployments this orchestrator
	// instance provisioned, used for hardware reconciliation.
	AliveSessions(ctx context.Context) ([]domain.ID, error)

	// PurgeTerminated best-effort cleans up exited containers/pods.
	PurgeTerminated(ctx context.Context) error
}
