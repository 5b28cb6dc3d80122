package node

import (
	"github.com/webgrid-go/webgrid/internal/blackbox"
	"github.com/webgrid-go/webgrid/internal/domain"
	"github.com/webgrid-go/webgrid/internal/harness"
)

// toBlackboxChain converts a blackbox.Error to its domain wire shape; nil
// in, nil out.
func toBlackboxChain(e *blackbox.Error) *domain.BlackboxChain {
	if e == nil {
		return nil
	}
	return &domain.BlackboxChain{Causes: e.Causes}
}

// mapDeathReason implements spec.md §4.6's death-reason mapping table,
// translating the heart's resolution into the TerminationReason published
// on SessionTerminated.
func mapDeathReason(death harness.DeathReason) domain.TerminationReason {
	switch death.Kind {
	case harness.LifetimeExceeded:
		return domain.TerminationReason{Kind: domain.IdleTimeoutReached}
	case harness.ExternallyKilled:
		return domain.TerminationReason{Kind: domain.ClosedByClient, Message: death.Message}
	case harness.Terminated:
		return domain.TerminationReason{Kind: domain.TerminatedExternal}
	default:
		return domain.TerminationReason{Kind: domain.TerminatedExternal}
	}
}

// startupFailureReason builds the TerminationReason for a driver that never
// became healthy or never negotiated a session (spec.md §4.6 step 3/4).
func startupFailureReason(cause *blackbox.Error) domain.TerminationReason {
	return domain.TerminationReason{
		Kind:    domain.StartupFailed,
		Message: cause.Error(),
		Error:   toBlackboxChain(cause),
	}
}
