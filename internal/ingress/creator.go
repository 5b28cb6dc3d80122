package ingress

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/webgrid-go/webgrid/internal/manager"
	"github.com/webgrid-go/webgrid/logger"
)

const defaultCreateTimeout = 90 * time.Second

type createSessionRequest struct {
	Capabilities map[string]any `json:"capabilities"`
}

// SessionCreator is responder #2 (spec.md §4.3, §4.4): it parks the HTTP
// request until the session reaches Operational or is Terminated, and
// drops the park slot if the client disconnects first.
type SessionCreator struct {
	Manager       *manager.Manager
	Routing       *RoutingCache
	CreateTimeout time.Duration
}

// NewSessionCreator builds a creator with createTimeout <= 0 defaulting to
// 90s.
func NewSessionCreator(m *manager.Manager, routing *RoutingCache, createTimeout time.Duration) *SessionCreator {
	if createTimeout <= 0 {
		createTimeout = defaultCreateTimeout
	}
	return &SessionCreator{Manager: m, Routing: routing, CreateTimeout: createTimeout}
}

func (c *SessionCreator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeWebDriverError(w, http.StatusBadRequest, "invalid argument", "malformed request body: "+err.Error(), "")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), c.CreateTimeout)
	defer cancel()

	id, outcome, err := c.Manager.Create(ctx, body.Capabilities)
	if err != nil {
		writeWebDriverError(w, http.StatusInternalServerError, "unknown error", "failed to enqueue session creation: "+err.Error(), "")
		return
	}
	c.Routing.RememberCapabilities(id, body.Capabilities)

	select {
	case got, ok := <-outcome:
		if !ok || got.Evicted {
			writeWebDriverError(w, http.StatusInternalServerError, "unknown error", "request pool saturated; session creation dropped", "")
			return
		}
		if got.Operational != nil {
			writeSessionCreated(w, id, got.Operational.ActualCapabilities)
			return
		}
		code, message, stacktrace := terminationReasonToWebDriverError(got.Terminated.Reason)
		writeWebDriverError(w, http.StatusInternalServerError, code, message, stacktrace)

	case <-ctx.Done():
		c.Manager.Cancel(id)
		if r.Context().Err() != nil {
			logger.Infow("ingress: client disconnected during session creation", "session", id)
			return
		}
		writeWebDriverError(w, http.StatusInternalServerError, "session not created", "timed out waiting for session to become operational", "")
	}
}
