// Package ingress implements the HTTP termination and responder chain
// described in spec.md §4.3: session forwarding, session creation, artifact
// serving, and a catch-all proxy to the metadata query API, wired together
// on a single net/http.ServeMux using Go 1.22+ pattern matching (mirroring
// the teacher's server/routing.go).
package ingress

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/webgrid-go/webgrid/internal/domain"
	"github.com/webgrid-go/webgrid/logger"
)

// webdriverError is the `{value: {error, message, stacktrace}}` envelope
// spec.md §6 requires on every POST /session failure and proxy error.
type webdriverError struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	Stacktrace string `json:"stacktrace,omitempty"`
}

type webdriverErrorEnvelope struct {
	Value webdriverError `json:"value"`
}

// writeWebDriverError writes status with the WebDriver error taxonomy code
// and message; stacktrace, if non-empty, is the newline-joined cause chain
// (spec.md §6, §7).
func writeWebDriverError(w http.ResponseWriter, status int, code, message, stacktrace string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(webdriverErrorEnvelope{Value: webdriverError{
		Error:      code,
		Message:    message,
		Stacktrace: stacktrace,
	}}); err != nil {
		logger.Warnw("ingress: failed to encode webdriver error", "error", err)
	}
}

// terminationReasonToWebDriverError maps a SessionTerminated reason to the
// WebDriver error taxonomy (spec.md §6: "session not created", "unknown
// error").
func terminationReasonToWebDriverError(reason domain.TerminationReason) (code, message, stacktrace string) {
	message = reason.Message
	if reason.Error != nil {
		stacktrace = strings.Join(reason.Error.Causes, "\n")
	}
	switch reason.Kind {
	case domain.StartupFailed, domain.StartupTimeout, domain.SchedulingTimeout, domain.QueueTimeout, domain.ModuleTimeout:
		return "session not created", message, stacktrace
	default:
		return "unknown error", message, stacktrace
	}
}

type sessionCreatedValue struct {
	SessionID    domain.ID `json:"sessionId"`
	Capabilities any       `json:"capabilities"`
}

type sessionCreatedEnvelope struct {
	Value sessionCreatedValue `json:"value"`
}

func writeSessionCreated(w http.ResponseWriter, id domain.ID, capabilities any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(sessionCreatedEnvelope{Value: sessionCreatedValue{
		SessionID:    id,
		Capabilities: capabilities,
	}}); err != nil {
		logger.Warnw("ingress: failed to encode session created response", "error", err)
	}
}
