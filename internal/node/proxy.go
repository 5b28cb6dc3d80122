package node

import (
	"encoding/json"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/webgrid-go/webgrid/internal/domain"
	"github.com/webgrid-go/webgrid/internal/harness"
	"github.com/webgrid-go/webgrid/logger"
)

// SessionProxy is the node's in-session HTTP/2 responder chain (spec.md
// §4.6): termination interceptor, metadata extension, file-upload
// interceptor, forwarder, tried in that order.
type SessionProxy struct {
	ExternalID domain.ID
	InternalID string

	Heart *harness.HeartStone

	// MetadataOut receives each parsed webgrid/metadata POST body; a
	// publisher job (see MetadataPublisherJob) drains it and turns each
	// one into a SessionMetadataModified event.
	MetadataOut chan<- domain.SessionMetadataModified

	// Uploads, if non-nil, is consulted by the file-upload interceptor
	// before a request reaches the forwarder.
	Uploads UploadStore

	// DriverClient proxies to the local WebDriver over HTTP/1.1.
	DriverClient *http.Client
	DriverPort   int

	// IdleTimeout is the rolling lifetime every request (and metadata
	// update) resets the heart to (spec.md §4.6 "idle timeout").
	IdleTimeout time.Duration

	// IdleTimeoutJitter adds up to this fraction of IdleTimeout as random
	// slack on every reset (0 disables), spreading idle-timeout deadlines
	// across concurrently-started sessions on the same node instead of
	// letting them all expire in lockstep.
	IdleTimeoutJitter float64
}

// jitteredIdleTimeout adds a random [0, IdleTimeoutJitter*IdleTimeout) slice
// on top of IdleTimeout.
func (p *SessionProxy) jitteredIdleTimeout() time.Duration {
	if p.IdleTimeoutJitter <= 0 || p.IdleTimeout <= 0 {
		return p.IdleTimeout
	}
	jitter := time.Duration(rand.Float64() * p.IdleTimeoutJitter * float64(p.IdleTimeout))
	return p.IdleTimeout + jitter
}

// UploadStore is the optional file-upload interceptor's write surface
// (spec.md §4.6 "(Optional) uploads to the blob store, rewrites the request
// path").
type UploadStore interface {
	Store(sessionID domain.ID, data []byte) (rewrittenPath string, err error)
}

func (p *SessionProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	externalPrefix := "/session/" + p.ExternalID.String()
	if !strings.HasPrefix(r.URL.Path, externalPrefix) {
		http.NotFound(w, r)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, externalPrefix)

	if p.interceptTermination(w, r, rest) {
		return
	}
	if p.interceptMetadata(w, r, rest) {
		return
	}
	if p.interceptUpload(w, r, rest) {
		return
	}
	p.forward(w, r, rest)
}

// interceptTermination handles DELETE /session/{id} and
// DELETE /session/{id}/window: kill the heart, then let the request
// continue to the forwarder so the client still gets a real response
// (spec.md §4.6 responder #1).
func (p *SessionProxy) interceptTermination(w http.ResponseWriter, r *http.Request, rest string) bool {
	if r.Method != http.MethodDelete {
		return false
	}
	if rest != "" && rest != "/window" {
		return false
	}

	p.Heart.Kill("closed by client")
	p.forward(w, r, rest)
	return true
}

type metadataRequest map[string]string

type metadataResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// interceptMetadata handles POST /session/{id}/webgrid/metadata (spec.md
// §4.6 responder #2): parse the body, hand it to the publisher job, reset
// the heart's idle lifetime, and respond without reaching the driver.
func (p *SessionProxy) interceptMetadata(w http.ResponseWriter, r *http.Request, rest string) bool {
	if r.Method != http.MethodPost || rest != "/webgrid/metadata" {
		return false
	}

	var body metadataRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeMetadataResponse(w, http.StatusBadRequest, metadataResponse{Status: "error", Error: err.Error()})
		return true
	}

	select {
	case p.MetadataOut <- domain.SessionMetadataModified{ID: p.ExternalID, Metadata: body}:
	default:
		logger.Warnw("node: metadata publisher channel full, dropping update", "session", p.ExternalID)
	}

	p.Heart.ResetLifetime(p.jitteredIdleTimeout())
	writeMetadataResponse(w, http.StatusOK, metadataResponse{Status: "success"})
	return true
}

func writeMetadataResponse(w http.ResponseWriter, status int, body metadataResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// interceptUpload is the optional file-upload interceptor (spec.md §4.6
// responder #3): a no-op when no UploadStore is configured.
func (p *SessionProxy) interceptUpload(w http.ResponseWriter, r *http.Request, rest string) bool {
	if p.Uploads == nil || r.Method != http.MethodPost || !strings.HasSuffix(rest, "/se/file") {
		return false
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read upload body", http.StatusBadRequest)
		return true
	}

	rewritten, err := p.Uploads.Store(p.ExternalID, data)
	if err != nil {
		http.Error(w, "failed to store upload", http.StatusInternalServerError)
		return true
	}

	r.URL.Path = "/session/" + p.InternalID + rewritten
	p.forward(w, r, strings.TrimPrefix(r.URL.Path, "/session/"+p.InternalID))
	return true
}

// forward rewrites the external session id to the driver's internal id and
// proxies the rest of the path over HTTP/1.1 to the local driver (spec.md
// §4.6 responder #4), resetting the heart's idle lifetime on every request
// that reaches this stage.
func (p *SessionProxy) forward(w http.ResponseWriter, r *http.Request, rest string) {
	p.Heart.ResetLifetime(p.jitteredIdleTimeout())

	upstreamURL := driverBaseURL(p.DriverPort) + "/session/" + p.InternalID + rest
	if r.URL.RawQuery != "" {
		upstreamURL += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL, r.Body)
	if err != nil {
		http.Error(w, "failed to build upstream request", http.StatusInternalServerError)
		return
	}
	req.Header = r.Header.Clone()

	resp, err := p.DriverClient.Do(req)
	if err != nil {
		http.Error(w, "driver unreachable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		logger.Warnw("node: failed to stream driver response", "session", p.ExternalID, "error", err)
	}
}
