package ingress

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/webgrid-go/webgrid/internal/discovery"
	"github.com/webgrid-go/webgrid/internal/domain"
	"github.com/webgrid-go/webgrid/logger"
)

const defaultDiscoveryTimeout = 3 * time.Second

// newH2CClient builds an http.Client that speaks HTTP/2 cleartext to the
// node, matching spec.md §4.3's "proxies the request over HTTP/2" (nodes
// advertise a plain http:// endpoint; there is no TLS between ingress and
// node inside the cluster network).
func newH2CClient() *http.Client {
	return &http.Client{
		Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				return (&net.Dialer{}).DialContext(ctx, network, addr)
			},
		},
	}
}

// SessionForwarder is responder #1 in the chain (spec.md §4.3): it proxies
// `/session/{id}/*` to the node discovered for that session id.
type SessionForwarder struct {
	Discovery        *discovery.Cache
	Routing          *RoutingCache
	Client           *http.Client
	DiscoveryTimeout time.Duration
}

// NewSessionForwarder builds a forwarder with an HTTP/2-cleartext client.
// discoveryTimeout <= 0 defaults to 3s.
func NewSessionForwarder(disc *discovery.Cache, routing *RoutingCache, discoveryTimeout time.Duration) *SessionForwarder {
	if discoveryTimeout <= 0 {
		discoveryTimeout = defaultDiscoveryTimeout
	}
	return &SessionForwarder{Discovery: disc, Routing: routing, Client: newH2CClient(), DiscoveryTimeout: discoveryTimeout}
}

func (f *SessionForwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, rest, ok := parseSessionPath(r.URL.Path)
	if !ok {
		writeWebDriverError(w, http.StatusNotFound, "unknown error", "malformed session path", "")
		return
	}

	endpoint, err := f.Discovery.Discover(r.Context(), domain.NodeDescriptor(id), f.DiscoveryTimeout)
	if err != nil {
		f.writeUpstreamError(w, id, "no node advertised for session", err.Error())
		return
	}
	f.Routing.RememberEndpoint(id, endpoint.String())

	upstreamURL := strings.TrimRight(endpoint.String(), "/") + rest
	if r.URL.RawQuery != "" {
		upstreamURL += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL, r.Body)
	if err != nil {
		f.writeUpstreamError(w, id, "failed to build upstream request", err.Error())
		return
	}
	req.Header = r.Header.Clone()

	resp, err := f.Client.Do(req)
	if err != nil {
		endpoint.FlagUnreachable()
		f.writeUpstreamError(w, id, "node unreachable", err.Error())
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
		logger.Warnw("ingress: failed to stream upstream response", "session", id, "error", err)
	}
}

// writeUpstreamError reports a proxy failure as a WebDriver error, using
// whatever capabilities were cached for the session (spec.md §6 supplement,
// RoutingCache) to report "session not created" more precisely than a bare
// "unknown error" would.
func (f *SessionForwarder) writeUpstreamError(w http.ResponseWriter, id domain.ID, message, stacktrace string) {
	code := "unknown error"
	if info, ok := f.Routing.Lookup(id); ok && info.Endpoint == "" {
		code = "session not created"
	}
	writeWebDriverError(w, http.StatusInternalServerError, code, message, stacktrace)
}

// parseSessionPath extracts the session id from "/session/{id}/rest..." and
// returns the remaining path (including the leading slash), e.g.
// "/session/abc/window" -> ("abc", "/window", true).
func parseSessionPath(path string) (domain.ID, string, bool) {
	const prefix = "/session/"
	if !strings.HasPrefix(path, prefix) {
		return domain.ID{}, "", false
	}
	remainder := path[len(prefix):]
	idStr := remainder
	rest := ""
	if idx := strings.IndexByte(remainder, '/'); idx >= 0 {
		idStr = remainder[:idx]
		rest = remainder[idx:]
	}
	if idStr == "" {
		return domain.ID{}, "", false
	}
	id, err := domain.ParseID(idStr)
	if err != nil {
		return domain.ID{}, "", false
	}
	return id, rest, true
}
