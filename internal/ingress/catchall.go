package ingress

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/webgrid-go/webgrid/internal/discovery"
	"github.com/webgrid-go/webgrid/internal/domain"
	"github.com/webgrid-go/webgrid/logger"
)

// CatchAll is responder #4 (spec.md §4.3): anything not matched by the
// session forwarder, creator, or artifact server falls through here and, if
// a query API is advertised, is forwarded to it.
type CatchAll struct {
	Discovery        *discovery.Cache
	Client           *http.Client
	DiscoveryTimeout time.Duration
}

// NewCatchAll builds a catch-all proxy. discoveryTimeout <= 0 defaults to 3s.
func NewCatchAll(disc *discovery.Cache, discoveryTimeout time.Duration) *CatchAll {
	if discoveryTimeout <= 0 {
		discoveryTimeout = defaultDiscoveryTimeout
	}
	return &CatchAll{Discovery: disc, Client: &http.Client{Timeout: 30 * time.Second}, DiscoveryTimeout: discoveryTimeout}
}

func (c *CatchAll) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	endpoint, err := c.Discovery.Discover(r.Context(), domain.ServiceDescriptor{Kind: domain.ServiceKindAPIQuery}, c.DiscoveryTimeout)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	upstreamURL := strings.TrimRight(endpoint.String(), "/") + r.URL.Path
	if r.URL.RawQuery != "" {
		upstreamURL += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL, r.Body)
	if err != nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	req.Header = r.Header.Clone()

	resp, err := c.Client.Do(req)
	if err != nil {
		endpoint.FlagUnreachable()
		http.Error(w, "bad gateway", http.StatusBadGateway)
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
		logger.Warnw("ingress: failed to stream api-query response", "error", err)
	}
}
