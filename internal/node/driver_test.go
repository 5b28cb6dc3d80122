package node

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollStatusSucceedsOnceDriverIsHealthy(t *testing.T) {
	var failures int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&failures, 1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := pollStatus(context.Background(), srv.Client(), srv.URL, time.Second)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&failures), int32(3))
}

func TestPollStatusTimesOutWhenDriverNeverBecomesHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := pollStatus(context.Background(), srv.Client(), srv.URL, 80*time.Millisecond)
	require.Error(t, err)
}

func TestPollStatusReturnsOnContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := pollStatus(ctx, srv.Client(), srv.URL, 5*time.Second)
	require.Error(t, err)
}

func TestCreateDriverSessionSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/session", r.URL.Path)
		var req createSessionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "chrome", req.Capabilities["browserName"])

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"value":{"sessionId":"upstream-123","capabilities":{"browserName":"chrome","browserVersion":"120.0"}}}`))
	}))
	defer srv.Close()

	id, caps, err := createDriverSession(context.Background(), srv.Client(), srv.URL, map[string]any{"browserName": "chrome"})
	require.NoError(t, err)
	assert.Equal(t, "upstream-123", id)
	assert.Equal(t, "120.0", caps["browserVersion"])
}

func TestCreateDriverSessionRejectedByDriver(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"value":{"error":"session not created","message":"no matching capabilities"}}`))
	}))
	defer srv.Close()

	_, _, err := createDriverSession(context.Background(), srv.Client(), srv.URL, map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session not created")
}

func TestCreateDriverSessionMissingSessionID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"value":{}}`))
	}))
	defer srv.Close()

	_, _, err := createDriverSession(context.Background(), srv.Client(), srv.URL, map[string]any{})
	require.Error(t, err)
}

func TestQuirkArgs(t *testing.T) {
	assert.Contains(t, quirkArgs(VariantChrome), "--whitelisted-ips")
	assert.Contains(t, quirkArgs(VariantEdge), "--whitelisted-ips")
	assert.Contains(t, quirkArgs(VariantSafari), "--diagnose")
	assert.Nil(t, quirkArgs(VariantFirefox))
}
