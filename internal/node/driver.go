// Package node implements the per-session process (spec.md §4.6): launch
// and health-check the WebDriver subprocess, negotiate the driver session,
// run the in-session HTTP/2 proxy and recorder, and map the session's death
// to a SessionTerminated event. Grounded on the teacher's process-lifecycle
// idiom in internal/harness (Heart/HeartStone, TaskManager) generalised to
// a subprocess instead of an in-process goroutine.
package node

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strconv"
	"time"

	"github.com/webgrid-go/webgrid/errors"
)

// DriverConfig parametrizes the WebDriver subprocess launch.
type DriverConfig struct {
	Binary  string
	Port    int
	Variant Variant
}

// DriverProcess is a running WebDriver subprocess.
type DriverProcess interface {
	// Wait blocks until the process exits, returning its exit error (nil
	// on a clean exit).
	Wait() error
	// Kill terminates the process if still running.
	Kill() error
}

// DriverLauncher starts a WebDriver subprocess. The production
// implementation shells out via os/exec; tests substitute a fake that
// never actually forks, so node's startup sequence can run against an
// httptest server standing in for the driver's HTTP surface.
type DriverLauncher interface {
	Launch(ctx context.Context, cfg DriverConfig) (DriverProcess, error)
}

// subprocessLauncher is the production DriverLauncher: it execs cfg.Binary
// with "--port <port>" plus the variant's quirk args (spec.md §4.6).
type subprocessLauncher struct{}

// NewSubprocessLauncher returns the os/exec-backed DriverLauncher used by
// the node subcommand outside of tests.
func NewSubprocessLauncher() DriverLauncher {
	return subprocessLauncher{}
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Wait() error { return p.cmd.Wait() }

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (l subprocessLauncher) Launch(ctx context.Context, cfg DriverConfig) (DriverProcess, error) {
	args := append([]string{"--port", strconv.Itoa(cfg.Port)}, quirkArgs(cfg.Variant)...)
	cmd := exec.CommandContext(ctx, cfg.Binary, args...)
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "node: launch %s driver", cfg.Variant)
	}
	return &execProcess{cmd: cmd}, nil
}

// pollStatus polls baseURL+"/status" with capped exponential backoff
// (spec.md §4.6 step 3, SPEC_FULL.md's "init-service readiness probe loop"
// supplement) until it sees 200, timeout elapses, or ctx is cancelled.
func pollStatus(ctx context.Context, client *http.Client, baseURL string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	delay := 20 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/status", nil)
		if err == nil {
			resp, err := client.Do(req)
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					return nil
				}
			}
		}

		if time.Now().After(deadline) {
			return errors.Newf("node: driver did not become healthy within %s", timeout)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

type createSessionRequest struct {
	Capabilities map[string]any `json:"capabilities"`
}

type createSessionResponse struct {
	Value struct {
		SessionID    string         `json:"sessionId"`
		Capabilities map[string]any `json:"capabilities"`
	} `json:"value"`
}

// createDriverSession POSTs the client-requested capabilities to the local
// driver's /session and returns its session id plus the negotiated
// capabilities (spec.md §4.6 step 4).
func createDriverSession(ctx context.Context, client *http.Client, baseURL string, rawCapabilities map[string]any) (string, map[string]any, error) {
	body, err := json.Marshal(createSessionRequest{Capabilities: rawCapabilities})
	if err != nil {
		return "", nil, errors.Wrap(err, "node: marshal driver session request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/session", bytes.NewReader(body))
	if err != nil {
		return "", nil, errors.Wrap(err, "node: build driver session request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", nil, errors.Wrap(err, "node: driver session request failed")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, errors.Wrap(err, "node: read driver session response")
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", nil, errors.Newf("node: driver rejected session creation: %s", string(respBody))
	}

	var parsed createSessionResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", nil, errors.Wrap(err, "node: unmarshal driver session response")
	}
	if parsed.Value.SessionID == "" {
		return "", nil, errors.New("node: driver session response missing sessionId")
	}

	return parsed.Value.SessionID, parsed.Value.Capabilities, nil
}

func driverBaseURL(port int) string {
	return fmt.Sprintf("http://127.0.0.1:%d", port)
}
