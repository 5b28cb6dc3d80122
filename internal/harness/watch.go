package harness

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket timeout constants, matching the hub-of-clients pattern the
// scheduler's probe handler is paired with.
const (
	watchWriteWait  = 10 * time.Second
	watchPongWait   = 60 * time.Second
	watchPingPeriod = 54 * time.Second
)

var watchUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type watchClient struct {
	conn *websocket.Conn
}

type statusSnapshot struct {
	Overall string            `json:"overall"`
	Jobs    map[string]Status `json:"jobs"`
}

// WatchHandler upgrades to a WebSocket and streams the scheduler's overall
// status plus per-job status map every pollInterval, until the client
// disconnects or the scheduler's context is cancelled. It adapts the
// teacher's hub-of-clients broadcaster into a one-endpoint-per-connection
// poller, since the scheduler already holds its own status map under a
// mutex and doesn't need a central registration hub to fan out updates.
func (s *Scheduler) WatchHandler(pollInterval time.Duration) http.Handler {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := watchUpgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Warnw("watch: upgrade failed", "error", err)
			return
		}

		client := &watchClient{conn: conn}
		go client.readPump()
		s.runWatchLoop(client, pollInterval)
	})
}

// readPump discards inbound frames (this endpoint is read-only for
// clients) and watches for the connection closing, per gorilla/websocket's
// documented pattern of pairing every writer with a reader.
func (c *watchClient) readPump() {
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(watchPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(watchPongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Scheduler) runWatchLoop(client *watchClient, pollInterval time.Duration) {
	defer client.conn.Close()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	send := func() bool {
		snap := statusSnapshot{Overall: s.Overall(), Jobs: s.Status()}
		client.conn.SetWriteDeadline(time.Now().Add(watchWriteWait))
		data, err := json.Marshal(snap)
		if err != nil {
			return false
		}
		return client.conn.WriteMessage(websocket.TextMessage, data) == nil
	}

	if !send() {
		return
	}

	pingTicker := time.NewTicker(watchPingPeriod)
	defer pingTicker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			client.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			if !send() {
				return
			}
		case <-pingTicker.C:
			client.conn.SetWriteDeadline(time.Now().Add(watchWriteWait))
			if client.conn.WriteMessage(websocket.PingMessage, nil) != nil {
				return
			}
		}
	}
}
