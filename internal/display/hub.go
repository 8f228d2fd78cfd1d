package display

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	// defaultReplay is how many recent events a new client is caught up
	// with on connect.
	defaultReplay = 32

	// clientBuffer is the per-client event queue. A client that falls
	// this far behind is dropped rather than allowed to stall the hub.
	clientBuffer = 64

	// writeTimeout bounds a single websocket write.
	writeTimeout = 5 * time.Second
)

// Compile-time interface assertion.
var _ Surface = (*Hub)(nil)

// HubConfig tunes the websocket surface. The zero value is a working
// configuration.
type HubConfig struct {
	// ReplayLimit is how many recent events are kept for catch-up.
	// Defaults to 32.
	ReplayLimit int
}

// Hub is a Surface that broadcasts events to websocket clients. It is an
// http.Handler; mount it on the monitor server and point a browser at it.
// New clients are first caught up with the recent event history, then
// receive live events in commit order.
type Hub struct {
	replayLimit int

	mu      sync.Mutex
	clients map[*hubClient]struct{}
	replay  []Event
}

type hubClient struct {
	events chan Event
	stop   chan struct{} // closed by the hub when the client is too slow
}

// NewHub builds a websocket surface with no clients.
func NewHub(cfg HubConfig) *Hub {
	if cfg.ReplayLimit <= 0 {
		cfg.ReplayLimit = defaultReplay
	}
	return &Hub{
		replayLimit: cfg.ReplayLimit,
		clients:     make(map[*hubClient]struct{}),
	}
}

// Show implements Surface. The event is recorded for catch-up and queued to
// every connected client without blocking; a client with a full queue is
// disconnected.
func (h *Hub) Show(_ context.Context, ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.replay = append(h.replay, ev)
	if len(h.replay) > h.replayLimit {
		h.replay = h.replay[len(h.replay)-h.replayLimit:]
	}

	for c := range h.clients {
		select {
		case c.events <- ev:
		default:
			delete(h.clients, c)
			close(c.stop)
			slog.Warn("display: dropping slow websocket client")
		}
	}
}

// ClientCount reports how many websocket clients are connected.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// register adds the client and snapshots the catch-up history in one step,
// so no event can fall between the snapshot and the live queue.
func (h *Hub) register(c *hubClient) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	backlog := make([]Event, len(h.replay))
	copy(backlog, h.replay)
	return backlog
}

func (h *Hub) unregister(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

// ServeHTTP upgrades the request to a websocket and streams events until
// the client goes away. Clients only listen; anything they send is
// discarded.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The surface serves phones and laptops on the robot's own
		// network, not a public origin.
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Warn("display: websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// CloseRead keeps control frames flowing and cancels the context
	// when the client disconnects.
	ctx := conn.CloseRead(r.Context())

	c := &hubClient{
		events: make(chan Event, clientBuffer),
		stop:   make(chan struct{}),
	}
	backlog := h.register(c)
	defer h.unregister(c)

	slog.Debug("display: websocket client connected", "remote", r.RemoteAddr)

	for _, ev := range backlog {
		if err := writeEvent(ctx, conn, ev); err != nil {
			return
		}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			conn.Close(websocket.StatusPolicyViolation, "too slow")
			return
		case ev := <-c.events:
			if err := writeEvent(ctx, conn, ev); err != nil {
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}
