// Package progress streams pipeline events and log entries to websocket
// subscribers. A Hub is a pipeline.Sink; new subscribers first receive a
// bounded backlog so a browser that connects late still sees the run so far.
package progress

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/provisioner/internal/pipeline"
)

const (
	defaultBacklog      = 512
	defaultClientBuffer = 128
	writeTimeout        = 5 * time.Second
)

type MessageType string

const (
	MessageEvent MessageType = "event"
	MessageLog   MessageType = "log"
)

type Message struct {
	Type  MessageType        `json:"type"`
	Event *pipeline.Event    `json:"event,omitempty"`
	Log   *pipeline.LogEntry `json:"log,omitempty"`
}

type Options struct {
	Backlog        int
	ClientBuffer   int
	OriginPatterns []string
	Logger         *slog.Logger
}

type Hub struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	backlog []Message
	clients map[*subscriber]struct{}
	closed  bool
}

type subscriber struct {
	messages chan Message
	done     chan struct{}
	once     sync.Once
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

func NewHub(opts Options) *Hub {
	if opts.Backlog <= 0 {
		opts.Backlog = defaultBacklog
	}
	if opts.ClientBuffer <= 0 {
		opts.ClientBuffer = defaultClientBuffer
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Hub{
		opts:    opts,
		logger:  logger,
		clients: map[*subscriber]struct{}{},
	}
}

func (h *Hub) Event(e pipeline.Event) {
	h.publish(Message{Type: MessageEvent, Event: &e})
}

func (h *Hub) Log(entry pipeline.LogEntry) {
	h.publish(Message{Type: MessageLog, Log: &entry})
}

// publish never blocks: a subscriber whose buffer is full is disconnected.
func (h *Hub) publish(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.backlog = append(h.backlog, msg)
	if over := len(h.backlog) - h.opts.Backlog; over > 0 {
		h.backlog = append(h.backlog[:0:0], h.backlog[over:]...)
	}
	for sub := range h.clients {
		select {
		case sub.messages <- msg:
		default:
			h.logger.Warn("progress subscriber too slow; disconnecting")
			delete(h.clients, sub)
			sub.stop()
		}
	}
}

func (h *Hub) subscribe() (*subscriber, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	size := h.opts.ClientBuffer
	if len(h.backlog) > size {
		size = len(h.backlog)
	}
	sub := &subscriber{
		messages: make(chan Message, size),
		done:     make(chan struct{}),
	}
	for _, msg := range h.backlog {
		sub.messages <- msg
	}
	h.clients[sub] = struct{}{}
	return sub, true
}

func (h *Hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, sub)
	sub.stop()
}

// Subscribers reports how many websocket clients are connected.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every subscriber and drops further messages.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for sub := range h.clients {
		delete(h.clients, sub)
		sub.stop()
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.opts.OriginPatterns})
	if err != nil {
		h.logger.Warn("progress websocket accept failed", "error", err)
		return
	}
	sub, ok := h.subscribe()
	if !ok {
		_ = conn.Close(websocket.StatusGoingAway, "hub closed")
		return
	}
	defer h.unsubscribe(sub)

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.done:
			_ = conn.Close(websocket.StatusGoingAway, "progress feed closed")
			return
		case msg := <-sub.messages:
			if err := writeMessage(ctx, conn, msg); err != nil {
				h.logger.Debug("progress write failed", "error", err)
				return
			}
		}
	}
}

func writeMessage(ctx context.Context, conn *websocket.Conn, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, msg)
}

// Handler mounts the hub at /progress next to a health probe.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/progress", h)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"status":"ok"}`)
	})
	return mux
}
