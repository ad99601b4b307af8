// Package realtime streams dispute events to operators over WebSocket.
//
// The dispute engines publish an event whenever a ticket is opened, a chat
// line or result arrives, a payout is published or validation flags a
// dispute. Every event gets a sequence number and the most recent ones are
// kept, so an operator that reconnects with the last number it saw receives
// what it missed before the live stream continues.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/thecockatiel/bisq-light-client-sub004/internal/metrics"
)

// EventType for real-time events
type EventType string

const (
	EventDisputeOpened    EventType = "dispute_opened"
	EventPeerOpened       EventType = "peer_opened"
	EventChatMessage      EventType = "chat_message"
	EventDisputeResult    EventType = "dispute_result"
	EventPayoutPublished  EventType = "payout_published"
	EventValidationFailed EventType = "validation_failed"
)

const (
	// MaxClients is the maximum number of concurrent WebSocket connections.
	MaxClients = 100
	// BacklogSize is how many past events are kept for replay.
	BacklogSize = 512

	sendBuffer   = 256
	pingInterval = 30 * time.Second
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
)

var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Allow non-browser clients
		}
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	},
}

// DisputeEvent is the payload of every event the dispute engines publish.
type DisputeEvent struct {
	SupportType string `json:"supportType"`
	TradeID     string `json:"tradeId"`
	TraderID    int    `json:"traderId"`
	State       string `json:"state,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

// Event is one entry of the feed.
type Event struct {
	Seq       uint64       `json:"seq"`
	Type      EventType    `json:"type"`
	Timestamp time.Time    `json:"timestamp"`
	Dispute   DisputeEvent `json:"dispute"`
}

// Subscription selects events. Empty filters match everything. Since asks
// for a replay of kept events numbered above it.
type Subscription struct {
	EventTypes   []EventType `json:"eventTypes,omitempty"`
	TradeIDs     []string    `json:"tradeIds,omitempty"`
	SupportTypes []string    `json:"supportTypes,omitempty"`
	Since        uint64      `json:"since,omitempty"`
}

// Matches reports whether e passes the filters.
func (s Subscription) Matches(e *Event) bool {
	if len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, e.Type) {
		return false
	}
	if len(s.TradeIDs) > 0 && !slices.Contains(s.TradeIDs, e.Dispute.TradeID) {
		return false
	}
	if len(s.SupportTypes) > 0 && !slices.Contains(s.SupportTypes, e.Dispute.SupportType) {
		return false
	}
	return true
}

// subscriptionFromQuery reads ?type=, ?tradeId=, ?supportType= (all
// repeatable) and ?since=.
func subscriptionFromQuery(r *http.Request) Subscription {
	q := r.URL.Query()
	sub := Subscription{
		TradeIDs:     q["tradeId"],
		SupportTypes: q["supportType"],
	}
	for _, t := range q["type"] {
		sub.EventTypes = append(sub.EventTypes, EventType(t))
	}
	if since, err := strconv.ParseUint(q.Get("since"), 10, 64); err == nil {
		sub.Since = since
	}
	return sub
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	sub  Subscription // owned by Run
}

type resubscription struct {
	c   *client
	sub Subscription
}

// Hub fans dispute events out to connected operators.
type Hub struct {
	logger *slog.Logger
	now    func() time.Time

	publish     chan *Event
	register    chan *client
	unregister  chan *client
	resubscribe chan resubscription
	done        chan struct{} // closed when Run exits

	// Owned by Run.
	clients map[*client]struct{}
	seq     uint64
	backlog []*Event

	mu    sync.Mutex
	stats Stats
}

// Stats are the counters shown on the console.
type Stats struct {
	ConnectedClients int    `json:"connectedClients"`
	PeakClients      int    `json:"peakClients"`
	TotalClients     int64  `json:"totalClients"`
	TotalEvents      int64  `json:"totalEvents"`
	DroppedEvents    int64  `json:"droppedEvents"`
	LastSeq          uint64 `json:"lastSeq"`
}

// NewHub creates a hub. Call Run to start it.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:      logger.With("component", "realtime"),
		now:         time.Now,
		publish:     make(chan *Event, sendBuffer),
		register:    make(chan *client),
		unregister:  make(chan *client),
		resubscribe: make(chan resubscription),
		done:        make(chan struct{}),
		clients:     make(map[*client]struct{}),
	}
}

// Run owns the client set and the backlog until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			h.logger.Info("realtime hub stopped")
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.updateStats(func(s *Stats) {
				s.TotalClients++
				s.ConnectedClients = len(h.clients)
				s.PeakClients = max(s.PeakClients, s.ConnectedClients)
			})
			h.logger.Debug("client connected", "total", len(h.clients))
			h.replay(c)

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				h.drop(c)
			}
			h.logger.Debug("client disconnected", "total", len(h.clients))

		case r := <-h.resubscribe:
			if _, ok := h.clients[r.c]; ok {
				r.c.sub = r.sub
				h.replay(r.c)
			}

		case e := <-h.publish:
			h.seq++
			e.Seq = h.seq
			h.backlog = append(h.backlog, e)
			if len(h.backlog) > BacklogSize {
				h.backlog = h.backlog[len(h.backlog)-BacklogSize:]
			}
			h.updateStats(func(s *Stats) {
				s.TotalEvents++
				s.LastSeq = e.Seq
			})
			for c := range h.clients {
				if c.sub.Matches(e) {
					h.deliver(c, e)
				}
			}
		}
	}
}

// replay sends the kept events after c.sub.Since.
func (h *Hub) replay(c *client) {
	if c.sub.Since == 0 {
		return
	}
	for _, e := range h.backlog {
		if e.Seq > c.sub.Since && c.sub.Matches(e) {
			if !h.deliver(c, e) {
				return
			}
		}
	}
}

// deliver queues e for c and drops c if it does not keep up.
func (h *Hub) deliver(c *client, e *Event) bool {
	data, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("failed to encode event", "seq", e.Seq, "error", err)
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		h.logger.Warn("dropping slow client", "seq", e.Seq)
		h.drop(c)
		return false
	}
}

func (h *Hub) drop(c *client) {
	delete(h.clients, c)
	close(c.send) // writePump sends a close frame
	h.updateStats(func(s *Stats) { s.ConnectedClients = len(h.clients) })
}

func (h *Hub) updateStats(fn func(*Stats)) {
	h.mu.Lock()
	fn(&h.stats)
	n := h.stats.ConnectedClients
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
}

// PublishDispute queues a dispute event. It never blocks, so the dispute
// engines call it from the logical thread.
func (h *Hub) PublishDispute(t EventType, data DisputeEvent) {
	e := &Event{Type: t, Timestamp: h.now(), Dispute: data}
	select {
	case h.publish <- e:
	default:
		h.mu.Lock()
		h.stats.DroppedEvents++
		h.mu.Unlock()
		h.logger.Warn("event feed full, dropping event", "type", t, "trade_id", data.TradeID)
	}
}

// Stats returns a snapshot of the hub counters.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

// HandleWebSocket upgrades the request and subscribes the connection with
// the filters of its query string.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	if h.Stats().ConnectedClients >= MaxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		sub:  subscriptionFromQuery(r),
	}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump accepts subscription updates until the connection closes.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(16 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err != nil {
			c.hub.logger.Debug("ignoring malformed subscription", "error", err)
			continue
		}
		select {
		case c.hub.resubscribe <- resubscription{c: c, sub: sub}:
		case <-c.hub.done:
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
