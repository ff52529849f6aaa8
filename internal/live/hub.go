// Package live pushes "calendar synced" signals to connected clients over
// WebSocket.
package live

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/SwitchbackTech/compass-sub004/internal/importer"
	appLog "github.com/SwitchbackTech/compass-sub004/internal/log"
)

const (
	MessageTypeConnected      = "connected"
	MessageTypeCalendarSynced = "calendar_synced"

	writeTimeout = 5 * time.Second
	queueSize    = 256
)

// Message is one signal sent to a user's clients.
type Message struct {
	Type       string    `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	CalendarID string    `json:"calendarId,omitempty"`
	Created    int       `json:"created,omitempty"`
	Updated    int       `json:"updated,omitempty"`
	Deleted    int       `json:"deleted,omitempty"`

	userID string
}

// Hub tracks client connections per user and fans messages out to them.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*websocket.Conn]struct{}

	queue  chan Message
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// OriginPatterns is passed to websocket.Accept.
	OriginPatterns []string
}

func NewHub() *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		clients: make(map[string]map[*websocket.Conn]struct{}),
		queue:   make(chan Message, queueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
	h.wg.Add(1)
	go h.loop()
	return h
}

// Close disconnects every client and stops the send loop.
func (h *Hub) Close() {
	h.cancel()
	h.wg.Wait()
	h.mu.Lock()
	defer h.mu.Unlock()
	for userID, conns := range h.clients {
		for conn := range conns {
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		}
		delete(h.clients, userID)
	}
}

// CalendarSynced queues a calendar_synced message for userID's clients. It
// never blocks; a full queue drops the message.
func (h *Hub) CalendarSynced(userID, calendarID string, res importer.IncrementalResult) {
	h.Publish(userID, Message{
		Type:       MessageTypeCalendarSynced,
		CalendarID: calendarID,
		Created:    res.Created,
		Updated:    res.Updated,
		Deleted:    res.Deleted,
	})
}

func (h *Hub) Publish(userID string, msg Message) {
	if h.ClientCount(userID) == 0 {
		return
	}
	msg.userID = userID
	select {
	case h.queue <- msg:
	case <-h.ctx.Done():
	default:
		appLog.Warn("live queue full, dropping message", "user_id", userID, "type", msg.Type)
	}
}

// ClientCount returns the number of connections of userID.
func (h *Hub) ClientCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

func (h *Hub) loop() {
	defer h.wg.Done()
	for {
		select {
		case <-h.ctx.Done():
			return
		case msg := <-h.queue:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now().UTC()
			}
			data, err := json.Marshal(msg)
			if err != nil {
				appLog.Error("marshal live message", err)
				continue
			}
			for _, conn := range h.snapshot(msg.userID) {
				if err := write(h.ctx, conn, data); err != nil {
					appLog.Debug("live client write failed", "user_id", msg.userID, "err", err)
					h.remove(msg.userID, conn)
				}
			}
		}
	}
}

func (h *Hub) snapshot(userID string) []*websocket.Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*websocket.Conn, 0, len(h.clients[userID]))
	for conn := range h.clients[userID] {
		out = append(out, conn)
	}
	return out
}

func write(ctx context.Context, conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// ServeWS upgrades r and keeps the connection registered for userID until
// the client goes away. Client messages are read and discarded.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.OriginPatterns})
	if err != nil {
		appLog.Warn("websocket upgrade failed", "user_id", userID, "err", err)
		return
	}

	h.mu.Lock()
	conns, ok := h.clients[userID]
	if !ok {
		conns = make(map[*websocket.Conn]struct{})
		h.clients[userID] = conns
	}
	conns[conn] = struct{}{}
	count := len(conns)
	h.mu.Unlock()
	appLog.Debug("live client connected", "user_id", userID, "clients", count)

	hello, _ := json.Marshal(Message{Type: MessageTypeConnected, Timestamp: time.Now().UTC()})
	if err := write(h.ctx, conn, hello); err != nil {
		h.remove(userID, conn)
		return
	}

	defer h.remove(userID, conn)
	for {
		if _, _, err := conn.Read(h.ctx); err != nil {
			return
		}
	}
}

func (h *Hub) remove(userID string, conn *websocket.Conn) {
	h.mu.Lock()
	conns := h.clients[userID]
	_, ok := conns[conn]
	if ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.clients, userID)
		}
	}
	h.mu.Unlock()
	if ok {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		appLog.Debug("live client disconnected", "user_id", userID)
	}
}
