// Package websocket pushes queue events to connected front-desk and clinician
// screens. Clients subscribe to topics and receive every event broadcast to
// them.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinicq/clinicq/internal/domain/queue"
	"github.com/clinicq/clinicq/internal/platform/auth"
)

const (
	sendBuffer     = 64
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
)

// QueueTopic carries every event of one staff member's day.
func QueueTopic(clinicID, staffID uuid.UUID, date string) string {
	return fmt.Sprintf("queue/%s/%s/%s", clinicID, staffID, date)
}

// ClinicTopic carries every event of a clinic.
func ClinicTopic(clinicID uuid.UUID) string {
	return "clinic/" + clinicID.String()
}

// topicClinic extracts the clinic a topic belongs to.
func topicClinic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	switch {
	case len(parts) == 2 && parts[0] == "clinic":
	case len(parts) == 4 && parts[0] == "queue":
		if _, err := queue.ParseDate(parts[3]); err != nil {
			return "", false
		}
	default:
		return "", false
	}
	if _, err := uuid.Parse(parts[1]); err != nil {
		return "", false
	}
	return parts[1], true
}

// Message is what clients receive.
type Message struct {
	Topic string      `json:"topic"`
	Event queue.Event `json:"event"`
}

// ClientMessage is an inbound subscribe or unsubscribe request.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

type reply struct {
	Action   string   `json:"action"`
	Accepted []string `json:"accepted,omitempty"`
	Rejected []string `json:"rejected,omitempty"`
}

// Client is one connection. Send is closed by the hub on Unregister.
type Client struct {
	ID     string
	Send   chan []byte
	topics map[string]struct{}
	// allowed reports whether the connection's identity may watch a clinic.
	allowed func(clinicID string) bool
}

func NewClient(allowed func(string) bool) *Client {
	return &Client{
		ID:      uuid.NewString(),
		Send:    make(chan []byte, sendBuffer),
		topics:  make(map[string]struct{}),
		allowed: allowed,
	}
}

// Hub tracks clients and their topic subscriptions.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // topic -> subscribers
	all     map[*Client]struct{}
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger.With().Str("component", "websocket").Logger(),
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.all[c] = struct{}{}
}

// Unregister drops every subscription of the client and closes its Send
// channel. Calling it twice is harmless.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.all[c]; !ok {
		return
	}
	for topic := range c.topics {
		h.removeLocked(topic, c)
	}
	delete(h.all, c)
	close(c.Send)
}

// Subscribe adds the topics the client may watch and returns the rest.
func (h *Hub) Subscribe(c *Client, topics []string) (accepted, rejected []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, topic := range topics {
		clinic, ok := topicClinic(topic)
		if !ok || (c.allowed != nil && !c.allowed(clinic)) {
			rejected = append(rejected, topic)
			continue
		}
		if h.clients[topic] == nil {
			h.clients[topic] = make(map[*Client]struct{})
		}
		h.clients[topic][c] = struct{}{}
		c.topics[topic] = struct{}{}
		accepted = append(accepted, topic)
	}
	return accepted, rejected
}

func (h *Hub) Unsubscribe(c *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, topic := range topics {
		h.removeLocked(topic, c)
		delete(c.topics, topic)
	}
}

func (h *Hub) removeLocked(topic string, c *Client) {
	if subs, ok := h.clients[topic]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.clients, topic)
		}
	}
}

// ProcessMessage applies a client request and returns the reply to send.
func (h *Hub) ProcessMessage(c *Client, msg ClientMessage) *reply {
	switch msg.Action {
	case "subscribe":
		accepted, rejected := h.Subscribe(c, msg.Topics)
		return &reply{Action: msg.Action, Accepted: accepted, Rejected: rejected}
	case "unsubscribe":
		h.Unsubscribe(c, msg.Topics)
		return &reply{Action: msg.Action, Accepted: msg.Topics}
	default:
		return &reply{Action: "error", Rejected: []string{msg.Action}}
	}
}

// Broadcast sends the event to the topic's subscribers. Slow clients whose
// buffer is full miss the message; they re-fetch the schedule on the next one.
func (h *Hub) Broadcast(topic string, ev queue.Event) int {
	data, err := json.Marshal(Message{Topic: topic, Event: ev})
	if err != nil {
		h.logger.Error().Err(err).Msg("marshal event")
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	sent := 0
	for c := range h.clients[topic] {
		select {
		case c.Send <- data:
			sent++
		default:
			h.logger.Warn().Str("client_id", c.ID).Str("topic", topic).Msg("client buffer full, event dropped")
		}
	}
	return sent
}

// Publish fans an event out to its queue topic and its clinic topic.
func (h *Hub) Publish(_ context.Context, ev queue.Event) error {
	h.Broadcast(QueueTopic(ev.ClinicID, ev.StaffID, ev.Date), ev)
	h.Broadcast(ClinicTopic(ev.ClinicID), ev)
	return nil
}

func (h *Hub) Name() string { return "websocket" }

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// -- HTTP upgrade --

type Handler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
}

// NewHandler builds the upgrade handler. An empty origin list accepts any
// origin.
func NewHandler(hub *Hub, allowedOrigins []string) *Handler {
	origins := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o != "*" {
			origins[o] = struct{}{}
		}
	}
	return &Handler{
		hub: hub,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(origins) == 0 {
					return true
				}
				_, ok := origins[r.Header.Get("Origin")]
				return ok
			},
		},
	}
}

func (wsh *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/ws", wsh.HandleConnect)
}

// HandleConnect upgrades the request and pumps messages until either side
// closes. Topics may be passed up front as ?topic=... query parameters.
func (wsh *Handler) HandleConnect(c echo.Context) error {
	ctx := c.Request().Context()
	if auth.UserIDFromContext(ctx) == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	// The request context dies with the upgrade; keep the identity only.
	identity := auth.WithIdentity(context.Background(),
		auth.UserIDFromContext(ctx), auth.RolesFromContext(ctx), auth.ClinicsFromContext(ctx))

	ws, err := wsh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := NewClient(func(clinicID string) bool {
		return auth.HasClinicAccess(identity, clinicID)
	})
	wsh.hub.Register(client)
	if topics := c.QueryParams()["topic"]; len(topics) > 0 {
		wsh.send(client, wsh.hub.ProcessMessage(client, ClientMessage{Action: "subscribe", Topics: topics}))
	}
	wsh.hub.logger.Debug().Str("client_id", client.ID).Str("user_id", auth.UserIDFromContext(identity)).Msg("client connected")

	go wsh.writePump(client, ws)
	go wsh.readPump(client, ws)
	return nil
}

func (wsh *Handler) send(c *Client, r *reply) {
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	select {
	case c.Send <- data:
	default:
	}
}

func (wsh *Handler) readPump(c *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		wsh.hub.Unregister(c)
		ws.Close()
	}()
	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			wsh.send(c, &reply{Action: "error"})
			continue
		}
		wsh.send(c, wsh.hub.ProcessMessage(c, msg))
	}
}

func (wsh *Handler) writePump(c *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()
	for {
		select {
		case data, ok := <-c.Send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
