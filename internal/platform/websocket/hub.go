// Package websocket pushes eligibility lifecycle events to views. Clients
// subscribe to per-check topics ("check/<task id>"); subscriptions are
// scoped to the clinic the connection was authenticated for.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 64
)

// CheckTopic is the topic carrying events for one task id.
func CheckTopic(taskID string) string {
	return "check/" + taskID
}

// Event is a message pushed to subscribed clients.
type Event struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	ClinicID  string          `json:"clinic_id"`
	TaskID    string          `json:"task_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ClientMessage is an inbound subscription request.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// EventPublisher publishes events to subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// Client is one websocket connection bound to a clinic.
type Client struct {
	ID       string
	ClinicID string
	Topics   []string
	Send     chan []byte
}

func NewClient(clinicID string) *Client {
	return &Client{ID: uuid.New().String(), ClinicID: clinicID, Send: make(chan []byte, sendBuffer)}
}

type subKey struct {
	clinicID string
	topic    string
}

// Hub tracks clients and their topic subscriptions.
type Hub struct {
	logger zerolog.Logger

	mu      sync.RWMutex
	clients map[subKey]map[*Client]struct{}
	all     map[*Client]struct{}
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		logger:  logger,
		clients: make(map[subKey]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
	}
}

// Register adds a client and subscribes it to its initial topics.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.all[client] = struct{}{}
	for _, topic := range client.Topics {
		h.addLocked(client, topic)
	}
}

// Unregister removes a client from every topic and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range client.Topics {
		h.removeLocked(client, topic)
	}
	delete(h.all, client)
	close(client.Send)
}

func (h *Hub) Subscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, topic := range topics {
		if topic == "" || contains(client.Topics, topic) {
			continue
		}
		h.addLocked(client, topic)
		client.Topics = append(client.Topics, topic)
	}
}

func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	remaining := client.Topics[:0]
	for _, t := range client.Topics {
		if contains(topics, t) {
			h.removeLocked(client, t)
			continue
		}
		remaining = append(remaining, t)
	}
	client.Topics = remaining
}

func (h *Hub) addLocked(client *Client, topic string) {
	k := subKey{client.ClinicID, topic}
	if h.clients[k] == nil {
		h.clients[k] = make(map[*Client]struct{})
	}
	h.clients[k][client] = struct{}{}
}

func (h *Hub) removeLocked(client *Client, topic string) {
	k := subKey{client.ClinicID, topic}
	if subs, ok := h.clients[k]; ok {
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.clients, k)
		}
	}
}

// ProcessMessage dispatches a subscribe or unsubscribe request.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch strings.ToLower(msg.Action) {
	case "subscribe":
		h.Subscribe(client, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
	}
}

// Publish sends event to the clinic's subscribers of event.Topic. Slow
// clients whose buffer is full miss the event.
func (h *Hub) Publish(_ context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients[subKey{event.ClinicID, event.Topic}] {
		select {
		case client.Send <- data:
		default:
			h.logger.Debug().Str("client_id", client.ID).Str("topic", event.Topic).Msg("websocket client buffer full, event dropped")
		}
	}
	return nil
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of a clinic's clients subscribed to topic.
func (h *Hub) TopicCount(clinicID, topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[subKey{clinicID, topic}])
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Handler upgrades HTTP requests to websocket connections.
type Handler struct {
	hub      *Hub
	clinicOf func(echo.Context) string
	upgrader gorillawebsocket.Upgrader
}

// NewHandler builds a handler. clinicOf extracts the clinic the request was
// scoped to; allowedOrigins empty or "*" accepts any origin.
func NewHandler(hub *Hub, clinicOf func(echo.Context) string, allowedOrigins []string) *Handler {
	return &Handler{
		hub:      hub,
		clinicOf: clinicOf,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 || contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || contains(allowed, origin)
	}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", h.HandleConnect)
}

// HandleConnect upgrades the connection and subscribes to any "topic" query
// parameters given up front.
func (h *Handler) HandleConnect(c echo.Context) error {
	clinicID := h.clinicOf(c)
	if clinicID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "clinic scope is required")
	}
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := NewClient(clinicID)
	client.Topics = append(client.Topics, c.QueryParams()["topic"]...)
	h.hub.Register(client)

	go h.writePump(client, ws)
	go h.readPump(client, ws)
	return nil
}

func (h *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		h.hub.Unregister(client)
		ws.Close()
	}()
	ws.SetReadLimit(4096)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		h.hub.ProcessMessage(client, msg)
	}
}

func (h *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()
	for {
		select {
		case message, ok := <-client.Send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				ws.WriteMessage(gorillawebsocket.CloseMessage, nil)
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
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
