package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/mercator/internal/common"
	"github.com/ternarybob/mercator/internal/interfaces"
	"github.com/ternarybob/mercator/internal/metrics"
	"github.com/ternarybob/mercator/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // server only binds local addresses
	},
}

// WSMessage is the wire frame pushed to event-stream clients.
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// ServerLogEntry is the serverLog payload produced by the log bridge.
type ServerLogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// StateSnapshotter provides the instance snapshot sent to new clients.
type StateSnapshotter interface {
	GetAllInstanceStates() []models.InstanceState
}

// pushedEvents are the bus event types forwarded to clients. The
// instanceStates snapshot is connect-time only and never re-broadcast.
var pushedEvents = []interfaces.EventType{
	interfaces.EventInstanceStateChanged,
	interfaces.EventInstanceSignal,
	interfaces.EventInstanceLog,
	interfaces.EventInstanceDataUpdate,
	interfaces.EventInstanceCreated,
	interfaces.EventInstanceDeleted,
	interfaces.EventBacktestUpdate,
}

// WebSocketHandler fans bus events out to websocket clients. Each client
// connection owns a write mutex so concurrent broadcasts never interleave
// frames.
type WebSocketHandler struct {
	logger    arbor.ILogger
	events    interfaces.EventService
	snapshots StateSnapshotter

	mu      sync.RWMutex
	clients map[*websocket.Conn]*sync.Mutex

	// allowed is the broadcast whitelist; empty allows every type.
	allowed map[string]bool
	// throttlers drop events published faster than the configured interval.
	throttlers map[string]*rate.Limiter

	subscriptions []interfaces.Subscription

	// serverInstanceID changes on every process start. Clients compare it
	// across reconnects to detect a server restart and reset their state.
	serverInstanceID string
}

// NewWebSocketHandler creates the hub and subscribes it to the event bus.
func NewWebSocketHandler(events interfaces.EventService, snapshots StateSnapshotter, config common.WebSocketConfig, logger arbor.ILogger) *WebSocketHandler {
	h := &WebSocketHandler{
		logger:           logger,
		events:           events,
		snapshots:        snapshots,
		clients:          make(map[*websocket.Conn]*sync.Mutex),
		allowed:          make(map[string]bool),
		throttlers:       make(map[string]*rate.Limiter),
		serverInstanceID: uuid.New().String(),
	}

	for _, eventType := range config.AllowedEvents {
		h.allowed[eventType] = true
	}

	for eventType, intervalStr := range config.ThrottleIntervals {
		interval, err := time.ParseDuration(intervalStr)
		if err != nil || interval <= 0 {
			logger.Warn().Str("event_type", eventType).Str("interval", intervalStr).Msg("Invalid throttle interval ignored")
			continue
		}
		h.throttlers[eventType] = rate.NewLimiter(rate.Every(interval), 1)
	}

	if events != nil {
		h.subscribeEvents()
	}

	logger.Info().
		Str("server_instance_id", h.serverInstanceID).
		Int("throttled_types", len(h.throttlers)).
		Msg("WebSocket hub initialized")

	return h
}

// ServerInstanceID returns the ID clients use to detect restarts.
func (h *WebSocketHandler) ServerInstanceID() string {
	return h.serverInstanceID
}

// subscribeEvents forwards every pushed bus event type to the clients.
// Payloads go out as published; they already carry instanceId or backtestId.
func (h *WebSocketHandler) subscribeEvents() {
	for _, eventType := range pushedEvents {
		sub, err := h.events.Subscribe(eventType, h.forwardEvent)
		if err != nil {
			h.logger.Error().Err(err).Str("event_type", string(eventType)).Msg("Event subscription failed")
			continue
		}
		h.subscriptions = append(h.subscriptions, sub)
	}
}

func (h *WebSocketHandler) forwardEvent(ctx context.Context, event interfaces.Event) error {
	if !h.shouldSend(string(event.Type)) {
		return nil
	}
	h.broadcast(WSMessage{Type: string(event.Type), Payload: event.Payload})
	return nil
}

// shouldSend applies the whitelist and per-type throttle.
func (h *WebSocketHandler) shouldSend(eventType string) bool {
	if len(h.allowed) > 0 && !h.allowed[eventType] {
		return false
	}
	if limiter, ok := h.throttlers[eventType]; ok && !limiter.Allow() {
		return false
	}
	return true
}

// HandleWebSocket upgrades GET /ws and serves the connection until the
// client goes away.
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	h.mu.Lock()
	h.clients[conn] = &sync.Mutex{}
	total := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketClients.Inc()

	h.logger.Debug().Int("total", total).Msg("WebSocket client connected")

	h.sendSnapshot(conn)

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		remaining := len(h.clients)
		h.mu.Unlock()
		metrics.WebSocketClients.Dec()

		conn.Close()
		h.logger.Debug().Int("remaining", remaining).Msg("WebSocket client disconnected")
	}()

	// Clients only listen; reads just detect disconnection.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}
	}
}

// sendSnapshot delivers the initial instanceStates message to one client.
// The snapshot always goes out, regardless of whitelist and throttling.
func (h *WebSocketHandler) sendSnapshot(conn *websocket.Conn) {
	var states []models.InstanceState
	if h.snapshots != nil {
		states = h.snapshots.GetAllInstanceStates()
	}
	if states == nil {
		states = []models.InstanceState{}
	}

	msg := WSMessage{
		Type: string(interfaces.EventInstanceStates),
		Payload: map[string]interface{}{
			"serverInstanceId": h.serverInstanceID,
			"states":           states,
		},
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal instance snapshot")
		return
	}

	h.mu.RLock()
	mutex := h.clients[conn]
	h.mu.RUnlock()
	if mutex == nil {
		return
	}

	mutex.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	mutex.Unlock()
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to send instance snapshot")
	}
}

// BroadcastServerLog pushes one server log line as a serverLog message.
// Called by the log bridge; must never log on the broadcast path or the
// bridge would feed on its own output.
func (h *WebSocketHandler) BroadcastServerLog(entry ServerLogEntry) {
	if !h.shouldSend("serverLog") {
		return
	}
	h.broadcastQuiet(WSMessage{Type: "serverLog", Payload: entry})
}

// broadcast sends one message to every connected client.
func (h *WebSocketHandler) broadcast(msg WSMessage) {
	if failures := h.broadcastQuiet(msg); failures > 0 {
		h.logger.Warn().Int("failures", failures).Str("type", msg.Type).Msg("WebSocket broadcast incomplete")
	}
}

// broadcastQuiet is broadcast without logging, for the serverLog path.
// Returns the number of failed writes; failed connections are cleaned up by
// their own read loops.
func (h *WebSocketHandler) broadcastQuiet(msg WSMessage) int {
	data, err := json.Marshal(msg)
	if err != nil {
		return 0
	}

	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	mutexes := make([]*sync.Mutex, 0, len(h.clients))
	for conn, mutex := range h.clients {
		conns = append(conns, conn)
		mutexes = append(mutexes, mutex)
	}
	h.mu.RUnlock()

	failures := 0
	for i, conn := range conns {
		mutexes[i].Lock()
		err := conn.WriteMessage(websocket.TextMessage, data)
		mutexes[i].Unlock()
		if err != nil {
			failures++
		}
	}
	return failures
}

// ClientCount returns the number of connected clients.
func (h *WebSocketHandler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close detaches from the event bus and drops every client connection.
func (h *WebSocketHandler) Close() error {
	for _, sub := range h.subscriptions {
		sub.Unsubscribe()
	}
	h.subscriptions = nil

	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
	return nil
}
