// Package events pushes live scan progress to websocket subscribers:
// phase transitions, aggregated results and drift notifications.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lindung-io/lindung/internal/aggregate"
	"github.com/lindung-io/lindung/internal/config"
	"github.com/lindung-io/lindung/internal/logger"
	"github.com/lindung-io/lindung/internal/scan"
	"github.com/lindung-io/lindung/internal/track"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer
	maxMessageSize = 512
)

type client struct {
	conn *websocket.Conn
	send chan Event
	ip   string
}

// Hub maintains the set of connected clients and fans events out to them.
// It implements the orchestrator's event sink.
type Hub struct {
	cfg      config.EventsConfig
	logger   *logger.Logger
	upgrader websocket.Upgrader

	clients    map[*client]bool
	broadcast  chan Event
	register   chan *client
	unregister chan *client

	mu     sync.RWMutex
	server *http.Server
}

// NewHub creates the event hub and its HTTP server
func NewHub(cfg config.EventsConfig, log *logger.Logger) *Hub {
	h := &Hub{
		cfg:        cfg,
		logger:     log.WithComponent("events"),
		clients:    make(map[*client]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
	}

	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}

	router := mux.NewRouter()
	router.HandleFunc(cfg.Path, h.handleWebSocket)
	router.HandleFunc("/healthz", h.handleHealth).Methods("GET")

	h.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range h.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// Run serves websocket clients until the context is cancelled
func (h *Hub) Run(ctx context.Context) error {
	go h.loop(ctx)

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("Event hub listening", zap.String("addr", h.server.Addr))
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("event hub failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.server.Shutdown(shutdownCtx)
}

func (h *Hub) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("Client connected",
				zap.String("client_ip", c.ip),
				zap.Int("active_connections", count),
			)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("Client disconnected",
				zap.String("client_ip", c.ip),
				zap.Int("active_connections", count),
			)

		case event := <-h.broadcast:
			h.fanOut(event)
		}
	}
}

func (h *Hub) fanOut(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.send <- event:
		default:
			// Slow consumer, drop the connection rather than the run
			h.logger.Warn("Client send buffer full, closing connection",
				zap.String("client_ip", c.ip))
			delete(h.clients, c)
			close(c.send)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) publish(event Event) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("Broadcast channel full, dropping event",
			zap.String("event_type", string(event.Type)))
	}
}

// PhaseChanged implements the orchestrator event sink
func (h *Hub) PhaseChanged(targetID int64, runID string, phase scan.Phase) {
	if !h.cfg.BroadcastPhases {
		return
	}
	h.publish(Event{
		Type:      EventTypePhase,
		Timestamp: time.Now().UTC(),
		Data:      PhaseEvent{TargetID: targetID, RunID: runID, Phase: string(phase)},
	})
}

// ResultsReady implements the orchestrator event sink
func (h *Hub) ResultsReady(targetID int64, results []aggregate.ScanResult) {
	if !h.cfg.BroadcastFindings {
		return
	}
	h.publish(Event{
		Type:      EventTypeResults,
		Timestamp: time.Now().UTC(),
		Data:      ResultsEvent{TargetID: targetID, Results: results, Total: len(results)},
	})
}

// DriftDetected broadcasts tracker events to subscribers
func (h *Hub) DriftDetected(evs []track.DriftEvent) {
	if len(evs) == 0 {
		return
	}
	h.publish(Event{
		Type:      EventTypeDrift,
		Timestamp: time.Now().UTC(),
		Data:      DriftEventPayload{Events: evs},
	})
}

func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket connection", zap.Error(err))
		return
	}

	c := &client{
		conn: conn,
		send: make(chan Event, 256),
		ip:   clientIP(r),
	}
	h.register <- c

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(event); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("Websocket read error",
					zap.String("client_ip", c.ip),
					zap.Error(err),
				)
			}
			return
		}
	}
}

func (h *Hub) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h.mu.RLock()
	count := len(h.clients)
	h.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":            "healthy",
		"connected_clients": count,
	})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}
