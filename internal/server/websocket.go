package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/go-soundfield/internal/loudness"
)

// streamInterval is the live loudness broadcast period
const streamInterval = 100 * time.Millisecond // 10Hz

// WSHub manages WebSocket connections and broadcasts live loudness
type WSHub struct {
	recorder *loudness.Recorder
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}
	writeMu sync.Mutex // Connections allow one writer at a time

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWSHub creates a new WebSocket hub
func NewWSHub(recorder *loudness.Recorder, logger *slog.Logger) *WSHub {
	return &WSHub{
		recorder: recorder,
		logger:   logger,
		clients:  make(map[*websocket.Conn]struct{}),
	}
}

// Message represents a WebSocket message
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// LoudnessUpdate is broadcast on every stream tick while recording
type LoudnessUpdate struct {
	Value     float64   `json:"value"`
	Median    *float64  `json:"median,omitempty"` // Running window median while recording
	Recording bool      `json:"recording"`
	Timestamp time.Time `json:"timestamp"`
}

// Run starts the broadcast loop (blocking, use goroutine)
func (h *WSHub) Run(ctx context.Context) {
	h.runMu.Lock()
	ctx, h.cancel = context.WithCancel(ctx)
	h.done = make(chan struct{})
	done := h.done
	h.runMu.Unlock()
	defer close(done)

	ticker := time.NewTicker(streamInterval)
	defer ticker.Stop()

	var lastRecording bool

	h.logger.Info("websocket hub started")

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("websocket hub stopped")
			return
		case <-ticker.C:
			if h.recorder == nil {
				continue
			}

			recording := h.recorder.Recording()

			// Recording state changes go out immediately, idle ticks are skipped
			if recording != lastRecording {
				h.broadcast(Message{
					Type: "recording",
					Data: map[string]any{"recording": recording},
				})
				lastRecording = recording

				h.logger.Debug("recording state change", "recording", recording)
			}

			if !recording {
				continue
			}

			h.broadcast(Message{Type: "loudness", Data: h.snapshot()})
		}
	}
}

func (h *WSHub) snapshot() LoudnessUpdate {
	u := LoudnessUpdate{
		Value:     h.recorder.Latest(),
		Recording: h.recorder.Recording(),
		Timestamp: time.Now(),
	}
	if m, err := h.recorder.Median(); err == nil {
		u.Median = &m
	}
	return u
}

// CalibrationUpdate is broadcast after every acknowledged calibration step
type CalibrationUpdate struct {
	Room      string `json:"room"`
	State     string `json:"state"`
	Measuring bool   `json:"measuring"`
}

// PublishCalibration tells stream clients that a room's session moved
func (h *WSHub) PublishCalibration(u CalibrationUpdate) {
	h.broadcast(Message{Type: "calibration", Data: u})
}

func (h *WSHub) broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Warn("websocket marshal error", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	for conn := range h.clients {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			// Will be cleaned up when connection closes
			h.logger.Debug("websocket write error", "error", err)
		}
	}
}

// UpgradeHandler returns the WebSocket upgrade handler
func (h *WSHub) UpgradeHandler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return websocket.New(h.handleConnection)(c)
		}

		return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{
			"error":   "WebSocket upgrade required",
			"message": "Connect via WebSocket to receive the loudness stream",
		})
	}
}

func (h *WSHub) handleConnection(c *websocket.Conn) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	clientCount := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("websocket client connected",
		"remote_addr", c.RemoteAddr().String(),
		"clients", clientCount,
	)

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		clientCount := len(h.clients)
		h.mu.Unlock()

		h.logger.Info("websocket client disconnected",
			"remote_addr", c.RemoteAddr().String(),
			"clients", clientCount,
		)
	}()

	for {
		_, msg, err := c.ReadMessage()
		if err != nil {
			break
		}

		h.handleCommand(c, msg)
	}
}

func (h *WSHub) handleCommand(c *websocket.Conn, msg []byte) {
	var cmd struct {
		Type string `json:"type"`
	}

	if err := json.Unmarshal(msg, &cmd); err != nil {
		return
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	switch cmd.Type {
	case "ping":
		c.WriteJSON(Message{Type: "pong", Data: time.Now().Unix()})
	case "get_stats":
		if h.recorder != nil {
			c.WriteJSON(Message{Type: "stats", Data: h.recorder.Stats()})
		}
	case "get_loudness":
		if h.recorder != nil {
			c.WriteJSON(Message{Type: "loudness", Data: h.snapshot()})
		}
	}
}

// ClientCount returns the number of connected WebSocket clients
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close shuts down the WebSocket hub
func (h *WSHub) Close() {
	h.runMu.Lock()
	cancel, done := h.cancel, h.done
	h.runMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	// Close all client connections
	h.mu.Lock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
	h.mu.Unlock()
}
