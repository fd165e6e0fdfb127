// Package authority connects the engine to the calibration session
// authority, either over WebSocket or in-process.
package authority

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/teslashibe/go-soundfield/internal/protocol"
)

var (
	// ErrNotConnected is returned when a request is made without a connection
	ErrNotConnected = errors.New("not connected to authority")

	// ErrRequestTimeout is returned when no ack arrives within the request timeout
	ErrRequestTimeout = errors.New("authority request timed out")
)

const subscriberBuffer = 16

// Config holds authority client configuration
type Config struct {
	URL              string        // WebSocket URL (e.g., "ws://hub.local:5000/ws/soundfield")
	ReconnectBackoff time.Duration // Initial reconnect delay
	MaxBackoff       time.Duration // Maximum reconnect delay
	PingInterval     time.Duration // Ping interval for keepalive
	WriteTimeout     time.Duration // Write timeout
	RequestTimeout   time.Duration // Ack wait per request
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		URL:              "ws://localhost:5000/ws/soundfield",
		ReconnectBackoff: 1 * time.Second,
		MaxBackoff:       30 * time.Second,
		PingInterval:     10 * time.Second,
		WriteTimeout:     5 * time.Second,
		RequestTimeout:   10 * time.Second,
	}
}

// Client manages the WebSocket connection to a remote authority
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu            sync.Mutex
	conn          *websocket.Conn
	connected     bool
	cancel        context.CancelFunc
	remoteVersion string

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan protocol.Ack

	subsMu   sync.Mutex
	rooms    map[string]map[chan protocol.Session]struct{}
	testSubs map[chan []protocol.TestModeResult]struct{}

	// Stats
	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	reconnects       atomic.Uint64
	timeouts         atomic.Uint64
}

// NewClient creates a new authority client
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConfig().WriteTimeout
	}

	return &Client{
		cfg:      cfg,
		logger:   logger,
		pending:  make(map[string]chan protocol.Ack),
		rooms:    make(map[string]map[chan protocol.Session]struct{}),
		testSubs: make(map[chan []protocol.TestModeResult]struct{}),
	}
}

// Connect starts the connection loop. It returns immediately; the client
// reconnects with exponential backoff until ctx is cancelled or Close is called.
func (c *Client) Connect(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	go c.connectionLoop(ctx)
	return nil
}

// connectionLoop manages connection with auto-reconnect
func (c *Client) connectionLoop(ctx context.Context) {
	backoff := c.cfg.ReconnectBackoff

	for {
		select {
		case <-ctx.Done():
			c.closeConnection()
			return
		default:
		}

		err := c.connect(ctx)
		if err != nil {
			c.logger.Warn("authority connection failed",
				"error", err,
				"retry_in", backoff,
			)

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}

			// Exponential backoff
			backoff *= 2
			if backoff > c.cfg.MaxBackoff {
				backoff = c.cfg.MaxBackoff
			}
			c.reconnects.Add(1)
			continue
		}

		// Reset backoff on successful connection
		backoff = c.cfg.ReconnectBackoff

		c.resubscribe()

		// Read messages until error
		c.readLoop(ctx)
	}
}

// connect establishes the WebSocket connection
func (c *Client) connect(ctx context.Context) error {
	c.logger.Info("connecting to authority", "url", c.cfg.URL)

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.logger.Info("connected to authority")

	// Start ping goroutine
	go c.pingLoop(ctx, conn)

	return nil
}

// pingLoop sends periodic pings on conn until it is replaced or closed
func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	if c.cfg.PingInterval <= 0 {
		return
	}

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			current := c.conn
			c.mu.Unlock()

			if current != conn {
				return
			}

			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("ping failed", "error", err)
				return
			}
		}
	}
}

// readLoop reads messages from the authority
func (c *Client) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			c.logger.Warn("read error", "error", err)
			c.closeConnection()
			return
		}

		c.messagesReceived.Add(1)
		c.handleMessage(data)
	}
}

// handleMessage processes incoming messages
func (c *Client) handleMessage(data []byte) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		c.logger.Warn("parse message error", "error", err)
		return
	}

	switch msg.Type {
	case protocol.TypeHello:
		var hello protocol.Hello
		if err := msg.ParseData(&hello); err != nil {
			c.logger.Warn("bad hello", "error", err)
			return
		}
		c.mu.Lock()
		c.remoteVersion = hello.Version
		c.mu.Unlock()

		if !protocol.Compatible(hello.Version) {
			c.logger.Warn("authority protocol version incompatible",
				"remote", hello.Version,
				"local", protocol.Version,
			)
		}

	case protocol.TypeAck:
		ack, err := msg.GetAck()
		if err != nil {
			c.logger.Warn("bad ack", "error", err)
			return
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[msg.ID]
		delete(c.pending, msg.ID)
		c.pendingMu.Unlock()

		if ok {
			ch <- *ack
		}

	case protocol.TypeSession:
		s, err := msg.GetSession()
		if err != nil {
			c.logger.Warn("bad session", "error", err)
			return
		}
		room := s.Room
		if room == "" {
			room = msg.Room
		}

		c.subsMu.Lock()
		for ch := range c.rooms[room] {
			offer(ch, s.Clone())
		}
		c.subsMu.Unlock()

	case protocol.TypeTestResult:
		results, err := msg.GetTestResults()
		if err != nil {
			c.logger.Warn("bad test result", "error", err)
			return
		}

		c.subsMu.Lock()
		for ch := range c.testSubs {
			offer(ch, results)
		}
		c.subsMu.Unlock()

	case protocol.TypePing:
		// Respond with pong
		pong := &protocol.Message{Type: protocol.TypePong, ID: msg.ID, Timestamp: time.Now().UnixMilli()}
		c.SendMessage(pong)

	case protocol.TypePong:

	default:
		c.logger.Debug("unhandled message", "type", msg.Type)
	}
}

// SendMessage sends a message to the authority
func (c *Client) SendMessage(msg *protocol.Message) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()

	if err != nil {
		c.logger.Warn("send error", "error", err)
		c.closeConnection()
		return fmt.Errorf("write: %w", err)
	}

	c.messagesSent.Add(1)
	return nil
}

// request sends msg and waits for its ack
func (c *Client) request(ctx context.Context, msg *protocol.Message) (protocol.Ack, error) {
	ch := make(chan protocol.Ack, 1)

	c.pendingMu.Lock()
	c.pending[msg.ID] = ch
	c.pendingMu.Unlock()

	forget := func() {
		c.pendingMu.Lock()
		delete(c.pending, msg.ID)
		c.pendingMu.Unlock()
	}

	if err := c.SendMessage(msg); err != nil {
		forget()
		return protocol.Ack{}, err
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case ack, ok := <-ch:
		if !ok {
			return protocol.Ack{}, ErrNotConnected
		}
		return ack, nil
	case <-timer.C:
		forget()
		c.timeouts.Add(1)
		return protocol.Ack{}, fmt.Errorf("%s %s: %w", msg.Type, msg.ID, ErrRequestTimeout)
	case <-ctx.Done():
		forget()
		return protocol.Ack{}, ctx.Err()
	}
}

// Request asks the authority for a session transition
func (c *Client) Request(ctx context.Context, req protocol.CalibrationRequest) (protocol.Ack, error) {
	msg, err := protocol.NewRequest(protocol.TypeCalibration, req.Room, req)
	if err != nil {
		return protocol.Ack{}, err
	}
	return c.request(ctx, msg)
}

// ReportResult submits a measured loudness for the active speaker
func (c *Client) ReportResult(ctx context.Context, res protocol.CalibrationResult) (protocol.Ack, error) {
	msg, err := protocol.NewRequest(protocol.TypeResult, res.Room, res)
	if err != nil {
		return protocol.Ack{}, err
	}
	return c.request(ctx, msg)
}

// UpdateSettings toggles balancing and test mode
func (c *Client) UpdateSettings(ctx context.Context, upd protocol.SettingsUpdate) (protocol.Ack, error) {
	msg, err := protocol.NewRequest(protocol.TypeSettings, "", upd)
	if err != nil {
		return protocol.Ack{}, err
	}
	return c.request(ctx, msg)
}

// Subscribe follows roomID's session pushes. The subscription survives
// reconnects.
func (c *Client) Subscribe(roomID string) (<-chan protocol.Session, func()) {
	ch := make(chan protocol.Session, subscriberBuffer)

	c.subsMu.Lock()
	subs, ok := c.rooms[roomID]
	if !ok {
		subs = make(map[chan protocol.Session]struct{})
		c.rooms[roomID] = subs
	}
	subs[ch] = struct{}{}
	c.subsMu.Unlock()

	if !ok {
		c.sendSubscribe(roomID)
	}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subsMu.Lock()
			delete(subs, ch)
			if len(subs) == 0 {
				delete(c.rooms, roomID)
			}
			close(ch)
			c.subsMu.Unlock()
		})
	}
}

// SubscribeTestResults follows test mode positions
func (c *Client) SubscribeTestResults() (<-chan []protocol.TestModeResult, func()) {
	ch := make(chan []protocol.TestModeResult, subscriberBuffer)

	c.subsMu.Lock()
	c.testSubs[ch] = struct{}{}
	c.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subsMu.Lock()
			delete(c.testSubs, ch)
			close(ch)
			c.subsMu.Unlock()
		})
	}
}

func (c *Client) sendSubscribe(roomID string) {
	msg, err := protocol.NewRequest(protocol.TypeSubscribe, roomID, nil)
	if err != nil {
		return
	}
	if err := c.SendMessage(msg); err != nil && !errors.Is(err, ErrNotConnected) {
		c.logger.Warn("subscribe failed", "room_id", roomID, "error", err)
	}
}

func (c *Client) resubscribe() {
	c.subsMu.Lock()
	rooms := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		rooms = append(rooms, id)
	}
	c.subsMu.Unlock()

	for _, id := range rooms {
		c.sendSubscribe(id)
	}
}

// closeConnection closes the WebSocket connection and fails pending requests
func (c *Client) closeConnection() {
	c.mu.Lock()
	c.connected = false
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	c.pendingMu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
}

// Close shuts down the client
func (c *Client) Close() error {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.closeConnection()
	return nil
}

// IsConnected returns connection status
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Stats contains client statistics
type Stats struct {
	Connected        bool   `json:"connected"`
	RemoteVersion    string `json:"remote_version,omitempty"`
	MessagesSent     uint64 `json:"messages_sent"`
	MessagesReceived uint64 `json:"messages_received"`
	Reconnects       uint64 `json:"reconnects"`
	Timeouts         uint64 `json:"timeouts"`
	Pending          int    `json:"pending"`
}

// Stats returns client statistics
func (c *Client) Stats() Stats {
	c.mu.Lock()
	connected := c.connected
	version := c.remoteVersion
	c.mu.Unlock()

	c.pendingMu.Lock()
	pending := len(c.pending)
	c.pendingMu.Unlock()

	return Stats{
		Connected:        connected,
		RemoteVersion:    version,
		MessagesSent:     c.messagesSent.Load(),
		MessagesReceived: c.messagesReceived.Load(),
		Reconnects:       c.reconnects.Load(),
		Timeouts:         c.timeouts.Load(),
		Pending:          pending,
	}
}

// offer delivers v to ch, dropping the oldest queued value when full so
// subscribers always end up with the latest snapshot
func offer[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}
