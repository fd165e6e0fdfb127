package authority

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/teslashibe/go-soundfield/internal/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// serveLocal exposes a Local over WebSocket the way a remote authority would
func serveLocal(t *testing.T, local *Local, version string) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("Upgrade error: %v", err)
			return
		}
		defer conn.Close()

		var writeMu sync.Mutex
		send := func(msg *protocol.Message) {
			data, _ := msg.Bytes()
			writeMu.Lock()
			conn.WriteMessage(websocket.TextMessage, data)
			writeMu.Unlock()
		}

		hello, _ := protocol.NewMessage(protocol.TypeHello, protocol.Hello{Version: version})
		send(hello)

		var cancels []func()
		defer func() {
			for _, c := range cancels {
				c()
			}
		}()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg, err := protocol.ParseMessage(data)
			if err != nil {
				continue
			}

			ctx := context.Background()
			var ack protocol.Ack

			switch msg.Type {
			case protocol.TypeSubscribe:
				ch, cancel := local.Subscribe(msg.Room)
				cancels = append(cancels, cancel)
				go func() {
					for s := range ch {
						push, _ := protocol.NewMessage(protocol.TypeSession, s)
						send(push)
					}
				}()
				continue

			case protocol.TypeCalibration:
				var req protocol.CalibrationRequest
				msg.ParseData(&req)
				ack, _ = local.Request(ctx, req)

			case protocol.TypeResult:
				var res protocol.CalibrationResult
				msg.ParseData(&res)
				ack, _ = local.ReportResult(ctx, res)

			case protocol.TypeSettings:
				var upd protocol.SettingsUpdate
				msg.ParseData(&upd)
				ack, _ = local.UpdateSettings(ctx, upd)

			default:
				continue
			}

			reply, _ := protocol.NewAck(msg.ID, ack)
			send(reply)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func connectClient(t *testing.T, url string) *Client {
	t.Helper()

	cfg := DefaultConfig()
	cfg.URL = url
	cfg.ReconnectBackoff = 50 * time.Millisecond
	cfg.RequestTimeout = time.Second

	client := NewClient(cfg, nil)
	if err := client.Connect(t.Context()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { client.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for !client.IsConnected() {
		if time.Now().After(deadline) {
			t.Fatal("client did not connect")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return client
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.ReconnectBackoff <= 0 {
		t.Error("ReconnectBackoff should be positive")
	}
	if cfg.MaxBackoff <= 0 {
		t.Error("MaxBackoff should be positive")
	}
	if cfg.RequestTimeout <= 0 {
		t.Error("RequestTimeout should be positive")
	}
}

func TestNewClient(t *testing.T) {
	client := NewClient(DefaultConfig(), nil)

	if client == nil {
		t.Fatal("NewClient returned nil")
	}

	if client.IsConnected() {
		t.Error("Client should not be connected initially")
	}
}

func TestRequestNotConnected(t *testing.T) {
	client := NewClient(DefaultConfig(), nil)

	_, err := client.Request(t.Context(), protocol.CalibrationRequest{Room: "living", Start: true})
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Request() error = %v, want ErrNotConnected", err)
	}

	if client.Stats().Pending != 0 {
		t.Error("failed request must not stay pending")
	}
}

func TestClient_RequestAndSubscribe(t *testing.T) {
	local := NewLocal(nil)
	local.AddRoom("living", []string{"front", "rear"})
	server := serveLocal(t, local, "1.4.0")

	client := connectClient(t, wsURL(server))
	must := expect{t}

	sessions, cancel := client.Subscribe("living")
	defer cancel()

	select {
	case s := <-sessions:
		if s.Room != "living" || len(s.Speakers) != 2 {
			t.Errorf("initial snapshot = %+v", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no session snapshot received")
	}

	must.ok(client.Request(t.Context(), protocol.CalibrationRequest{
		Room:        "living",
		Start:       true,
		StartVolume: protocol.Float(30),
	}))

	select {
	case s := <-sessions:
		if !s.Calibrating || s.StartVolume != 30 {
			t.Errorf("pushed snapshot = %+v", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no pushed snapshot")
	}

	must.rejected(client.Request(t.Context(), protocol.CalibrationRequest{Room: "living", Start: true}))

	must.ok(client.Request(t.Context(), protocol.CalibrationRequest{Room: "living", NextSpeaker: true}))
	must.ok(client.ReportResult(t.Context(), protocol.CalibrationResult{Room: "living", Volume: 44}))

	s, _ := local.Session("living")
	if len(s.CurrentPoints) != 1 || s.CurrentPoints[0].MeasuredVolume != 44 {
		t.Errorf("authority points = %+v", s.CurrentPoints)
	}

	stats := client.Stats()
	if !stats.Connected || stats.RemoteVersion != "1.4.0" || stats.Pending != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestClient_TestResults(t *testing.T) {
	local := NewLocal(nil)
	local.AddRoom("living", []string{"front"})
	server := serveLocal(t, local, protocol.Version)

	client := connectClient(t, wsURL(server))
	must := expect{t}

	results, cancel := client.SubscribeTestResults()
	defer cancel()

	// a room subscription makes the test server forward pushes
	_, cancelRoom := client.Subscribe("living")
	defer cancelRoom()

	must.ok(client.UpdateSettings(t.Context(), protocol.SettingsUpdate{
		TestMode: protocol.Bool(true),
		Balance:  protocol.Bool(true),
	}))

	balance, testMode := local.Settings()
	if !balance || !testMode {
		t.Errorf("authority settings = %v, %v", balance, testMode)
	}

	// the test server only relays sessions; deliver a test_result directly
	push, _ := protocol.NewMessage(protocol.TypeTestResult, []protocol.TestModeResult{
		{Room: "living", PositionX: 10, PositionY: 20},
	})
	data, _ := push.Bytes()
	client.handleMessage(data)

	select {
	case got := <-results:
		if len(got) != 1 || got[0].PositionY != 20 {
			t.Errorf("test results = %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no test results")
	}
}

func TestClient_RequestTimeout(t *testing.T) {
	// a server that never acks
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.URL = wsURL(server)
	cfg.RequestTimeout = 100 * time.Millisecond

	client := NewClient(cfg, nil)
	client.Connect(t.Context())
	defer client.Close()

	deadline := time.Now().Add(2 * time.Second)
	for !client.IsConnected() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	_, err := client.Request(t.Context(), protocol.CalibrationRequest{Room: "living", Finish: true})
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("Request() error = %v, want ErrRequestTimeout", err)
	}

	stats := client.Stats()
	if stats.Timeouts != 1 || stats.Pending != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestClient_ReconnectResubscribes(t *testing.T) {
	var connections atomic.Int32
	var subscribes atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := connections.Add(1)

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				conn.Close()
				return
			}
			msg, err := protocol.ParseMessage(data)
			if err == nil && msg.Type == protocol.TypeSubscribe {
				subscribes.Add(1)
				// drop the first connection right after it subscribes
				if n == 1 {
					conn.Close()
					return
				}
			}
		}
	}))
	defer server.Close()

	client := connectClient(t, wsURL(server))

	_, cancel := client.Subscribe("living")
	defer cancel()

	deadline := time.Now().Add(3 * time.Second)
	for subscribes.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("subscribes = %d, want 2 after reconnect", subscribes.Load())
		}
		time.Sleep(20 * time.Millisecond)
	}

	if connections.Load() < 2 {
		t.Errorf("connections = %d, want reconnect", connections.Load())
	}
}

func TestClient_IncompatibleVersionStillConnects(t *testing.T) {
	local := NewLocal(nil)
	server := serveLocal(t, local, "9.0.0")

	client := connectClient(t, wsURL(server))

	deadline := time.Now().Add(time.Second)
	for client.Stats().RemoteVersion == "" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if client.Stats().RemoteVersion != "9.0.0" {
		t.Errorf("RemoteVersion = %q", client.Stats().RemoteVersion)
	}
	if protocol.Compatible(client.Stats().RemoteVersion) {
		t.Error("9.x must not be compatible")
	}
}

func TestOffer_DropsOldest(t *testing.T) {
	ch := make(chan int, 2)
	offer(ch, 1)
	offer(ch, 2)
	offer(ch, 3)

	if a, b := <-ch, <-ch; a != 2 || b != 3 {
		t.Errorf("queue = %d,%d, want 2,3", a, b)
	}
}
