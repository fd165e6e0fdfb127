// Package server provides the operator HTTP API for go-soundfield
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/teslashibe/go-soundfield/internal/balancetest"
	"github.com/teslashibe/go-soundfield/internal/calibration"
	"github.com/teslashibe/go-soundfield/internal/config"
	"github.com/teslashibe/go-soundfield/internal/health"
	"github.com/teslashibe/go-soundfield/internal/interp"
	"github.com/teslashibe/go-soundfield/internal/loudness"
	"github.com/teslashibe/go-soundfield/internal/notify"
)

// defaultReadyTimeout bounds the wait for a new controller's first snapshot
const defaultReadyTimeout = 2 * time.Second

// ErrUnknownRoom is returned for rooms the authority has no speakers for
var ErrUnknownRoom = errors.New("unknown room")

// Authority is the session and settings authority the API drives
type Authority interface {
	calibration.Authority
	balancetest.Authority
}

// Deps are the components the server exposes
type Deps struct {
	Authority Authority
	Recorder  *loudness.Recorder
	Health    *health.Checker
	Notifier  *notify.Notifier
}

// Server is the HTTP server for go-soundfield
type Server struct {
	app       *fiber.App
	cfg       *config.Config
	deps      Deps
	logger    *slog.Logger
	wsHub     *WSHub
	testMode  *balancetest.Controller
	startTime time.Time
	version   string

	ctx    context.Context
	cancel context.CancelFunc

	readyTimeout time.Duration

	mu          sync.Mutex
	controllers map[string]*roomController
}

// roomController is a running calibration controller and its stop function
type roomController struct {
	ctrl   *calibration.Controller
	cancel context.CancelFunc
}

// New creates a new HTTP server
func New(cfg *config.Config, deps Deps, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Health == nil {
		deps.Health = health.NewChecker(version)
	}

	app := fiber.New(fiber.Config{
		AppName:               "go-soundfield",
		DisableStartupMessage: true,
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(cors.New())
	app.Use(LoggingMiddleware(logger))

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		app:          app,
		cfg:          cfg,
		deps:         deps,
		logger:       logger,
		wsHub:        NewWSHub(deps.Recorder, logger),
		startTime:    time.Now(),
		version:      version,
		ctx:          ctx,
		cancel:       cancel,
		readyTimeout: defaultReadyTimeout,
		controllers:  make(map[string]*roomController),
	}

	s.testMode = balancetest.New(deps.Authority, deps.Recorder, balancetest.Config{
		MeasurementWindow: cfg.Calibration.MeasurementWindow,
		Interp:            s.interpConfig(),
	}, logger)
	s.testMode.SetCalibrations(s)
	go s.testMode.Run(ctx)

	// Register routes
	s.registerRoutes()

	return s
}

// registerRoutes sets up all API routes
func (s *Server) registerRoutes() {
	// Health check
	s.app.Get("/health", s.healthHandler)

	// Metrics endpoint
	s.app.Get("/metrics", s.metricsHandler)

	api := s.app.Group("/api")

	// Config endpoint
	api.Get("/config", s.configHandler)

	// Live loudness
	api.Get("/loudness", s.loudnessHandler)
	api.Get("/loudness/stream", s.wsHub.UpgradeHandler())

	// Calibration sessions
	room := api.Group("/rooms/:room/calibration")
	room.Get("/", s.calibrationHandler)
	room.Post("/start", s.startHandler)
	room.Post("/next-point", s.nextPointHandler)
	room.Post("/next-speaker", s.nextSpeakerHandler)
	room.Post("/confirm", s.confirmHandler)
	room.Post("/repeat", s.repeatHandler)
	room.Post("/finish", s.finishHandler)
	room.Delete("/errors", s.clearErrorsHandler)
	room.Get("/field", s.fieldHandler)
	room.Get("/field.png", s.fieldPNGHandler)

	// Balance test mode
	test := api.Group("/test-mode")
	test.Get("/", s.testModeHandler)
	test.Post("/", s.setTestModeHandler)
	test.Post("/measure", s.measureHandler)
	test.Get("/points", s.testPointsHandler)
	test.Get("/field.png", s.testFieldPNGHandler)
}

func (s *Server) interpConfig() interp.Config {
	return interp.Config{
		MaxCoord:  s.cfg.Calibration.MaxCoord,
		Power:     s.cfg.Calibration.IDWPower,
		MaxPoints: s.cfg.Calibration.MaxPoints,
	}
}

// controller returns the calibration controller of roomID, creating and
// starting it on first use. A room whose first snapshot does not arrive in
// time or lists no speakers is dropped again and reported as unknown.
func (s *Server) controller(roomID string) (*calibration.Controller, error) {
	s.mu.Lock()
	rc, ok := s.controllers[roomID]
	if !ok {
		ctrl := calibration.New(roomID, s.deps.Authority, s.deps.Recorder, calibration.Config{
			MeasurementWindow: s.cfg.Calibration.MeasurementWindow,
			SettleTimeout:     s.cfg.Authority.RequestTimeout,
			Interp:            s.interpConfig(),
		}, s.logger)
		if s.deps.Notifier != nil {
			ctrl.SetNotifier(s.deps.Notifier)
		}

		ctx, cancel := context.WithCancel(s.ctx)
		rc = &roomController{ctrl: ctrl, cancel: cancel}
		s.controllers[roomID] = rc
		go ctrl.Run(ctx)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(s.ctx, s.readyTimeout)
	defer cancel()
	err := rc.ctrl.WaitReady(ctx)

	session, _ := rc.ctrl.Snapshot()
	if err == nil && len(session.Speakers) > 0 {
		return rc.ctrl, nil
	}

	s.evict(roomID, rc)
	if err != nil {
		s.logger.Warn("no session snapshot", "room_id", roomID, "error", err)
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownRoom, roomID)
}

func (s *Server) evict(roomID string, rc *roomController) {
	s.mu.Lock()
	if s.controllers[roomID] == rc {
		delete(s.controllers, roomID)
	}
	s.mu.Unlock()

	rc.ctrl.Close()
	rc.cancel()
}

// Calibration returns the stored calibration of roomID
func (s *Server) Calibration(roomID string) (*interp.Balance, bool) {
	ctrl, err := s.controller(roomID)
	if err != nil {
		return nil, false
	}
	b := ctrl.Balance()
	return b, b.Calibrated()
}

// healthHandler returns service health
func (s *Server) healthHandler(c *fiber.Ctx) error {
	s.deps.Health.Refresh(c.UserContext())
	return c.JSON(s.deps.Health.GetStatus())
}

// configHandler returns current configuration
func (s *Server) configHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"server": fiber.Map{
			"port":             s.cfg.Server.Port,
			"read_timeout_ms":  s.cfg.Server.ReadTimeout.Milliseconds(),
			"write_timeout_ms": s.cfg.Server.WriteTimeout.Milliseconds(),
		},
		"authority": fiber.Map{
			"url":                s.cfg.Authority.URL,
			"request_timeout_ms": s.cfg.Authority.RequestTimeout.Milliseconds(),
		},
		"audio": fiber.Map{
			"device":           s.cfg.Audio.Device,
			"sample_rate":      s.cfg.Audio.SampleRate,
			"fft_size":         s.cfg.Audio.FFTSize,
			"tick_interval_ms": s.cfg.Audio.TickInterval.Milliseconds(),
			"derive_weighting": s.cfg.Audio.DeriveWeighting,
		},
		"calibration": fiber.Map{
			"measurement_window_ms": s.cfg.Calibration.MeasurementWindow.Milliseconds(),
			"max_coord":             s.cfg.Calibration.MaxCoord,
			"idw_power":             s.cfg.Calibration.IDWPower,
			"canvas_size":           s.cfg.Calibration.CanvasSize,
			"max_points":            s.cfg.Calibration.MaxPoints,
		},
	})
}

// loudnessHandler returns the live loudness and the median of the running
// window
func (s *Server) loudnessHandler(c *fiber.Ctx) error {
	if s.deps.Recorder == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "loudness recorder not available",
		})
	}

	resp := fiber.Map{
		"latest":    s.deps.Recorder.Latest(),
		"recording": s.deps.Recorder.Recording(),
		"stats":     s.deps.Recorder.Stats(),
	}
	if median, err := s.deps.Recorder.Median(); err == nil {
		resp["median"] = median
	}
	return c.JSON(resp)
}

// metricsHandler returns Prometheus-format metrics
func (s *Server) metricsHandler(c *fiber.Ctx) error {
	if s.deps.Recorder == nil {
		return c.Status(fiber.StatusServiceUnavailable).SendString("# no recorder available\n")
	}

	rec := s.deps.Recorder.Stats()
	test := s.testMode.Stats()

	s.mu.Lock()
	rooms := len(s.controllers)
	var measurements, rejected int64
	for _, rc := range s.controllers {
		st := rc.ctrl.Stats()
		measurements += st.Measurements
		rejected += st.Rejected
	}
	s.mu.Unlock()

	var notified notify.Stats
	if s.deps.Notifier != nil {
		notified = s.deps.Notifier.Stats()
	}

	metrics := fmt.Sprintf(`# HELP go_soundfield_loudness Latest live loudness (percent of full scale)
# TYPE go_soundfield_loudness gauge
go_soundfield_loudness %f

# HELP go_soundfield_recording Recording state (1=recording, 0=idle)
# TYPE go_soundfield_recording gauge
go_soundfield_recording %d

# HELP go_soundfield_ticks Total loudness ticks
# TYPE go_soundfield_ticks counter
go_soundfield_ticks %d

# HELP go_soundfield_tick_errors Total capture and metering errors
# TYPE go_soundfield_tick_errors counter
go_soundfield_tick_errors %d

# HELP go_soundfield_rooms Rooms with an active calibration controller
# TYPE go_soundfield_rooms gauge
go_soundfield_rooms %d

# HELP go_soundfield_measurements Total calibration measurement windows
# TYPE go_soundfield_measurements counter
go_soundfield_measurements %d

# HELP go_soundfield_rejected Total calibration requests rejected by the authority
# TYPE go_soundfield_rejected counter
go_soundfield_rejected %d

# HELP go_soundfield_test_points Balance test points held
# TYPE go_soundfield_test_points gauge
go_soundfield_test_points %d

# HELP go_soundfield_reports_sent Calibration reports delivered
# TYPE go_soundfield_reports_sent counter
go_soundfield_reports_sent %d

# HELP go_soundfield_reports_failed Calibration report deliveries that failed
# TYPE go_soundfield_reports_failed counter
go_soundfield_reports_failed %d

# HELP go_soundfield_uptime_seconds Server uptime in seconds
# TYPE go_soundfield_uptime_seconds gauge
go_soundfield_uptime_seconds %d

# HELP go_soundfield_websocket_clients Current WebSocket client count
# TYPE go_soundfield_websocket_clients gauge
go_soundfield_websocket_clients %d
`,
		rec.Latest,
		boolToInt(rec.Recording),
		rec.TickCount,
		rec.ErrorCount,
		rooms,
		measurements,
		rejected,
		test.Points,
		notified.Sent,
		notified.Failed,
		int64(time.Since(s.startTime).Seconds()),
		s.wsHub.ClientCount(),
	)

	c.Set("Content-Type", "text/plain; charset=utf-8")
	return c.SendString(metrics)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server",
		"port", s.cfg.Server.Port,
	)

	return s.app.Listen(fmt.Sprintf(":%d", s.cfg.Server.Port))
}

// WSHub returns the WebSocket hub for external control
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	// Close WebSocket hub
	s.wsHub.Close()

	// Cancel pending measurement windows before the controllers stop
	s.mu.Lock()
	for _, rc := range s.controllers {
		rc.ctrl.Close()
	}
	s.mu.Unlock()
	s.cancel()

	// Shutdown Fiber with timeout from context
	done := make(chan error, 1)
	go func() {
		done <- s.app.Shutdown()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
