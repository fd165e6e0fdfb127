// go-soundfield: room calibration and volume balancing daemon
// Measures speaker loudness across listener positions and serves the fields
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/teslashibe/go-soundfield/internal/authority"
	"github.com/teslashibe/go-soundfield/internal/capture"
	"github.com/teslashibe/go-soundfield/internal/config"
	"github.com/teslashibe/go-soundfield/internal/health"
	"github.com/teslashibe/go-soundfield/internal/loudness"
	"github.com/teslashibe/go-soundfield/internal/notify"
	"github.com/teslashibe/go-soundfield/internal/server"
)

var (
	version     = "0.3.0"
	configPath  = flag.String("config", "/etc/go-soundfield/config.yaml", "config file path")
	showVersion = flag.Bool("version", false, "print version and exit")
	debug       = flag.Bool("debug", false, "enable debug logging")
	useMock     = flag.Bool("mock", false, "use the in-process authority and a synthetic microphone")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("go-soundfield %s\n", version)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to load config from %s: %v\n", *configPath, err)
		cfg = config.Default()
	}

	// Override log level if debug flag is set
	if *debug {
		cfg.Logging.Level = "debug"
	}

	// Setup logging
	logger := setupLogger(cfg.Logging)

	logger.Info("starting go-soundfield",
		"version", version,
		"config", *configPath,
		"port", cfg.Server.Port,
		"mock", *useMock,
	)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// Create root context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	checker := health.NewChecker(version)

	// Session authority and microphone
	var (
		auth   server.Authority
		opener capture.Opener
		client *authority.Client
	)

	if *useMock {
		local := authority.NewLocal(logger)
		for _, r := range cfg.Mock.Rooms {
			local.AddRoom(r.ID, r.Speakers)
			if err := local.SetPosition(r.ID, cfg.Calibration.MaxCoord/2, cfg.Calibration.MaxCoord/2); err != nil {
				logger.Warn("failed to place mock listener", "room_id", r.ID, "error", err)
			}
		}
		auth = local

		logger.Info("using synthetic microphone", "frequency", cfg.Mock.ToneFrequency)
		opener = capture.NewToneOpener(capture.ToneConfig{
			SampleRate: cfg.Audio.SampleRate,
			Frequency:  cfg.Mock.ToneFrequency,
			Level:      mockLevel(local, cfg.Mock.Rooms),
			Analyser:   analyserConfig(cfg.Audio),
		})
		checker.SetComponent(health.ComponentAuthority, true, "local")
	} else {
		client = authority.NewClient(authority.Config{
			URL:              cfg.Authority.URL,
			ReconnectBackoff: cfg.Authority.ReconnectBackoff,
			MaxBackoff:       cfg.Authority.MaxBackoff,
			PingInterval:     cfg.Authority.PingInterval,
			WriteTimeout:     cfg.Authority.WriteTimeout,
			RequestTimeout:   cfg.Authority.RequestTimeout,
		}, logger)
		if err := client.Connect(ctx); err != nil {
			logger.Error("failed to start authority client", "error", err)
			os.Exit(1)
		}
		defer client.Close()
		auth = client

		checker.Register(health.ComponentAuthority, func(ctx context.Context) (string, error) {
			if !client.IsConnected() {
				return cfg.Authority.URL, authority.ErrNotConnected
			}
			return cfg.Authority.URL, nil
		})

		usb := capture.USBDevice{
			VendorID:  cfg.Audio.USBVendorID,
			ProductID: cfg.Audio.USBProductID,
		}
		if usb.Configured() {
			if err := capture.CheckUSB(usb, logger); err != nil {
				logger.Warn("measurement microphone not found", "device", usb.String(), "error", err)
			}
		}

		opener = capture.NewCommandOpener(capture.CommandConfig{
			Command:    cfg.Audio.CaptureCmd,
			Device:     cfg.Audio.Device,
			SampleRate: cfg.Audio.SampleRate,
			USB:        usb,
			Analyser:   analyserConfig(cfg.Audio),
		}, logger)
	}

	// Loudness recorder, idle until a measurement window opens
	recorder, err := loudness.NewRecorder(opener, loudness.RecorderConfig{
		TickInterval: cfg.Audio.TickInterval,
		Meter: loudness.MeterConfig{
			FFTSize:         cfg.Audio.FFTSize,
			SampleRate:      cfg.Audio.SampleRate,
			DeriveWeighting: cfg.Audio.DeriveWeighting,
		},
	}, logger)
	if err != nil {
		logger.Error("failed to create loudness recorder", "error", err)
		os.Exit(1)
	}
	defer recorder.Close()

	checker.Register(health.ComponentAudio, func(ctx context.Context) (string, error) {
		st := recorder.Stats()
		if st.LastError != "" {
			return st.LastError, errors.New(st.LastError)
		}
		return fmt.Sprintf("%d bands", st.Bands), nil
	})

	notifier := notify.New(notify.Config{
		WebhookURL: cfg.Notify.WebhookURL,
		LogPath:    cfg.Notify.LogPath,
		Email: notify.EmailConfig{
			Host:       cfg.Notify.Email.Host,
			Port:       cfg.Notify.Email.Port,
			FromName:   cfg.Notify.Email.FromName,
			Username:   cfg.Notify.Email.Username,
			Password:   cfg.Notify.Email.Password,
			Recipients: cfg.Notify.Email.Recipients,
		},
	}, logger)

	// Create server
	srv := server.New(cfg, server.Deps{
		Authority: auth,
		Recorder:  recorder,
		Health:    checker,
		Notifier:  notifier,
	}, logger, version)

	// Start WebSocket hub in background
	go srv.WSHub().Run(ctx)

	// Start server in background
	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	// Print startup info
	printStartupBanner(cfg, version)

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
	}

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		cfg.Server.GracefulTimeout,
	)
	defer shutdownCancel()

	// Stop in order: server -> reports -> recorder -> authority
	logger.Info("shutting down server...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown error", "error", err)
	}

	logger.Info("waiting for report delivery...")
	notifier.Wait()

	logger.Info("go-soundfield stopped")
}

func analyserConfig(cfg config.AudioConfig) capture.AnalyserConfig {
	return capture.AnalyserConfig{
		FFTSize:     cfg.FFTSize,
		Smoothing:   cfg.Smoothing,
		MinDecibels: cfg.MinDecibels,
		MaxDecibels: cfg.MaxDecibels,
	}
}

// mockLevel plays each assigned speaker a little quieter than the one before
// it, so the synthetic fields differ per speaker
func mockLevel(local *authority.Local, rooms []config.RoomConfig) func() float64 {
	return func() float64 {
		for _, r := range rooms {
			speaker, ok := local.ActiveSpeaker(r.ID)
			if !ok {
				continue
			}
			i := slices.Index(r.Speakers, speaker)
			return max(0.7-0.15*float64(i), 0.1)
		}
		return 0
	}
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func printStartupBanner(cfg *config.Config, version string) {
	fmt.Println()
	fmt.Println("🔊 go-soundfield v" + version)
	fmt.Println("   Room calibration and volume balancing")
	fmt.Println()
	fmt.Printf("🚀 Running at http://0.0.0.0:%d\n", cfg.Server.Port)
	fmt.Println()
	fmt.Println("   Endpoints:")
	fmt.Println("   GET  /health                                - Health check")
	fmt.Println("   GET  /api/loudness                          - Live loudness")
	fmt.Println("   WS   /api/loudness/stream                   - Real-time loudness stream")
	fmt.Println("   GET  /api/rooms/:room/calibration           - Calibration session")
	fmt.Println("   POST /api/rooms/:room/calibration/start     - Start calibration")
	fmt.Println("   GET  /api/rooms/:room/calibration/field.png - Volume field")
	fmt.Println("   POST /api/test-mode                         - Toggle balance test mode")
	fmt.Println("   GET  /metrics                               - Prometheus metrics")
	fmt.Println()
	fmt.Println("   Press Ctrl+C to stop")
	fmt.Println()
}
