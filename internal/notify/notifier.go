// Package notify delivers calibration reports by webhook, email and log file
package notify

import (
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-soundfield/internal/interp"
)

// Report summarises a finished calibration
type Report struct {
	RoomID       string         `json:"room_id"`
	Points       []interp.Point `json:"points"`
	Speakers     []string       `json:"speakers"`
	TargetVolume float64        `json:"target_volume"`
	StartVolume  float64        `json:"start_volume,omitempty"`
	FinishedAt   time.Time      `json:"finished_at"`
}

// Config selects the delivery channels. Empty fields disable a channel.
type Config struct {
	WebhookURL string
	LogPath    string
	Email      EmailConfig
}

// Notifier fans a report out to every configured channel. Delivery runs in
// the background and never blocks the caller.
type Notifier struct {
	cfg    Config
	logger *slog.Logger
	client *http.Client

	wg sync.WaitGroup

	sent   atomic.Uint64
	failed atomic.Uint64
}

// New creates a notifier
func New(cfg Config, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		cfg:    cfg,
		logger: logger,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Notify delivers r to every configured channel
func (n *Notifier) Notify(r Report) {
	n.trySend("webhook", n.cfg.WebhookURL != "", func() error { return n.sendWebhook(r) })
	n.trySend("email", n.cfg.Email.configured(), func() error { return sendEmail(n.cfg.Email, r) })
	n.trySend("log", n.cfg.LogPath != "", func() error { return appendReport(n.cfg.LogPath, r) })
}

func (n *Notifier) trySend(channel string, configured bool, send func() error) {
	if !configured {
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()

		if err := send(); err != nil {
			n.failed.Add(1)
			n.logger.Warn("calibration report not delivered",
				"channel", channel,
				"error", err,
			)
			return
		}
		n.sent.Add(1)
		n.logger.Info("calibration report delivered", "channel", channel)
	}()
}

// Wait blocks until in-flight deliveries finish
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// Stats contains delivery counters
type Stats struct {
	Sent   uint64 `json:"sent"`
	Failed uint64 `json:"failed"`
}

// Stats returns delivery counters
func (n *Notifier) Stats() Stats {
	return Stats{
		Sent:   n.sent.Load(),
		Failed: n.failed.Load(),
	}
}
