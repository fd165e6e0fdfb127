// Package balancetest measures loudness at tracked positions while the room
// runs in test mode, to check the balance a calibration produced.
package balancetest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/teslashibe/go-soundfield/internal/calibration"
	"github.com/teslashibe/go-soundfield/internal/capture"
	"github.com/teslashibe/go-soundfield/internal/interp"
	"github.com/teslashibe/go-soundfield/internal/loudness"
	"github.com/teslashibe/go-soundfield/internal/protocol"
)

var (
	ErrDisabled = fmt.Errorf("%w: test mode is not enabled", calibration.ErrProtocolViolation)
	ErrBusy     = fmt.Errorf("%w: a test measurement is in progress", calibration.ErrProtocolViolation)
	ErrNotReady = errors.New("test mode is not ready to measure")

	// ErrNoPosition is returned when the authority has not pushed a position
	// for the room
	ErrNoPosition = errors.New("no test position for room")
)

// Authority is the settings side of the session authority
type Authority interface {
	UpdateSettings(ctx context.Context, upd protocol.SettingsUpdate) (protocol.Ack, error)
	SubscribeTestResults() (<-chan []protocol.TestModeResult, func())
}

// Recorder records measurement windows
type Recorder interface {
	Measure(ctx context.Context, window time.Duration) (float64, error)
	Stop()
}

// Calibrations looks up the stored calibration of a room
type Calibrations interface {
	Calibration(roomID string) (*interp.Balance, bool)
}

// TestPoint is one test mode measurement
type TestPoint struct {
	RoomID    string  `json:"roomId"`
	X         float64 `json:"positionX"`
	Y         float64 `json:"positionY"`
	Volume    float64 `json:"volume"`
	SpeakerID string  `json:"speakerId"`
}

// Measurement is the outcome of MeasurePoint
type Measurement struct {
	Point       TestPoint          `json:"point"`
	Target      float64            `json:"target_volume,omitempty"`
	Corrections map[string]float64 `json:"corrections,omitempty"`
}

// Config configures the controller
type Config struct {
	MeasurementWindow time.Duration
	Interp            interp.Config
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		MeasurementWindow: 5 * time.Second,
		Interp:            interp.DefaultConfig(),
	}
}

// Controller toggles test mode and keeps the measured test points. Points
// live only in memory and are dropped when test mode is disabled.
type Controller struct {
	auth         Authority
	rec          Recorder
	calibrations Calibrations
	cfg          Config
	logger       *slog.Logger

	cache *interp.Cache

	mu            sync.RWMutex
	enabled       bool
	ready         bool
	measuring     bool
	measureCancel context.CancelFunc
	points        []TestPoint
	positions     map[string]protocol.TestModeResult
	measurements  int64
	errs          []string
}

// New creates a controller
func New(auth Authority, rec Recorder, cfg Config, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MeasurementWindow <= 0 {
		cfg.MeasurementWindow = DefaultConfig().MeasurementWindow
	}

	return &Controller{
		auth:      auth,
		rec:       rec,
		cfg:       cfg,
		logger:    logger,
		cache:     interp.NewCache(interp.New(cfg.Interp)),
		positions: make(map[string]protocol.TestModeResult),
	}
}

// SetCalibrations sets where stored calibrations are looked up
func (c *Controller) SetCalibrations(cal Calibrations) {
	c.mu.Lock()
	c.calibrations = cal
	c.mu.Unlock()
}

// Run follows the authority's test positions until ctx is done (blocking,
// use goroutine)
func (c *Controller) Run(ctx context.Context) error {
	results, cancel := c.auth.SubscribeTestResults()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch, ok := <-results:
			if !ok {
				return nil
			}
			c.mu.Lock()
			for _, r := range batch {
				c.positions[r.Room] = r
			}
			c.mu.Unlock()
		}
	}
}

// Position returns the last pushed test position of roomID
func (c *Controller) Position(roomID string) (protocol.TestModeResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.positions[roomID]
	return p, ok
}

// SetEnabled switches test mode on or off at the authority. Enabling also
// turns balancing on and drops any stale recording; disabling clears the
// test points.
func (c *Controller) SetEnabled(ctx context.Context, enabled bool) error {
	upd := protocol.SettingsUpdate{TestMode: protocol.Bool(enabled)}
	if enabled {
		upd.Balance = protocol.Bool(true)
	}

	ack, err := c.auth.UpdateSettings(ctx, upd)
	if err != nil {
		c.addErrors(fmt.Sprintf("settings: %v", err))
		return fmt.Errorf("update settings: %w", err)
	}
	if !ack.Successful {
		rerr := &calibration.RejectedError{Op: "settings", Errors: ack.Errors}
		if len(ack.Errors) > 0 {
			c.addErrors(ack.Errors...)
		} else {
			c.addErrors(rerr.Error())
		}
		return rerr
	}

	if enabled {
		c.rec.Stop()

		c.mu.Lock()
		c.enabled = true
		c.ready = true
		c.mu.Unlock()

		c.logger.Info("test mode enabled")
		return nil
	}

	c.mu.Lock()
	cancel := c.measureCancel
	c.enabled = false
	c.ready = false
	c.points = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	c.logger.Info("test mode disabled")
	return nil
}

// Enabled reports whether test mode is on
func (c *Controller) Enabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enabled
}

// ReadyToMeasure reports whether MeasurePoint may be called
func (c *Controller) ReadyToMeasure() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enabled && c.ready && !c.measuring
}

// MeasurePoint records one window, takes its median and stores it at the
// room's current test position. The call blocks for the whole window.
func (c *Controller) MeasurePoint(ctx context.Context, roomID, speakerID string) (Measurement, error) {
	c.mu.Lock()
	switch {
	case !c.enabled:
		c.mu.Unlock()
		return Measurement{}, ErrDisabled
	case c.measuring:
		c.mu.Unlock()
		return Measurement{}, ErrBusy
	case !c.ready:
		c.mu.Unlock()
		return Measurement{}, ErrNotReady
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.measuring = true
	c.measureCancel = cancel
	c.measurements++
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.measuring = false
		c.measureCancel = nil
		c.mu.Unlock()
	}()

	volume, err := c.rec.Measure(ctx, c.cfg.MeasurementWindow)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Measurement{}, err
		}
		switch {
		case errors.Is(err, capture.ErrAudioSourceUnavailable):
			// Stays unready until the operator re-enables test mode
			c.mu.Lock()
			c.ready = false
			c.mu.Unlock()
		case errors.Is(err, loudness.ErrNoSamples):
			err = fmt.Errorf("test point not recorded: %w", err)
		}
		c.addErrors(err.Error())
		c.logger.Warn("test measurement failed", "room_id", roomID, "error", err)
		return Measurement{}, err
	}

	pos, ok := c.Position(roomID)
	if !ok {
		err := fmt.Errorf("%w %s", ErrNoPosition, roomID)
		c.addErrors(err.Error())
		return Measurement{}, err
	}

	point := TestPoint{
		RoomID:    roomID,
		X:         pos.PositionX,
		Y:         pos.PositionY,
		Volume:    volume,
		SpeakerID: speakerID,
	}

	c.mu.Lock()
	if !c.enabled {
		// Disabled while the window ran
		c.mu.Unlock()
		return Measurement{}, ErrDisabled
	}
	c.points = append(c.points, point)
	cal := c.calibrations
	c.mu.Unlock()

	m := Measurement{Point: point}
	if cal != nil {
		if b, ok := cal.Calibration(roomID); ok && b.Calibrated() {
			m.Target = b.TargetVolume()
			m.Corrections = b.Corrections(point.X, point.Y)
		}
	}

	c.logger.Info("test point measured",
		"room_id", roomID,
		"speaker_id", speakerID,
		"volume", volume,
		"position_x", point.X,
		"position_y", point.Y,
	)

	return m, nil
}

// Points returns the measured test points
func (c *Controller) Points() []TestPoint {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.points)
}

// Field interpolates the test points of speakerID
func (c *Controller) Field(speakerID string, resolution int) interp.Grid {
	return c.cache.Field(c.interpPoints(), speakerID, resolution)
}

// Markers returns one test point per measured position of speakerID
func (c *Controller) Markers(speakerID string) []interp.Point {
	return interp.UniquePositions(interp.FilterBySpeaker(c.interpPoints(), speakerID))
}

func (c *Controller) interpPoints() []interp.Point {
	points := c.Points()
	out := make([]interp.Point, len(points))
	for i, p := range points {
		out[i] = interp.Point{X: p.X, Y: p.Y, Volume: p.Volume, SpeakerID: p.SpeakerID}
	}
	return out
}

func (c *Controller) addErrors(msgs ...string) {
	c.mu.Lock()
	c.errs = append(c.errs, msgs...)
	c.mu.Unlock()
}

// Errors returns the user-visible error list
func (c *Controller) Errors() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.errs)
}

// ClearErrors empties the error list
func (c *Controller) ClearErrors() {
	c.mu.Lock()
	c.errs = nil
	c.mu.Unlock()
}

// Stats contains controller counters
type Stats struct {
	Enabled      bool  `json:"enabled"`
	Ready        bool  `json:"ready"`
	Measuring    bool  `json:"measuring"`
	Points       int   `json:"points"`
	Rooms        int   `json:"rooms"`
	Measurements int64 `json:"measurements"`
	Errors       int   `json:"errors"`
}

// Stats returns controller counters
func (c *Controller) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Stats{
		Enabled:      c.enabled,
		Ready:        c.ready,
		Measuring:    c.measuring,
		Points:       len(c.points),
		Rooms:        len(c.positions),
		Measurements: c.measurements,
		Errors:       len(c.errs),
	}
}
