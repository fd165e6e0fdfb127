// Package calibration drives a room's calibration session against the
// session authority and measures each speaker through the loudness recorder.
package calibration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/teslashibe/go-soundfield/internal/interp"
	"github.com/teslashibe/go-soundfield/internal/loudness"
	"github.com/teslashibe/go-soundfield/internal/notify"
	"github.com/teslashibe/go-soundfield/internal/protocol"
)

// Authority is the part of the session authority the controller talks to
type Authority interface {
	Subscribe(roomID string) (<-chan protocol.Session, func())
	Request(ctx context.Context, req protocol.CalibrationRequest) (protocol.Ack, error)
	ReportResult(ctx context.Context, res protocol.CalibrationResult) (protocol.Ack, error)
}

// Meter records one measurement window and returns its median loudness
type Meter interface {
	Measure(ctx context.Context, window time.Duration) (float64, error)
}

// Notifier receives the report of every finished calibration
type Notifier interface {
	Notify(r notify.Report)
}

// Config configures a controller
type Config struct {
	MeasurementWindow time.Duration
	SettleTimeout     time.Duration // Max wait for the push that reflects an acknowledged request
	Interp            interp.Config
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		MeasurementWindow: 5 * time.Second,
		SettleTimeout:     2 * time.Second,
		Interp:            interp.DefaultConfig(),
	}
}

// Controller is a thin driver for one room's session. The authority owns the
// phase; the controller keeps the last pushed snapshot and treats it as
// provisional until the next push.
type Controller struct {
	roomID   string
	auth     Authority
	meter    Meter
	notifier Notifier
	cfg      Config
	logger   *slog.Logger

	ip      *interp.Interpolator
	cache   *interp.Cache
	balance *interp.Balance

	// reqMu serialises operator operations
	reqMu sync.Mutex

	mu       sync.RWMutex
	session  protocol.Session
	have     bool
	updated  chan struct{}
	pushes   int64
	requests int64
	rejected int64

	measureMu     sync.Mutex
	measureCancel context.CancelFunc
	measureDone   chan struct{}
	measureErr    error
	measurements  int64

	errMu sync.Mutex
	errs  []string
}

// New creates a controller for roomID
func New(roomID string, auth Authority, meter Meter, cfg Config, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MeasurementWindow <= 0 {
		cfg.MeasurementWindow = DefaultConfig().MeasurementWindow
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = DefaultConfig().SettleTimeout
	}

	logger = logger.With("room_id", roomID)
	ip := interp.New(cfg.Interp)

	return &Controller{
		roomID:  roomID,
		auth:    auth,
		meter:   meter,
		cfg:     cfg,
		logger:  logger,
		ip:      ip,
		cache:   interp.NewCache(ip),
		balance: interp.NewBalance(ip, roomID, logger),
		updated: make(chan struct{}),
	}
}

// SetNotifier sets the receiver of finished calibration reports
func (c *Controller) SetNotifier(n Notifier) {
	c.reqMu.Lock()
	c.notifier = n
	c.reqMu.Unlock()
}

// RoomID returns the room the controller drives
func (c *Controller) RoomID() string {
	return c.roomID
}

// Run follows the room's session until ctx is done (blocking, use goroutine)
func (c *Controller) Run(ctx context.Context) error {
	updates, cancel := c.auth.Subscribe(c.roomID)
	defer cancel()

	c.logger.Info("calibration controller started",
		"measurement_window", c.cfg.MeasurementWindow,
	)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("calibration controller stopped")
			return ctx.Err()
		case s, ok := <-updates:
			if !ok {
				return nil
			}
			c.setSession(s)
		}
	}
}

func (c *Controller) setSession(s protocol.Session) {
	// Outside a running session the previous points are the stored calibration
	if !s.Calibrating && len(s.PreviousPoints) > 0 {
		c.balance.Update(toPoints(s.PreviousPoints))
	}

	c.mu.Lock()
	c.session = s
	c.have = true
	c.pushes++
	close(c.updated)
	c.updated = make(chan struct{})
	c.mu.Unlock()
}

// WaitReady blocks until the first snapshot has arrived
func (c *Controller) WaitReady(ctx context.Context) error {
	for {
		c.mu.RLock()
		have, updated := c.have, c.updated
		c.mu.RUnlock()

		if have {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-updated:
		}
	}
}

// settle waits until a pushed snapshot satisfies done or the settle timeout
// passes. A timeout leaves the provisional snapshot in place.
func (c *Controller) settle(ctx context.Context, op string, done func(protocol.Session) bool) {
	timer := time.NewTimer(c.cfg.SettleTimeout)
	defer timer.Stop()

	for {
		c.mu.RLock()
		s, updated := c.session, c.updated
		c.mu.RUnlock()

		if done(s) {
			return
		}

		select {
		case <-updated:
		case <-ctx.Done():
			return
		case <-timer.C:
			c.logger.Warn("session push not observed", "op", op, "timeout", c.cfg.SettleTimeout)
			return
		}
	}
}

// Snapshot returns the last pushed session
func (c *Controller) Snapshot() (protocol.Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session.Clone(), c.have
}

// State derives the current phase from the last snapshot
func (c *Controller) State() State {
	s, _ := c.Snapshot()
	return StateOf(s)
}

// Measuring reports whether a measurement window is in progress
func (c *Controller) Measuring() bool {
	c.measureMu.Lock()
	defer c.measureMu.Unlock()
	return c.measuringLocked()
}

func (c *Controller) measuringLocked() bool {
	if c.measureDone == nil {
		return false
	}
	select {
	case <-c.measureDone:
		return false
	default:
		return true
	}
}

// guard returns the snapshot an operation acts on, or a violation
func (c *Controller) guard(op string) (protocol.Session, error) {
	s, ok := c.Snapshot()
	if !ok {
		return s, c.violate(op, "before the first session snapshot")
	}
	if c.Measuring() {
		return s, c.violate(op, "while a measurement is in progress")
	}
	return s, nil
}

func (c *Controller) violate(op, reason string) error {
	err := violation(op, reason)
	c.addErrors(err.Error())
	c.logger.Error("calibration protocol violation", "op", op, "reason", reason)
	return err
}

// send issues req and, once acknowledged, waits for the matching push
func (c *Controller) send(ctx context.Context, op string, req protocol.CalibrationRequest, settled func(protocol.Session) bool) (protocol.Ack, error) {
	req.Room = c.roomID

	c.mu.Lock()
	c.requests++
	c.mu.Unlock()

	ack, err := c.auth.Request(ctx, req)
	if err != nil {
		c.addErrors(fmt.Sprintf("%s: %v", op, err))
		c.logger.Warn("calibration request failed", "op", op, "error", err)
		return ack, fmt.Errorf("%s request: %w", op, err)
	}

	if !ack.Successful {
		c.mu.Lock()
		c.rejected++
		c.mu.Unlock()

		rerr := &RejectedError{Op: op, Errors: ack.Errors}
		if len(ack.Errors) > 0 {
			c.addErrors(ack.Errors...)
		} else {
			c.addErrors(rerr.Error())
		}
		c.logger.Warn("calibration request rejected", "op", op, "errors", ack.Errors)
		return ack, rerr
	}

	c.settle(ctx, op, settled)

	c.logger.Debug("calibration request acknowledged", "op", op)
	return ack, nil
}

// Start asks the authority to begin a session at the current position with
// the playback volume to calibrate at
func (c *Controller) Start(ctx context.Context, startVolume float64) (protocol.Ack, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	if _, err := c.guard("start"); err != nil {
		return protocol.Ack{}, err
	}

	return c.send(ctx, "start", protocol.CalibrationRequest{
		Start:       true,
		StartVolume: protocol.Float(startVolume),
	}, func(s protocol.Session) bool {
		return s.Calibrating
	})
}

// NextPoint moves the session to a new physical position
func (c *Controller) NextPoint(ctx context.Context) (protocol.Ack, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	if _, err := c.guard("nextPoint"); err != nil {
		return protocol.Ack{}, err
	}

	return c.send(ctx, "nextPoint", protocol.CalibrationRequest{NextPoint: true}, func(s protocol.Session) bool {
		return s.CurrentSpeakerIndex == -1 && len(s.CurrentPoints) == 0 && !s.PositionFreeze
	})
}

// NextSpeaker advances to the next speaker. With record set, a measurement
// window starts once the authority acknowledges, and the median is reported
// for the newly active speaker. When the last speaker is already active the
// call freezes the position and never records.
func (c *Controller) NextSpeaker(ctx context.Context, record bool) (protocol.Ack, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	s, err := c.guard("nextSpeaker")
	if err != nil {
		return protocol.Ack{}, err
	}
	if s.PositionFreeze {
		return protocol.Ack{}, c.violate("nextSpeaker", "while the position is frozen")
	}

	last := terminal(s)
	if !last && !record {
		return protocol.Ack{}, c.violate("nextSpeaker", "without recording before the last speaker is measured")
	}

	next := s.CurrentSpeakerIndex + 1
	ack, err := c.send(ctx, "nextSpeaker", protocol.CalibrationRequest{NextSpeaker: true}, func(snap protocol.Session) bool {
		if last {
			return snap.PositionFreeze
		}
		return snap.CurrentSpeakerIndex == next
	})
	if err != nil || last {
		return ack, err
	}

	speaker := ""
	if next < len(s.Speakers) {
		speaker = s.Speakers[next]
	}
	c.startMeasurement(speaker, len(s.CurrentPoints))
	return ack, nil
}

// ConfirmPoint commits the frozen points into the previous points
func (c *Controller) ConfirmPoint(ctx context.Context) (protocol.Ack, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	s, err := c.guard("confirmPoint")
	if err != nil {
		return protocol.Ack{}, err
	}
	if !s.PositionFreeze {
		return protocol.Ack{}, c.violate("confirmPoint", "while the position is not frozen")
	}

	want := len(s.PreviousPoints) + len(s.CurrentPoints)
	return c.send(ctx, "confirmPoint", protocol.CalibrationRequest{ConfirmPoint: true}, func(snap protocol.Session) bool {
		return !snap.PositionFreeze && len(snap.PreviousPoints) == want
	})
}

// RepeatPoint discards the frozen points so the position can be measured again
func (c *Controller) RepeatPoint(ctx context.Context) (protocol.Ack, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	s, err := c.guard("repeatPoint")
	if err != nil {
		return protocol.Ack{}, err
	}
	if !s.PositionFreeze {
		return protocol.Ack{}, c.violate("repeatPoint", "while the position is not frozen")
	}

	return c.send(ctx, "repeatPoint", protocol.CalibrationRequest{RepeatPoint: true}, func(snap protocol.Session) bool {
		return !snap.PositionFreeze && len(snap.CurrentPoints) == 0
	})
}

// Finish ends the session. A pending measurement window is cancelled first
// so no result races the teardown.
func (c *Controller) Finish(ctx context.Context) (protocol.Ack, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	c.cancelMeasurement()

	s, ok := c.Snapshot()
	if !ok {
		return protocol.Ack{}, c.violate("finish", "before the first session snapshot")
	}

	ack, err := c.send(ctx, "finish", protocol.CalibrationRequest{Finish: true}, func(snap protocol.Session) bool {
		return !snap.Calibrating
	})
	if err != nil {
		return ack, err
	}

	points := toPoints(s.PreviousPoints)
	c.balance.Update(points)

	c.logger.Info("calibration finished",
		"points", len(points),
		"target_volume", c.balance.TargetVolume(),
	)

	if c.notifier != nil {
		c.notifier.Notify(notify.Report{
			RoomID:       c.roomID,
			Points:       points,
			Speakers:     slices.Clone(s.Speakers),
			TargetVolume: c.balance.TargetVolume(),
			StartVolume:  s.StartVolume,
			FinishedAt:   time.Now(),
		})
	}

	return ack, nil
}

func (c *Controller) startMeasurement(speakerID string, currentPoints int) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.measureMu.Lock()
	c.measureCancel = cancel
	c.measureDone = done
	c.measureErr = nil
	c.measurements++
	c.measureMu.Unlock()

	go func() {
		defer close(done)
		defer cancel()

		err := c.measure(ctx, speakerID, currentPoints)

		c.measureMu.Lock()
		c.measureErr = err
		c.measureMu.Unlock()
	}()
}

func (c *Controller) measure(ctx context.Context, speakerID string, currentPoints int) error {
	c.logger.Debug("measurement window started",
		"speaker_id", speakerID,
		"window", c.cfg.MeasurementWindow,
	)

	volume, err := c.meter.Measure(ctx, c.cfg.MeasurementWindow)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			c.logger.Debug("measurement cancelled", "speaker_id", speakerID)
			return err
		}
		if errors.Is(err, loudness.ErrNoSamples) {
			err = fmt.Errorf("speaker %s not reported: %w", speakerID, err)
		}
		c.addErrors(err.Error())
		c.logger.Warn("measurement failed", "speaker_id", speakerID, "error", err)
		return err
	}

	ack, err := c.auth.ReportResult(ctx, protocol.CalibrationResult{
		Room:   c.roomID,
		Volume: volume,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		c.addErrors(fmt.Sprintf("result: %v", err))
		c.logger.Warn("report result failed", "speaker_id", speakerID, "error", err)
		return fmt.Errorf("report result: %w", err)
	}
	if !ack.Successful {
		rerr := &RejectedError{Op: "result", Errors: ack.Errors}
		c.addErrors(rerr.Error())
		c.logger.Warn("result rejected", "speaker_id", speakerID, "errors", ack.Errors)
		return rerr
	}

	c.settle(ctx, "result", func(s protocol.Session) bool {
		return len(s.CurrentPoints) > currentPoints
	})

	c.logger.Info("speaker measured",
		"speaker_id", speakerID,
		"volume", volume,
	)
	return nil
}

// AwaitMeasurement blocks until the running measurement window completes and
// returns its error. It returns nil straight away when nothing is measuring.
func (c *Controller) AwaitMeasurement(ctx context.Context) error {
	c.measureMu.Lock()
	done := c.measureDone
	c.measureMu.Unlock()

	if done == nil {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
	}

	c.measureMu.Lock()
	defer c.measureMu.Unlock()
	return c.measureErr
}

func (c *Controller) cancelMeasurement() {
	c.measureMu.Lock()
	cancel, done := c.measureCancel, c.measureDone
	c.measureMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Close cancels any pending measurement window
func (c *Controller) Close() {
	c.cancelMeasurement()
}

func (c *Controller) addErrors(msgs ...string) {
	c.errMu.Lock()
	c.errs = append(c.errs, msgs...)
	c.errMu.Unlock()
}

// Errors returns the user-visible error list
func (c *Controller) Errors() []string {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return slices.Clone(c.errs)
}

// ClearErrors empties the error list
func (c *Controller) ClearErrors() {
	c.errMu.Lock()
	c.errs = nil
	c.errMu.Unlock()
}

// Points returns the confirmed points of the snapshot. Points still awaiting
// confirm or repeat are left out.
func (c *Controller) Points() []interp.Point {
	s, _ := c.Snapshot()
	return toPoints(s.PreviousPoints)
}

// Field returns the interpolated loudness field of speakerID over the
// confirmed points
func (c *Controller) Field(speakerID string, resolution int) interp.Grid {
	return c.cache.Field(c.Points(), speakerID, resolution)
}

// SeriesIndex returns the colour series of speakerID, -1 when unassigned
func (c *Controller) SeriesIndex(speakerID string) int {
	s, _ := c.Snapshot()
	return slices.Index(s.Speakers, speakerID)
}

// Balance returns the stored calibration of the room
func (c *Controller) Balance() *interp.Balance {
	return c.balance
}

// Interpolator returns the interpolator used for fields
func (c *Controller) Interpolator() *interp.Interpolator {
	return c.ip
}

func toPoints(ps []protocol.Point) []interp.Point {
	out := make([]interp.Point, 0, len(ps))
	for _, p := range ps {
		out = append(out, interp.Point{
			X:         p.CoordinateX,
			Y:         p.CoordinateY,
			Volume:    p.MeasuredVolume,
			SpeakerID: p.SpeakerID,
		})
	}
	return out
}

// Stats contains controller counters
type Stats struct {
	RoomID       string            `json:"room_id"`
	State        string            `json:"state"`
	Measuring    bool              `json:"measuring"`
	Pushes       int64             `json:"pushes"`
	Requests     int64             `json:"requests"`
	Rejected     int64             `json:"rejected"`
	Measurements int64             `json:"measurements"`
	Errors       int               `json:"errors"`
	Cache        interp.CacheStats `json:"cache"`
}

// Stats returns controller counters
func (c *Controller) Stats() Stats {
	state := c.State().String()
	measuring := c.Measuring()

	c.measureMu.Lock()
	measurements := c.measurements
	c.measureMu.Unlock()

	c.errMu.Lock()
	errs := len(c.errs)
	c.errMu.Unlock()

	c.mu.RLock()
	defer c.mu.RUnlock()

	return Stats{
		RoomID:       c.roomID,
		State:        state,
		Measuring:    measuring,
		Pushes:       c.pushes,
		Requests:     c.requests,
		Rejected:     c.rejected,
		Measurements: measurements,
		Errors:       errs,
		Cache:        c.cache.Stats(),
	}
}
