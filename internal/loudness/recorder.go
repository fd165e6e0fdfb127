package loudness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/go-soundfield/internal/capture"
)

// ErrRecording is returned when a measurement is requested while one is running
var ErrRecording = errors.New("recorder already measuring")

// RecorderConfig configures the recorder
type RecorderConfig struct {
	TickInterval time.Duration
	Meter        MeterConfig
}

// DefaultRecorderConfig returns sensible defaults
func DefaultRecorderConfig() RecorderConfig {
	return RecorderConfig{
		TickInterval: 50 * time.Millisecond, // 20Hz
		Meter:        DefaultMeterConfig(),
	}
}

// Recorder drives a Meter from a capture source into a History. The capture
// device and the tick timer only exist while recording.
type Recorder struct {
	opener  capture.Opener
	cfg     RecorderConfig
	meter   *Meter
	history *History
	logger  *slog.Logger

	mu        sync.Mutex
	source    capture.Source
	cancel    context.CancelFunc
	done      chan struct{}
	failed    chan error // Receives the fatal source error of the current run
	measuring bool

	statsMu    sync.RWMutex
	latest     float64
	tickCount  int64
	tickErrors int64
	lastError  error

	subsMu sync.RWMutex
	subs   map[chan float64]struct{}
}

// NewRecorder creates a new recorder
func NewRecorder(opener capture.Opener, cfg RecorderConfig, logger *slog.Logger) (*Recorder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TickInterval <= 0 {
		return nil, fmt.Errorf("tick interval must be positive, got %v", cfg.TickInterval)
	}

	meter, err := NewMeter(cfg.Meter)
	if err != nil {
		return nil, err
	}

	return &Recorder{
		opener:  opener,
		cfg:     cfg,
		meter:   meter,
		history: NewHistory(),
		logger:  logger,
		subs:    make(map[chan float64]struct{}),
	}, nil
}

// Start acquires the capture source and begins accumulating samples.
// Calling Start while recording is a no-op.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.source != nil {
		return nil
	}

	source, err := r.opener.Open(ctx)
	if err != nil {
		r.recordError(err)
		return fmt.Errorf("start recording: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	r.source = source
	r.cancel = cancel
	r.done = make(chan struct{})
	r.failed = make(chan error, 1)
	r.history.Start()

	go r.run(loopCtx, source, r.done, r.failed)

	r.logger.Debug("recording started",
		"source", source.Name(),
		"tick_interval", r.cfg.TickInterval,
	)

	return nil
}

// Stop halts the tick timer, releases the capture source and clears the history
func (r *Recorder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopLocked()
}

func (r *Recorder) stopLocked() {
	if r.source == nil {
		r.history.Stop()
		return
	}

	r.cancel()
	<-r.done

	if err := r.source.Close(); err != nil {
		r.logger.Warn("close capture source", "error", err)
	}

	samples := r.history.Len()
	r.history.Stop()
	r.source = nil
	r.cancel = nil
	r.done = nil
	r.failed = nil

	r.logger.Debug("recording stopped", "samples", samples)
}

// Recording reports whether the recorder is accumulating samples
func (r *Recorder) Recording() bool {
	return r.history.Recording()
}

// Median returns the median of the samples recorded since Start
func (r *Recorder) Median() (float64, error) {
	return r.history.Median()
}

// Measure records for window and returns the median loudness. The recording
// is always stopped before returning; a cancelled ctx aborts the window.
func (r *Recorder) Measure(ctx context.Context, window time.Duration) (float64, error) {
	r.mu.Lock()
	if r.measuring {
		r.mu.Unlock()
		return 0, ErrRecording
	}
	r.measuring = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.measuring = false
		r.mu.Unlock()
	}()

	if err := r.Start(ctx); err != nil {
		return 0, err
	}
	defer r.Stop()

	r.mu.Lock()
	failed := r.failed
	r.mu.Unlock()

	timer := time.NewTimer(window)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case err := <-failed:
		return 0, fmt.Errorf("measurement aborted: %w", err)
	case <-timer.C:
	}

	return r.history.Median()
}

// run ticks until ctx is cancelled. A source that became unavailable ends
// the run and is reported on failed; other tick errors are only logged.
func (r *Recorder) run(ctx context.Context, source capture.Source, done chan struct{}, failed chan<- error) {
	defer close(done)

	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := r.tick(source)
			if err == nil {
				continue
			}
			if errors.Is(err, capture.ErrAudioSourceUnavailable) {
				r.logger.Error("audio source lost", "source", source.Name(), "error", err)
				failed <- err
				return
			}
			r.logger.Warn("loudness tick failed", "error", err)
		}
	}
}

func (r *Recorder) tick(source capture.Source) error {
	snap, err := source.Snapshot()
	if err != nil {
		r.recordError(err)
		return err
	}

	value, err := r.meter.Tick(snap)
	if err != nil {
		r.recordError(err)
		return err
	}

	r.history.Append(value)

	r.statsMu.Lock()
	r.latest = value
	r.tickCount++
	r.lastError = nil
	r.statsMu.Unlock()

	r.notifySubscribers(value)
	return nil
}

func (r *Recorder) recordError(err error) {
	r.statsMu.Lock()
	r.tickErrors++
	r.lastError = err
	r.statsMu.Unlock()
}

func (r *Recorder) notifySubscribers(value float64) {
	r.subsMu.RLock()
	defer r.subsMu.RUnlock()

	for ch := range r.subs {
		select {
		case ch <- value:
		default:
			// Drop if subscriber is slow
		}
	}
}

// Subscribe returns a channel receiving every live loudness value
func (r *Recorder) Subscribe() chan float64 {
	ch := make(chan float64, 10)

	r.subsMu.Lock()
	r.subs[ch] = struct{}{}
	r.subsMu.Unlock()

	return ch
}

// Unsubscribe removes a subscriber
func (r *Recorder) Unsubscribe(ch chan float64) {
	r.subsMu.Lock()
	if _, exists := r.subs[ch]; exists {
		delete(r.subs, ch)
		close(ch)
	}
	r.subsMu.Unlock()
}

// Latest returns the most recent live loudness value
func (r *Recorder) Latest() float64 {
	r.statsMu.RLock()
	defer r.statsMu.RUnlock()
	return r.latest
}

// Stats returns recorder statistics
func (r *Recorder) Stats() RecorderStats {
	r.statsMu.RLock()
	defer r.statsMu.RUnlock()

	var lastErr string
	if r.lastError != nil {
		lastErr = r.lastError.Error()
	}

	r.subsMu.RLock()
	subs := len(r.subs)
	r.subsMu.RUnlock()

	return RecorderStats{
		Recording:       r.history.Recording(),
		Samples:         r.history.Len(),
		TickCount:       r.tickCount,
		ErrorCount:      r.tickErrors,
		LastError:       lastErr,
		Latest:          r.latest,
		SubscriberCount: subs,
		Bands:           r.meter.Bands(),
	}
}

// RecorderStats contains recorder statistics
type RecorderStats struct {
	Recording       bool    `json:"recording"`
	Samples         int     `json:"samples"`
	TickCount       int64   `json:"tick_count"`
	ErrorCount      int64   `json:"error_count"`
	LastError       string  `json:"last_error,omitempty"`
	Latest          float64 `json:"latest"`
	SubscriberCount int     `json:"subscriber_count"`
	Bands           int     `json:"bands"`
}

// Close stops recording and closes all subscriber channels
func (r *Recorder) Close() {
	r.Stop()

	r.subsMu.Lock()
	for ch := range r.subs {
		close(ch)
		delete(r.subs, ch)
	}
	r.subsMu.Unlock()
}
