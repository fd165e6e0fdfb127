package capture

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
)

// ToneConfig configures the synthetic source
type ToneConfig struct {
	SampleRate int
	Frequency  float64        // Test tone frequency in Hz
	Level      func() float64 // Amplitude in [0, 1], read on every snapshot
	Analyser   AnalyserConfig
	OpenErr    error // When set, Open fails with this wrapped in ErrAudioSourceUnavailable
	FailAfter  int   // When positive, each source fails after this many snapshots as if unplugged
}

// ToneOpener produces snapshots of a synthetic sine tone whose level follows
// Level. Used for the mock mode and for tests.
type ToneOpener struct {
	cfg ToneConfig

	mu    sync.Mutex
	opens int
	open  int
}

// NewToneOpener creates a tone opener; a nil Level yields silence
func NewToneOpener(cfg ToneConfig) *ToneOpener {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 48000
	}
	if cfg.Frequency <= 0 {
		cfg.Frequency = 1000
	}
	if cfg.Analyser.FFTSize == 0 {
		cfg.Analyser = DefaultAnalyserConfig()
	}
	if cfg.Level == nil {
		cfg.Level = func() float64 { return 0 }
	}
	return &ToneOpener{cfg: cfg}
}

// Open returns a new tone source
func (o *ToneOpener) Open(ctx context.Context) (Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if o.cfg.OpenErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrAudioSourceUnavailable, o.cfg.OpenErr)
	}

	analyser, err := NewAnalyser(o.cfg.Analyser)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAudioSourceUnavailable, err)
	}

	o.mu.Lock()
	o.opens++
	o.open++
	o.mu.Unlock()

	return &toneSource{
		opener:   o,
		analyser: analyser,
		frame:    make([]float64, o.cfg.Analyser.FFTSize),
	}, nil
}

// Opens returns how many times the opener was acquired
func (o *ToneOpener) Opens() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens
}

// OpenCount returns how many acquired sources are still open
func (o *ToneOpener) OpenCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.open
}

type toneSource struct {
	opener   *ToneOpener
	analyser *Analyser

	mu     sync.Mutex
	frame  []float64
	phase  float64
	taken  int
	closed bool
}

func (s *toneSource) Snapshot() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errors.New("tone source closed")
	}

	cfg := s.opener.cfg
	if cfg.FailAfter > 0 && s.taken >= cfg.FailAfter {
		return nil, fmt.Errorf("%w: tone source unplugged after %d snapshots", ErrAudioSourceUnavailable, s.taken)
	}
	s.taken++

	level := math.Max(0, math.Min(1, cfg.Level()))
	step := 2 * math.Pi * cfg.Frequency / float64(cfg.SampleRate)

	for i := range s.frame {
		s.frame[i] = level * math.Sin(s.phase)
		s.phase += step
	}
	s.phase = math.Mod(s.phase, 2*math.Pi)

	return s.analyser.Analyse(s.frame)
}

func (s *toneSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	s.opener.mu.Lock()
	s.opener.open--
	s.opener.mu.Unlock()
	return nil
}

func (s *toneSource) Name() string {
	return "tone"
}
