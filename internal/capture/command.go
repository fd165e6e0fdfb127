package capture

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
)

// CommandConfig configures PCM capture through an external recorder
type CommandConfig struct {
	Command    string    // Capture command (default: "arecord")
	Device     string    // ALSA device (default: "default")
	SampleRate int       // Sample rate in Hz
	USB        USBDevice // Optional microphone that must be present before capture
	Analyser   AnalyserConfig
}

// DefaultCommandConfig returns defaults for a Raspberry Pi with a USB microphone
func DefaultCommandConfig() CommandConfig {
	return CommandConfig{
		Command:    "arecord",
		Device:     "default",
		SampleRate: 48000,
		Analyser:   DefaultAnalyserConfig(),
	}
}

// CommandOpener spawns the capture command on Open
type CommandOpener struct {
	cfg    CommandConfig
	logger *slog.Logger
}

// NewCommandOpener creates an opener for cfg
func NewCommandOpener(cfg CommandConfig, logger *slog.Logger) *CommandOpener {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandOpener{cfg: cfg, logger: logger}
}

// Args returns the recorder arguments: mono S16LE raw PCM on stdout
func (o *CommandOpener) Args() []string {
	return []string{
		"-q",
		"-t", "raw",
		"-f", "S16_LE",
		"-c", "1",
		"-r", strconv.Itoa(o.cfg.SampleRate),
		"-D", o.cfg.Device,
	}
}

// Open checks the microphone, spawns the recorder and starts buffering samples
func (o *CommandOpener) Open(ctx context.Context) (Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if o.cfg.USB.Configured() {
		if err := CheckUSB(o.cfg.USB, o.logger); err != nil {
			return nil, err
		}
	}

	analyser, err := NewAnalyser(o.cfg.Analyser)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAudioSourceUnavailable, err)
	}

	// The recorder outlives the acquiring request; Close stops it
	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, o.cfg.Command, o.Args()...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrAudioSourceUnavailable, err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: start %s: %v", ErrAudioSourceUnavailable, o.cfg.Command, err)
	}

	s := &commandSource{
		cmd:      cmd,
		cancel:   cancel,
		analyser: analyser,
		ring:     make([]float64, o.cfg.Analyser.FFTSize),
		frame:    make([]float64, o.cfg.Analyser.FFTSize),
		logger:   o.logger,
		done:     make(chan struct{}),
	}

	go s.readLoop(stdout)

	o.logger.Info("audio capture started",
		"command", o.cfg.Command,
		"device", o.cfg.Device,
		"sample_rate", o.cfg.SampleRate,
		"fft_size", o.cfg.Analyser.FFTSize,
	)

	return s, nil
}

type commandSource struct {
	cmd      *exec.Cmd
	cancel   context.CancelFunc
	analyser *Analyser
	logger   *slog.Logger

	mu      sync.Mutex
	ring    []float64
	frame   []float64
	write   int
	filled  int
	readErr error
	closed  bool

	done chan struct{}
}

func (s *commandSource) readLoop(r io.Reader) {
	defer close(s.done)

	br := bufio.NewReaderSize(r, 4096)
	buf := make([]byte, 2)

	for {
		if _, err := io.ReadFull(br, buf); err != nil {
			s.mu.Lock()
			if !s.closed {
				s.readErr = fmt.Errorf("%w: capture stream ended: %v", ErrAudioSourceUnavailable, err)
			}
			s.mu.Unlock()
			return
		}

		sample := float64(int16(binary.LittleEndian.Uint16(buf))) / 32768.0

		s.mu.Lock()
		s.ring[s.write] = sample
		s.write = (s.write + 1) % len(s.ring)
		if s.filled < len(s.ring) {
			s.filled++
		}
		s.mu.Unlock()
	}
}

// Snapshot analyses the most recent fftSize samples
func (s *commandSource) Snapshot() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errors.New("capture closed")
	}
	if s.readErr != nil {
		return nil, s.readErr
	}

	// Not enough audio yet: report silence
	if s.filled < len(s.ring) {
		return make(Snapshot, s.analyser.Bins()), nil
	}

	// Unroll the ring oldest-first
	n := copy(s.frame, s.ring[s.write:])
	copy(s.frame[n:], s.ring[:s.write])

	return s.analyser.Analyse(s.frame)
}

func (s *commandSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	<-s.done
	_ = s.cmd.Wait()

	s.logger.Info("audio capture stopped")
	return nil
}

func (s *commandSource) Name() string {
	return "command"
}
