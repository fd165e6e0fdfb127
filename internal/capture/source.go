// Package capture provides microphone frequency snapshots for loudness metering
package capture

import (
	"context"
	"errors"
)

// ErrAudioSourceUnavailable is returned when the microphone cannot be acquired
// (spawn failure, missing hardware, device busy). It is never retried automatically.
var ErrAudioSourceUnavailable = errors.New("audio source unavailable")

// MaxMagnitude is the largest value a snapshot bin can hold
const MaxMagnitude = 255

// Snapshot is one frame of byte frequency data, fftSize/2 bins from DC upwards
type Snapshot []uint8

// Source provides frequency snapshots from an acquired capture device
type Source interface {
	// Snapshot analyses the most recent audio and returns its spectrum
	Snapshot() (Snapshot, error)

	// Close releases the capture device
	Close() error

	// Name returns the source type name
	Name() string
}

// Opener acquires a Source. Failures wrap ErrAudioSourceUnavailable.
type Opener interface {
	Open(ctx context.Context) (Source, error)
}

// OpenerFunc adapts a function to the Opener interface
type OpenerFunc func(ctx context.Context) (Source, error)

// Open calls f(ctx)
func (f OpenerFunc) Open(ctx context.Context) (Source, error) {
	return f(ctx)
}
