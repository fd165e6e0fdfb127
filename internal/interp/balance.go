package interp

import (
	"log/slog"
	"sync"
)

// Balance derives per-speaker volume corrections from a stored calibration.
// The target is the loudest measured volume in the room.
type Balance struct {
	ip     *Interpolator
	roomID string
	logger *slog.Logger

	mu        sync.RWMutex
	target    float64
	bySpeaker map[string][]Point
}

// NewBalance creates a balance for roomID with no calibration loaded
func NewBalance(ip *Interpolator, roomID string, logger *slog.Logger) *Balance {
	if logger == nil {
		logger = slog.Default()
	}
	return &Balance{
		ip:        ip,
		roomID:    roomID,
		logger:    logger,
		bySpeaker: make(map[string][]Point),
	}
}

// Update replaces the calibration points
func (b *Balance) Update(points []Point) {
	target := 0.0
	bySpeaker := make(map[string][]Point)
	for _, p := range points {
		if p.Volume > target {
			target = p.Volume
		}
		bySpeaker[p.SpeakerID] = append(bySpeaker[p.SpeakerID], p)
	}

	b.mu.Lock()
	b.target = target
	b.bySpeaker = bySpeaker
	b.mu.Unlock()
}

// Calibrated reports whether any points are loaded
func (b *Balance) Calibrated() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.bySpeaker) > 0
}

// TargetVolume returns the loudest measured volume
func (b *Balance) TargetVolume() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.target
}

// VolumeAt estimates the loudness of speakerID at (x, y). A speaker with no
// calibration yields 0.
func (b *Balance) VolumeAt(x, y float64, speakerID string) float64 {
	b.mu.RLock()
	points, ok := b.bySpeaker[speakerID]
	b.mu.RUnlock()

	if !ok {
		b.logger.Warn("speaker not calibrated",
			"speaker_id", speakerID,
			"room_id", b.roomID,
		)
		return 0
	}
	return b.ip.Estimate(points, x, y)
}

// Corrections returns target minus estimate for every calibrated speaker
func (b *Balance) Corrections(x, y float64) map[string]float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]float64, len(b.bySpeaker))
	for id, points := range b.bySpeaker {
		out[id] = b.target - b.ip.Estimate(points, x, y)
	}
	return out
}
