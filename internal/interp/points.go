package interp

import (
	"fmt"
	"hash/fnv"
	"math"
)

// FilterBySpeaker returns the points recorded for speakerID, in order
func FilterBySpeaker(points []Point, speakerID string) []Point {
	var out []Point
	for _, p := range points {
		if p.SpeakerID == speakerID {
			out = append(out, p)
		}
	}
	return out
}

// UniquePositions drops points whose coordinates repeat an earlier point.
// One marker is drawn per physical position regardless of speaker count.
func UniquePositions(points []Point) []Point {
	type pos struct{ x, y float64 }

	seen := make(map[pos]struct{}, len(points))
	var out []Point
	for _, p := range points {
		k := pos{p.X, p.Y}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, p)
	}
	return out
}

// Speakers returns the distinct speaker ids in first-seen order
func Speakers(points []Point) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, p := range points {
		if _, ok := seen[p.SpeakerID]; ok {
			continue
		}
		seen[p.SpeakerID] = struct{}{}
		out = append(out, p.SpeakerID)
	}
	return out
}

// Fingerprint identifies a point set by content
func Fingerprint(points []Point) uint64 {
	h := fnv.New64a()
	for _, p := range points {
		fmt.Fprintf(h, "%s|%x|%x|%x;",
			p.SpeakerID,
			math.Float64bits(p.X),
			math.Float64bits(p.Y),
			math.Float64bits(p.Volume),
		)
	}
	return h.Sum64()
}
