package notify

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

type logEntry struct {
	Timestamp    string  `json:"timestamp"`
	Event        string  `json:"event"`
	RoomID       string  `json:"room_id"`
	Points       int     `json:"points"`
	Speakers     int     `json:"speakers"`
	TargetVolume float64 `json:"target_volume"`
}

// appendReport appends one JSON line per report
func appendReport(logPath string, r Report) error {
	data, err := json.Marshal(logEntry{
		Timestamp:    r.FinishedAt.UTC().Format(time.RFC3339),
		Event:        "calibration_finished",
		RoomID:       r.RoomID,
		Points:       len(r.Points),
		Speakers:     len(r.Speakers),
		TargetVolume: r.TargetVolume,
	})
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write log entry: %w", err)
	}
	return nil
}
