package health

import (
	"context"
	"errors"
	"testing"
)

func TestChecker_Basic(t *testing.T) {
	checker := NewChecker("1.2.0")

	status := checker.GetStatus()

	if status.Status != StatusOK {
		t.Errorf("expected status 'ok', got %s", status.Status)
	}

	if status.Version != "1.2.0" {
		t.Errorf("expected version '1.2.0', got %s", status.Version)
	}

	if status.UptimeSeconds < 0 {
		t.Error("expected non-negative uptime")
	}
}

func TestChecker_SetComponent(t *testing.T) {
	checker := NewChecker("1.2.0")

	checker.SetComponent(ComponentAudio, true, "tone")

	status := checker.GetStatus()

	if len(status.Components) != 1 {
		t.Errorf("expected 1 component, got %d", len(status.Components))
	}

	audio, ok := status.Components[ComponentAudio]
	if !ok {
		t.Fatal("expected audio component")
	}

	if !audio.Healthy {
		t.Error("expected audio to be healthy")
	}

	if audio.Message != "tone" {
		t.Errorf("expected message 'tone', got %s", audio.Message)
	}
}

func TestChecker_Degraded(t *testing.T) {
	checker := NewChecker("1.2.0")

	checker.SetComponent(ComponentAudio, true, "ok")
	checker.SetComponent(ComponentAuthority, false, "disconnected")

	status := checker.GetStatus()

	if status.Status != StatusDegraded {
		t.Errorf("expected status 'degraded', got %s", status.Status)
	}

	if checker.IsHealthy() {
		t.Error("expected IsHealthy() to return false")
	}
}

func TestChecker_Recovery(t *testing.T) {
	checker := NewChecker("1.2.0")

	// Start unhealthy
	checker.SetComponent(ComponentAuthority, false, "not connected")

	if checker.IsHealthy() {
		t.Error("expected unhealthy")
	}

	// Recover
	checker.SetComponent(ComponentAuthority, true, "connected")

	if !checker.IsHealthy() {
		t.Error("expected healthy after recovery")
	}

	status := checker.GetStatus()
	if status.Status != StatusOK {
		t.Errorf("expected status 'ok', got %s", status.Status)
	}
}

func TestChecker_Refresh(t *testing.T) {
	checker := NewChecker("1.2.0")

	connected := false
	checker.Register(ComponentAuthority, func(ctx context.Context) (string, error) {
		if !connected {
			return "", errors.New("not connected")
		}
		return "connected", nil
	})
	checker.Register(ComponentAudio, func(ctx context.Context) (string, error) {
		return "arecord", nil
	})

	checker.Refresh(t.Context())

	status := checker.GetStatus()
	if status.Status != StatusDegraded {
		t.Errorf("expected degraded, got %s", status.Status)
	}
	if got := status.Components[ComponentAuthority].Message; got != "not connected" {
		t.Errorf("authority message = %q, want check error", got)
	}
	if !status.Components[ComponentAudio].Healthy {
		t.Error("audio should be healthy")
	}

	connected = true
	checker.Refresh(t.Context())

	if !checker.IsHealthy() {
		t.Error("expected healthy after the check recovers")
	}
}

func TestChecker_StatusIsCopy(t *testing.T) {
	checker := NewChecker("1.2.0")
	checker.SetComponent(ComponentAudio, true, "")

	status := checker.GetStatus()
	delete(status.Components, ComponentAudio)

	if len(checker.GetStatus().Components) != 1 {
		t.Error("mutating a returned status changed the checker")
	}
}
