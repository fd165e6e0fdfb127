package server

import (
	"slices"

	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/go-soundfield/internal/interp"
)

// testModeHandler returns the test mode state
func (s *Server) testModeHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"enabled": s.testMode.Enabled(),
		"ready":   s.testMode.ReadyToMeasure(),
		"errors":  s.testMode.Errors(),
		"stats":   s.testMode.Stats(),
	})
}

// setTestModeHandler enables or disables test mode
func (s *Server) setTestModeHandler(c *fiber.Ctx) error {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := c.BodyParser(&body); err != nil || body.Enabled == nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "enabled is required",
		})
	}

	if err := s.testMode.SetEnabled(c.UserContext(), *body.Enabled); err != nil {
		return errorResponse(c, err)
	}

	return c.JSON(fiber.Map{
		"enabled": s.testMode.Enabled(),
		"ready":   s.testMode.ReadyToMeasure(),
	})
}

// measureHandler records one test point
func (s *Server) measureHandler(c *fiber.Ctx) error {
	var body struct {
		Room    string `json:"room"`
		Speaker string `json:"speaker"`
	}
	if err := c.BodyParser(&body); err != nil || body.Room == "" || body.Speaker == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "room and speaker are required",
		})
	}

	m, err := s.testMode.MeasurePoint(c.UserContext(), body.Room, body.Speaker)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(m)
}

func (s *Server) testPointsHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"points": s.testMode.Points(),
	})
}

// testFieldPNGHandler renders the test points of one speaker
func (s *Server) testFieldPNGHandler(c *fiber.Ctx) error {
	speaker := c.Query("speaker")
	if speaker == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "speaker is required",
		})
	}

	var speakers []string
	for _, p := range s.testMode.Points() {
		if !slices.Contains(speakers, p.SpeakerID) {
			speakers = append(speakers, p.SpeakerID)
		}
	}

	size := s.cfg.Calibration.CanvasSize
	return s.sendPNG(c, s.testMode.Field(speaker, size), interp.RenderOptions{
		CanvasSize:  size,
		MaxCoord:    s.cfg.Calibration.MaxCoord,
		SeriesIndex: max(slices.Index(speakers, speaker), 0),
		Markers:     s.testMode.Markers(speaker),
	})
}
