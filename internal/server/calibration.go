package server

import (
	"bytes"
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/go-soundfield/internal/authority"
	"github.com/teslashibe/go-soundfield/internal/balancetest"
	"github.com/teslashibe/go-soundfield/internal/calibration"
	"github.com/teslashibe/go-soundfield/internal/capture"
	"github.com/teslashibe/go-soundfield/internal/interp"
	"github.com/teslashibe/go-soundfield/internal/loudness"
	"github.com/teslashibe/go-soundfield/internal/protocol"
)

// maxResolution caps the JSON field grid
const maxResolution = 1000

// errorStatus maps engine errors onto HTTP statuses
func errorStatus(err error) int {
	switch {
	case errors.Is(err, ErrUnknownRoom):
		return fiber.StatusNotFound
	case errors.Is(err, calibration.ErrSessionRequestRejected),
		errors.Is(err, loudness.ErrRecording),
		errors.Is(err, balancetest.ErrNotReady),
		errors.Is(err, balancetest.ErrNoPosition):
		return fiber.StatusConflict
	case errors.Is(err, calibration.ErrProtocolViolation):
		return fiber.StatusBadRequest
	case errors.Is(err, capture.ErrAudioSourceUnavailable),
		errors.Is(err, authority.ErrNotConnected):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, authority.ErrRequestTimeout):
		return fiber.StatusGatewayTimeout
	case errors.Is(err, loudness.ErrNoSamples):
		return fiber.StatusUnprocessableEntity
	default:
		return fiber.StatusInternalServerError
	}
}

func errorResponse(c *fiber.Ctx, err error) error {
	body := fiber.Map{"error": err.Error()}

	var rerr *calibration.RejectedError
	if errors.As(err, &rerr) {
		body["errors"] = rerr.Errors
	}

	return c.Status(errorStatus(err)).JSON(body)
}

func (s *Server) ackResponse(c *fiber.Ctx, ctrl *calibration.Controller, ack protocol.Ack, err error) error {
	if err != nil {
		return errorResponse(c, err)
	}

	update := CalibrationUpdate{
		Room:      ctrl.RoomID(),
		State:     ctrl.State().String(),
		Measuring: ctrl.Measuring(),
	}
	s.wsHub.PublishCalibration(update)

	return c.JSON(fiber.Map{
		"ack":       ack,
		"state":     update.State,
		"measuring": update.Measuring,
	})
}

// calibrationHandler returns the room's session snapshot
func (s *Server) calibrationHandler(c *fiber.Ctx) error {
	ctrl, err := s.controller(c.Params("room"))
	if err != nil {
		return errorResponse(c, err)
	}
	session, ok := ctrl.Snapshot()

	resp := fiber.Map{
		"room":      ctrl.RoomID(),
		"state":     ctrl.State(),
		"measuring": ctrl.Measuring(),
		"errors":    ctrl.Errors(),
		"stats":     ctrl.Stats(),
	}
	if ok {
		resp["session"] = session
	}
	return c.JSON(resp)
}

// startHandler begins a session at the requested playback volume
func (s *Server) startHandler(c *fiber.Ctx) error {
	var body struct {
		Volume *float64 `json:"volume"`
	}
	if err := c.BodyParser(&body); err != nil || body.Volume == nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "volume is required",
		})
	}

	ctrl, err := s.controller(c.Params("room"))
	if err != nil {
		return errorResponse(c, err)
	}
	ack, err := ctrl.Start(c.UserContext(), *body.Volume)
	return s.ackResponse(c, ctrl, ack, err)
}

func (s *Server) nextPointHandler(c *fiber.Ctx) error {
	ctrl, err := s.controller(c.Params("room"))
	if err != nil {
		return errorResponse(c, err)
	}
	ack, err := ctrl.NextPoint(c.UserContext())
	return s.ackResponse(c, ctrl, ack, err)
}

// nextSpeakerHandler advances the speaker; record defaults to true
func (s *Server) nextSpeakerHandler(c *fiber.Ctx) error {
	var body struct {
		Record *bool `json:"record"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&body); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid body",
			})
		}
	}
	record := body.Record == nil || *body.Record

	ctrl, err := s.controller(c.Params("room"))
	if err != nil {
		return errorResponse(c, err)
	}
	ack, err := ctrl.NextSpeaker(c.UserContext(), record)
	return s.ackResponse(c, ctrl, ack, err)
}

func (s *Server) confirmHandler(c *fiber.Ctx) error {
	ctrl, err := s.controller(c.Params("room"))
	if err != nil {
		return errorResponse(c, err)
	}
	ack, err := ctrl.ConfirmPoint(c.UserContext())
	return s.ackResponse(c, ctrl, ack, err)
}

func (s *Server) repeatHandler(c *fiber.Ctx) error {
	ctrl, err := s.controller(c.Params("room"))
	if err != nil {
		return errorResponse(c, err)
	}
	ack, err := ctrl.RepeatPoint(c.UserContext())
	return s.ackResponse(c, ctrl, ack, err)
}

func (s *Server) finishHandler(c *fiber.Ctx) error {
	ctrl, err := s.controller(c.Params("room"))
	if err != nil {
		return errorResponse(c, err)
	}
	ack, err := ctrl.Finish(c.UserContext())
	return s.ackResponse(c, ctrl, ack, err)
}

func (s *Server) clearErrorsHandler(c *fiber.Ctx) error {
	ctrl, err := s.controller(c.Params("room"))
	if err != nil {
		return errorResponse(c, err)
	}
	ctrl.ClearErrors()
	return c.SendStatus(fiber.StatusNoContent)
}

// fieldHandler returns the interpolated field of one speaker as JSON
func (s *Server) fieldHandler(c *fiber.Ctx) error {
	speaker := c.Query("speaker")
	if speaker == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "speaker is required",
		})
	}

	resolution := c.QueryInt("resolution", s.cfg.Calibration.CanvasSize)
	if resolution < 1 || resolution > maxResolution {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "resolution out of range",
		})
	}

	ctrl, err := s.controller(c.Params("room"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{
		"speaker": speaker,
		"field":   ctrl.Field(speaker, resolution),
	})
}

// fieldPNGHandler renders the field of one speaker with its point markers
// and the current position
func (s *Server) fieldPNGHandler(c *fiber.Ctx) error {
	speaker := c.Query("speaker")
	if speaker == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "speaker is required",
		})
	}

	ctrl, err := s.controller(c.Params("room"))
	if err != nil {
		return errorResponse(c, err)
	}
	size := s.cfg.Calibration.CanvasSize

	opts := interp.RenderOptions{
		CanvasSize:  size,
		MaxCoord:    s.cfg.Calibration.MaxCoord,
		SeriesIndex: max(ctrl.SeriesIndex(speaker), 0),
		Markers:     interp.UniquePositions(interp.FilterBySpeaker(ctrl.Points(), speaker)),
	}
	if session, ok := ctrl.Snapshot(); ok && session.Calibrating {
		opts.Current = &interp.Position{X: session.PositionX, Y: session.PositionY}
	}

	return s.sendPNG(c, ctrl.Field(speaker, size), opts)
}

func (s *Server) sendPNG(c *fiber.Ctx, g interp.Grid, opts interp.RenderOptions) error {
	var buf bytes.Buffer
	if err := interp.RenderPNG(&buf, g, opts); err != nil {
		return errorResponse(c, err)
	}

	c.Set("Content-Type", "image/png")
	return c.Send(buf.Bytes())
}
