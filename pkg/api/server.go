// Package api serves the bridge's optional HTTP status surface: health,
// state, counters, pairing, and websocket telemetry/control channels.
package api

import (
	"context"
	"fmt"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/carrymate/bridge/domain/robot"
	"github.com/carrymate/bridge/pkg/config"
	customlog "github.com/carrymate/bridge/pkg/log"
	"github.com/carrymate/bridge/pkg/pairing"
	"github.com/carrymate/bridge/services"
)

// Bridge is the part of the runtime the API reads from and feeds.
type Bridge interface {
	CommandSink
	State() *robot.State
	Stats() services.RuntimeStats
}

// StateResponse is the body of GET /api/v1/state.
type StateResponse struct {
	Mode     robot.Mode `json:"mode"`
	Battery  float64    `json:"battery"`
	Range    float64    `json:"range"`
	Weight   float64    `json:"weight"`
	Steps    int64      `json:"steps"`
	Calories int64      `json:"calories"`
}

// Server wraps the fiber app.
type Server struct {
	app    *fiber.App
	cfg    *config.Config
	bridge Bridge
	hub    *TelemetryHub
	logger customlog.Logger
}

// NewServer registers every route. The hub should also be added to the
// runtime as a telemetry publisher.
func NewServer(cfg *config.Config, bridge Bridge, hub *TelemetryHub, logger customlog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		bridge: bridge,
		hub:    hub,
		logger: logger,
	}

	app := fiber.New(fiber.Config{
		AppName:               "CarryMate Bridge",
		ErrorHandler:          customErrorHandler,
		DisableStartupMessage: true,
	})
	app.Use(recover.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "healthy"})
	})

	v1 := app.Group("/api/v1")
	v1.Get("/state", s.handleState)
	v1.Get("/stats", s.handleStats)
	v1.Get("/pairing", s.handlePairing)
	v1.Get("/pairing/qr", s.handlePairingQR)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/telemetry", websocket.New(func(conn *websocket.Conn) {
		TelemetryWebSocketHandler(conn, s.hub, s.logger)
	}))
	app.Get("/ws/control", websocket.New(func(conn *websocket.Conn) {
		ControlWebSocketHandler(conn, s.bridge, s.cfg.Topics.Command, s.logger)
	}))

	s.app = app
	return s
}

// App exposes the fiber app, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen blocks serving on the configured port.
func (s *Server) Listen() error {
	addr := fmt.Sprintf(":%d", s.cfg.HTTP.Port)
	s.logger.Infof("Status API listening on %s", addr)
	return s.app.Listen(addr)
}

// Shutdown stops the server, waiting for open requests until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) handleState(c *fiber.Ctx) error {
	r := s.bridge.State().Snapshot()
	return c.JSON(StateResponse{
		Mode:     r.Mode,
		Battery:  r.BatteryPercent,
		Range:    r.RangeMeters,
		Weight:   r.WeightKg,
		Steps:    r.StepCount,
		Calories: r.Calories(),
	})
}

func (s *Server) handleStats(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"bridge":            s.bridge.Stats(),
		"telemetry_clients": s.hub.ClientCount(),
		"telemetry_dropped": s.hub.Dropped(),
	})
}

func (s *Server) handlePairing(c *fiber.Ctx) error {
	d, err := pairing.FromConfig(s.cfg)
	if err != nil {
		return fiber.NewError(fiber.StatusConflict, err.Error())
	}
	return c.JSON(fiber.Map{
		"uri":        d.URI(),
		"descriptor": d,
	})
}

func (s *Server) handlePairingQR(c *fiber.Ctx) error {
	size := c.QueryInt("size", pairing.DefaultQRSize)
	if size < 64 || size > 2048 {
		return fiber.NewError(fiber.StatusBadRequest, "size must be between 64 and 2048")
	}
	d, err := pairing.FromConfig(s.cfg)
	if err != nil {
		return fiber.NewError(fiber.StatusConflict, err.Error())
	}
	png, err := d.QRCode(size)
	if err != nil {
		s.logger.Errorf("Failed to render pairing QR: %v", err)
		return err
	}
	c.Set(fiber.HeaderContentType, "image/png")
	return c.Send(png)
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}
	return c.Status(code).JSON(fiber.Map{
		"error": err.Error(),
	})
}
