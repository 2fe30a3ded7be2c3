// Package api exposes the engine state over a small HTTP surface. It mirrors
// the binary control protocol for frontends that prefer JSON.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/javi11/nzbd/internal/config"
	"github.com/javi11/nzbd/internal/remote"
)

// Server is the HTTP status and control API.
type Server struct {
	cfg       config.APIConfig
	control   remote.Control
	app       *fiber.App
	log       *slog.Logger
	startTime time.Time
}

// NewServer creates the API server on top of the same control surface the
// binary protocol uses.
func NewServer(cfg config.APIConfig, control remote.Control) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		AppName:               "nzbd",
	})
	app.Use(recover.New())

	s := &Server{
		cfg:       cfg,
		control:   control,
		app:       app,
		log:       slog.Default().With("component", "api"),
		startTime: time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	api := s.app.Group(s.cfg.Prefix)

	api.Get("/status", s.handleStatus)
	api.Get("/queue", s.handleQueue)
	api.Get("/log", s.handleLog)
	api.Post("/pause", s.handlePause)
	api.Post("/resume", s.handleResume)
	api.Post("/rate", s.handleRate)
	api.Post("/queue/:id/edit", s.handleEdit)
}

// Run serves until the context ends.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	go func() {
		<-ctx.Done()
		_ = s.app.ShutdownWithTimeout(5 * time.Second)
	}()

	s.log.Info("API server listening", "addr", addr)
	if err := s.app.Listen(addr); err != nil && ctx.Err() == nil {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

type statusResponse struct {
	Uptime         string `json:"uptime"`
	DownloadRate   int64  `json:"download_rate"`
	RemainingSize  int64  `json:"remaining_size"`
	DownloadPaused bool   `json:"download_paused"`
	PostPaused     bool   `json:"post_paused"`
	ScanPaused     bool   `json:"scan_paused"`
	QueuedCount    int    `json:"queued_count"`
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	entries, summary := s.control.ListQueue()
	return c.JSON(statusResponse{
		Uptime:         time.Since(s.startTime).Round(time.Second).String(),
		DownloadRate:   summary.DownloadRate,
		RemainingSize:  summary.RemainingSize,
		DownloadPaused: summary.DownloadPaused,
		PostPaused:     summary.PostPaused,
		ScanPaused:     summary.ScanPaused,
		QueuedCount:    len(entries),
	})
}

type queueEntryResponse struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	Remaining int64  `json:"remaining"`
	Priority  int    `json:"priority"`
	Paused    bool   `json:"paused"`
	Health    int    `json:"health"`
}

func (s *Server) handleQueue(c *fiber.Ctx) error {
	entries, _ := s.control.ListQueue()

	out := make([]queueEntryResponse, 0, len(entries))
	for _, entry := range entries {
		out = append(out, queueEntryResponse(entry))
	}
	return c.JSON(out)
}

type logEntryResponse struct {
	Kind int    `json:"kind"`
	Time int64  `json:"time"`
	Text string `json:"text"`
}

func (s *Server) handleLog(c *fiber.Ctx) error {
	entries := s.control.Log(c.QueryInt("from", 0), c.QueryInt("count", 100))

	out := make([]logEntryResponse, 0, len(entries))
	for _, entry := range entries {
		out = append(out, logEntryResponse(entry))
	}
	return c.JSON(out)
}

type pauseRequest struct {
	Target string `json:"target"`
}

func parseTarget(name string) (remote.PauseTarget, bool) {
	switch name {
	case "", "download":
		return remote.PauseDownload, true
	case "post", "post_process":
		return remote.PausePostProcess, true
	case "scan":
		return remote.PauseScan, true
	}
	return 0, false
}

func (s *Server) handlePause(c *fiber.Ctx) error {
	return s.setPause(c, true)
}

func (s *Server) handleResume(c *fiber.Ctx) error {
	return s.setPause(c, false)
}

func (s *Server) setPause(c *fiber.Ctx, pause bool) error {
	var req pauseRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
	}

	target, ok := parseTarget(req.Target)
	if !ok {
		return fiber.NewError(fiber.StatusBadRequest, "unknown pause target "+req.Target)
	}

	return c.JSON(fiber.Map{"ok": s.control.PauseTarget(target, pause)})
}

type rateRequest struct {
	BytesPerSecond int64 `json:"bytes_per_second"`
}

func (s *Server) handleRate(c *fiber.Ctx) error {
	var req rateRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	return c.JSON(fiber.Map{"ok": s.control.SetDownloadRate(req.BytesPerSecond)})
}

type editRequest struct {
	Action int    `json:"action"`
	Offset int    `json:"offset"`
	Text   string `json:"text"`
}

func (s *Server) handleEdit(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid queue id")
	}

	var req editRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	var names []string
	if req.Text != "" {
		names = []string{req.Text}
	}
	ok := s.control.EditQueue(req.Action, req.Offset, []int{id}, names, 0)
	return c.JSON(fiber.Map{"ok": ok})
}
