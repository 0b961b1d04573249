// Package host coordinates the engine's lifecycle with the admin HTTP
// surface (internal/adminapi), grounded on the teacher's cmd/main.go
// start/signal/shutdown sequence generalized from one hardcoded
// goroutine+channel pair to an errgroup.Group, the pattern the
// dmitrymomot-foundation queue package exposes through its
// `Run(ctx) func() error` errgroup-compatible wrapper.
package host

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/sync/errgroup"

	"github.com/GiampaoloGabba/taskengine/internal/adminapi"
	"github.com/GiampaoloGabba/taskengine/internal/applog"
	"github.com/GiampaoloGabba/taskengine/internal/engine"
)

// Config holds the host-level knobs not already owned by engine.Option
// (spec.md §6's host wiring is explicitly out of the engine's own
// scope, per config.ServerConfig).
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AppName         string
}

// Host binds an *engine.Engine to a fiber.App exposing internal/adminapi's
// routes, and runs both under one errgroup so a failure in either stops
// the other (spec.md's shutdown control flow, generalized past a single
// service to any embedding host).
type Host struct {
	cfg    Config
	engine *engine.Engine
	app    *fiber.App
	logger applog.Logger
}

// New wires a fiber.App with the teacher's middleware stack and the
// admin routes around eng, without starting anything yet.
func New(cfg Config, eng *engine.Engine, logger applog.Logger) *Host {
	if logger == nil {
		logger = applog.Noop{}
	}
	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	adminapi.SetupRouter(app, adminapi.NewHandlers(eng))

	return &Host{cfg: cfg, engine: eng, app: app, logger: logger}
}

// App exposes the underlying fiber.App, primarily for tests that want
// to drive requests through app.Test without a real listener.
func (h *Host) App() *fiber.App { return h.app }

// Run starts the engine and the HTTP listener together and blocks until
// ctx is cancelled or either one fails, then tears both down within
// cfg.ShutdownTimeout (spec.md §2's graceful-shutdown composite
// cancellation, generalized to the host's two long-running components).
func (h *Host) Run(ctx context.Context) error {
	if err := h.engine.Start(ctx); err != nil {
		return fmt.Errorf("host: engine start: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		h.logger.Info("host: listening", applog.Str("addr", h.cfg.Addr))
		if err := h.app.Listen(h.cfg.Addr); err != nil {
			return fmt.Errorf("host: fiber listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return h.shutdown()
	})

	err := g.Wait()
	h.engine.Stop()
	return err
}

func (h *Host) shutdown() error {
	h.logger.Info("host: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), h.cfg.ShutdownTimeout)
	defer cancel()

	if err := h.app.ShutdownWithContext(shutdownCtx); err != nil {
		h.logger.Warn("host: fiber shutdown error", applog.Str("error", err.Error()))
	}
	return nil
}
