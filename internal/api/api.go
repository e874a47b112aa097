package api

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/felixgeelhaar/enkidu/internal/errs"
	"github.com/felixgeelhaar/enkidu/internal/observe"
	"github.com/felixgeelhaar/enkidu/internal/vault"
)

// Server is the HTTP front end for one data directory.
type Server struct {
	config  Config
	deps    Deps
	observe *observe.Observer
	app     *fiber.App
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// NewServer wires the routes. The runtime is required.
func NewServer(config Config, deps Deps, o *observe.Observer) (*Server, error) {
	if deps.Runtime == nil {
		return nil, errors.New("api: runtime is required")
	}

	s := &Server{
		config:  config,
		deps:    deps,
		observe: observe.OrDiscard(o),
	}
	s.app = fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})

	s.app.Get("/healthz", s.handleHealth)

	api := s.app.Group("/api")
	api.Post("/chat", s.handleChat)
	api.Post("/dream", s.handleDream)
	api.Get("/records", s.handleListRecords)
	api.Get("/records/:id", s.handleGetRecord)
	api.Get("/search", s.handleSearch)
	api.Get("/threads", s.handleThreads)
	api.Post("/backfill-embeddings", s.handleBackfill)
	api.Get("/tools", s.handleTools)

	return s, nil
}

// Run serves until ctx is canceled or Listen fails.
func (s *Server) Run(ctx context.Context) error {
	if s.config.WatchVault {
		w, err := s.startWatcher(ctx)
		if err != nil {
			return err
		}
		defer w.Close()
	}

	go func() {
		<-ctx.Done()
		if err := s.app.Shutdown(); err != nil {
			s.observe.Log().Warn().Err(err).Msg("api shutdown failed")
		}
	}()

	s.observe.Log().Info().Str("listen", s.config.ListenAddr).Msg("starting API server")
	return s.app.Listen(s.config.ListenAddr)
}

// Shutdown gracefully shuts down the API server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) startWatcher(ctx context.Context) (*vault.Watcher, error) {
	layout := s.deps.Layout
	w, err := vault.NewWatcher(s.observe, func(paths []string) {
		s.onVaultChange(ctx, paths)
	}, layout.MemoriesDir(), layout.InstructionsDir())
	if err != nil {
		return nil, err
	}
	if err := w.Start(ctx); err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}

func (s *Server) onVaultChange(ctx context.Context, paths []string) {
	if s.deps.Vault != nil {
		rep, err := s.deps.Vault.Import(ctx)
		if err != nil {
			s.observe.Log().Warn().Err(err).Msg("vault re-import failed")
		} else if len(rep.Written) > 0 {
			s.observe.Log().Info().Int("created", len(rep.Written)).Msg("vault changes imported")
		}
	}
	s.deps.Runtime.Invalidate()
	s.observe.Log().Debug().Int("files", len(paths)).Msg("retrieval caches invalidated")
}

// status maps an error kind to an HTTP status.
func status(err error) int {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	switch errs.KindOf(err) {
	case errs.KindValidation, errs.KindSecret:
		return fiber.StatusBadRequest
	case errs.KindNotFound:
		return fiber.StatusNotFound
	case errs.KindUpstream:
		return fiber.StatusBadGateway
	}
	return fiber.StatusInternalServerError
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := status(err)
	kind := errs.KindOf(err)
	var fe *fiber.Error
	if errors.As(err, &fe) {
		switch {
		case code == fiber.StatusNotFound:
			kind = errs.KindNotFound
		case code < fiber.StatusInternalServerError:
			kind = errs.KindValidation
		}
	}
	if code >= fiber.StatusInternalServerError {
		s.observe.Log().Error().Err(err).Str("path", c.Path()).Msg("request failed")
	}
	return c.Status(code).JSON(ErrorResponse{Error: err.Error(), Kind: kind})
}
