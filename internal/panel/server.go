// Package panel serves the console's local JSON and SSE API to the browser UI.
package panel

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/pysugar/notedeck/internal/backend"
	"github.com/pysugar/notedeck/internal/bili"
	"github.com/pysugar/notedeck/internal/events"
	"github.com/pysugar/notedeck/internal/logging"
	"github.com/pysugar/notedeck/internal/modelcatalog"
	"github.com/pysugar/notedeck/internal/modelconfig"
	"github.com/pysugar/notedeck/internal/providers/catalog"
	"github.com/pysugar/notedeck/internal/selection"
	"github.com/pysugar/notedeck/internal/steps"
	"github.com/pysugar/notedeck/internal/tasks"
	"go.uber.org/zap"
)

// FileAPI is the backend's file surface: the video library and document exports.
type FileAPI interface {
	VideoFiles(ctx context.Context) ([]backend.VideoFile, error)
	ExportPDF(ctx context.Context, id string) (*backend.Export, error)
}

// Deps are the components the panel exposes.
type Deps struct {
	Catalog   *catalog.Catalog
	Configs   *modelconfig.Store
	Resolver  *modelcatalog.Resolver
	Selection *selection.Tracker
	Tasks     *tasks.Service
	Steps     *steps.Manager
	Bili      *bili.Session
	Bus       *events.Bus
	Files     FileAPI
	Logger    *zap.Logger
	// KeepAlive is the SSE comment interval.
	KeepAlive time.Duration
}

type Server struct {
	Deps
	logger *zap.Logger
}

func New(deps Deps) *Server {
	if deps.KeepAlive <= 0 {
		deps.KeepAlive = 15 * time.Second
	}
	return &Server{Deps: deps, logger: logging.OrNop(deps.Logger)}
}

// Routes mounts the API on r.
func (s *Server) Routes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Use(logging.Middleware)
		r.Use(chimiddleware.NoCache)

		r.Get("/version", s.version)
		r.Get("/providers", s.listProviders)

		r.Route("/model-configs", func(r chi.Router) {
			r.Get("/", s.listConfigs)
			r.Post("/{provider}/instances", s.addInstance)
			r.Put("/{provider}/instances/{id}", s.updateInstance)
			r.Delete("/{provider}/instances/{id}", s.removeInstance)
			r.Post("/{provider}/instances/{id}/test", s.testInstance)
		})

		r.Get("/models", s.listModels)
		r.Get("/selected-model", s.getSelected)
		r.Put("/selected-model", s.putSelected)

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.listTasks)
			r.Post("/refresh", s.refreshTasks)
			r.Post("/upload", s.uploadTask)
			r.Get("/{id}", s.viewTask)
			r.Delete("/{id}", s.deleteTask)
			r.Post("/{id}/steps/{step}/confirm", s.confirmStep)
			r.Post("/{id}/regenerate", s.regenerate)
			r.Get("/{id}/export.pdf", s.exportPDF)
		})

		r.Get("/files/videos", s.videoFiles)

		r.Route("/bili", func(r chi.Router) {
			r.Get("/videos", s.biliVideos)
			r.Post("/videos", s.biliAdd)
			r.Delete("/videos", s.biliClear)
			r.Delete("/videos/{id}", s.biliRemove)
			r.Post("/download/start", s.biliStart)
			r.Post("/download/stop", s.biliStop)
			r.Get("/session", s.biliSession)
			r.Get("/history", s.biliHistory)
			r.Get("/config", s.biliConfig)
			r.Post("/config", s.biliUpdateConfig)
		})

		r.Get("/events", s.streamEvents)
	})
}

// Handler returns a standalone router with the panel API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	s.Routes(r)
	return r
}

func requestFields(r *http.Request, err error) []zap.Field {
	return []zap.Field{
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		logging.RequestIDField(r.Context()),
		zap.Error(err),
	}
}
