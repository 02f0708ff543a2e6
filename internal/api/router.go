package api

import (
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/go-chi/chi/v5"

	"github.com/autogenlabs-dev/backend-services/internal/api/handler"
	"github.com/autogenlabs-dev/backend-services/internal/api/middleware"
	"github.com/autogenlabs-dev/backend-services/internal/auth"
)

// RouterDeps holds all dependencies needed by the router.
type RouterDeps struct {
	DBPinger    handler.DBPinger
	Version     string
	OpenAPISpec []byte
	AuthService *auth.Service
	UserRepo    auth.UserRepository
	Admin       handler.PoolAdmin
	Allocator   handler.PoolAllocator
	Releaser    handler.PoolReleaser
}

// NewRouter creates and configures a Chi router with all middleware and routes.
func NewRouter(deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery)
	r.Use(chimiddleware.Logger)

	healthHandler := handler.NewHealthHandler(deps.DBPinger, deps.Version)
	r.Get("/health", healthHandler.ServeHTTP)

	if len(deps.OpenAPISpec) > 0 {
		openapiHandler := handler.NewOpenAPIHandler(deps.OpenAPISpec)
		r.Get("/openapi.json", openapiHandler.ServeHTTP)
	}

	if deps.AuthService == nil {
		return r
	}

	userHandler := handler.NewUserHandler(deps.AuthService, deps.UserRepo, deps.Releaser)
	poolKeyHandler := handler.NewPoolKeyHandler(deps.Admin, deps.Allocator, deps.Releaser)
	assignmentHandler := handler.NewAssignmentHandler(deps.Allocator, deps.Releaser, deps.Admin.KeyTypes())

	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(deps.AuthService))

		r.Route("/me/pool-keys", func(r chi.Router) {
			r.Post("/", assignmentHandler.Assign)
			r.Get("/", assignmentHandler.List)
			r.Delete("/{keyType}", assignmentHandler.Release)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireSuperuser())

			r.Route("/users", func(r chi.Router) {
				r.Post("/", userHandler.Create)
				r.Get("/", userHandler.List)
				r.Delete("/{id}", userHandler.Delete)
			})

			r.Route("/pool-keys", func(r chi.Router) {
				r.Post("/", poolKeyHandler.Create)
				r.Get("/", poolKeyHandler.List)
				r.Post("/assignments", poolKeyHandler.Assign)
				r.Get("/{id}", poolKeyHandler.GetByID)
				r.Patch("/{id}", poolKeyHandler.Update)
				r.Delete("/{id}", poolKeyHandler.Delete)
				r.Delete("/{id}/assignments/{userId}", poolKeyHandler.Release)
			})
		})
	})

	return r
}
