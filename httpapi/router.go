// Package httpapi exposes spec.md §6's route surface over the
// pipeline/catalog/access/locks/events packages, grounded on
// core/backend/backend.go's router assembly: gorilla/mux for routing,
// gorilla/handlers for compression/CORS middleware, and
// golang-jwt for bearer token authorization.
package httpapi

import (
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/featherbone/server/internal/access"
	"github.com/featherbone/server/internal/catalog"
	"github.com/featherbone/server/internal/csql"
	"github.com/featherbone/server/internal/events"
	"github.com/featherbone/server/internal/locks"
	"github.com/featherbone/server/internal/logger"
	"github.com/featherbone/server/internal/pipeline"
	"github.com/featherbone/server/internal/registry"
)

// Config carries the pieces a Server needs beyond its collaborators.
type Config struct {
	SigningKey    []byte
	SuperUserRole string
}

// Server wires every route family to its collaborators.
type Server struct {
	db       *csql.DB
	pipeline *pipeline.Pipeline
	catalog  *catalog.Catalog
	access   *access.Service
	locks    *locks.Service
	events   *events.Service
	registry  *registry.Registry
	settings  *registry.Accessor
	workbooks *registry.Accessor
	cfg       Config
}

// New wires a Server to its collaborators and returns it alongside the
// mux.Router it builds.
func New(db *csql.DB, pl *pipeline.Pipeline, cat *catalog.Catalog, acc *access.Service, lk *locks.Service, ev *events.Service, reg *registry.Registry, cfg Config) (*Server, *mux.Router) {
	s := &Server{db: db, pipeline: pl, catalog: cat, access: acc, locks: lk, events: ev, registry: reg, cfg: cfg}
	router := mux.NewRouter()
	logger.AddRequestID(router)
	router.Use(authMiddleware(cfg.SigningKey, cfg.SuperUserRole))
	router.Use(handlers.CompressHandler)
	router.Use(handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Authorization", "Content-Type", "If-None-Match"}),
	))

	s.registerDataRoutes(router)
	s.registerFeatherRoutes(router)
	s.registerSettingsRoutes(router)
	s.registerWorkbookRoutes(router)
	s.registerDoRoutes(router)
	s.registerSSERoutes(router)

	return s, router
}
