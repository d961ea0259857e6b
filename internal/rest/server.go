package rest

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/octofhir/fhirserver/internal/cql"
	"github.com/octofhir/fhirserver/internal/search"
	"github.com/octofhir/fhirserver/internal/searchparam"
	"github.com/octofhir/fhirserver/internal/store"
	"github.com/octofhir/fhirserver/internal/terminology"
)

// Server holds every component this shell dispatches into. One instance is
// built in cmd/fhirserver/main.go and shared across all requests; every
// field is itself safe for concurrent use (store.Store, the registries'
// atomic snapshots, the compiler's cache, the two caches in LibraryCache).
type Server struct {
	Store      store.Store
	Pool       *pgxpool.Pool
	Registry   *searchparam.Registry
	Compiler   *search.Compiler
	Validator  *terminology.Validator
	Closures   *terminology.ClosureTable
	Libraries  *cql.LibraryCache
	BaseURL    string
	DefaultCount int
	MaxCount     int
	Logger     zerolog.Logger
}

// RegisterRoutes wires the generic CRUD, search, history, and extended
// operation routes onto g (expected to be the "/fhir" group in
// cmd/fhirserver/main.go, following the teacher's fhirGroup convention in
// cmd/ehr-server/main.go).
func (s *Server) RegisterRoutes(g *echo.Group) {
	g.GET("/metadata", s.Capabilities)

	g.GET("/_history", s.SystemHistory)
	g.GET("/:type", s.Search)
	g.POST("/:type/_search", s.Search)
	g.POST("/:type", s.Create)
	g.GET("/:type/_history", s.TypeHistory)

	g.GET("/:type/:id", s.Read)
	g.PUT("/:type/:id", s.Update)
	g.DELETE("/:type/:id", s.Delete)
	g.GET("/:type/:id/_history", s.InstanceHistory)
	g.GET("/:type/:id/_history/:vid", s.VRead)

	g.POST("/:type/:id/$validate-code", s.ValidateCode)
	g.POST("/:type/$validate-code", s.ValidateCode)
	g.POST("/CodeSystem/:id/$lookup", s.Lookup)
	g.POST("/CodeSystem/$lookup", s.Lookup)
	g.POST("/$closure", s.Closure)
	g.GET("/Library/:id/$cql", s.CQLLibrary)
}
