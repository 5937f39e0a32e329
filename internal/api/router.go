package api

import (
	"github.com/gin-gonic/gin"
	"github.com/timmy/bookharvest/internal/api/handler"
	"github.com/timmy/bookharvest/internal/api/middleware"
	"github.com/timmy/bookharvest/internal/config"
	"github.com/timmy/bookharvest/internal/logger"
	"github.com/timmy/bookharvest/internal/repository"
)

// Deps holds what the status API reads from.
type Deps struct {
	Catalog *repository.CatalogRepository
	State   *repository.IndexStateRepository
	Runs    *repository.RunRepository
	DB      handler.Pinger
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(deps Deps, cfg *config.ServerConfig, log *logger.Logger) *gin.Engine {
	switch cfg.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(log))
	r.Use(middleware.CORS(cfg.CORS))

	healthHandler := handler.NewHealthHandler(deps.DB)
	catalogHandler := handler.NewCatalogHandler(deps.Catalog, deps.State, deps.Runs)

	r.GET("/health", healthHandler.Health)

	v1 := r.Group("/api/v1")
	{
		v1.GET("/stats", catalogHandler.GetStats)
		v1.GET("/items/:identifier", catalogHandler.GetItem)
		v1.GET("/runs", catalogHandler.ListRuns)
	}

	return r
}
