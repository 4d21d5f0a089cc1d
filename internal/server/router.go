package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/verbata/codeframe-backend/internal/handlers"
)

type RouterConfig struct {
	AllowOrigins          []string
	GenerationHandler     *handlers.GenerationHandler
	HierarchyHandler      *handlers.HierarchyHandler
	BrandCandidateHandler *handlers.BrandCandidateHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	router.GET("/healthcheck", handlers.HealthCheck)

	api := router.Group("/api")
	{
		// Generations
		api.POST("/generations", cfg.GenerationHandler.Start)
		api.GET("/generations", cfg.GenerationHandler.List)
		api.GET("/generations/:id", cfg.GenerationHandler.GetStatus)
		api.POST("/generations/:id/cancel", cfg.GenerationHandler.Cancel)
		api.DELETE("/generations/:id", cfg.GenerationHandler.Delete)
		api.POST("/generations/:id/apply", cfg.GenerationHandler.Apply)

		// Hierarchy tree
		api.GET("/generations/:id/tree", cfg.HierarchyHandler.GetTree)
		api.POST("/generations/:id/tree/rename", cfg.HierarchyHandler.Rename)
		api.POST("/generations/:id/tree/merge", cfg.HierarchyHandler.Merge)
		api.POST("/generations/:id/tree/delete", cfg.HierarchyHandler.Delete)
		api.POST("/generations/:id/tree/reorder", cfg.HierarchyHandler.Reorder)

		// Brand candidates
		api.GET("/generations/:id/candidates", cfg.BrandCandidateHandler.List)
		api.POST("/candidates/:id/verify", cfg.BrandCandidateHandler.Verify)
		api.POST("/candidates/:id/reject", cfg.BrandCandidateHandler.Reject)
		api.POST("/candidates/:id/reset", cfg.BrandCandidateHandler.Reset)
		api.DELETE("/candidates/:id", cfg.BrandCandidateHandler.Discard)
	}

	return router
}
