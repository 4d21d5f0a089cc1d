package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	redisclient "github.com/verbata/codeframe-backend/internal/clients/redis"
	"github.com/verbata/codeframe-backend/internal/db"
	"github.com/verbata/codeframe-backend/internal/handlers"
	"github.com/verbata/codeframe-backend/internal/logger"
	"github.com/verbata/codeframe-backend/internal/repos"
	"github.com/verbata/codeframe-backend/internal/server"
	"github.com/verbata/codeframe-backend/internal/services"
	"github.com/verbata/codeframe-backend/internal/utils"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Env
	log.Info("Loading environment variables from main...")
	openaiKey := utils.GetEnv("OPENAI_API_KEY", "", log)
	openaiModel := utils.GetEnv("OPENAI_MODEL", "gpt-4o-mini", log)
	embedModel := utils.GetEnv("OPENAI_EMBED_MODEL", "text-embedding-3-small", log)
	redisAddr := utils.GetEnv("REDIS_ADDR", "localhost:6379", log)
	clusterEps := utils.GetEnvAsFloat("CLUSTER_EPSILON", 0.35, log)
	maxAttempts := utils.GetEnvAsInt("GENERATION_MAX_ATTEMPTS", 3, log)
	retryDelaySec := utils.GetEnvAsInt("GENERATION_RETRY_DELAY_SEC", 30, log)
	staleRunningSec := utils.GetEnvAsInt("GENERATION_STALE_RUNNING_SEC", 120, log)
	maxWallClockSec := utils.GetEnvAsInt("GENERATION_MAX_WALL_CLOCK_SEC", 7200, log)
	visionCredentials := utils.GetEnv("GOOGLE_VISION_CREDENTIALS_FILE", "", log)
	searchAPIKey := utils.GetEnv("GOOGLE_SEARCH_API_KEY", "", log)
	searchEngineID := utils.GetEnv("GOOGLE_SEARCH_ENGINE_ID", "", log)
	allowOrigins := utils.GetEnv("CORS_ALLOW_ORIGINS", "http://localhost:3000", log)

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	if err = postgresService.AutoMigrateAll(); err != nil {
		log.Warn("Postgres auto migration failed", "error", err)
	}
	thePG := postgresService.DB()

	// Repos
	log.Info("Setting up Repos from main...")
	generationRepo := repos.NewGenerationRepo(thePG, log)
	hierarchyNodeRepo := repos.NewHierarchyNodeRepo(thePG, log)
	brandCandidateRepo := repos.NewBrandCandidateRepo(thePG, log)
	surveyResponseRepo := repos.NewSurveyResponseRepo(thePG, log)

	// Redis
	log.Info("Setting up progress cache now...")
	progressCache, err := redisclient.NewProgressCache(log, redisAddr)
	if err != nil {
		log.Warn("Could not init progress cache; polling falls back to DB counters", "error", err)
		progressCache = nil
	}

	// Services
	log.Info("Setting up Services from main...")
	openaiClient, err := services.NewOpenAIClient(log, services.OpenAIConfig{
		APIKey:     openaiKey,
		Model:      openaiModel,
		EmbedModel: embedModel,
	})
	if err != nil {
		log.Error("Could not init OpenAIClient", "error", err)
		os.Exit(1)
	}

	var evidenceProviders []services.EvidenceProvider
	if visionCredentials != "" {
		visionProvider, vErr := services.NewVisionEvidenceProvider(context.Background(), log, visionCredentials, nil)
		if vErr != nil {
			log.Warn("Could not init vision evidence provider", "error", vErr)
		} else {
			evidenceProviders = append(evidenceProviders, visionProvider)
		}
	}
	if searchAPIKey != "" && searchEngineID != "" {
		searchProvider, sErr := services.NewSearchEvidenceProvider(context.Background(), log, searchAPIKey, searchEngineID)
		if sErr != nil {
			log.Warn("Could not init search evidence provider", "error", sErr)
		} else {
			evidenceProviders = append(evidenceProviders, searchProvider)
		}
	}

	clusteringEngine := services.NewClusteringEngine(log, clusterEps)
	meceChecker := services.NewMECEChecker(log)
	synthesizer := services.NewHierarchySynthesizer(log, openaiClient, meceChecker)

	genConfig := services.DefaultGenerationConfig()
	genConfig.MaxAttempts = maxAttempts
	genConfig.RetryDelay = time.Duration(retryDelaySec) * time.Second
	genConfig.StaleRunning = time.Duration(staleRunningSec) * time.Second
	genConfig.MaxWallClock = time.Duration(maxWallClockSec) * time.Second

	generationService := services.NewGenerationService(
		thePG,
		log,
		genConfig,
		generationRepo,
		hierarchyNodeRepo,
		brandCandidateRepo,
		surveyResponseRepo,
		openaiClient,
		clusteringEngine,
		synthesizer,
		evidenceProviders,
		progressCache,
	)
	generationService.StartWorker(context.Background())
	generationService.StartReconciler(context.Background())

	statusService := services.NewGenerationStatusService(log, generationRepo, progressCache)
	treeEditorService := services.NewTreeEditorService(thePG, log, generationRepo, hierarchyNodeRepo, meceChecker)
	applyService := services.NewApplyService(thePG, log, generationRepo, hierarchyNodeRepo, brandCandidateRepo, surveyResponseRepo)
	brandReviewService := services.NewBrandReviewService(thePG, log, brandCandidateRepo, hierarchyNodeRepo)

	// Handlers
	log.Info("Setting up handlers from main...")
	generationHandler := handlers.NewGenerationHandler(generationService, statusService, applyService)
	hierarchyHandler := handlers.NewHierarchyHandler(treeEditorService)
	brandCandidateHandler := handlers.NewBrandCandidateHandler(brandReviewService)

	// Router
	log.Info("Setting up router from main...")
	router := server.NewRouter(server.RouterConfig{
		AllowOrigins:          strings.Split(allowOrigins, ","),
		GenerationHandler:     generationHandler,
		HierarchyHandler:      hierarchyHandler,
		BrandCandidateHandler: brandCandidateHandler,
	})

	port := utils.GetEnv("PORT", "8080", log)
	fmt.Printf("Server listening on :%s\n", port)
	if err := router.Run(":" + port); err != nil {
		log.Warn("Server failed", "error", err)
	}
}
