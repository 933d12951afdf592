package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/classroom-assistant/backend/internal/api/handlers"
	"github.com/classroom-assistant/backend/internal/cache/redis"
	"github.com/classroom-assistant/backend/internal/deadlines"
	"github.com/classroom-assistant/backend/internal/embedding"
	"github.com/classroom-assistant/backend/internal/evaluation"
	"github.com/classroom-assistant/backend/internal/indexing"
	"github.com/classroom-assistant/backend/internal/jobs"
	"github.com/classroom-assistant/backend/internal/kg/neo4j"
	"github.com/classroom-assistant/backend/internal/metrics"
	"github.com/classroom-assistant/backend/internal/middleware/ratelimit"
	"github.com/classroom-assistant/backend/internal/middleware/security"
	"github.com/classroom-assistant/backend/internal/middleware/validation"
	"github.com/classroom-assistant/backend/internal/rag"
	"github.com/classroom-assistant/backend/internal/scoring"
	"github.com/classroom-assistant/backend/internal/storage/models"
	"github.com/classroom-assistant/backend/internal/storage/sqlite"
	"github.com/classroom-assistant/backend/internal/textproc"
	"github.com/classroom-assistant/backend/internal/vector"
	"github.com/classroom-assistant/backend/internal/vector/memory"
	"github.com/classroom-assistant/backend/internal/vector/milvus"
	"github.com/classroom-assistant/backend/pkg/config"
	appLogger "github.com/classroom-assistant/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting Classroom Assistant API Server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Init()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	if err := sqliteClient.InitSchema(ctx); err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	checks := map[string]handlers.Pinger{"sqlite": sqliteClient}

	store, closeStore := newVectorStore(ctx, cfg)
	defer closeStore()
	checks["vector"] = handlers.PingFunc(func(ctx context.Context) error {
		_, err := store.Count(ctx)
		return err
	})

	model := embedding.NewOpenAIModel(embedding.OpenAIConfig{
		BaseURL:   cfg.Embedding.BaseURL,
		APIKey:    cfg.Embedding.APIKey,
		Model:     cfg.Embedding.Model,
		Dimension: cfg.Embedding.Dimension,
		Timeout:   time.Duration(cfg.Embedding.TimeoutSec) * time.Second,
	})
	genOpts := []embedding.Option{embedding.WithBatchSize(cfg.Embedding.BatchSize)}

	if cfg.Redis.Enabled {
		redisClient, err := redis.NewClient(ctx, redis.Config{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			appLogger.Warn("Redis unavailable, embedding cache disabled", zap.Error(err))
		} else {
			defer redisClient.Close()
			genOpts = append(genOpts, embedding.WithCache(redisClient, time.Duration(cfg.Redis.EmbeddingTTLMin)*time.Minute))
			checks["redis"] = redisClient
		}
	}
	generator := embedding.NewGenerator(model, genOpts...)

	indexOpts := []indexing.Option{indexing.WithBatchSize(cfg.Embedding.BatchSize)}
	var topicGraph *neo4j.Client
	if cfg.Neo4j.Enabled {
		topicGraph, err = neo4j.NewClient(ctx, neo4j.Config{
			URI:      cfg.Neo4j.URI,
			Username: cfg.Neo4j.Username,
			Password: cfg.Neo4j.Password,
			Database: cfg.Neo4j.Database,
		})
		if err != nil {
			appLogger.Warn("Neo4j unavailable, topic graph disabled", zap.Error(err))
			topicGraph = nil
		} else {
			defer topicGraph.Close(context.Background())
			indexOpts = append(indexOpts, indexing.WithTopics(topicGraph))
			checks["neo4j"] = topicGraph
		}
	}

	chunker := textproc.NewChunker(textproc.ChunkerConfig{
		ChunkSize:    cfg.Chunking.ChunkSize,
		ChunkOverlap: cfg.Chunking.ChunkOverlap,
		MinChunkSize: cfg.Chunking.MinChunkSize,
	})
	indexer := indexing.NewIndexer(chunker, generator, store, indexOpts...)
	courseIndexer := indexing.NewCourseIndexer(sqliteClient, indexer)

	engine := rag.NewEngine(generator, store,
		rag.WithRecorder(rag.NewHistoryRecorder(sqliteClient)),
		rag.WithDefaultResults(cfg.RAG.NResults),
	)
	scorer := scoring.NewService(sqliteClient, scoring.WithConcurrency(cfg.Scoring.OverviewConcurrency))

	pool := jobs.NewPool(cfg.Jobs.Workers, cfg.Jobs.QueueSize)
	pool.Start(ctx)
	defer pool.Stop()

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		Burst:             cfg.RateLimit.Burst,
		Logger:            appLogger.Named("ratelimit"),
	})
	defer limiter.Stop()

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: cfg.Server.AllowOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-User-ID, X-User-Role",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{}))

	health := handlers.NewHealthHandler(checks)
	app.Get("/metrics", metrics.MetricsHandler())

	var topicReader handlers.TopicReader
	var topicRemover handlers.TopicRemover
	if topicGraph != nil {
		topicReader = topicGraph
		topicRemover = topicGraph
	}

	qaHandler := handlers.NewQAHandler(engine, sqliteClient)
	indexHandler := handlers.NewIndexHandler(handlers.IndexDeps{
		Courses: courseIndexer,
		Jobs:    pool,
		Store:   store,
		Flags:   sqliteClient,
		Topics:  topicRemover,
	})
	documentHandler := handlers.NewDocumentHandler(indexer)
	analyticsHandler := handlers.NewAnalyticsHandler(scorer)
	deadlineHandler := handlers.NewDeadlineHandler(deadlines.NewService(sqliteClient))
	courseHandler := handlers.NewCourseHandler(sqliteClient, topicReader)
	wsHandler := handlers.NewWebSocketHandler(engine)
	evaluationHandler := handlers.NewEvaluationHandler(evaluation.NewEvaluator(engine, generator), pool)

	teacher := security.RequireRole(models.RoleTeacher)

	api := app.Group("/api/v1")
	api.Get("/health", health.Health)
	api.Get("/ready", health.Ready)

	api.Use(limiter.Middleware())
	api.Use(validation.Middleware(validation.Config{
		MaxDocumentSize: cfg.Server.BodyLimit,
		Logger:          appLogger.Named("validation"),
	}))

	api.Post("/qa", qaHandler.Ask)
	api.Get("/qa/history", qaHandler.History)
	api.Get("/qa/index/stats", indexHandler.Stats)
	api.Post("/qa/index/:course_id", teacher, indexHandler.IndexCourse)
	api.Delete("/qa/index/:course_id", teacher, indexHandler.DeleteIndex)
	api.Post("/qa/evaluate", teacher, evaluationHandler.Evaluate)

	api.Post("/documents", teacher, documentHandler.UploadDocument)

	api.Get("/analytics/courses/:course_id/students/:student_id", analyticsHandler.StudentPerformance)
	api.Get("/analytics/courses/:course_id", teacher, analyticsHandler.ClassOverview)
	api.Get("/analytics/courses/:course_id/report", teacher, analyticsHandler.CourseReport)
	api.Get("/analytics/students/:student_id", analyticsHandler.StudentScores)

	api.Get("/assignments/upcoming", deadlineHandler.Upcoming)

	api.Get("/courses/:course_id/topics", courseHandler.Topics)
	api.Post("/courses/:course_id/snapshot", teacher, courseHandler.ImportSnapshot)

	api.Get("/jobs/:id", indexHandler.GetJob)

	app.Use("/ws", wsHandler.Upgrade)
	app.Get("/ws/qa", websocket.New(wsHandler.HandleConnection))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	<-ctx.Done()

	appLogger.Info("Server shutting down gracefully...")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		appLogger.Error("Server shutdown failed", zap.Error(err))
	}
	appLogger.Info("Server stopped")
}

// newVectorStore opens the configured similarity store and returns it with
// its close function.
func newVectorStore(ctx context.Context, cfg *config.Config) (vector.Store, func()) {
	if cfg.Vector.Provider == "memory" {
		appLogger.Warn("Using in-memory vector store, indexed content is lost on restart")
		return memory.New(cfg.Vector.VectorDim), func() {}
	}

	client, err := milvus.NewClient(ctx, milvus.Config{
		Endpoint:       cfg.Vector.Endpoint,
		APIKey:         cfg.Vector.APIKey,
		CollectionName: cfg.Vector.CollectionName,
		VectorDim:      cfg.Vector.VectorDim,
		NList:          cfg.Vector.NList,
		NProbe:         cfg.Vector.NProbe,
	})
	if err != nil {
		appLogger.Fatal("Failed to create Milvus client", zap.Error(err))
	}

	if err := client.EnsureCollection(ctx); err != nil {
		appLogger.Fatal("Failed to create collection", zap.Error(err))
	}

	return client, func() {
		if err := client.Close(); err != nil {
			appLogger.Warn("Failed to close Milvus client", zap.Error(err))
		}
	}
}
