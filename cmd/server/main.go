package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	firebase "firebase.google.com/go/v4"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/connexus-ai/ragbox-backend/internal/cache"
	"github.com/connexus-ai/ragbox-backend/internal/config"
	"github.com/connexus-ai/ragbox-backend/internal/gcpclient"
	"github.com/connexus-ai/ragbox-backend/internal/graph"
	"github.com/connexus-ai/ragbox-backend/internal/handler"
	"github.com/connexus-ai/ragbox-backend/internal/middleware"
	"github.com/connexus-ai/ragbox-backend/internal/repository"
	"github.com/connexus-ai/ragbox-backend/internal/router"
	"github.com/connexus-ai/ragbox-backend/internal/service"
	"github.com/connexus-ai/ragbox-backend/internal/webadapter"
)

const Version = "0.1.0"

// slogAuditLogger records pipeline and access events through the same
// structured logger everything else uses. No BigQuery sink is wired (§6
// BIGQUERY_DATASET/BIGQUERY_TABLE are accepted for forward-compat but no
// component in this build writes to it — see DESIGN.md).
type slogAuditLogger struct{}

func (slogAuditLogger) Log(ctx context.Context, action, userID, resourceID, resourceType string) error {
	slog.Info("[AUDIT]", "action", action, "user_id", userID, "resource_id", resourceID, "resource_type", resourceType)
	return nil
}

// deps bundles every constructed dependency that needs an orderly shutdown
// or that the maintenance loop touches directly.
type deps struct {
	router      *chi.Mux
	pool        *pgxpool.Pool
	redisClient *redis.Client
	neo4jDriver neo4j.DriverWithContext
	genai       *gcpclient.GenAIAdapter

	memoryManager *service.MemoryManagerService
	corpusHealth  *service.CorpusHealthService
	users         *repository.UserRepo
}

func getPort() string {
	if port := os.Getenv("PORT"); port != "" {
		return port
	}
	return "8080"
}

// buildWebSearcher wires the optional web-fallback stack (§4.7, §6). Returns
// nil when neither BRAVE_API_KEY nor SERPAPI_KEY is configured, in which
// case the orchestrator simply never falls back to the web.
func buildWebSearcher(cfg *config.Config) service.WebSearcher {
	httpClient := &http.Client{Timeout: cfg.WebScrapeTimeout}

	var providers []webadapter.SearchProvider
	if cfg.BraveAPIKey != "" {
		providers = append(providers, webadapter.NewBraveProvider(cfg.BraveAPIKey, httpClient))
	}
	if cfg.SerpAPIKey != "" {
		providers = append(providers, webadapter.NewSerpAPIProvider(cfg.SerpAPIKey, httpClient))
	}
	if len(providers) == 0 {
		slog.Info("[MAIN] no web search provider configured, web fallback disabled")
		return nil
	}

	adapter := webadapter.NewAdapter(providers, cfg.WebScrapeTimeout)
	return service.NewWebRetrieverService(adapter, cfg.WebSearchResults)
}

// buildAuthService wires Firebase ID-token verification (§4.9). Returns nil
// when FIREBASE_PROJECT_ID is unset — InternalOrFirebaseAuth still accepts
// the internal service-to-service path in that case.
func buildAuthService(ctx context.Context, cfg *config.Config) (*service.AuthService, error) {
	if cfg.FirebaseProjectID == "" {
		slog.Warn("[MAIN] FIREBASE_PROJECT_ID unset, Firebase auth disabled (internal auth only)")
		return nil, nil
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.FirebaseProjectID})
	if err != nil {
		return nil, fmt.Errorf("main.buildAuthService: firebase app: %w", err)
	}
	authClient, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("main.buildAuthService: firebase auth client: %w", err)
	}
	return service.NewAuthService(authClient), nil
}

// buildLineageProjector wires the optional Neo4j consolidation-lineage graph
// (§3, internal/graph). Returns a nil driver and projector when NEO4J_URI is
// unset; MemoryManagerService treats a nil projector as a no-op.
func buildLineageProjector(cfg *config.Config) (neo4j.DriverWithContext, *graph.LineageProjector, error) {
	if cfg.Neo4jURI == "" {
		slog.Info("[MAIN] NEO4J_URI unset, consolidation lineage projection disabled")
		return nil, nil, nil
	}

	driver, err := neo4j.NewDriverWithContext(cfg.Neo4jURI, neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPassword, ""))
	if err != nil {
		return nil, nil, fmt.Errorf("main.buildLineageProjector: %w", err)
	}
	return driver, graph.NewLineageProjector(driver), nil
}

// build constructs the dependencies of component J (Ingestion Coordinator)
// and component H (RAG Orchestrator), wires both, and wires their transport
// (internal/router) on top of them. The hybrid search service (component C)
// and its BM25 ranker (component B) are not constructed here.
func build(ctx context.Context, cfg *config.Config) (*deps, error) {
	pool, err := repository.NewPool(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns)
	if err != nil {
		return nil, fmt.Errorf("main.build: database: %w", err)
	}

	genaiAdapter, err := gcpclient.NewGenAIAdapter(ctx, cfg.GCPProject, cfg.VertexAILocation, cfg.VertexAIModel)
	if err != nil {
		return nil, fmt.Errorf("main.build: genai: %w", err)
	}

	embeddingAdapter, err := gcpclient.NewEmbeddingAdapter(ctx, cfg.GCPProject, cfg.EmbeddingLocation, cfg.EmbeddingModel)
	if err != nil {
		return nil, fmt.Errorf("main.build: embedding: %w", err)
	}

	storageAdapter, err := gcpclient.NewStorageAdapter(ctx)
	if err != nil {
		return nil, fmt.Errorf("main.build: storage: %w", err)
	}

	var docaiClient service.DocumentAIClient
	if cfg.DocAIProcessorID != "" {
		docaiClient, err = gcpclient.NewDocumentAIAdapter(ctx, cfg.GCPProject, cfg.DocAILocation)
		if err != nil {
			return nil, fmt.Errorf("main.build: document ai: %w", err)
		}
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})

	neo4jDriver, lineage, err := buildLineageProjector(cfg)
	if err != nil {
		return nil, err
	}

	authService, err := buildAuthService(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// Repositories (component D: persistence).
	memRepo := repository.NewMemoryRepo(pool)
	chunkRepo := repository.NewChunkRepo(pool)
	accessRepo := repository.NewAccessRepo(pool)
	summaryRepo := repository.NewSummaryRepo(pool)
	prefRepo := repository.NewPreferencesRepo(pool)
	userRepo := repository.NewUserRepo(pool)

	// Component A: Embedding Service.
	embeddingCache := cache.NewEmbeddingCache(cfg.EmbeddingCacheSize)
	embedder := service.NewEmbedderService(embeddingAdapter, embeddingCache, chunkRepo, cfg.EmbeddingModel)

	// Component J: chunking.
	chunker := service.NewChunkerService(cfg.ChunkSizeTokens, cfg.ChunkOverlapPercent)

	// Component E: Memory Manager.
	memCfg := service.MemoryManagerConfig{
		EpisodicWindow:         time.Duration(cfg.MemoryEpisodicDays) * 24 * time.Hour,
		ConsolidationAge:       time.Duration(cfg.MemoryConsolidationDays) * 24 * time.Hour,
		ConsolidationBatchSize: 50,
		ClusterSimilarity:      0.70,
		ForgetThreshold:        cfg.MemoryForgetThreshold,
	}
	memoryManager := service.NewMemoryManagerService(memRepo, chunkRepo, accessRepo, summaryRepo, genaiAdapter, embedder, lineage, memCfg)

	// Component J: Ingestion Coordinator. Redaction and parsing are best
	// effort: a StubDLPAdapter until DLP is provisioned, and Document AI only
	// when DOCUMENT_AI_PROCESSOR_ID is set (blob ingestion otherwise falls
	// back to ParserService's native-text/docx path).
	redactor := service.NewRedactorService(gcpclient.NewStubDLPAdapter(), cfg.GCPProject)
	parser := service.NewParserService(docaiClient, cfg.DocAIProcessorID, storageAdapter, cfg.GCSBucketName)
	pipeline := service.NewPipelineService(memRepo, parser, redactor, chunker, embedder, memoryManager, slogAuditLogger{}, cfg.GCSBucketName)

	// Component F/G/H/I: query analysis, context building, re-ranking, and
	// synthesis, assembled into the RAG Orchestrator on top of the Memory
	// Manager's hierarchical retrieval.
	queryAnalyzer := service.NewQueryAnalyzerService(genaiAdapter)
	contextBuilder := service.NewContextBuilderService(cfg.LLMContextWindow / 2)
	reranker := service.NewRerankerService()
	webSearcher := buildWebSearcher(cfg)

	orchestrator := service.NewOrchestratorService(
		queryAnalyzer,
		embedder,
		memoryManager,
		reranker,
		prefRepo,
		contextBuilder,
		genaiAdapter,
		genaiAdapter,
		webSearcher,
		accessRepo,
	)

	corpusHealth := service.NewCorpusHealthService(memRepo, memCfg)

	registry := prometheus.NewRegistry()
	metrics := middleware.NewMetrics(registry)

	generalLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		MaxRequests: cfg.RateLimitPerMin,
		Window:      time.Minute,
	})
	chatLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		MaxRequests: cfg.RateLimitPerMin / 4,
		Window:      time.Minute,
	})

	r := router.New(&router.Dependencies{
		DB:                 pool,
		AuthService:        authService,
		FrontendURL:        cfg.FrontendURL,
		Version:            Version,
		Metrics:            metrics,
		MetricsReg:         registry,
		InternalAuthSecret: cfg.InternalAuthSecret,

		ChatDeps:        handler.ChatDeps{Orchestrator: orchestrator},
		MemoryDeps:      handler.MemoryDeps{Pipeline: pipeline},
		PreferencesDeps: handler.PreferencesDeps{Store: prefRepo},

		GeneralRateLimiter: generalLimiter,
		ChatRateLimiter:    chatLimiter,
	})

	return &deps{
		router:        r,
		pool:          pool,
		redisClient:   redisClient,
		neo4jDriver:   neo4jDriver,
		genai:         genaiAdapter,
		memoryManager: memoryManager,
		corpusHealth:  corpusHealth,
		users:         userRepo,
	}, nil
}

func (d *deps) close(ctx context.Context) {
	d.pool.Close()
	if err := d.redisClient.Close(); err != nil {
		slog.Warn("[MAIN] redis close failed", "error", err)
	}
	if d.neo4jDriver != nil {
		if err := d.neo4jDriver.Close(ctx); err != nil {
			slog.Warn("[MAIN] neo4j close failed", "error", err)
		}
	}
	d.genai.Close()
}

// runMaintenance periodically consolidates episodic memories, forgets
// low-salience ones, and logs a corpus-health snapshot per user (§4.4.3,
// §4.4.5). This scheduling loop lives in main.go rather than in a service
// constructor since it's a deployment concern, not a domain operation.
func runMaintenance(ctx context.Context, d *deps, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := d.users.ListIDs(ctx)
			if err != nil {
				slog.Error("[MAINTENANCE] list users failed", "error", err)
				continue
			}

			for _, userID := range ids {
				consolidated, summaries, err := d.memoryManager.Consolidate(ctx, userID)
				if err != nil {
					slog.Error("[MAINTENANCE] consolidate failed", "user_id", userID, "error", err)
				} else if consolidated > 0 {
					slog.Info("[MAINTENANCE] consolidated", "user_id", userID, "memories", consolidated, "summaries", summaries)
				}

				if _, err := d.corpusHealth.Snapshot(ctx, userID); err != nil {
					slog.Error("[MAINTENANCE] corpus snapshot failed", "user_id", userID, "error", err)
				}
			}

			forgotten, err := d.memoryManager.Forget(ctx, 0)
			if err != nil {
				slog.Error("[MAINTENANCE] forget failed", "error", err)
			} else if forgotten > 0 {
				slog.Info("[MAINTENANCE] forgotten", "count", forgotten)
			}
		}
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("main.run: %w", err)
	}

	ctx, cancelMaintenance := context.WithCancel(context.Background())
	defer cancelMaintenance()

	d, err := build(ctx, cfg)
	if err != nil {
		return fmt.Errorf("main.run: %w", err)
	}

	go runMaintenance(ctx, d, time.Hour)

	srv := &http.Server{
		Addr:         ":" + getPort(),
		Handler:      d.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 130 * time.Second, // longer than the chat handler's 120s context timeout
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("ragbox-backend v%s starting on port %s", Version, getPort())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Printf("received signal %s, shutting down gracefully", sig)
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	cancelMaintenance()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	d.close(shutdownCtx)

	log.Println("server stopped")
	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
