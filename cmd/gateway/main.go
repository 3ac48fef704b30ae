// The gateway binary boots the OpenAI-compatible chat gateway and its
// embedded Virtuous Cycle Manager, then serves the HTTP surface until
// terminated.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/virtuouscycle/gateway/pkg/api"
	"github.com/virtuouscycle/gateway/pkg/cache"
	"github.com/virtuouscycle/gateway/pkg/capability/annotation"
	"github.com/virtuouscycle/gateway/pkg/capability/bulkanalytics"
	"github.com/virtuouscycle/gateway/pkg/capability/feedback"
	"github.com/virtuouscycle/gateway/pkg/capability/metalearn"
	"github.com/virtuouscycle/gateway/pkg/capability/patternindex"
	"github.com/virtuouscycle/gateway/pkg/config"
	"github.com/virtuouscycle/gateway/pkg/gateway"
	"github.com/virtuouscycle/gateway/pkg/observability"
	"github.com/virtuouscycle/gateway/pkg/quality"
	"github.com/virtuouscycle/gateway/pkg/ratelimit"
	"github.com/virtuouscycle/gateway/pkg/vcm"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// catalogEntry names an OpenAI-compatible upstream and the model names it
// serves. There is no provider discovery anywhere in the corpus for this
// concern, so the catalog is a small static table; a model absent from it
// can still be registered by hand below if a deployment needs one this
// table doesn't know about.
type catalogEntry struct {
	provider string
	baseURL  string
	models   []string
}

var providerCatalog = []catalogEntry{
	{provider: "openai", baseURL: "https://api.openai.com/v1", models: []string{"gpt-4o", "gpt-4o-mini", "gpt-4-turbo"}},
	{provider: "anthropic", baseURL: "https://api.anthropic.com/v1", models: []string{"claude-3-5-sonnet", "claude-3-haiku"}},
}

// strategyCatalog seeds the meta-learner with the rewrite strategies an
// optimization cycle can select between. "default-rewrite" must always be
// present: it's the literal fallback a cycle uses before any strategy has
// accumulated enough deltas to be selectable.
var strategyCatalog = []struct {
	id          string
	description string
}{
	{"default-rewrite", "baseline prompt rewrite with no spectrum-specific tuning"},
	{"few-shot-exemplars", "append nearest pattern-index exemplars to the prompt"},
	{"schema-constrained", "tighten the system prompt's output-schema instructions"},
	{"temperature-reduction", "lower sampling temperature for the affected spectrum"},
}

func main() {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "./deploy/config"), "directory holding the .env file")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if _, err := os.Stat(envPath); err != nil {
		envPath = ""
	}

	cfg, err := config.Load(envPath)
	if err != nil {
		log.Fatalf("configuration: %v", err)
	}
	stats := cfg.Stats()

	httpPort := getEnv("HTTP_PORT", "8080")
	gin.SetMode(getEnv("GIN_MODE", "release"))

	log.Println("Starting virtuouscycle gateway")
	log.Printf("HTTP Port: %s", httpPort)
	log.Printf("Providers configured: %d", stats.Providers)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obsClient, err := observability.New(cfg.ObsBaseURL, cfg.ObsAPIKey, cfg.ObsOrgID)
	if err != nil {
		log.Fatalf("observability client: %v", err)
	}
	log.Println("✓ Observability client configured")

	var rdb redis.Cmdable
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis url: %v", err)
		}
		rdb = redis.NewClient(opts)
		log.Println("✓ Redis L2 cache configured")
	} else {
		log.Println("- Redis L2 cache disabled, serving from L1 only")
	}
	cacheTier := cache.New(rdb)

	registerer := prometheus.DefaultRegisterer
	monitor := ratelimit.NewMonitor(registerer)
	limits := ratelimit.NewRegistry(cfg.RateLimitChatPerMin, cfg.RateLimitModelsPerMin, cfg.RateLimitHealthPerMin, cfg.RateLimitMetricsPerMin)

	registry := gateway.NewRegistry()
	for _, entry := range providerCatalog {
		key := cfg.ProviderAPIKeys[entry.provider]
		for _, model := range entry.models {
			if key != "" {
				registry.Register(model, gateway.NewHTTPProvider(entry.provider, entry.baseURL, key))
			} else {
				registry.Register(model, gateway.NewMockProvider(entry.provider))
				log.Printf("- %s not configured (no PROVIDER_%s_API_KEY), %s served by a mock provider", entry.provider, entry.provider, model)
			}
		}
	}
	log.Printf("✓ %d models registered across %d providers", len(registry.Models()), len(providerCatalog))

	variants := gateway.NewVariantStore(500)
	traceQueue := quality.NewIngestQueue(10000)

	gw := gateway.New(gateway.Deps{
		Registry:   registry,
		Cache:      cacheTier,
		Variants:   variants,
		TraceQueue: traceQueue,
		Monitor:    monitor,
	})
	log.Println("✓ Chat gateway initialized")

	collector := quality.New(quality.DefaultScoringWeights)

	annotationQueueID := getEnv("ANNOTATION_QUEUE_ID", "virtuous-cycle-review")
	feedbackDatasetID := getEnv("FEEDBACK_DATASET_ID", "virtuous-cycle-feedback")

	strategies := metalearn.New()
	for _, s := range strategyCatalog {
		strategies.Register(s.id, s.description)
	}
	log.Printf("✓ %d rewrite strategies registered", len(strategyCatalog))

	manager := vcm.New(vcm.Deps{
		Config:        cfg,
		Obs:           obsClient,
		Collector:     collector,
		TraceQueue:    traceQueue,
		Patterns:      patternindex.New(),
		Embedder:      patternindex.NewHashEmbedder(0),
		Strategies:    strategies,
		FeedbackBatch: feedback.NewBatcher(obsClient, feedbackDatasetID),
		BulkAnalytics: bulkanalytics.New(obsClient),
		Annotations:   annotation.NewQueue(obsClient, annotationQueueID),
		ConfigHook:    variants.Hook(),
		Monitor:       monitor,
	})
	log.Println("✓ Virtuous Cycle Manager initialized")

	server := api.NewServer(api.Deps{
		Gateway:   gw,
		Manager:   manager,
		Variants:  variants,
		Cache:     cacheTier,
		Collector: collector,
		Limits:    limits,
		Monitor:   monitor,
	})

	httpServer := &http.Server{
		Addr:    ":" + httpPort,
		Handler: server.Router(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return manager.Run(gctx) })
	g.Go(func() error {
		log.Printf("HTTP server listening on :%s", httpPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	<-ctx.Done()
	slog.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), vcm.DrainTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server did not shut down cleanly", "error", err)
	}

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Fatalf("gateway exited with error: %v", err)
	}
}
