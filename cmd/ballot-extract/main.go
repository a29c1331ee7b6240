package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/ballot-extract/internal/batch"
	"github.com/zombor/ballot-extract/internal/dispatch"
	"github.com/zombor/ballot-extract/internal/extraction"
	"github.com/zombor/ballot-extract/internal/job"
	"github.com/zombor/ballot-extract/internal/metrics"
	"github.com/zombor/ballot-extract/internal/ratelimit"
	"github.com/zombor/ballot-extract/internal/retry"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	_ = godotenv.Load()

	fs := ff.NewFlagSet("ballot-extract")
	var (
		port        = fs.IntLong("port", 8080, "HTTP server port")
		dbPath      = fs.StringLong("db", "ballot-extract.db", "Database file path (jobs and key quota state)")
		storagePath = fs.StringLong("storage", "./uploads", "Upload storage directory path")

		keysFile  = fs.StringLong("keys", "", "YAML credentials file, reloaded on SIGHUP")
		geminiKey = fs.StringLong("gemini-key", "", "Single API key used when no keys file is given (or set GEMINI_API_KEY env var)")
		keyTier   = fs.StringLong("key-tier", string(ratelimit.TierFree), "Tier of --gemini-key: free, tier1, tier2 or tier3")

		provider       = fs.StringLong("provider", "gemini", "Extraction backend: 'gemini' or 'openai'")
		geminiModel    = fs.StringLong("gemini-model", "gemini-2.5-flash", "Google Gemini model name")
		openaiURL      = fs.StringLong("openai-url", "", "OpenAI-compatible base URL (e.g. http://localhost:11434/v1 for Ollama)")
		openaiModel    = fs.StringLong("openai-model", "gpt-4o-mini", "OpenAI-compatible model name")
		requestTimeout = fs.DurationLong("request-timeout", 90*time.Second, "Timeout of one extraction request")

		quotaStore = fs.StringLong("quota-store", "bolt", "Key quota persistence: 'bolt', 'redis' or 'memory'")
		redisURL   = fs.StringLong("redis-url", "redis://localhost:6379/0", "Redis URL for --quota-store=redis")

		maxDocs          = fs.IntLong("max-docs-per-batch", batch.DefaultConfig.MaxDocsPerBatch, "Most documents sent in one request")
		tokenBudget      = fs.IntLong("token-budget", batch.DefaultConfig.TokenBudget, "Estimated token budget of one request")
		overheadTokens   = fs.IntLong("request-overhead-tokens", batch.DefaultConfig.RequestOverheadTokens, "Estimated tokens of the prompt and schema")
		perPageTokens    = fs.IntLong("per-page-tokens", batch.DefaultConfig.PerPageTokens, "Estimated tokens of one page image")
		perDocTokens     = fs.IntLong("per-doc-response-tokens", batch.DefaultConfig.PerDocResponseTokens, "Estimated response tokens of one document")
		qualityThreshold = fs.IntLong("quality-threshold", dispatch.DefaultConfig.QualityThreshold, "Lowest batch confidence accepted without asking again")
		maxAttempts      = fs.IntLong("max-attempts", dispatch.DefaultConfig.MaxAttempts, "Attempts per document, key rotations included")
		maxKeyWait       = fs.DurationLong("max-key-wait", dispatch.DefaultConfig.MaxKeyWait, "Longest wait for a key refill before failing documents")
		retries          = fs.IntLong("retries", retry.DefaultOptions.MaxRetries, "Retries of a transient request failure")
		retryBase        = fs.DurationLong("retry-base-delay", retry.DefaultOptions.BaseDelay, "First retry delay, doubled on each retry")
		retryMax         = fs.DurationLong("retry-max-delay", retry.DefaultOptions.MaxDelay, "Retry delay ceiling")

		authUser    = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass    = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		debug       = fs.BoolLong("debug", "Enable debug logging")
		logJSON     = fs.BoolLong("log-json", "Log JSON lines instead of colored text")
		_           = fs.StringLong("config", "", "Config file with one flag per line")
		showVersion = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("BALLOT_EXTRACT"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithConfigAllowMissingFile(),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	slog.SetDefault(newLogger(*debug, *logJSON))

	// Initialize database
	slog.Info("Initializing database...", "path", *dbPath)
	db, err := job.NewBoltDB(*dbPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Initialize key quota store
	var store ratelimit.Store
	switch *quotaStore {
	case "bolt":
		store, err = ratelimit.NewBoltStore(db.Bolt())
	case "redis":
		slog.Info("Connecting to Redis...", "url", *redisURL)
		var rs *ratelimit.RedisStore
		rs, err = ratelimit.NewRedisStore(ratelimit.RedisConfig{URL: *redisURL})
		if err == nil {
			defer rs.Close()
			store = rs
		}
	case "memory":
		store = ratelimit.NewMemoryStore()
	default:
		slog.Error("Invalid quota store", "store", *quotaStore, "valid", "bolt, redis or memory")
		os.Exit(1)
	}
	if err != nil {
		slog.Error("Failed to initialize quota store", "store", *quotaStore, "error", err)
		os.Exit(1)
	}
	limiter := ratelimit.NewLimiter(store)

	// Initialize extraction client based on provider
	var client extraction.Client
	switch *provider {
	case "gemini":
		slog.Info("Initializing Gemini client...", "model", *geminiModel)
		client = extraction.NewGemini(*geminiModel, *requestTimeout)
	case "openai":
		slog.Info("Initializing OpenAI-compatible client...", "url", *openaiURL, "model", *openaiModel)
		client = extraction.NewOpenAI(extraction.OpenAIConfig{
			BaseURL: *openaiURL,
			Model:   *openaiModel,
			Timeout: *requestTimeout,
		})
	default:
		slog.Error("Invalid provider", "provider", *provider, "valid", "gemini or openai")
		os.Exit(1)
	}
	defer client.Close()

	metrics.RegisterDispatchMetrics()

	orchestrator := dispatch.NewOrchestrator(limiter, client, dispatch.Config{
		Batch: batch.Config{
			MaxDocsPerBatch:       *maxDocs,
			RequestOverheadTokens: *overheadTokens,
			PerPageTokens:         *perPageTokens,
			PerDocResponseTokens:  *perDocTokens,
			TokenBudget:           *tokenBudget,
		},
		QualityThreshold: *qualityThreshold,
		MaxAttempts:      *maxAttempts,
		MaxKeyWait:       *maxKeyWait,
		Retry: retry.Options{
			MaxRetries: *retries,
			BaseDelay:  *retryBase,
			MaxDelay:   *retryMax,
		},
	})

	// Initialize storage
	slog.Info("Initializing storage...", "path", *storagePath)
	uploads, err := job.NewLocalStorage(*storagePath)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	// Initialize service
	service := job.NewService(db, uploads, orchestrator, limiter)
	if err := service.RecoverInterrupted(); err != nil {
		slog.Warn("Failed to recover interrupted jobs", "error", err)
	}

	keys := keySource{path: *keysFile, fallback: fallbackKey(*geminiKey, *provider), tier: ratelimit.Tier(*keyTier)}
	creds, err := keys.load()
	if err != nil {
		slog.Error("Failed to load credentials", "error", err)
		os.Exit(1)
	}
	if err := service.SetCredentials(context.Background(), creds); err != nil {
		slog.Warn("Failed to clear retired key state", "error", err)
	}
	slog.Info("Credentials loaded", "keys", len(creds))

	// Initialize server
	server := job.NewServer(service, job.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	})

	// Start server in goroutine
	addr := fmt.Sprintf(":%d", *port)
	go func() {
		if err := server.Start(addr); err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "version", version)
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigChan {
		if sig != syscall.SIGHUP {
			break
		}
		reloadKeys(service, keys)
	}

	slog.Info("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		slog.Warn("Server shutdown", "error", err)
	}
	service.Close()
}

func newLogger(debug, json bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	if json {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
	}))
}

// fallbackKey picks the single key used without a keys file
func fallbackKey(flag, provider string) string {
	if flag != "" {
		return flag
	}
	if provider == "openai" {
		if key := os.Getenv("OPENAI_API_KEY"); key != "" {
			return key
		}
	}
	return os.Getenv("GEMINI_API_KEY")
}

// keySource loads credentials from the keys file, or builds the single
// fallback credential when there is none
type keySource struct {
	path     string
	fallback string
	tier     ratelimit.Tier
}

func (k keySource) load() ([]ratelimit.Credential, error) {
	if k.path != "" {
		return ratelimit.LoadCredentials(k.path)
	}
	if k.fallback == "" {
		return nil, fmt.Errorf("no credentials: set --keys, --gemini-key or GEMINI_API_KEY")
	}
	if _, err := ratelimit.LimitsFor(k.tier); err != nil {
		return nil, err
	}
	return []ratelimit.Credential{{
		ID:      "default",
		Secret:  k.fallback,
		Tier:    k.tier,
		AddedAt: time.Now(),
	}}, nil
}

func reloadKeys(service *job.Service, keys keySource) {
	if keys.path == "" {
		slog.Info("Ignoring SIGHUP: no keys file configured")
		return
	}
	creds, err := keys.load()
	if err != nil {
		slog.Error("Failed to reload credentials, keeping the current set", "path", keys.path, "error", err)
		return
	}
	if err := service.SetCredentials(context.Background(), creds); err != nil {
		slog.Warn("Failed to clear retired key state", "error", err)
	}
	slog.Info("Credentials reloaded", "keys", len(creds))
}
