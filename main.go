package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"medbot/internal/cli"
	"medbot/internal/config"
	"medbot/internal/credential"
	"medbot/internal/db"
	"medbot/internal/embedding"
	"medbot/internal/handler"
	"medbot/internal/llm"
	"medbot/internal/middleware"
	"medbot/internal/retrieval"
	"medbot/internal/telemetry"
)

const version = "0.1.0"

const usage = `Usage: medbot <command> [arguments]

Commands:
  serve                          Start the HTTP API (default)
  reindex [--rebuild]            Load the dataset and build or reuse the vector index
  search [--top-k N] <query>     Print the closest reference cases
  ask [--top-k N] <question>     Answer a question using the closest cases
  status                         Print dataset and index status
  config set <key> <value>       Update a dotted config key, e.g. retrieval.top_k 8
  config path                    Print the config file location`

// components holds everything built from the config.
type components struct {
	cm       *config.ConfigManager
	cfg      *config.Config
	database *sql.DB
	svc      *retrieval.Service
	builds   *db.BuildLog
	llm      llm.Factory
	shutdown telemetry.ShutdownFunc
}

func main() {
	cmd, args := "serve", os.Args[1:]
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}
	if cmd == "help" || cmd == "-h" || cmd == "--help" {
		fmt.Println(usage)
		return
	}
	if cmd == "config" {
		if err := runConfig(args); err != nil {
			if !errors.Is(err, cli.ErrUsage) {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			}
			os.Exit(1)
		}
		return
	}

	c, err := setup()
	if err != nil {
		log.Fatalf("Startup failed: %v", err)
	}
	defer c.close()

	ctx := context.Background()
	out := os.Stdout
	switch cmd {
	case "serve":
		err = serve(c)
	case "reindex":
		err = cli.RunReindex(ctx, c.svc, args, out)
	case "search":
		err = cli.RunSearch(ctx, c.svc, args, c.cfg.TopK(), out)
	case "ask":
		err = cli.RunAsk(ctx, c.svc, c.llm, c.cfg.LLM.Instructions, args, c.cfg.TopK(), out)
	case "status":
		err = cli.RunStatus(ctx, c.svc, c.cfg.Model(), out)
	default:
		fmt.Printf("Unknown command: %s\n\n%s\n", cmd, usage)
		err = cli.ErrUsage
	}
	if err != nil {
		if !errors.Is(err, cli.ErrUsage) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		c.close()
		os.Exit(1)
	}
}

// runConfig edits the config file without opening the database or tracer.
func runConfig(args []string) error {
	cm, err := config.NewConfigManager(config.PathFromEnv())
	if err != nil {
		return fmt.Errorf("create config manager: %w", err)
	}
	if err := cm.Load(); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	return cli.RunConfig(cm, args, os.Stdout)
}

func setup() (*components, error) {
	cm, err := config.NewConfigManager(config.PathFromEnv())
	if err != nil {
		return nil, fmt.Errorf("create config manager: %w", err)
	}
	if err := cm.Load(); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg := cm.Get()

	shutdown, err := telemetry.Init(cfg.Tracing.ServiceName, version, cfg.Tracing.JaegerEndpoint)
	if err != nil {
		log.Printf("[Telemetry] tracing disabled: %v", err)
		shutdown = func(context.Context) error { return nil }
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	database, err := db.InitDB(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	// Key file first, then environment and dotenv, then keys stored in config.
	creds := credential.Chain{
		credential.NewKeyFileProvider(cfg.Credentials.KeyFile, cfg.Credentials.EnvVar),
		credential.NewEnvProvider(cfg.Credentials.EnvVar, cfg.Credentials.EnvFile),
		credential.Static(cfg.LLM.APIKey),
		credential.Static(cfg.Embedding.APIKey),
	}

	builds := db.NewBuildLog(database)
	opts := retrieval.Options{
		CandidatePaths: cfg.Dataset.CandidatePaths,
		IndexPath:      cfg.Dataset.IndexPath,
		Model:          cfg.Embedding.ModelName,
		ChunkSize:      cfg.Dataset.ChunkSize,
		Overlap:        cfg.Dataset.Overlap,
		BatchSize:      cfg.Dataset.BatchSize,
		Embedder: embedding.NewFactory(cfg.Embedding.Endpoint, cfg.Embedding.ModelName,
			time.Duration(cfg.Embedding.TimeoutSeconds)*time.Second),
		Credentials: creds,
		Strategy:    cfg.Retrieval.Strategy,
		BuildLog:    builds,
	}
	// Leave the interface nil when disabled.
	if cfg.Retrieval.QueryCache {
		opts.QueryCache = db.NewQueryCache(database)
	}

	return &components{
		cm:       cm,
		cfg:      cfg,
		database: database,
		svc:      retrieval.NewService(opts),
		builds:   builds,
		llm:      llm.NewFactory(cfg.LLM.Endpoint, cfg.Model(), cfg.LLM.Temperature, cfg.LLM.MaxTokens),
		shutdown: shutdown,
	}, nil
}

func (c *components) close() {
	if c.database != nil {
		c.database.Close()
		c.database = nil
	}
	if c.shutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.shutdown(ctx); err != nil {
			log.Printf("[Telemetry] shutdown error: %v", err)
		}
		c.shutdown = nil
	}
}

func serve(c *components) error {
	// The initial load runs in the background so the API is reachable while
	// the index builds; status reports rebuilding until it finishes.
	err := c.svc.StartLoad(context.Background(), c.svc.Credentials().APIKey(), false, nil)
	if err != nil {
		log.Printf("[Server] initial load not started: %v", err)
	}

	app := &handler.App{
		Retrieval: c.svc,
		Config:    c.cm,
		LLM:       c.llm,
		Builds:    c.builds,
	}
	if n := c.cfg.Server.RateLimitPerMinute; n > 0 {
		app.Limiter = middleware.NewRateLimiter(n, time.Minute)
		app.Limiter.TrustProxy = c.cfg.Server.TrustProxy
		defer app.Limiter.Stop()
	}

	server := &http.Server{
		Addr:         c.cfg.Server.Addr,
		Handler:      handler.NewRouter(app),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[Server] medbot listening on http://%s", c.cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-quit:
	}

	log.Println("[Server] shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("[Server] forced to shutdown: %v", err)
	}
	log.Println("[Server] shutdown complete")
	return nil
}
