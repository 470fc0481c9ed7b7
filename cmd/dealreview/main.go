package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/forecastly/dealreview/internal/api"
	"github.com/forecastly/dealreview/internal/bus"
	"github.com/forecastly/dealreview/internal/config"
	"github.com/forecastly/dealreview/internal/engine"
	"github.com/forecastly/dealreview/internal/ingest"
	"github.com/forecastly/dealreview/internal/llm"
	"github.com/forecastly/dealreview/internal/rubric"
	"github.com/forecastly/dealreview/internal/session"
	"github.com/forecastly/dealreview/internal/store"
	"github.com/forecastly/dealreview/internal/update"
)

var cli struct {
	Serve  serveCmd  `cmd:"" help:"Run the review API server."`
	Ingest ingestCmd `cmd:"" help:"Run the ingestion worker."`
}

type serveCmd struct{}
type ingestCmd struct{}

// deps is the shared wiring both subcommands build on.
type deps struct {
	cfg    config.Config
	db     *store.Store
	rubric *rubric.Store
	llm    *llm.Client
	queue  *bus.Client
	cancel context.CancelFunc
	ctx    context.Context
}

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	kctx := kong.Parse(&cli,
		kong.Name("dealreview"),
		kong.Description("Turn-based deal review and MEDDPICC-TB scoring engine."))

	d, err := buildDeps(cfg)
	if err != nil {
		slog.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer d.close()

	kctx.FatalIfErrorf(kctx.Run(d))
}

func buildDeps(cfg config.Config) (*deps, error) {
	ctx, cancel := context.WithCancel(context.Background())

	if cfg.DatabaseURL == "" {
		cancel()
		slog.Error("DATABASE_URL is required")
		os.Exit(1)
	}
	db, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		cancel()
		return nil, err
	}
	slog.Info("database connected")

	rubricStore := rubric.New(db.Pool(), slog.Default())
	db.AttachRubric(rubricStore)

	if cfg.LLMAPIKey == "" {
		slog.Error("LLM_API_KEY is required")
		os.Exit(1)
	}
	llmClient := llm.NewClient(cfg.LLMAPIKey, cfg.LLMModel)
	if cfg.LLMBaseURL != "" {
		llmClient.SetBaseURL(cfg.LLMBaseURL)
	}
	slog.Info("llm client ready", "model", cfg.LLMModel)

	queue, err := bus.NewClient(cfg.NatsURL, cfg.NatsToken, slog.Default())
	if err != nil {
		cancel()
		db.Close()
		return nil, err
	}
	slog.Info("NATS connected", "url", cfg.NatsURL)

	return &deps{
		cfg:    cfg,
		db:     db,
		rubric: rubricStore,
		llm:    llmClient,
		queue:  queue,
		cancel: cancel,
		ctx:    ctx,
	}, nil
}

func (d *deps) close() {
	d.queue.Close()
	d.db.Close()
	d.cancel()
}

func (c *serveCmd) Run(d *deps) error {
	var kv session.KV = session.NewMemoryKV()
	if d.cfg.SessionDBPath != "" {
		boltKV, err := session.OpenBoltKV(d.cfg.SessionDBPath, slog.Default())
		if err != nil {
			return err
		}
		defer boltKV.Close()
		kv = boltKV
		slog.Info("session store ready", "path", d.cfg.SessionDBPath)
	}
	sessions := session.NewManager(kv)

	eng := engine.New(d.llm, d.db, d.rubric, sessions, slog.Default())
	flow := update.New(d.llm, d.db, d.rubric, sessions, slog.Default())

	srv := api.NewServer(d.cfg.Port, eng, flow, d.db, sessions, d.queue, slog.Default())
	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("dealreview ready", "port", d.cfg.Port)
	waitForSignal()
	return nil
}

func (c *ingestCmd) Run(d *deps) error {
	extractor := ingest.NewExtractor(d.llm, d.rubric, slog.Default())
	pipeline := ingest.NewPipeline(extractor, d.db, slog.Default())
	worker := ingest.NewWorker(pipeline, d.queue, slog.Default())

	if err := worker.Start(); err != nil {
		return err
	}

	slog.Info("ingestion worker ready")
	waitForSignal()
	return nil
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutting down")
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
