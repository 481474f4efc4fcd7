package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/wakeside/skipper/db"
	"github.com/wakeside/skipper/internal/api"
	"github.com/wakeside/skipper/internal/augment"
	"github.com/wakeside/skipper/internal/command"
	"github.com/wakeside/skipper/internal/config"
	"github.com/wakeside/skipper/internal/conversation"
	"github.com/wakeside/skipper/internal/dispatch"
	"github.com/wakeside/skipper/internal/log"
	"github.com/wakeside/skipper/internal/observability"
	"github.com/wakeside/skipper/internal/prompt"
	"github.com/wakeside/skipper/internal/store"
	"github.com/wakeside/skipper/internal/stream"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(parent context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.ValidateServe(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := log.New(log.Config{JSON: true})
	logger.Info("starting skipper", "version", AppVersion)

	shutdownTracing, err := observability.Setup(ctx, observability.Config{
		Endpoint:    cfg.OTLPEndpoint,
		Environment: cfg.Environment,
		ServiceName: "skipper",
	}, logger)
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown", "error", err)
		}
	}()

	if err := db.Migrate(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("creating connection pool: %w", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}

	kn, err := prompt.LoadKnowledge(cfg.KnowledgePath)
	if err != nil {
		return fmt.Errorf("loading knowledge document: %w", err)
	}

	g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{APIKey: cfg.APIKey}))
	if g == nil {
		return errors.New("initializing genkit")
	}

	searcher, err := augment.NewGoogleSearcher(ctx, cfg.APIKey, cfg.SearchModel)
	if err != nil {
		return fmt.Errorf("creating search client: %w", err)
	}
	augmenter := augment.New(searcher, augment.DefaultTimeout, logger)

	relay, err := stream.NewFactory(stream.Config{
		Genkit:    g,
		ModelName: cfg.ModelName,
		Logger:    logger,
		Fallback: fmt.Sprintf(
			"Sorry, I'm having trouble answering right now. Give us a call at %s and we'll get you squared away.",
			kn.Dealer.Phone),
	})
	if err != nil {
		return fmt.Errorf("creating stream relay: %w", err)
	}

	parser := command.NewParser(cfg.FinancingFloor, logger)
	assembler := prompt.NewAssembler(kn, cfg.HistoryPairs)
	engine := conversation.NewEngine(augmenter, assembler, relay, parser, logger)

	dispatcher := dispatch.New(nil, dispatch.Endpoints{
		Lead:       cfg.Webhooks.Lead,
		SMS:        cfg.Webhooks.SMS,
		PriceAlert: cfg.Webhooks.PriceAlert,
		Financing:  cfg.Webhooks.Financing,
	}, logger)
	defer dispatcher.Wait()

	sessions := api.NewSessionHandler(api.SessionDeps{
		Engine:     engine,
		Store:      store.New(pool, logger),
		Dispatcher: dispatcher,
		Knowledge:  kn,
		ArchiveDir: cfg.ArchiveDir,
	}, logger)
	defer sessions.CloseAll()

	chat := api.NewChatHandler(engine, logger)
	server := api.NewServer(chat, sessions, logger)

	return server.Run(ctx, cfg.Addr)
}
