package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/hyeokjun/routerag-go/internal/adapters/embedding"
	"github.com/hyeokjun/routerag-go/internal/adapters/llm"
	"github.com/hyeokjun/routerag-go/internal/adapters/vectordb"
	"github.com/hyeokjun/routerag-go/internal/config"
	"github.com/hyeokjun/routerag-go/internal/conversation"
	"github.com/hyeokjun/routerag-go/internal/domain/entities"
	"github.com/hyeokjun/routerag-go/internal/domain/ports"
	"github.com/hyeokjun/routerag-go/internal/domain/usecases"
	httpserver "github.com/hyeokjun/routerag-go/internal/infrastructure/http"
	"github.com/hyeokjun/routerag-go/internal/registry"
)

var configPath string

func main() {
	godotenv.Load()

	root := &cobra.Command{
		Use:   "routerag",
		Short: "Query-routing RAG engine over multiple data sources",
		Long: "routerag classifies natural-language questions, routes them to the right\n" +
			"data sources, and assembles grounded answers with citations.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (yaml)")

	root.AddCommand(serveCmd(), chatCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp()
			if err != nil {
				return err
			}
			defer app.close()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if app.watcher != nil {
				go func() {
					if err := app.watcher.Watch(ctx); err != nil {
						log.Error().Err(err).Msg("source catalog watcher stopped")
					}
				}()
			}

			server := httpserver.NewServer(app.ask, app.conversations, app.cfg.HTTP.Addr)
			return server.Start(ctx)
		},
	}
}

func chatCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat session in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp()
			if err != nil {
				return err
			}
			defer app.close()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return runChat(ctx, app.ask, user)
		},
	}
	cmd.Flags().StringVar(&user, "user", "local", "user id for conversation memory")
	return cmd
}

type app struct {
	cfg           *config.Config
	ask           *usecases.AskUseCase
	conversations *conversation.Store
	watcher       *registry.Watcher
	closers       []func() error
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Warn().Err(err).Msg("shutdown cleanup failed")
		}
	}
}

// buildApp wires every layer from configuration.
func buildApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	setupLogging(cfg.LogLevel)

	ctx := context.Background()
	a := &app{cfg: cfg}

	embedder := embedding.NewOllamaAdapter(cfg.Ollama.BaseURL, cfg.Ollama.EmbeddingModel)

	catalog, err := registry.Load(ctx, cfg.Sources.Path, embedder)
	if err != nil {
		return nil, fmt.Errorf("failed to load source catalog: %w", err)
	}
	if cfg.Sources.Watch {
		watcher, err := registry.NewWatcher(catalog)
		if err != nil {
			return nil, fmt.Errorf("failed to watch source catalog: %w", err)
		}
		a.watcher = watcher
		a.closers = append(a.closers, watcher.Stop)
	}

	var store ports.VectorStore
	switch cfg.VectorDB.Backend {
	case "qdrant":
		qs, err := vectordb.NewQdrantStore(cfg.VectorDB.QdrantAddr)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, qs.Close)
		for _, src := range catalog.Sources() {
			if len(src.Embedding) == 0 {
				continue
			}
			if err := qs.EnsureCollection(ctx, src.Collection, uint64(len(src.Embedding))); err != nil {
				return nil, err
			}
		}
		store = qs
	default:
		store = vectordb.NewInMemoryStore()
	}

	convOpts := conversation.Options{
		MaxTurns: cfg.History.MaxTurnsPerUser,
		MaxAge:   cfg.History.MaxAge,
	}
	if cfg.History.SQLitePath != "" {
		persister, err := conversation.OpenSQLite(cfg.History.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open conversation db: %w", err)
		}
		a.closers = append(a.closers, persister.Close)
		convOpts.Persister = persister
	}
	conversations, err := conversation.NewStore(ctx, convOpts)
	if err != nil {
		return nil, err
	}
	a.conversations = conversations

	var generator ports.LLMService
	if cfg.Gemini.APIKey != "" {
		generator = llm.NewGeminiAdapter("", cfg.Gemini.APIKey, cfg.Gemini.Model)
	} else {
		generator = llm.NewOllamaAdapter(cfg.Ollama.BaseURL, cfg.Ollama.ChatModel)
	}

	a.ask = usecases.NewAskUseCase(
		usecases.NewClassifier(catalog, embedder, usecases.ClassifierConfig{
			KeywordThreshold:    cfg.Routing.KeywordThreshold,
			SimilarityThreshold: cfg.Routing.SimilarityThreshold,
			DefaultTopK:         cfg.Retrieval.DefaultTopK,
			RecentTopK:          cfg.Retrieval.RecentTopK,
		}),
		usecases.NewCoordinator(catalog, store, embedder, usecases.CoordinatorConfig{
			SourceTimeout: cfg.Retrieval.SourceTimeout,
		}),
		usecases.NewStatisticsEngine(catalog, store),
		usecases.NewAssembler(usecases.AssemblerConfig{
			ContextBudget: cfg.Assembler.ContextBudget,
			MaxEvidence:   cfg.Assembler.MaxEvidence,
			MaxHistory:    cfg.Assembler.MaxHistory,
		}),
		conversations,
		generator,
		embedder,
		cfg.History.MaxRelevant,
	)
	return a, nil
}

func setupLogging(level string) {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func runChat(ctx context.Context, ask *usecases.AskUseCase, user string) error {
	prompt := color.New(color.FgCyan, color.Bold)
	answerColor := color.New(color.FgGreen)
	citeColor := color.New(color.FgYellow)
	warnColor := color.New(color.FgRed)

	fmt.Println("routerag interactive chat. Type 'exit' to quit.")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		prompt.Printf("\n%s> ", user)
		if !scanner.Scan() {
			return scanner.Err()
		}
		question := strings.TrimSpace(scanner.Text())
		if question == "" {
			continue
		}
		if question == "exit" || question == "quit" {
			return nil
		}

		answer, err := ask.Ask(ctx, &entities.Query{Text: question, UserID: user})
		if err != nil {
			warnColor.Printf("error: %v\n", err)
			continue
		}

		answerColor.Println(answer.Text)
		for _, c := range answer.Citations {
			citeColor.Printf("  [%s:%s] %.2f %s\n", c.SourceID, c.RecordID, c.Score, c.Preview)
		}
		if answer.Report.Degraded() {
			for id, reason := range answer.Report.Failed {
				warnColor.Printf("  source %s unavailable: %s\n", id, reason)
			}
		}
		if len(answer.Charts) > 0 {
			for i, chart := range answer.Charts {
				name := fmt.Sprintf("chart-%d%s", i+1, extensionFor(chart.MimeType))
				if err := os.WriteFile(name, chart.Data, 0o644); err != nil {
					warnColor.Printf("  failed to save chart: %v\n", err)
					continue
				}
				citeColor.Printf("  chart saved to %s\n", name)
			}
		}
	}
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/svg+xml":
		return ".svg"
	default:
		return ".bin"
	}
}
