package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/dig"

	"github.com/threadline/threadline/internal/attachments"
	"github.com/threadline/threadline/internal/config"
	"github.com/threadline/threadline/internal/domain"
	"github.com/threadline/threadline/internal/httpserver"
	"github.com/threadline/threadline/internal/httpserver/middleware"
	"github.com/threadline/threadline/internal/observability"
	"github.com/threadline/threadline/internal/relay"
	searchredis "github.com/threadline/threadline/internal/search/redis"
	"github.com/threadline/threadline/internal/store/memory"
	storeredis "github.com/threadline/threadline/internal/store/redis"

	"github.com/threadline/threadline/internal/llm"
)

func main() {
	root := &cobra.Command{
		Use:   "threadline",
		Short: "Streaming chat thread orchestrator",
		Long:  "Threadline orchestrates chat threads against an OpenAI-compatible agent backend: persistence, attachments, and live SSE relay.",
	}

	root.AddCommand(serveCmd())
	root.AddCommand(modelsCmd())
	root.AddCommand(chatCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			container := buildContainer()

			return container.Invoke(func(server *httpserver.Server) error {
				ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
				defer stop()

				errCh := make(chan error, 1)
				go func() { errCh <- server.Start() }()

				select {
				case err := <-errCh:
					return err
				case <-ctx.Done():
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer cancel()
					return server.Shutdown(shutdownCtx)
				}
			})
		},
	}
}

func modelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List models exposed by the provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			container := buildContainer()

			return container.Invoke(func(chat domain.ChatService) error {
				cards, err := chat.ListModels(cmd.Context())
				if err != nil {
					return err
				}
				for _, card := range cards {
					if card.Name != "" && card.Name != card.ID {
						fmt.Printf("%s\t%s\n", card.ID, card.Name)
					} else {
						fmt.Println(card.ID)
					}
				}
				return nil
			})
		},
	}
}

func chatCmd() *cobra.Command {
	var model string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat against a fresh thread",
		RunE: func(cmd *cobra.Command, args []string) error {
			container := buildContainer()

			return container.Invoke(func(store domain.Store, liveRelay *relay.Relay) error {
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				return runChatLoop(ctx, store, liveRelay, model)
			})
		},
	}
	cmd.Flags().StringVarP(&model, "model", "m", "", "model to use for the session")
	return cmd
}

// runChatLoop drives a minimal terminal session: one thread, user lines in,
// streamed assistant text out.
func runChatLoop(ctx context.Context, store domain.Store, liveRelay *relay.Relay, model string) error {
	now := time.Now().UTC()
	thread := &domain.Thread{
		ID:        uuid.New(),
		OwnerID:   "cli",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.CreateThread(ctx, thread); err != nil {
		return fmt.Errorf("failed to create thread: %w", err)
	}
	fmt.Printf("thread %s (Ctrl+C or /quit to exit)\n", thread.ID)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return nil
		}

		payload := domain.MessageCreate{Text: line, SenderID: "cli", Model: model}
		for frame := range liveRelay.Stream(ctx, thread, payload) {
			printFrame(frame)
		}
		fmt.Println()
	}
}

func printFrame(frame []byte) {
	if string(frame) == string(relay.DoneSentinel) {
		return
	}
	var chunk map[string]any
	if err := json.Unmarshal(frame, &chunk); err != nil {
		return
	}
	if text := domain.ChunkText(chunk); text != "" {
		fmt.Print(text)
	}
}

func buildContainer() *dig.Container {
	container := dig.New()

	// Configuration
	if err := container.Provide(config.Load); err != nil {
		log.Fatalf("Failed to provide config: %v", err)
	}
	if err := container.Provide(config.ParseDependenciesConfig); err != nil {
		log.Fatalf("Failed to provide config dependencies: %v", err)
	}

	// Observability
	if err := container.Provide(observability.InitLogger); err != nil {
		log.Fatalf("Failed to provide logger: %v", err)
	}

	// Storage and search. Redis when configured, in-memory otherwise.
	if err := container.Provide(func(cfg *config.RedisConfig) (domain.Store, domain.SearchIndex) {
		if cfg.Addr == "" {
			return memory.NewStore(), nil
		}
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		return storeredis.NewStore(client, cfg.KeyPrefix), searchredis.NewIndex(client, cfg.KeyPrefix+":search")
	}); err != nil {
		log.Fatalf("Failed to provide store: %v", err)
	}

	// Attachment storage
	if err := container.Provide(func(cfg *llm.Config) (domain.AttachmentStore, error) {
		return attachments.NewDiskStore(cfg.AttachmentsDir)
	}); err != nil {
		log.Fatalf("Failed to provide attachment store: %v", err)
	}

	// Provider client
	if err := container.Provide(func(cfg *llm.Config, store domain.AttachmentStore) domain.ChatService {
		return llm.NewClient(*cfg, store)
	}); err != nil {
		log.Fatalf("Failed to provide chat service: %v", err)
	}

	// Orchestration core
	if err := container.Provide(domain.NewOrchestrator); err != nil {
		log.Fatalf("Failed to provide orchestrator: %v", err)
	}
	if err := container.Provide(func(orchestrator *domain.Orchestrator) *relay.Relay {
		return relay.New(orchestrator)
	}); err != nil {
		log.Fatalf("Failed to provide relay: %v", err)
	}

	// HTTP Layer
	if err := container.Provide(middleware.BuildMiddlewareChain); err != nil {
		log.Fatalf("Failed to provide middleware: %v", err)
	}
	if err := container.Provide(httpserver.NewHandler); err != nil {
		log.Fatalf("Failed to provide HTTP handler: %v", err)
	}
	if err := container.Provide(httpserver.NewServer); err != nil {
		log.Fatalf("Failed to provide HTTP server: %v", err)
	}

	return container
}
