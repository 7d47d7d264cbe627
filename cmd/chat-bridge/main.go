package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clippy-oss/homie/craftworks-chat/internal/backend"
	"github.com/clippy-oss/homie/craftworks-chat/internal/channel"
	"github.com/clippy-oss/homie/craftworks-chat/internal/cli"
	"github.com/clippy-oss/homie/craftworks-chat/internal/config"
	"github.com/clippy-oss/homie/craftworks-chat/internal/domain"
	"github.com/clippy-oss/homie/craftworks-chat/internal/logger"
	"github.com/clippy-oss/homie/craftworks-chat/internal/metrics"
	"github.com/clippy-oss/homie/craftworks-chat/internal/repository"
	"github.com/clippy-oss/homie/craftworks-chat/internal/service"
	grpcTransport "github.com/clippy-oss/homie/craftworks-chat/internal/transport/grpc"
	mcpTransport "github.com/clippy-oss/homie/craftworks-chat/internal/transport/mcp"
)

// RunMode defines how the application runs
type RunMode string

const (
	RunModeServer      RunMode = "server"
	RunModeInteractive RunMode = "interactive"
	RunModeHeadless    RunMode = "headless"
)

type app struct {
	cfg      *config.Config
	chatSvc  *service.ChatService
	msgSvc   *service.MessageService
	eventBus *domain.SimpleEventBus
	metrics  *metrics.Metrics
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	// Logs go to stderr so stdout stays free for the CLI modes
	logger.InitWriter(os.Stderr, cfg.LogLevel, RunMode(cfg.Mode) == RunModeInteractive)
	log := logger.Module("main")

	db, err := repository.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}

	msgRepo := repository.NewMessageRepository(db)
	chatRepo := repository.NewChatRepository(db)
	eventBus := domain.NewEventBus()
	m := metrics.New()

	api := backend.New(backend.Config{
		BaseURL: cfg.APIBaseURL,
		Token:   cfg.Token,
	}, logger.Module("backend"))

	socket := channel.NewWebSocket(channel.Config{
		URL:   cfg.SocketURL,
		Token: cfg.Token,
	}, logger.Module("channel"), m)

	chatSvc := service.NewChatService(
		service.Identity{
			ID:       cfg.UserID,
			FullName: cfg.UserName,
			Avatar:   cfg.UserAvatar,
			Role:     domain.Role(cfg.UserRole),
		},
		socket,
		api,
		eventBus,
		msgRepo,
		chatRepo,
		m,
		service.ChatServiceConfig{
			PageSize:       cfg.PageSize,
			MatchWindow:    cfg.MatchWindow,
			TypingExpiry:   cfg.TypingExpiry,
			TypingIdle:     cfg.TypingIdle,
			PendingTimeout: cfg.PendingTimeout,
		},
		logger.Module("chat"),
	)
	defer chatSvc.Close()

	msgSvc := service.NewMessageService(msgRepo, chatRepo, chatSvc)

	a := &app{
		cfg:      cfg,
		chatSvc:  chatSvc,
		msgSvc:   msgSvc,
		eventBus: eventBus,
		metrics:  m,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch RunMode(cfg.Mode) {
	case RunModeInteractive:
		a.runInteractiveMode(ctx)
	case RunModeHeadless:
		a.runHeadlessMode(ctx)
	default:
		a.runServerMode(ctx)
	}
}

func (a *app) runServerMode(ctx context.Context) {
	log := logger.Module("server")
	log.Info().
		Str("database", a.cfg.DatabasePath).
		Str("grpc", a.cfg.GRPCAddress).
		Str("mcp", a.cfg.MCPAddress).
		Str("user", a.cfg.UserID).
		Msg("Craftworks chat bridge starting")

	grpcServer := grpcTransport.NewServer(
		a.chatSvc,
		a.msgSvc,
		a.eventBus,
		a.metrics,
		grpcTransport.ServerConfig{
			Address: a.cfg.GRPCAddress,
		},
	)

	mcpServer := mcpTransport.NewServer(
		a.msgSvc,
		a.chatSvc,
		a.metrics,
		mcpTransport.ServerConfig{
			Address: a.cfg.MCPAddress,
		},
	)

	// Error channel for server errors
	errCh := make(chan error, 2)

	go func() {
		log.Info().Str("address", a.cfg.GRPCAddress).Msg("Starting gRPC server")
		if err := grpcServer.Start(); err != nil {
			errCh <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()

	go func() {
		log.Info().Str("address", a.cfg.MCPAddress).Msg("Starting MCP SSE server")
		if err := mcpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("MCP server error: %w", err)
		}
	}()

	a.bootstrap(ctx)

	// Print ready message for subprocess coordination
	fmt.Println("ready")

	select {
	case err := <-errCh:
		log.Error().Err(err).Msg("Server error")
	case <-ctx.Done():
		log.Info().Msg("Received signal, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	log.Info().Msg("Disconnecting from chat server")
	a.chatSvc.Disconnect()

	log.Info().Msg("Stopping gRPC server")
	grpcServer.Stop()

	log.Info().Msg("Stopping MCP server")
	if err := mcpServer.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("MCP server stop error")
	}

	log.Info().Msg("Shutdown complete")
}

func (a *app) runInteractiveMode(ctx context.Context) {
	a.bootstrap(ctx)

	handler := cli.NewCommandHandler(a.chatSvc, a.msgSvc, a.eventBus)
	interactiveCLI := cli.NewInteractiveCLI(handler)

	if err := interactiveCLI.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Module("cli").Error().Err(err).Msg("CLI error")
	}

	a.chatSvc.Disconnect()
}

func (a *app) runHeadlessMode(ctx context.Context) {
	// Connection state is reported through status and events
	a.bootstrap(ctx)

	handler := cli.NewCommandHandler(a.chatSvc, a.msgSvc, a.eventBus)
	headlessCLI := cli.NewHeadlessCLI(handler)

	if err := headlessCLI.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Module("cli").Error().Err(err).Msg("CLI error")
	}

	a.chatSvc.Disconnect()
}

// bootstrap connects the real-time channel and loads the first page of
// conversations. Neither failure is fatal: the channel keeps retrying and
// the conversation list falls back to the local mirror.
func (a *app) bootstrap(ctx context.Context) {
	log := logger.Module("main")

	if err := a.chatSvc.Connect(ctx); err != nil {
		log.Warn().Err(err).Msg("Initial connect failed, retrying in the background")
	}
	if _, _, err := a.chatSvc.LoadChats(ctx, 1); err != nil {
		log.Warn().Err(err).Msg("Could not load conversations")
	}
}
