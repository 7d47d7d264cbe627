package mcp

import (
	"context"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/clippy-oss/homie/craftworks-chat/internal/metrics"
	"github.com/clippy-oss/homie/craftworks-chat/internal/service"
)

type ServerConfig struct {
	Address string
}

type Server struct {
	mcpServer  *server.MCPServer
	sseServer  *server.SSEServer
	httpServer *http.Server
	msgSvc     *service.MessageService
	chatSvc    *service.ChatService
	metrics    *metrics.Metrics
	config     ServerConfig
}

func NewServer(
	msgSvc *service.MessageService,
	chatSvc *service.ChatService,
	m *metrics.Metrics,
	config ServerConfig,
) *Server {
	s := &Server{
		msgSvc:  msgSvc,
		chatSvc: chatSvc,
		metrics: m,
		config:  config,
	}

	s.mcpServer = server.NewMCPServer(
		"craftworks-chat",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	s.registerTools()

	s.sseServer = server.NewSSEServer(s.mcpServer,
		server.WithKeepAliveInterval(30*time.Second),
	)

	return s
}

func (s *Server) registerTools() {
	// List chats tool
	s.mcpServer.AddTool(
		mcp.NewTool("chat_list_chats",
			mcp.WithDescription("List marketplace conversations sorted by most recent activity"),
			mcp.WithNumber("page",
				mcp.Description("Page of the conversation list to fetch (default 1)"),
			),
		),
		s.handleListChats,
	)

	// Open chat tool
	s.mcpServer.AddTool(
		mcp.NewTool("chat_open",
			mcp.WithDescription("Open a conversation and load its latest messages. Live messages for it are merged in from then on."),
			mcp.WithString("chat_id",
				mcp.Required(),
				mcp.Description("ID of the conversation"),
			),
		),
		s.handleOpenChat,
	)

	// Get messages tool
	s.mcpServer.AddTool(
		mcp.NewTool("chat_get_messages",
			mcp.WithDescription("Get messages of a conversation. The open conversation includes messages still being sent."),
			mcp.WithString("chat_id",
				mcp.Description("ID of the conversation (default: the open one)"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of messages to return (default 50, max 200)"),
			),
		),
		s.handleGetMessages,
	)

	// Send message tool
	s.mcpServer.AddTool(
		mcp.NewTool("chat_send_message",
			mcp.WithDescription("Send a text message. It shows up at once and is confirmed when the server echoes it."),
			mcp.WithString("chat_id",
				mcp.Description("ID of the conversation (default: the open one)"),
			),
			mcp.WithString("text",
				mcp.Required(),
				mcp.Description("Message text to send"),
			),
		),
		s.handleSendMessage,
	)

	// Resend tool
	s.mcpServer.AddTool(
		mcp.NewTool("chat_resend_message",
			mcp.WithDescription("Send a message that was flagged as failed again"),
			mcp.WithString("message_id",
				mcp.Required(),
				mcp.Description("ID of the failed message"),
			),
		),
		s.handleResend,
	)

	// Mark as read tool
	s.mcpServer.AddTool(
		mcp.NewTool("chat_mark_read",
			mcp.WithDescription("Mark every message of a conversation as read"),
			mcp.WithString("chat_id",
				mcp.Description("ID of the conversation (default: the open one)"),
			),
		),
		s.handleMarkRead,
	)

	// Typing status tool
	s.mcpServer.AddTool(
		mcp.NewTool("chat_typing_status",
			mcp.WithDescription("Show who is typing in a conversation"),
			mcp.WithString("chat_id",
				mcp.Description("ID of the conversation (default: the open one)"),
			),
		),
		s.handleTypingStatus,
	)

	// Search messages tool
	s.mcpServer.AddTool(
		mcp.NewTool("chat_search_messages",
			mcp.WithDescription("Search message history across all conversations by text content"),
			mcp.WithString("query",
				mcp.Required(),
				mcp.Description("Search query text"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum results to return (default 20, max 100)"),
			),
		),
		s.handleSearchMessages,
	)

	// Connection status tool
	s.mcpServer.AddTool(
		mcp.NewTool("chat_connection_status",
			mcp.WithDescription("Get current real-time connection status"),
		),
		s.handleConnectionStatus,
	)

	// Connect tool
	s.mcpServer.AddTool(
		mcp.NewTool("chat_connect",
			mcp.WithDescription("Connect to the real-time chat server"),
		),
		s.handleConnect,
	)

	// Disconnect tool
	s.mcpServer.AddTool(
		mcp.NewTool("chat_disconnect",
			mcp.WithDescription("Disconnect from the real-time chat server. Messages sent meanwhile are delivered after reconnecting."),
		),
		s.handleDisconnect,
	)
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/sse", s.sseServer.SSEHandler())
	mux.Handle("/message", s.sseServer.MessageHandler())
	mux.Handle("/metrics", s.metrics.Handler())

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return mux
}

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    s.config.Address,
		Handler: s.Handler(),
	}

	return s.httpServer.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
