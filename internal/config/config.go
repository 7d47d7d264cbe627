package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	Mode         string `validate:"oneof=server interactive headless"`
	LogLevel     string `validate:"omitempty,oneof=debug info warn error"`
	DatabasePath string `validate:"required"`
	GRPCAddress  string `validate:"required,hostname_port"`
	MCPAddress   string `validate:"required,hostname_port"`

	APIBaseURL string `validate:"required,url"`
	SocketURL  string `validate:"required,url"`
	Token      string

	UserID     string `validate:"required"`
	UserName   string
	UserAvatar string `validate:"omitempty,url"`
	UserRole   string `validate:"oneof=client craftsman"`

	PageSize       int           `validate:"min=1,max=100"`
	MatchWindow    time.Duration `validate:"gt=0"`
	TypingExpiry   time.Duration `validate:"gt=0"`
	TypingIdle     time.Duration `validate:"gt=0"`
	PendingTimeout time.Duration `validate:"gt=0"`
}

// Load reads .env, the environment and the command line, in increasing
// priority.
func Load() (*Config, error) {
	return LoadArgs(os.Args[1:])
}

func LoadArgs(args []string) (*Config, error) {
	_ = godotenv.Load(".env")

	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".craftworks-chat")

	cfg := &Config{}
	fs := flag.NewFlagSet("chat-bridge", flag.ContinueOnError)

	fs.StringVar(&cfg.Mode, "mode", "server", "Run mode: server, interactive, or headless")
	fs.StringVar(&cfg.LogLevel, "log-level", getEnv("CHAT_LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	fs.StringVar(&cfg.DatabasePath, "db", getEnv("CHAT_DATABASE_PATH", filepath.Join(dataDir, "chat.db")), "Local mirror database file path")
	fs.StringVar(&cfg.GRPCAddress, "grpc-port", getEnv("CHAT_GRPC_ADDRESS", "127.0.0.1:50051"), "gRPC server address")
	fs.StringVar(&cfg.MCPAddress, "mcp-port", getEnv("CHAT_MCP_ADDRESS", "127.0.0.1:8080"), "MCP SSE server address")

	fs.StringVar(&cfg.APIBaseURL, "api", getEnv("CHAT_API_URL", "http://127.0.0.1:5000/api"), "Backend REST base URL")
	fs.StringVar(&cfg.SocketURL, "socket", getEnv("CHAT_SOCKET_URL", "ws://127.0.0.1:5000/ws"), "Backend real-time channel URL")
	fs.StringVar(&cfg.Token, "token", getEnv("CHAT_TOKEN", ""), "Bearer token for the backend")

	fs.StringVar(&cfg.UserID, "user-id", getEnv("CHAT_USER_ID", ""), "Session user id")
	fs.StringVar(&cfg.UserName, "user-name", getEnv("CHAT_USER_NAME", ""), "Session user display name")
	fs.StringVar(&cfg.UserAvatar, "user-avatar", getEnv("CHAT_USER_AVATAR", ""), "Session user avatar URL")
	fs.StringVar(&cfg.UserRole, "user-role", getEnv("CHAT_USER_ROLE", "client"), "Session user role: client or craftsman")

	fs.IntVar(&cfg.PageSize, "page-size", getEnvInt("CHAT_PAGE_SIZE", 50), "Messages fetched per page")
	fs.DurationVar(&cfg.MatchWindow, "match-window", getEnvDuration("CHAT_MATCH_WINDOW", 10*time.Second), "Max timestamp distance between a pending message and its echo")
	fs.DurationVar(&cfg.TypingExpiry, "typing-expiry", getEnvDuration("CHAT_TYPING_EXPIRY", 3*time.Second), "Remote typing indicator lifetime")
	fs.DurationVar(&cfg.TypingIdle, "typing-idle", getEnvDuration("CHAT_TYPING_IDLE", time.Second), "Local idle window before typingStop")
	fs.DurationVar(&cfg.PendingTimeout, "pending-timeout", getEnvDuration("CHAT_PENDING_TIMEOUT", 45*time.Second), "Wait for a server echo before a message is marked failed")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg.UserRole = strings.ToLower(cfg.UserRole)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Ensure directories exist
	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return cfg, nil
}

// Validate checks the struct tags and reports every failing field.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	err := v.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.StructField(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, ", "))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return defaultValue
}
