package grpc

import (
	"net"

	"google.golang.org/grpc"

	"github.com/clippy-oss/homie/craftworks-chat/internal/domain"
	"github.com/clippy-oss/homie/craftworks-chat/internal/logger"
	"github.com/clippy-oss/homie/craftworks-chat/internal/metrics"
	"github.com/clippy-oss/homie/craftworks-chat/internal/service"
)

type ServerConfig struct {
	Address string
}

type Server struct {
	server  *grpc.Server
	handler *Handler
	config  ServerConfig
}

func NewServer(
	chatSvc *service.ChatService,
	msgSvc *service.MessageService,
	eventBus domain.EventBus,
	m *metrics.Metrics,
	config ServerConfig,
) *Server {
	handler := NewHandler(chatSvc, msgSvc, eventBus)
	log := logger.Module("grpc")

	server := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			LoggingInterceptor(log, m),
			RecoveryInterceptor(log),
		),
		grpc.ChainStreamInterceptor(
			StreamLoggingInterceptor(log, m),
			StreamRecoveryInterceptor(log),
		),
	)

	server.RegisterService(&ServiceDesc, handler)

	return &Server{
		server:  server,
		handler: handler,
		config:  config,
	}
}

func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}

	return s.Serve(lis)
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	return s.server.Serve(lis)
}

func (s *Server) Stop() {
	s.server.GracefulStop()
}
