package server

import (
	"context"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/joshp123/gohome-fusionsolar/internal/log"
)

// GRPCServer wraps a gRPC server and listener.
type GRPCServer struct {
	Server   *grpc.Server
	Health   *health.Server
	Listener net.Listener
}

func NewGRPCServer(addr string) (*GRPCServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	s := grpc.NewServer(grpc.ChainUnaryInterceptor(logUnary))
	reflection.Register(s)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)

	return &GRPCServer{Server: s, Health: hs, Listener: ln}, nil
}

func (s *GRPCServer) Serve() error {
	return s.Server.Serve(s.Listener)
}

// Stop drains in-flight RPCs.
func (s *GRPCServer) Stop() {
	s.Health.Shutdown()
	s.Server.GracefulStop()
}

// logUnary scopes the context logger to the RPC and logs failed calls.
func logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	ctx = log.WithAttrs(ctx, slog.String("rpcMethod", info.FullMethod))
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		log.Ctx(ctx).Warn("rpc failed",
			"code", status.Code(err).String(),
			"duration", time.Since(start),
			"error", status.Convert(err).Message(),
		)
	}
	return resp, err
}
