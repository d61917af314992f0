package service

import (
	"context"
	"log/slog"
	"net"
	"testing"

	"github.com/you-humble/taskdispatch/core/broker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

func startHealth(t *testing.T) (*Health, healthpb.HealthClient) {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	logger := slog.Default()
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(
		RecoveryUnaryInterceptor(logger),
		UnaryLoggingInterceptor(logger),
	))
	h := NewHealth()
	h.Register(srv)

	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return h, healthpb.NewHealthClient(conn)
}

func check(t *testing.T, c healthpb.HealthClient, svc string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := c.Check(context.Background(), &healthpb.HealthCheckRequest{Service: svc})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestHealth_FollowsBrokerState(t *testing.T) {
	h, c := startHealth(t)

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, c, ""))

	h.Observe(broker.StateConnected)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, c, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, c, ServiceName))

	h.Observe(broker.StateDisconnected)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, c, ServiceName))

	h.Observe(broker.StateConnected)
	h.Shutdown()
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, c, ""))
}

func TestRecoveryUnaryInterceptor(t *testing.T) {
	icpt := RecoveryUnaryInterceptor(slog.Default())

	_, err := icpt(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/x/y"},
		func(context.Context, any) (any, error) { panic("boom") },
	)
	assert.Equal(t, codes.Internal, status.Code(err))
}
