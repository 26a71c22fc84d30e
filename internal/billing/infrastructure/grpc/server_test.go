package grpc

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/fitness360/billing-pipeline/pkg/logging"
)

func dial(t *testing.T, h *Health) healthpb.HealthClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	h.Register(gs)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return healthpb.NewHealthClient(conn)
}

func status(t *testing.T, c healthpb.HealthClient, svc string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := c.Check(context.Background(), &healthpb.HealthCheckRequest{Service: svc})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestHealthFollowsChecks(t *testing.T) {
	var dbErr error
	h := NewHealth(logging.Discard(), map[string]Check{
		"postgres": func(context.Context) error { return dbErr },
	})
	c := dial(t, h)

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status(t, c, Service))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status(t, c, ""))

	dbErr = errors.New("connection refused")
	assert.False(t, h.Probe(context.Background()))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status(t, c, Service))

	dbErr = nil
	assert.True(t, h.Probe(context.Background()))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status(t, c, Service))

	h.Shutdown()
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status(t, c, Service))
}
