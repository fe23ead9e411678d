package grpcserver

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

type fakeChecker struct {
	healthy atomic.Bool
}

func (f *fakeChecker) Check(context.Context) (map[string]string, bool) {
	if f.healthy.Load() {
		return map[string]string{"database": "ok"}, true
	}
	return map[string]string{"database": "unreachable"}, false
}

func startServer(t *testing.T, checker Checker) healthpb.HealthClient {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := New(checker, Config{CheckInterval: 20 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	t.Cleanup(func() {
		_ = conn.Close()
		cancel()
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("Serve returned error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return after cancel")
		}
	})
	return healthpb.NewHealthClient(conn)
}

func status(t *testing.T, client healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("Check(%q): %v", service, err)
	}
	return resp.GetStatus()
}

func TestHealthFollowsChecker(t *testing.T) {
	t.Parallel()

	checker := &fakeChecker{}
	checker.healthy.Store(true)
	client := startServer(t, checker)

	if got := status(t, client, ""); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("overall status = %v, want SERVING", got)
	}
	if got := status(t, client, ServiceName); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("%s status = %v, want SERVING", ServiceName, got)
	}

	checker.healthy.Store(false)
	deadline := time.Now().Add(2 * time.Second)
	for status(t, client, "") != healthpb.HealthCheckResponse_NOT_SERVING {
		if time.Now().After(deadline) {
			t.Fatal("status did not switch to NOT_SERVING")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRefreshReportsHealth(t *testing.T) {
	t.Parallel()

	checker := &fakeChecker{}
	srv := New(checker, Config{}, nil)
	if srv.Refresh(context.Background()) {
		t.Fatal("Refresh() = true for failing checker")
	}
	checker.healthy.Store(true)
	if !srv.Refresh(context.Background()) {
		t.Fatal("Refresh() = false for healthy checker")
	}
	if srv.cfg.CheckInterval != DefaultConfig().CheckInterval {
		t.Fatalf("CheckInterval = %v, want default", srv.cfg.CheckInterval)
	}
}
