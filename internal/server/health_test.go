package server

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func startHealthServer(t *testing.T) (*HealthServer, healthpb.HealthClient) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	server := NewHealthServer(nil)
	go func() {
		_ = server.Serve(listener)
	}()
	t.Cleanup(server.Stop)

	conn, err := grpc.Dial(listener.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("failed to dial health server: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return server, healthpb.NewHealthClient(conn)
}

func checkStatus(t *testing.T, client healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	response, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	return response.GetStatus()
}

func TestHealthServerReportsServingStatus(t *testing.T) {
	server, client := startHealthServer(t)

	if status := checkStatus(t, client, HealthService); status != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected NOT_SERVING before startup, got %s", status)
	}
	server.SetServing(true)
	if status := checkStatus(t, client, ""); status != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected SERVING, got %s", status)
	}
	if status := checkStatus(t, client, HealthService); status != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected SERVING for %s, got %s", HealthService, status)
	}
}

func TestHealthServerWatchFollowsProbe(t *testing.T) {
	server, client := startHealthServer(t)
	var failing atomic.Bool
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Watch(ctx, 10*time.Millisecond, func(context.Context) error {
		if failing.Load() {
			return errors.New("database unavailable")
		}
		return nil
	})

	waitForStatus(t, client, healthpb.HealthCheckResponse_SERVING)
	failing.Store(true)
	waitForStatus(t, client, healthpb.HealthCheckResponse_NOT_SERVING)
	failing.Store(false)
	waitForStatus(t, client, healthpb.HealthCheckResponse_SERVING)
}

func waitForStatus(t *testing.T, client healthpb.HealthClient, want healthpb.HealthCheckResponse_ServingStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if checkStatus(t, client, HealthService) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", want)
}
