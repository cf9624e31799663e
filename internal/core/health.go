package core

import (
	"context"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const healthRefreshInterval = 15 * time.Second

// ServingStatus maps plugin health to the gRPC health protocol. A degraded
// plugin still serves.
func ServingStatus(status HealthStatus) healthpb.HealthCheckResponse_ServingStatus {
	switch status {
	case HealthHealthy, HealthDegraded:
		return healthpb.HealthCheckResponse_SERVING
	default:
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
}

// UpdateHealth publishes the health of every plugin service and of the
// whole server ("").
func UpdateHealth(server *health.Server, plugins []Plugin) {
	overall := healthpb.HealthCheckResponse_SERVING
	for _, plugin := range plugins {
		status := ServingStatus(plugin.Health())
		if status != healthpb.HealthCheckResponse_SERVING {
			overall = status
		}
		for _, service := range plugin.Manifest().Services {
			server.SetServingStatus(service, status)
		}
	}
	server.SetServingStatus("", overall)
}

// WatchHealth refreshes the health server until ctx is done.
func WatchHealth(ctx context.Context, server *health.Server, plugins []Plugin) {
	UpdateHealth(server, plugins)
	ticker := time.NewTicker(healthRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			server.Shutdown()
			return
		case <-ticker.C:
			UpdateHealth(server, plugins)
		}
	}
}
