package db

import (
	"context"
	"time"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Pinger is the part of a store the health check needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// statsProvider is implemented by stores backed by a connection pool.
type statsProvider interface {
	Stats() *DatabaseStats
}

// HealthChecker reports store reachability for the health endpoint.
type HealthChecker struct {
	store   Pinger
	timeout time.Duration
}

func NewHealthChecker(store Pinger) *HealthChecker {
	return &HealthChecker{store: store, timeout: 5 * time.Second}
}

type HealthStatus struct {
	Status      string            `json:"status"`
	Timestamp   time.Time         `json:"timestamp"`
	Latency     time.Duration     `json:"latency"`
	Connections *DatabaseStats    `json:"connections,omitempty"`
	Checks      map[string]string `json:"checks"`
	Error       string            `json:"error,omitempty"`
}

func (h *HealthChecker) CheckHealth(ctx context.Context) *HealthStatus {
	start := time.Now()
	status := &HealthStatus{
		Status:    StatusHealthy,
		Timestamp: start,
		Checks:    make(map[string]string),
	}

	pingCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	if err := h.store.Ping(pingCtx); err != nil {
		status.Status = StatusUnhealthy
		status.Error = err.Error()
		status.Checks["connectivity"] = "failed"
		status.Latency = time.Since(start)
		return status
	}
	status.Checks["connectivity"] = "ok"

	if sp, ok := h.store.(statsProvider); ok {
		stats := sp.Stats()
		status.Connections = stats
		if stats.OpenConnections > 0 {
			status.Checks["connection_pool"] = "ok"
		} else {
			status.Status = StatusDegraded
			status.Checks["connection_pool"] = "no_connections"
		}
	}

	status.Latency = time.Since(start)
	return status
}
