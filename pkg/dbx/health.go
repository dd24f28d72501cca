package dbx

import (
	"context"
	"time"
)

// HealthStatus reports database connectivity and pool statistics.
type HealthStatus struct {
	Status          string        `json:"status"`
	ResponseTime    int64         `json:"response_time_ms"`
	TotalConns      int32         `json:"total_conns"`
	IdleConns       int32         `json:"idle_conns"`
	AcquiredConns   int32         `json:"acquired_conns"`
	MaxConns        int32         `json:"max_conns"`
	NewConnsCount   int64         `json:"new_conns_count"`
	AcquireCount    int64         `json:"acquire_count"`
	AcquireDuration int64         `json:"acquire_duration_ms"`
}

// Health checks database connectivity and returns connection pool
// statistics.
func Health(ctx context.Context, pool *Pool) (*HealthStatus, error) {
	start := time.Now()

	if err := pool.Ping(ctx); err != nil {
		return &HealthStatus{
			Status:       "unhealthy",
			ResponseTime: time.Since(start).Milliseconds(),
		}, err
	}

	stats := pool.Stat()

	return &HealthStatus{
		Status:          "healthy",
		ResponseTime:    time.Since(start).Milliseconds(),
		TotalConns:      stats.TotalConns(),
		IdleConns:       stats.IdleConns(),
		AcquiredConns:   stats.AcquiredConns(),
		MaxConns:        stats.MaxConns(),
		NewConnsCount:   stats.NewConnsCount(),
		AcquireCount:    stats.AcquireCount(),
		AcquireDuration: stats.AcquireDuration().Milliseconds(),
	}, nil
}
