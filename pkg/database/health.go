package database

import (
	"context"
	"database/sql"
	"time"
)

// HealthStatus is the snapshot served on the health endpoint: liveness
// plus the sql.DB pool counters.
type HealthStatus struct {
	Status          string `json:"status"`
	ResponseTime    int64  `json:"response_time_ms"`
	OpenConnections int    `json:"open_connections"`
	InUse           int    `json:"in_use"`
	Idle            int    `json:"idle"`
	WaitCount       int64  `json:"wait_count"`
	WaitDuration    int64  `json:"wait_duration_ms"`
	MaxOpenConns    int    `json:"max_open_conns"`
}

// Health pings the database and reports pool utilization. A failed ping
// still yields a snapshot so callers can serve it alongside the error.
func Health(ctx context.Context, db *sql.DB) (*HealthStatus, error) {
	started := time.Now()
	if err := db.PingContext(ctx); err != nil {
		return &HealthStatus{
			Status:       "unhealthy",
			ResponseTime: time.Since(started).Milliseconds(),
		}, err
	}

	pool := db.Stats()
	return &HealthStatus{
		Status:          "healthy",
		ResponseTime:    time.Since(started).Milliseconds(),
		OpenConnections: pool.OpenConnections,
		InUse:           pool.InUse,
		Idle:            pool.Idle,
		WaitCount:       pool.WaitCount,
		WaitDuration:    pool.WaitDuration.Milliseconds(),
		MaxOpenConns:    pool.MaxOpenConnections,
	}, nil
}
