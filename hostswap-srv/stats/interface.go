package stats

import (
	"context"
	"time"
)

// Protocols recorded for a connection.
const (
	ProtocolHTTP   = "http"
	ProtocolTunnel = "connect"
)

// Collector defines the interface for collecting proxy statistics
type Collector interface {
	// Connection tracking
	StartConnection(ctx context.Context, connectionUUID, clientIP, targetHost string, targetPort int, protocol string, redirected bool) (int64, error)
	EndConnection(ctx context.Context, connectionID int64, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error

	// Request/Response tracking
	RecordHTTPRequest(ctx context.Context, connectionID int64, method, url, host, userAgent string, contentLength int64) error
	RecordHTTPResponse(ctx context.Context, connectionID int64, statusCode int, contentLength int64) error

	// Error tracking
	RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error

	// Bandwidth tracking
	RecordDataTransfer(ctx context.Context, connectionID int64, bytesSent, bytesReceived int64) error

	GetOverviewStats(ctx context.Context) (*OverviewStats, error)

	// Health check
	HealthCheck(ctx context.Context) error

	// Close cleans up resources
	Close() error
}

// OverviewStats provides high-level statistics
type OverviewStats struct {
	TotalConnections      int64 `json:"total_connections"`
	ActiveConnections     int64 `json:"active_connections"`
	RedirectedConnections int64 `json:"redirected_connections"`
	TotalRequests         int64 `json:"total_requests"`
	TotalErrors           int64 `json:"total_errors"`
	TotalBytesIn          int64 `json:"total_bytes_in"`
	TotalBytesOut         int64 `json:"total_bytes_out"`
}
