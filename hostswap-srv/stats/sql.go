package stats

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	driverSQLite   = "sqlite3"
	driverPostgres = "postgres"
)

// SQLCollector implements Collector on top of database/sql. The SQLite and
// PostgreSQL backends share it and only differ in driver and placeholders.
type SQLCollector struct {
	db     *sql.DB
	driver string
}

func newSQLCollector(db *sql.DB, driver string) (*SQLCollector, error) {
	c := &SQLCollector{db: db, driver: driver}
	if err := NewSchemaInitializer(db, driver).InitializeSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return c, nil
}

// rebind rewrites ? placeholders into $n for PostgreSQL.
func (s *SQLCollector) rebind(query string) string {
	if s.driver != driverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLCollector) exec(ctx context.Context, query string, args ...any) error {
	_, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	return err
}

// StartConnection records the start of a connection and returns its row ID.
func (s *SQLCollector) StartConnection(ctx context.Context, connectionUUID, clientIP, targetHost string, targetPort int, protocol string, redirected bool) (int64, error) {
	const query = `INSERT INTO connections (connection_uuid, client_ip, target_host, target_port, protocol, redirected, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`
	args := []any{connectionUUID, clientIP, targetHost, targetPort, protocol, redirected, time.Now()}

	if s.driver == driverPostgres {
		var id int64
		if err := s.db.QueryRowContext(ctx, s.rebind(query)+" RETURNING id", args...).Scan(&id); err != nil {
			return 0, fmt.Errorf("failed to record connection start: %w", err)
		}
		return id, nil
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to record connection start: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get connection ID: %w", err)
	}
	return id, nil
}

// EndConnection records the end of a connection
func (s *SQLCollector) EndConnection(ctx context.Context, connectionID, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	err := s.exec(ctx,
		`UPDATE connections
		 SET ended_at = ?, bytes_sent = ?, bytes_received = ?, duration_ms = ?, close_reason = ?
		 WHERE id = ?`,
		time.Now(), bytesSent, bytesReceived, duration.Milliseconds(), closeReason, connectionID)
	if err != nil {
		return fmt.Errorf("failed to record connection end: %w", err)
	}
	return nil
}

// RecordHTTPRequest records an HTTP request
func (s *SQLCollector) RecordHTTPRequest(ctx context.Context, connectionID int64, method, url, host, userAgent string, contentLength int64) error {
	err := s.exec(ctx,
		`INSERT INTO http_requests (connection_id, method, url, host, user_agent, content_length, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		connectionID, method, url, host, userAgent, contentLength, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record HTTP request: %w", err)
	}
	return nil
}

// RecordHTTPResponse records an HTTP response
func (s *SQLCollector) RecordHTTPResponse(ctx context.Context, connectionID int64, statusCode int, contentLength int64) error {
	err := s.exec(ctx,
		`INSERT INTO http_responses (connection_id, status_code, content_length, timestamp)
		 VALUES (?, ?, ?, ?)`,
		connectionID, statusCode, contentLength, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record HTTP response: %w", err)
	}
	return nil
}

// RecordError records an error
func (s *SQLCollector) RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error {
	err := s.exec(ctx,
		`INSERT INTO errors (connection_id, error_type, error_message, timestamp)
		 VALUES (?, ?, ?, ?)`,
		connectionID, errorType, errorMessage, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record error: %w", err)
	}
	return nil
}

// RecordDataTransfer adds byte deltas to a still open connection.
func (s *SQLCollector) RecordDataTransfer(ctx context.Context, connectionID, bytesSent, bytesReceived int64) error {
	err := s.exec(ctx,
		`UPDATE connections
		 SET bytes_sent = bytes_sent + ?, bytes_received = bytes_received + ?
		 WHERE id = ?`,
		bytesSent, bytesReceived, connectionID)
	if err != nil {
		return fmt.Errorf("failed to record data transfer: %w", err)
	}
	return nil
}

// GetOverviewStats aggregates the connection, request and error tables.
func (s *SQLCollector) GetOverviewStats(ctx context.Context) (*OverviewStats, error) {
	var overview OverviewStats

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN ended_at IS NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN redirected THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(bytes_received), 0),
			COALESCE(SUM(bytes_sent), 0)
		FROM connections`).Scan(
		&overview.TotalConnections,
		&overview.ActiveConnections,
		&overview.RedirectedConnections,
		&overview.TotalBytesIn,
		&overview.TotalBytesOut,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query connections: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM http_requests`).Scan(&overview.TotalRequests); err != nil {
		return nil, fmt.Errorf("failed to query requests: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM errors`).Scan(&overview.TotalErrors); err != nil {
		return nil, fmt.Errorf("failed to query errors: %w", err)
	}
	return &overview, nil
}

// HealthCheck pings the database.
func (s *SQLCollector) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database handle.
func (s *SQLCollector) Close() error {
	return s.db.Close()
}
