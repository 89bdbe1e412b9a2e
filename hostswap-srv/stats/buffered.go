package stats

import (
	"context"
	"sync"
	"time"

	"github.com/codefionn/hostswap/hostswap-srv/logger"
)

// BufferedCollector keeps writes off the request path. StartConnection stays
// synchronous because callers need the connection ID; everything else is
// queued and written to the underlying collector every interval.
type BufferedCollector struct {
	underlying Collector
	interval   time.Duration

	buffer struct {
		mu                   sync.Mutex
		httpRequests         []httpRequestData
		httpResponses        []httpResponseData
		errors               []errorData
		dataTransfers        []dataTransferData
		completedConnections []completedConnectionData
	}

	flushMu  sync.Mutex
	stopChan chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

type httpRequestData struct {
	connectionID  int64
	method        string
	url           string
	host          string
	userAgent     string
	contentLength int64
}

type httpResponseData struct {
	connectionID  int64
	statusCode    int
	contentLength int64
}

type errorData struct {
	connectionID int64
	errorType    string
	errorMessage string
}

type dataTransferData struct {
	connectionID  int64
	bytesSent     int64
	bytesReceived int64
}

type completedConnectionData struct {
	connectionID  int64
	bytesSent     int64
	bytesReceived int64
	duration      time.Duration
	closeReason   string
}

// NewBufferedCollector wraps underlying and flushes it every interval.
func NewBufferedCollector(underlying Collector, interval time.Duration) *BufferedCollector {
	if interval <= 0 {
		interval = 5 * time.Second
	}

	bc := &BufferedCollector{
		underlying: underlying,
		interval:   interval,
		stopChan:   make(chan struct{}),
	}

	bc.wg.Add(1)
	go bc.flusher()
	return bc
}

func (b *BufferedCollector) flusher() {
	defer b.wg.Done()
	logger.Debug("Starting buffered stats flusher %s", b.interval)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flush()
		case <-b.stopChan:
			b.flush()
			return
		}
	}
}

func (b *BufferedCollector) StartConnection(ctx context.Context, connectionUUID, clientIP, targetHost string, targetPort int, protocol string, redirected bool) (int64, error) {
	return b.underlying.StartConnection(ctx, connectionUUID, clientIP, targetHost, targetPort, protocol, redirected)
}

func (b *BufferedCollector) EndConnection(ctx context.Context, connectionID, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	b.buffer.mu.Lock()
	defer b.buffer.mu.Unlock()
	b.buffer.completedConnections = append(b.buffer.completedConnections, completedConnectionData{
		connectionID:  connectionID,
		bytesSent:     bytesSent,
		bytesReceived: bytesReceived,
		duration:      duration,
		closeReason:   closeReason,
	})
	return nil
}

func (b *BufferedCollector) RecordHTTPRequest(ctx context.Context, connectionID int64, method, url, host, userAgent string, contentLength int64) error {
	b.buffer.mu.Lock()
	defer b.buffer.mu.Unlock()
	b.buffer.httpRequests = append(b.buffer.httpRequests, httpRequestData{
		connectionID:  connectionID,
		method:        method,
		url:           url,
		host:          host,
		userAgent:     userAgent,
		contentLength: contentLength,
	})
	return nil
}

func (b *BufferedCollector) RecordHTTPResponse(ctx context.Context, connectionID int64, statusCode int, contentLength int64) error {
	b.buffer.mu.Lock()
	defer b.buffer.mu.Unlock()
	b.buffer.httpResponses = append(b.buffer.httpResponses, httpResponseData{
		connectionID:  connectionID,
		statusCode:    statusCode,
		contentLength: contentLength,
	})
	return nil
}

func (b *BufferedCollector) RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error {
	b.buffer.mu.Lock()
	defer b.buffer.mu.Unlock()
	b.buffer.errors = append(b.buffer.errors, errorData{
		connectionID: connectionID,
		errorType:    errorType,
		errorMessage: errorMessage,
	})
	return nil
}

func (b *BufferedCollector) RecordDataTransfer(ctx context.Context, connectionID, bytesSent, bytesReceived int64) error {
	b.buffer.mu.Lock()
	defer b.buffer.mu.Unlock()
	b.buffer.dataTransfers = append(b.buffer.dataTransfers, dataTransferData{
		connectionID:  connectionID,
		bytesSent:     bytesSent,
		bytesReceived: bytesReceived,
	})
	return nil
}

// GetOverviewStats reports what has been flushed so far.
func (b *BufferedCollector) GetOverviewStats(ctx context.Context) (*OverviewStats, error) {
	return b.underlying.GetOverviewStats(ctx)
}

func (b *BufferedCollector) HealthCheck(ctx context.Context) error {
	return b.underlying.HealthCheck(ctx)
}

// ForceFlush writes all buffered data now.
func (b *BufferedCollector) ForceFlush() {
	b.flush()
}

// flush swaps the buffers out and writes them. Connection ends go last so a
// connection's detail rows are in place before it is marked finished.
func (b *BufferedCollector) flush() {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.buffer.mu.Lock()
	requests := b.buffer.httpRequests
	responses := b.buffer.httpResponses
	errs := b.buffer.errors
	transfers := b.buffer.dataTransfers
	completed := b.buffer.completedConnections
	b.buffer.httpRequests = nil
	b.buffer.httpResponses = nil
	b.buffer.errors = nil
	b.buffer.dataTransfers = nil
	b.buffer.completedConnections = nil
	b.buffer.mu.Unlock()

	total := len(requests) + len(responses) + len(errs) + len(transfers) + len(completed)
	if total == 0 {
		return
	}
	logger.Debug("Flushing stats data %d", total)

	ctx := context.Background()
	failed := 0
	for _, req := range requests {
		if err := b.underlying.RecordHTTPRequest(ctx, req.connectionID, req.method, req.url, req.host, req.userAgent, req.contentLength); err != nil {
			failed++
		}
	}
	for _, resp := range responses {
		if err := b.underlying.RecordHTTPResponse(ctx, resp.connectionID, resp.statusCode, resp.contentLength); err != nil {
			failed++
		}
	}
	for _, e := range errs {
		if err := b.underlying.RecordError(ctx, e.connectionID, e.errorType, e.errorMessage); err != nil {
			failed++
		}
	}
	for _, dt := range transfers {
		if err := b.underlying.RecordDataTransfer(ctx, dt.connectionID, dt.bytesSent, dt.bytesReceived); err != nil {
			failed++
		}
	}
	for _, c := range completed {
		if err := b.underlying.EndConnection(ctx, c.connectionID, c.bytesSent, c.bytesReceived, c.duration, c.closeReason); err != nil {
			failed++
		}
	}
	if failed > 0 {
		logger.Warn("Failed to write %d of %d buffered stats records", failed, total)
	}
}

// Close stops the flusher, writes any remaining data and closes the
// underlying collector.
func (b *BufferedCollector) Close() error {
	b.stopOnce.Do(func() { close(b.stopChan) })
	b.wg.Wait()
	return b.underlying.Close()
}
