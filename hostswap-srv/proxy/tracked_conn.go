package proxy

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/hostswap/hostswap-srv/logger"
	"github.com/codefionn/hostswap/hostswap-srv/metrics"
	"github.com/codefionn/hostswap/hostswap-srv/stats"
)

// flushThreshold is how many unreported bytes trigger an intermediate stats update.
const flushThreshold = 64 * 1024

// trackedConn wraps the upstream side of a tunnel and accounts the bytes
// relayed in each direction.
type trackedConn struct {
	net.Conn
	ctx          context.Context
	collector    stats.Collector
	metrics      *metrics.Metrics
	connectionID int64
	startTime    time.Time

	bytesSent     atomic.Int64 // client -> upstream
	bytesReceived atomic.Int64 // upstream -> client

	flushMu       sync.Mutex
	flushSent     int64
	flushReceived int64

	closeReason atomic.Value // string
	endOnce     sync.Once
}

// newTrackedConn creates a new tracked connection. ctx is only used for stats writes.
func newTrackedConn(ctx context.Context, conn net.Conn, collector stats.Collector, m *metrics.Metrics, connectionID int64) *trackedConn {
	return &trackedConn{
		Conn:         conn,
		ctx:          ctx,
		collector:    collector,
		metrics:      m,
		connectionID: connectionID,
		startTime:    time.Now(),
	}
}

// Read reads data from the upstream, tracking the number of bytes received.
func (c *trackedConn) Read(b []byte) (n int, err error) {
	n, err = c.Conn.Read(b)
	if n > 0 {
		c.bytesReceived.Add(int64(n))
		c.metrics.AddBytes(metrics.DirectionDownstream, int64(n))
		c.maybeFlush()
	}
	return n, err
}

// Write writes data to the upstream, tracking the number of bytes sent.
func (c *trackedConn) Write(b []byte) (n int, err error) {
	n, err = c.Conn.Write(b)
	if n > 0 {
		c.bytesSent.Add(int64(n))
		c.metrics.AddBytes(metrics.DirectionUpstream, int64(n))
		c.maybeFlush()
	}
	return n, err
}

// CloseWrite half-closes the upstream connection.
func (c *trackedConn) CloseWrite() error {
	return closeWrite(c.Conn)
}

// SetCloseReason records why the tunnel ended; the first reason wins.
func (c *trackedConn) SetCloseReason(reason string) {
	c.closeReason.CompareAndSwap(nil, reason)
}

// maybeFlush reports byte deltas since the last report to the collector.
// Long lived tunnels are thereby visible before they end.
func (c *trackedConn) maybeFlush() {
	c.flushMu.Lock()
	sent := c.bytesSent.Load()
	received := c.bytesReceived.Load()
	deltaSent := sent - c.flushSent
	deltaReceived := received - c.flushReceived
	if deltaSent+deltaReceived < flushThreshold {
		c.flushMu.Unlock()
		return
	}
	c.flushSent = sent
	c.flushReceived = received
	c.flushMu.Unlock()

	if deltaSent > 0 || deltaReceived > 0 {
		if err := c.collector.RecordDataTransfer(c.ctx, c.connectionID, deltaSent, deltaReceived); err != nil {
			logger.Debug("Failed to record data transfer: %v", err)
		}
	}
}

// Close closes the connection and records the final statistics once.
func (c *trackedConn) Close() error {
	err := c.Conn.Close()
	c.endOnce.Do(func() {
		reason, _ := c.closeReason.Load().(string)
		if reason == "" {
			reason = "normal"
		}
		if err := c.collector.EndConnection(c.ctx, c.connectionID,
			c.bytesSent.Load(), c.bytesReceived.Load(), time.Since(c.startTime), reason); err != nil {
			logger.Debug("Failed to record connection end: %v", err)
		}
	})
	return err
}

// Stats returns the bytes relayed so far.
func (c *trackedConn) Stats() (sent, received int64) {
	return c.bytesSent.Load(), c.bytesReceived.Load()
}
