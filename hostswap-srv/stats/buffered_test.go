package stats

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferedCollectorDefersWrites(t *testing.T) {
	ctx := context.Background()
	underlying, err := NewSQLiteCollector(filepath.Join(t.TempDir(), "buffered.db"))
	require.NoError(t, err)

	bc := NewBufferedCollector(underlying, time.Hour)
	defer bc.Close()

	id, err := bc.StartConnection(ctx, "uuid-1", "127.0.0.1", "claude.ai", 443, ProtocolHTTP, true)
	require.NoError(t, err)
	require.NoError(t, bc.RecordHTTPRequest(ctx, id, "GET", "https://claude.ai/", "claude.ai", "Claude-Proxy/1.0", 0))
	require.NoError(t, bc.RecordHTTPResponse(ctx, id, 200, 10))
	require.NoError(t, bc.RecordError(ctx, id, "E2003", "stream fault"))
	require.NoError(t, bc.EndConnection(ctx, id, 0, 10, time.Millisecond, "200"))

	overview, err := bc.GetOverviewStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), overview.TotalConnections, "connection starts are written immediately")
	assert.Equal(t, int64(1), overview.ActiveConnections)
	assert.Equal(t, int64(0), overview.TotalRequests)

	bc.ForceFlush()

	overview, err = bc.GetOverviewStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), overview.ActiveConnections)
	assert.Equal(t, int64(1), overview.TotalRequests)
	assert.Equal(t, int64(1), overview.TotalErrors)
	assert.Equal(t, int64(10), overview.TotalBytesIn)
}

func TestBufferedCollectorFlushesPeriodically(t *testing.T) {
	ctx := context.Background()
	underlying, err := NewSQLiteCollector(filepath.Join(t.TempDir(), "periodic.db"))
	require.NoError(t, err)

	bc := NewBufferedCollector(underlying, 20*time.Millisecond)
	defer bc.Close()

	id, err := bc.StartConnection(ctx, "uuid-2", "127.0.0.1", "example.com", 443, ProtocolTunnel, false)
	require.NoError(t, err)
	require.NoError(t, bc.RecordDataTransfer(ctx, id, 64, 128))

	require.Eventually(t, func() bool {
		overview, err := bc.GetOverviewStats(ctx)
		return err == nil && overview.TotalBytesIn == 128
	}, time.Second, 10*time.Millisecond)
}

func TestBufferedCollectorCloseFlushes(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "close.db")
	underlying, err := NewSQLiteCollector(path)
	require.NoError(t, err)

	bc := NewBufferedCollector(underlying, time.Hour)
	id, err := bc.StartConnection(ctx, "uuid-3", "127.0.0.1", "example.com", 80, ProtocolHTTP, false)
	require.NoError(t, err)
	require.NoError(t, bc.EndConnection(ctx, id, 1, 2, time.Millisecond, "normal"))
	require.NoError(t, bc.Close())
	require.NoError(t, bc.Close(), "closing twice only stops the flusher once")

	reopened, err := NewSQLiteCollector(path)
	require.NoError(t, err)
	defer reopened.Close()
	overview, err := reopened.GetOverviewStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), overview.ActiveConnections)
	assert.Equal(t, int64(1), overview.TotalBytesOut)
}
