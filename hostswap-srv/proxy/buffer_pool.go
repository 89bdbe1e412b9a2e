package proxy

import (
	"io"
	"sync"
)

// chunkSize bounds how much of a stream is held in memory per direction.
const chunkSize = 32 * 1024

var chunkBuffers = sync.Pool{
	New: func() any {
		buf := make([]byte, chunkSize)
		return &buf
	},
}

// withChunkBuffer lends fn a chunk buffer for the duration of the call.
func withChunkBuffer(fn func(buf []byte) (int64, error)) (int64, error) {
	buf := chunkBuffers.Get().(*[]byte)
	defer chunkBuffers.Put(buf)
	return fn(*buf)
}

// copyChunks copies src to dst one chunk at a time. A slow writer blocks
// further reads from src.
func copyChunks(dst io.Writer, src io.Reader) (int64, error) {
	return withChunkBuffer(func(buf []byte) (int64, error) {
		return io.CopyBuffer(dst, src, buf)
	})
}
