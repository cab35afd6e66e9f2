package telephony

import "sync"

// DefaultMinChunkBytes is one 20ms frame of mulaw audio at 8kHz
const DefaultMinChunkBytes = 160

// ChunkAccumulator re-frames variable-sized agent audio into frames of at
// least minSize bytes for the telephony leg. Byte order is preserved across
// appends, drains and the final flush.
type ChunkAccumulator struct {
	mu      sync.Mutex
	minSize int
	buffer  []byte
}

// NewChunkAccumulator creates an accumulator emitting minSize-byte frames
func NewChunkAccumulator(minSize int) *ChunkAccumulator {
	if minSize <= 0 {
		minSize = DefaultMinChunkBytes
	}
	return &ChunkAccumulator{
		minSize: minSize,
		buffer:  make([]byte, 0, minSize*4),
	}
}

// Append adds encoded audio to the end of the buffer
func (a *ChunkAccumulator) Append(data []byte) {
	a.mu.Lock()
	a.buffer = append(a.buffer, data...)
	a.mu.Unlock()
}

// DrainReady removes and returns every complete frame currently buffered.
// Fewer than minSize bytes remain afterwards.
func (a *ChunkAccumulator) DrainReady() [][]byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	count := len(a.buffer) / a.minSize
	if count == 0 {
		return nil
	}

	chunks := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		chunk := make([]byte, a.minSize)
		copy(chunk, a.buffer[i*a.minSize:(i+1)*a.minSize])
		chunks = append(chunks, chunk)
	}

	a.buffer = append(a.buffer[:0], a.buffer[count*a.minSize:]...)
	return chunks
}

// Flush removes and returns whatever is left, possibly shorter than a frame.
// Returns nil when the buffer is empty.
func (a *ChunkAccumulator) Flush() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.buffer) == 0 {
		return nil
	}
	rest := make([]byte, len(a.buffer))
	copy(rest, a.buffer)
	a.buffer = a.buffer[:0]
	return rest
}

// Discard drops buffered audio without emitting it (caller barge-in)
func (a *ChunkAccumulator) Discard() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := len(a.buffer)
	a.buffer = a.buffer[:0]
	return n
}

// Len returns the number of buffered bytes
func (a *ChunkAccumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffer)
}
