package sink

import (
	"bytes"
	"context"
	"io"
)

// Chunk is the host buffering layer's batch handle: one flush-worth of
// pre-formatted wire rows, plus the raw bytes the load path stages.
type Chunk interface {
	// UniqueID is a stable identity for the batch, fed into the
	// deterministic load-job id.
	UniqueID() string
	// Key is the partition key the batch was time-sliced on.
	Key() string
	// Rows iterates the pre-formatted wire rows.
	Rows() [][]byte
	// Open returns the batch's raw bytes for staging.
	Open() (io.ReadCloser, error)
	// Path returns the backing file path for file-backed chunks.
	Path() (string, bool)
}

// Fallback is the secondary destination a batch is handed to when a failure
// classifies as Fallback. Routing beyond this call is the host's concern.
type Fallback interface {
	Flush(ctx context.Context, chunk Chunk) error
}

// MemoryChunk is an in-memory Chunk used by the CLI and tests.
type MemoryChunk struct {
	id   string
	key  string
	rows [][]byte
}

// NewMemoryChunk creates an empty chunk with the given identity and
// partition key.
func NewMemoryChunk(id, key string) *MemoryChunk {
	return &MemoryChunk{id: id, key: key}
}

// Append adds one pre-formatted wire row.
func (c *MemoryChunk) Append(row []byte) {
	if len(row) == 0 {
		return
	}
	c.rows = append(c.rows, row)
}

// UniqueID returns the batch identity.
func (c *MemoryChunk) UniqueID() string { return c.id }

// Key returns the partition key.
func (c *MemoryChunk) Key() string { return c.key }

// Rows returns the buffered wire rows.
func (c *MemoryChunk) Rows() [][]byte { return c.rows }

// Open returns a reader over the concatenated raw rows.
func (c *MemoryChunk) Open() (io.ReadCloser, error) {
	var buf bytes.Buffer
	for _, row := range c.rows {
		buf.Write(row)
	}
	return io.NopCloser(&buf), nil
}

// Path reports that memory chunks have no backing file.
func (c *MemoryChunk) Path() (string, bool) { return "", false }

// Len returns the number of buffered rows.
func (c *MemoryChunk) Len() int { return len(c.rows) }
