package engine

import (
	"bytes"
	"fmt"
	"sync"
)

// cappedBuffer keeps at most limit bytes of a stream. Writes past the cap
// are counted and dropped; Write never fails so a chatty program cannot
// break its own execution.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	limitMB   int
	total     int64
	truncated bool
}

func newCappedBuffer(limitMB int) *cappedBuffer {
	return &cappedBuffer{limit: limitMB * 1024 * 1024, limitMB: limitMB}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.total += int64(len(p))
	room := c.limit - c.buf.Len()
	if room >= len(p) {
		c.buf.Write(p)
		return len(p), nil
	}
	if room > 0 {
		c.buf.Write(p[:room])
	}
	c.truncated = true
	return len(p), nil
}

// String returns the captured bytes, with the truncation marker appended
// when output was dropped.
func (c *cappedBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.truncated {
		return c.buf.String()
	}
	return c.buf.String() + truncationMarker(c.limitMB)
}

func (c *cappedBuffer) written() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *cappedBuffer) wasTruncated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.truncated
}

func truncationMarker(limitMB int) string {
	return fmt.Sprintf("\n[output truncated at %d MB]\n", limitMB)
}
