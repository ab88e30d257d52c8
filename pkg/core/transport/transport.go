package transport

import (
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"
)

// ConnTiming contains several connection related time metrics
type ConnTiming struct {
	Accepted  time.Time
	FirstByte time.Time
	Responded time.Time
	Closed    time.Time
}

// The ProfilingConn is a net.Conn that records timing and byte counts
type ProfilingConn struct {
	net.Conn

	mu           sync.Mutex
	timing       ConnTiming
	bytesRead    int64
	bytesWritten int64
	closeOnce    sync.Once
	closeErr     error
}

// NewProfilingConn wraps an accepted connection. The accept time is now.
func NewProfilingConn(conn net.Conn) *ProfilingConn {
	return &ProfilingConn{
		Conn:   conn,
		timing: ConnTiming{Accepted: time.Now()},
	}
}

// Read records the arrival of the first byte
func (c *ProfilingConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)

	c.mu.Lock()
	if n > 0 && c.timing.FirstByte.IsZero() {
		c.timing.FirstByte = time.Now()
	}
	c.bytesRead += int64(n)
	c.mu.Unlock()

	return n, err
}

// Write records when the last write finished
func (c *ProfilingConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)

	c.mu.Lock()
	c.timing.Responded = time.Now()
	c.bytesWritten += int64(n)
	c.mu.Unlock()

	return n, err
}

// Close is safe to call more than once, the forced shutdown path relies on it.
func (c *ProfilingConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.Conn.Close()

		c.mu.Lock()
		c.timing.Closed = time.Now()
		c.mu.Unlock()
	})

	return c.closeErr
}

// CloseWrite shuts down the sending side when the underlying connection
// supports it and returns errors.ErrUnsupported otherwise.
func (c *ProfilingConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return errors.ErrUnsupported
}

// Timing returns a snapshot of the recorded timestamps.
func (c *ProfilingConn) Timing() ConnTiming {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timing
}

// BytesRead returns the number of bytes read so far.
func (c *ProfilingConn) BytesRead() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytesRead
}

// BytesWritten returns the number of bytes written so far.
func (c *ProfilingConn) BytesWritten() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytesWritten
}

// ClassifyError maps a connection error to a metrics label.
func ClassifyError(err error) string {
	if err == nil {
		return "none"
	}

	var netErr net.Error
	switch {
	case errors.Is(err, net.ErrClosed):
		return "closed"
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return "eof"
	case errors.Is(err, syscall.ECONNRESET):
		return "connection_reset"
	case errors.Is(err, syscall.EPIPE):
		return "broken_pipe"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection reset"):
		return "connection_reset"
	case strings.Contains(msg, "broken pipe"):
		return "broken_pipe"
	case strings.Contains(msg, "timeout"):
		return "timeout"
	default:
		return "other"
	}
}
