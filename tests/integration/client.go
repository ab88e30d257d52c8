//go:build integration
// +build integration

package integration

import (
	"fmt"
	"io"
	"net"
	"time"
)

// RawClient speaks to the server over plain TCP so malformed and partial
// requests can be sent verbatim.
type RawClient struct {
	Addr    string
	Timeout time.Duration
}

// NewRawClient returns a client for 127.0.0.1:port.
func NewRawClient(port string) *RawClient {
	return &RawClient{
		Addr:    net.JoinHostPort("127.0.0.1", port),
		Timeout: 2 * time.Second,
	}
}

// Send writes payload, half-closes the connection and returns everything the
// server sent back before closing.
func (c *RawClient) Send(payload string) (string, error) {
	conn, err := net.DialTimeout("tcp", c.Addr, c.Timeout)
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", c.Addr, err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(c.Timeout)); err != nil {
		return "", err
	}

	if _, err := io.WriteString(conn, payload); err != nil {
		return "", fmt.Errorf("write: %w", err)
	}

	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.CloseWrite() //nolint:errcheck
	}

	resp, err := io.ReadAll(conn)
	if err != nil {
		return string(resp), fmt.Errorf("read: %w", err)
	}
	return string(resp), nil
}

// WaitReady dials until the listener accepts or the attempts run out.
func (c *RawClient) WaitReady(attempts int, interval time.Duration) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		conn, err := net.DialTimeout("tcp", c.Addr, interval)
		if err == nil {
			conn.Close()
			return nil
		}
		lastErr = err
		time.Sleep(interval)
	}
	return lastErr
}
