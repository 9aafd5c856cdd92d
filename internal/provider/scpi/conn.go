// Package scpi talks to LAN instruments using SCPI over raw TCP sockets,
// optionally through an SSH jump host.
package scpi

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

const defaultTimeout = 3 * time.Second

// Conn is a line-oriented SCPI session. Calls are serialised.
type Conn struct {
	mu      sync.Mutex
	c       net.Conn
	r       *bufio.Reader
	timeout time.Duration
}

// NewConn wraps an established connection.
func NewConn(c net.Conn, timeout time.Duration) *Conn {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Conn{c: c, r: bufio.NewReaderSize(c, 64*1024), timeout: timeout}
}

// Write sends a command that produces no response.
func (c *Conn) Write(cmd string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.write(cmd)
}

// Query sends a command and returns its single-line response without the
// line terminator.
func (c *Conn) Query(cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.write(cmd); err != nil {
		return "", err
	}
	if err := c.c.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return "", err
	}
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("scpi read %q: %w", cmd, err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.c.Close()
}

func (c *Conn) write(cmd string) error {
	if err := c.c.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return err
	}
	if _, err := c.c.Write([]byte(cmd + "\n")); err != nil {
		return fmt.Errorf("scpi write %q: %w", cmd, err)
	}
	return nil
}

// Identity is the parsed answer to *IDN?.
type Identity struct {
	Manufacturer string
	Model        string
	Serial       string
	Firmware     string
}

// ParseIDN splits an *IDN? response.
func ParseIDN(s string) (Identity, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) < 3 {
		return Identity{}, fmt.Errorf("malformed *IDN? response %q", s)
	}
	id := Identity{
		Manufacturer: strings.TrimSpace(parts[0]),
		Model:        strings.TrimSpace(parts[1]),
		Serial:       strings.TrimSpace(parts[2]),
	}
	if len(parts) > 3 {
		id.Firmware = strings.TrimSpace(parts[3])
	}
	return id, nil
}

// stripBlockHeader removes an IEEE 488.2 definite-length block header
// ("#<d><d digits>") when present.
func stripBlockHeader(s string) string {
	if len(s) < 2 || s[0] != '#' {
		return s
	}
	d := int(s[1] - '0')
	if d <= 0 || d > 9 || len(s) < 2+d {
		return s
	}
	return s[2+d:]
}
