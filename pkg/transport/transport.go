// Package transport provides the line-delimited stream every rsachat
// protocol unit travels over.
package transport

import (
	"bufio"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"
)

// DefaultMaxLineLength bounds a single protocol line, terminator excluded.
const DefaultMaxLineLength = 1 << 20

var (
	// ErrClosed is returned when writing to a closed Conn.
	ErrClosed = errors.New("transport: connection closed")

	// ErrLineTooLong is returned when the peer sends a line longer than
	// the configured maximum.
	ErrLineTooLong = errors.New("transport: line too long")
)

// Conn is a bidirectional line oriented stream.
//
// Reads are expected from a single goroutine. Writes may come from any
// number of goroutines; each line is emitted atomically.
type Conn struct {
	conn    net.Conn
	r       *bufio.Reader
	maxLine int

	wrMu   sync.Mutex
	closed bool

	closeOnce sync.Once
	closeErr  error
}

// Option configures a Conn.
type Option func(*Conn)

// WithMaxLineLength overrides DefaultMaxLineLength.
func WithMaxLineLength(n int) Option {
	return func(c *Conn) {
		if n > 0 {
			c.maxLine = n
		}
	}
}

// New wraps conn.
func New(conn net.Conn, opts ...Option) *Conn {
	c := &Conn{
		conn:    conn,
		maxLine: DefaultMaxLineLength,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.r = bufio.NewReader(conn)
	return c
}

// ReadLine blocks until a full line is available and returns it without
// the terminator. A final unterminated line is returned before io.EOF.
func (c *Conn) ReadLine() (string, error) {
	var sb strings.Builder
	for {
		frag, err := c.r.ReadSlice('\n')
		if sb.Len()+len(frag) > c.maxLine+2 {
			return "", ErrLineTooLong
		}
		sb.Write(frag)

		switch {
		case err == nil:
			line := strings.TrimSuffix(strings.TrimSuffix(sb.String(), "\n"), "\r")
			if len(line) > c.maxLine {
				return "", ErrLineTooLong
			}
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && sb.Len() > 0:
			return strings.TrimSuffix(sb.String(), "\r"), nil
		default:
			return "", err
		}
	}
}

// WriteLine writes s followed by a newline in a single write.
func (c *Conn) WriteLine(s string) error {
	return c.writeLine(s, 0)
}

// WriteLineTimeout is WriteLine failing with os.ErrDeadlineExceeded if the
// peer does not take the line within d.
func (c *Conn) WriteLineTimeout(s string, d time.Duration) error {
	return c.writeLine(s, d)
}

func (c *Conn) writeLine(s string, timeout time.Duration) error {
	buf := make([]byte, 0, len(s)+1)
	buf = append(buf, s...)
	buf = append(buf, '\n')

	c.wrMu.Lock()
	defer c.wrMu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if timeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	_, err := c.conn.Write(buf)
	return err
}

// Close closes the underlying connection. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		// Close first so a writer stuck on a slow peer releases wrMu.
		c.closeErr = c.conn.Close()
		c.wrMu.Lock()
		c.closed = true
		c.wrMu.Unlock()
	})
	return c.closeErr
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
