// Package dialer provides direct and SOCKS5 proxied connections to an
// rsachat server.
package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

const (
	// DefaultPort is the server port used when an address carries none.
	DefaultPort = "12345"

	// DefaultConnectionTimeout is the timeout for establishing connections
	DefaultConnectionTimeout = 30 * time.Second

	// DefaultKeepAlive is the keep-alive interval for connections
	DefaultKeepAlive = 30 * time.Second

	// ProxyTestTimeout is the timeout for testing proxy availability
	ProxyTestTimeout = 2 * time.Second
)

// TorProxyAddresses are the usual local Tor SOCKS5 endpoints.
var TorProxyAddresses = []string{
	"socks5://127.0.0.1:9050", // Tor daemon
	"socks5://127.0.0.1:9150", // Tor Browser
}

// ErrOnionWithoutProxy is returned when a .onion address is dialed
// directly.
var ErrOnionWithoutProxy = errors.New("dialer: .onion addresses require a SOCKS5 proxy")

// WithDefaultPort appends DefaultPort to addr if it has no port.
func WithDefaultPort(addr string) string {
	addr = strings.TrimSpace(addr)
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(strings.Trim(addr, "[]"), DefaultPort)
}

// IsOnion reports whether addr names a Tor onion service.
func IsOnion(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	return strings.HasSuffix(strings.ToLower(host), ".onion")
}

// TestProxyAvailable tests if a SOCKS5 proxy is listening at proxyURL.
func TestProxyAvailable(proxyURL string) error {
	u, err := url.Parse(proxyURL)
	if err != nil {
		return fmt.Errorf("invalid proxy URL: %w", err)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid proxy URL %q: missing host", proxyURL)
	}

	conn, err := net.DialTimeout("tcp", u.Host, ProxyTestTimeout)
	if err != nil {
		return fmt.Errorf("proxy not responding: %w", err)
	}
	conn.Close()
	return nil
}

// Dialer connects to a server, directly or through the first working
// proxy in ProxyAddresses.
type Dialer struct {
	ProxyAddresses []string
	Timeout        time.Duration
	KeepAlive      time.Duration

	// OnProgress, if set, is told about each attempt.
	OnProgress func(string)
}

// New creates a Dialer with default timeouts. No proxies means direct
// connections.
func New(proxyAddresses ...string) *Dialer {
	return &Dialer{
		ProxyAddresses: proxyAddresses,
		Timeout:        DefaultConnectionTimeout,
		KeepAlive:      DefaultKeepAlive,
	}
}

func (d *Dialer) progress(format string, args ...interface{}) {
	if d.OnProgress != nil {
		d.OnProgress(fmt.Sprintf(format, args...))
	}
}

func (d *Dialer) base() *net.Dialer {
	return &net.Dialer{
		Timeout:   d.Timeout,
		KeepAlive: d.KeepAlive,
	}
}

// DialContext connects to serverAddr, adding DefaultPort if needed.
func (d *Dialer) DialContext(ctx context.Context, serverAddr string) (net.Conn, error) {
	serverAddr = WithDefaultPort(serverAddr)

	if len(d.ProxyAddresses) == 0 {
		if IsOnion(serverAddr) {
			return nil, ErrOnionWithoutProxy
		}
		d.progress("Connecting to %s...", serverAddr)
		return d.base().DialContext(ctx, "tcp", serverAddr)
	}

	var lastErr error
	for _, proxyURL := range d.ProxyAddresses {
		d.progress("Trying proxy %s...", proxyURL)

		conn, err := d.dialVia(ctx, proxyURL, serverAddr)
		if err != nil {
			lastErr = fmt.Errorf("connection via %s failed: %w", proxyURL, err)
			d.progress("Failed: %v", err)
			if ctx.Err() != nil {
				break
			}
			continue
		}

		d.progress("Connected via %s", proxyURL)
		return conn, nil
	}
	return nil, fmt.Errorf("all proxy attempts failed: %w", lastErr)
}

func (d *Dialer) dialVia(ctx context.Context, proxyURL, serverAddr string) (net.Conn, error) {
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, err
	}
	pd, err := proxy.FromURL(u, d.base())
	if err != nil {
		return nil, err
	}
	if cd, ok := pd.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, "tcp", serverAddr)
	}
	return pd.Dial("tcp", serverAddr)
}

// IsAvailable checks if at least one configured proxy is available.
func (d *Dialer) IsAvailable() bool {
	for _, addr := range d.ProxyAddresses {
		if err := TestProxyAvailable(addr); err == nil {
			return true
		}
	}
	return false
}
