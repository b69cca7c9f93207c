// Package client implements the client side of the rsachat session
// protocol.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"unicode/utf8"

	"rsachat/pkg/crypto"
	"rsachat/pkg/dialer"
	"rsachat/pkg/protocol"
	"rsachat/pkg/transport"
)

var (
	// ErrEmptyField is returned when a username or password is empty.
	ErrEmptyField = errors.New("client: please fill in all fields")

	// ErrInvalidUsername is returned for usernames the credential
	// format cannot carry.
	ErrInvalidUsername = errors.New("client: username may not contain ':'")

	// ErrPasswordTooShort is returned by Register before contacting the
	// server.
	ErrPasswordTooShort = fmt.Errorf("client: password must be at least %d characters", protocol.MinPasswordLength)

	// ErrLoginFailed is returned when the server does not answer
	// LOGIN_SUCCESS. The server closes the connection afterwards.
	ErrLoginFailed = errors.New("client: invalid username or password")

	// ErrRegistrationFailed wraps any REGISTER_* status other than
	// REGISTER_SUCCESS.
	ErrRegistrationFailed = errors.New("client: registration failed")

	// ErrUnexpectedStatus is returned for a status line that does not
	// answer the request.
	ErrUnexpectedStatus = errors.New("client: unexpected status line")

	// ErrNotAuthenticated is returned by Send before a successful Login.
	ErrNotAuthenticated = errors.New("client: not logged in")
)

type options struct {
	primeBits int
	dialer    *dialer.Dialer
}

// Option configures Dial.
type Option func(*options)

// WithPrimeBits sets the prime size of the client keypair.
func WithPrimeBits(n int) Option {
	return func(o *options) {
		o.primeBits = n
	}
}

// WithDialer sets the dialer used to reach the server.
func WithDialer(d *dialer.Dialer) Option {
	return func(o *options) {
		o.dialer = d
	}
}

// Client is a connection to a chat server that completed the key
// exchange.
type Client struct {
	conn *transport.Conn
	keys *crypto.Keypair
	peer *crypto.PublicKey

	mu       sync.Mutex
	username string

	closeOnce sync.Once
}

// Dial connects to addr and performs the key exchange.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	o := &options{
		primeBits: crypto.DefaultPrimeBits,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.dialer == nil {
		o.dialer = dialer.New()
	}

	conn, err := o.dialer.DialContext(ctx, addr)
	if err != nil {
		return nil, err
	}
	return New(conn, o.primeBits)
}

// New performs the key exchange over conn: the client sends its own key
// first, then reads the server key. New owns conn and closes it on failure.
func New(conn net.Conn, primeBits int) (*Client, error) {
	keys, err := crypto.GenerateKeypair(primeBits)
	if err != nil {
		conn.Close()
		return nil, err
	}

	c := &Client{
		conn: transport.New(conn),
		keys: keys,
	}
	if err := c.exchangeKeys(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) exchangeKeys() error {
	if err := c.conn.WriteLine(crypto.EncodePublicKey(c.keys)); err != nil {
		return fmt.Errorf("client: failed to send public key: %w", err)
	}
	line, err := c.conn.ReadLine()
	if err != nil {
		return fmt.Errorf("client: failed to read server key: %w", err)
	}
	c.peer, err = crypto.DecodePublicKey(line)
	return err
}

// ServerKey returns the server's public key for this connection.
func (c *Client) ServerKey() *crypto.PublicKey {
	return c.peer
}

// Username returns the logged in username, or "" before Login.
func (c *Client) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

func validate(username, password string) error {
	if username == "" || password == "" {
		return ErrEmptyField
	}
	if strings.Contains(username, ":") {
		return ErrInvalidUsername
	}
	return nil
}

func (c *Client) request(action, username, password string) (protocol.Status, error) {
	ct, err := crypto.Encrypt(c.peer, []byte(protocol.FormatCredentials(username, password)))
	if err != nil {
		return "", err
	}
	if err := c.conn.WriteLine(action); err != nil {
		return "", err
	}
	if err := c.conn.WriteLine(ct); err != nil {
		return "", err
	}
	line, err := c.conn.ReadLine()
	if err != nil {
		return "", fmt.Errorf("client: no response to %s: %w", action, err)
	}
	return protocol.Status(line), nil
}

// Login authenticates as username. On failure the connection is no
// longer usable.
func (c *Client) Login(username, password string) error {
	if err := validate(username, password); err != nil {
		return err
	}

	st, err := c.request(protocol.TokenLogin, username, password)
	if err != nil {
		return err
	}
	switch st {
	case protocol.StatusLoginSuccess:
	case protocol.StatusLoginFailed:
		return ErrLoginFailed
	default:
		return fmt.Errorf("%w: %w: %q", ErrLoginFailed, ErrUnexpectedStatus, st)
	}

	c.mu.Lock()
	c.username = username
	c.mu.Unlock()
	return nil
}

// Register creates a new account. The connection stays in the
// authentication phase whatever the outcome, so Login may follow.
func (c *Client) Register(username, password string) (protocol.Status, error) {
	if err := validate(username, password); err != nil {
		return "", err
	}
	if utf8.RuneCountInString(password) < protocol.MinPasswordLength {
		return "", ErrPasswordTooShort
	}

	st, err := c.request(protocol.TokenRegister, username, password)
	if err != nil {
		return "", err
	}
	switch st {
	case protocol.StatusRegisterSuccess:
		return st, nil
	case protocol.StatusRegisterUserExists,
		protocol.StatusRegisterPasswordShort,
		protocol.StatusRegisterInvalidFormat:
		return st, fmt.Errorf("%w: %s", ErrRegistrationFailed, st)
	default:
		return st, fmt.Errorf("%w: %w: %q", ErrRegistrationFailed, ErrUnexpectedStatus, st)
	}
}

// Send encrypts text for the server and writes it as one line.
func (c *Client) Send(text string) error {
	if c.Username() == "" {
		return ErrNotAuthenticated
	}
	ct, err := crypto.Encrypt(c.peer, []byte(text))
	if err != nil {
		return err
	}
	return c.conn.WriteLine(ct)
}

// Receive blocks for the next line from the server and decrypts it.
func (c *Client) Receive() (string, error) {
	line, err := c.conn.ReadLine()
	if err != nil {
		return "", err
	}
	return c.keys.Decrypt(line)
}

// Close closes the connection and drops the private key.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
		c.keys.Destroy()
	})
	return err
}
