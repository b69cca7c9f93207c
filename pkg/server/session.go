package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/op/go-logging.v1"

	"rsachat/pkg/crypto"
	"rsachat/pkg/instrument"
	"rsachat/pkg/protocol"
	"rsachat/pkg/transport"
	"rsachat/pkg/userdb"
)

// joinWriteTimeout bounds the LOGIN_SUCCESS write, which holds the registry
// lock.
const joinWriteTimeout = 10 * time.Second

// ErrLoginFailed is returned when a LOGIN attempt is rejected. The
// connection is closed after LOGIN_FAILED is sent.
var ErrLoginFailed = errors.New("server: authentication failed")

// State is the handshake state of a session.
type State int

const (
	StateConnected State = iota
	StateKeyExchanged
	StateAuthenticating
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateKeyExchanged:
		return "KEY_EXCHANGED"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type session struct {
	id   string
	srv  *Server
	conn *transport.Conn
	log  *logging.Logger

	keys *crypto.Keypair
	peer *crypto.PublicKey

	mu       sync.Mutex
	state    State
	username string

	closeOnce sync.Once
}

func newSession(srv *Server, conn net.Conn) *session {
	id := uuid.NewString()
	return &session{
		id:    id,
		srv:   srv,
		conn:  transport.New(conn, transport.WithMaxLineLength(srv.cfg.Server.MaxLineLength)),
		log:   srv.logBackend.GetLogger("session:" + id[:8]),
		state: StateConnected,
	}
}

// Username implements Member.
func (s *session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// Send implements Member.
func (s *session) Send(text string) error {
	ct, err := crypto.Encrypt(s.peer, []byte(text))
	if err != nil {
		return err
	}
	return s.conn.WriteLine(ct)
}

// State returns the current handshake state.
func (s *session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) setUsername(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.username = username
}

func (s *session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log.Debugf("%v -> %v", s.state, st)
	s.state = st
}

func (s *session) worker() {
	defer s.close()

	s.log.Infof("New connection from %v", s.conn.RemoteAddr())

	if err := s.exchangeKeys(); err != nil {
		instrument.HandshakeFailure()
		s.log.Errorf("Key exchange failed: %v", err)
		return
	}

	if err := s.authenticate(); err != nil {
		switch {
		case errors.Is(err, ErrLoginFailed):
		case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			s.log.Infof("Connection closed before login")
		default:
			s.log.Errorf("Client error: %v", err)
		}
		return
	}

	s.messageLoop()
}

func (s *session) exchangeKeys() error {
	keys, err := crypto.GenerateKeypair(s.srv.cfg.Server.PrimeBits)
	if err != nil {
		return err
	}
	s.keys = keys

	if err := s.conn.WriteLine(crypto.EncodePublicKey(keys)); err != nil {
		return fmt.Errorf("sending public key: %w", err)
	}

	line, err := s.conn.ReadLine()
	if err != nil {
		return fmt.Errorf("reading peer public key: %w", err)
	}
	peer, err := crypto.DecodePublicKey(line)
	if err != nil {
		return err
	}
	s.peer = peer

	s.setState(StateKeyExchanged)
	return nil
}

// authenticate runs the action loop until a LOGIN succeeds. It returns
// nil only once the session is AUTHENTICATED.
func (s *session) authenticate() error {
	s.setState(StateAuthenticating)

	for {
		line, err := s.conn.ReadLine()
		if err != nil {
			return err
		}

		switch action := protocol.ParseAction(line); action {
		case protocol.ActionLogin:
			return s.handleLogin()
		case protocol.ActionRegister:
			if err := s.handleRegister(); err != nil {
				return err
			}
		case protocol.ActionUnknown:
			s.log.Debugf("Invalid action: %.32q", line)
			if err := s.sendStatus(protocol.StatusInvalidAction); err != nil {
				return err
			}
		}
	}
}

func (s *session) readCredentials() (string, error) {
	line, err := s.conn.ReadLine()
	if err != nil {
		return "", err
	}
	return s.keys.Decrypt(line)
}

func (s *session) handleLogin() error {
	plain, err := s.readCredentials()
	if err != nil {
		return err
	}

	username, err := s.login(plain)
	if err != nil {
		instrument.Login(false)
		s.log.Noticef("Login failed: %v", err)
		s.sendStatus(protocol.StatusLoginFailed)
		return fmt.Errorf("%w: %v", ErrLoginFailed, err)
	}

	instrument.Login(true)
	s.setState(StateAuthenticated)
	s.log.Noticef("%s logged in successfully", username)
	s.srv.registry.BroadcastExcept(s, protocol.JoinNotice(username))
	return nil
}

// login checks the credentials and joins the registry. LOGIN_SUCCESS is
// written before any broadcast can reach the session.
func (s *session) login(plain string) (string, error) {
	username, password, err := protocol.ParseCredentials(plain)
	if err != nil {
		return "", err
	}
	if !s.srv.userDB.CheckLogin(username, password) {
		if !s.srv.userDB.Exists(username) {
			return "", fmt.Errorf("unknown user %q", username)
		}
		return "", fmt.Errorf("wrong password for %q", username)
	}

	s.setUsername(username)
	if err := s.srv.registry.Register(username, s, func() error {
		return s.conn.WriteLineTimeout(string(protocol.StatusLoginSuccess), joinWriteTimeout)
	}); err != nil {
		s.setUsername("")
		return "", fmt.Errorf("%q: %w", username, err)
	}
	return username, nil
}

func (s *session) handleRegister() error {
	plain, err := s.readCredentials()
	if err != nil {
		return err
	}

	username, password, err := protocol.ParseCredentials(plain)
	if err != nil {
		instrument.Registration("invalid_format")
		return s.sendStatus(protocol.StatusRegisterInvalidFormat)
	}

	outcome, err := s.srv.userDB.TryRegister(username, password)
	if err != nil {
		return err
	}
	instrument.Registration(outcome.String())
	if outcome == userdb.Registered {
		s.log.Noticef("New user registered: %s", username)
	} else {
		s.log.Infof("Registration of %s rejected: %v", username, outcome)
	}
	return s.sendStatus(outcome.Status())
}

func (s *session) messageLoop() {
	username := s.Username()
	for {
		line, err := s.conn.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.Warningf("Read error: %v", err)
			}
			return
		}

		text, err := s.keys.Decrypt(line)
		if err != nil {
			s.log.Errorf("Dropping %s: %v", username, err)
			return
		}

		instrument.Message()
		msg := protocol.ChatLine(username, text)
		s.srv.chatLog.Info(msg)
		s.srv.registry.BroadcastExcept(s, msg)
	}
}

func (s *session) sendStatus(st protocol.Status) error {
	return s.conn.WriteLine(string(st))
}

// close runs the CLOSED transition. Only the session's own goroutine
// calls it; other goroutines close s.conn to unblock it.
func (s *session) close() {
	s.closeOnce.Do(func() {
		wasAuthenticated := s.State() == StateAuthenticated
		s.setState(StateClosed)
		s.conn.Close()

		if wasAuthenticated {
			username := s.Username()
			if s.srv.registry.Unregister(username, s) {
				s.srv.registry.BroadcastExcept(s, protocol.LeaveNotice(username))
			}
			s.log.Noticef("%s disconnected", username)
		}

		if s.keys != nil {
			s.keys.Destroy()
		}
		s.srv.onClosedSession(s)
	})
}
