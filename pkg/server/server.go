// Package server implements the rsachat chat server.
package server

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"rsachat/pkg/config"
	"rsachat/pkg/instrument"
	"rsachat/pkg/log"
	"rsachat/pkg/userdb"
	"rsachat/pkg/worker"
)

const (
	keepAliveInterval = 3 * time.Minute
	acceptRetryDelay  = 100 * time.Millisecond
)

// Server is a running chat server.
type Server struct {
	worker.Worker

	cfg *config.Config

	logBackend *log.Backend
	log        *logging.Logger
	chatLog    *logging.Logger

	userDB   *userdb.DB
	registry *Registry

	listener net.Listener
	metrics  *instrument.Listener

	sync.Mutex
	sessions map[*session]struct{}
	halting  bool

	haltedCh chan interface{}
	haltOnce sync.Once
}

func (s *Server) initDataDir() error {
	d := s.cfg.Server.DataDir
	if fi, err := os.Stat(d); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("server: failed to stat() DataDir: %v", err)
		}
		if err = os.MkdirAll(d, 0700); err != nil {
			return fmt.Errorf("server: failed to create DataDir: %v", err)
		}
	} else if !fi.IsDir() {
		return fmt.Errorf("server: DataDir '%v' is not a directory", d)
	}
	return nil
}

func (s *Server) initLogging() error {
	var err error
	lCfg := s.cfg.Logging
	s.logBackend, err = log.New(lCfg.File, lCfg.Level, lCfg.Disable)
	if err == nil {
		s.log = s.logBackend.GetLogger("server")
		s.chatLog = s.logBackend.GetLogger("chat")
	}
	return err
}

func (s *Server) initUserDB() error {
	var err error
	aCfg := s.cfg.Accounts
	s.userDB, err = userdb.New(s.cfg.Server.UserDBPath(),
		userdb.WithDefaultAccount(aCfg.DefaultUsername, aCfg.DefaultPassword),
		userdb.WithMinPasswordLength(aCfg.MinPasswordLength))
	if err != nil {
		return fmt.Errorf("server: failed to open user database: %w", err)
	}
	if s.userDB.Created() {
		s.log.Noticef("Created user database with default account %q", aCfg.DefaultUsername)
	} else {
		s.log.Noticef("Loaded %d users", s.userDB.Count())
	}
	return nil
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Registry returns the set of authenticated sessions.
func (s *Server) Registry() *Registry {
	return s.registry
}

// RotateLog reopens the log file.
func (s *Server) RotateLog() {
	if err := s.logBackend.Rotate(); err != nil {
		// Nowhere left to log this.
		fmt.Fprintf(os.Stderr, "server: failed to rotate log file: %v\n", err)
		return
	}
	s.log.Notice("Log rotated.")
}

// Wait waits till the server is terminated for any reason.
func (s *Server) Wait() {
	<-s.haltedCh
}

// Shutdown cleanly shuts down the server. It is safe to call more than
// once and from any goroutine.
func (s *Server) Shutdown() {
	s.haltOnce.Do(s.halt)
}

func (s *Server) halt() {
	s.log.Notice("Starting graceful shutdown.")

	if s.listener != nil {
		s.listener.Close()
	}

	s.Lock()
	s.halting = true
	for sess := range s.sessions {
		sess.conn.Close()
	}
	s.Unlock()

	// Wait for the accept loop and every session to return.
	s.Worker.Halt()

	if s.metrics != nil {
		s.metrics.Close()
		s.metrics = nil
	}

	if s.userDB != nil {
		n := s.userDB.Count()
		if err := s.userDB.Close(); err != nil {
			s.log.Errorf("Failed to save user database: %v", err)
		} else {
			s.log.Noticef("User database saved with %d users", n)
		}
		s.userDB = nil
	}

	s.log.Notice("Server stopped.")
	s.logBackend.Close()
	close(s.haltedCh)
}

func (s *Server) acceptLoop() {
	addr := s.listener.Addr()
	s.log.Noticef("Listening on: %v", addr)
	defer s.log.Noticef("Stopping listening on: %v", addr)

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Errorf("Accept failure: %v", err)
			select {
			case <-s.HaltCh():
				return
			case <-time.After(acceptRetryDelay):
			}
			continue
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetKeepAlive(true)
			tcpConn.SetKeepAlivePeriod(keepAliveInterval)
		}
		s.log.Debugf("Accepted new connection: %v", conn.RemoteAddr())
		instrument.IncomingConn()

		s.onNewConn(conn)
	}
}

func (s *Server) onNewConn(conn net.Conn) {
	s.Lock()
	defer s.Unlock()

	if s.halting {
		conn.Close()
		return
	}
	sess := newSession(s, conn)
	s.sessions[sess] = struct{}{}
	s.Go(sess.worker)
}

func (s *Server) onClosedSession(sess *session) {
	s.Lock()
	defer s.Unlock()
	delete(s.sessions, sess)
}

// New returns a new Server instance parameterized with the specified
// configuration, already accepting connections.
func New(cfg *config.Config) (*Server, error) {
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		sessions: make(map[*session]struct{}),
		haltedCh: make(chan interface{}),
	}

	// Do the early initialization and bring up logging.
	if err := s.initDataDir(); err != nil {
		return nil, err
	}
	if err := s.initLogging(); err != nil {
		return nil, err
	}

	// Past this point, failures need to call s.Shutdown() to do cleanup.
	isOk := false
	defer func() {
		if !isOk {
			s.Shutdown()
		}
	}()

	if err := s.initUserDB(); err != nil {
		s.log.Errorf("%v", err)
		return nil, err
	}
	s.registry = NewRegistry(s.logBackend.GetLogger("registry"))

	var err error
	if s.listener, err = net.Listen("tcp", cfg.Server.Address); err != nil {
		s.log.Errorf("Failed to bind '%v': %v", cfg.Server.Address, err)
		return nil, err
	}

	if addr := cfg.Server.MetricsAddress; addr != "" {
		if s.metrics, err = instrument.StartPrometheusListener(addr); err != nil {
			s.log.Errorf("Failed to start metrics listener '%v': %v", addr, err)
			return nil, err
		}
		s.log.Noticef("Serving metrics on: %v", s.metrics.Addr())
	}

	if cfg.Server.PrimeBits < 1024 {
		s.log.Warningf("PrimeBits %d is unsafe outside of testing.", cfg.Server.PrimeBits)
	}

	s.Go(s.acceptLoop)
	s.log.Noticef("Chat server started on %v", s.listener.Addr())

	isOk = true
	return s, nil
}
