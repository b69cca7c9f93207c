// Package config implements the rsachat server configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"rsachat/pkg/crypto"
	"rsachat/pkg/protocol"
	"rsachat/pkg/transport"
)

const (
	defaultAddress         = "0.0.0.0:12345"
	defaultDataDir         = "."
	defaultUserDB          = "users.db"
	defaultLogLevel        = "NOTICE"
	defaultDefaultUsername = "admin"
	defaultDefaultPassword = "admin123"

	maxPrimeBits = 8192
)

// Server is the listener and session configuration.
type Server struct {
	// Address is the host:port the server binds to.
	Address string

	// DataDir is the directory holding the user database.
	DataDir string

	// UserDB is the user database file name, relative to DataDir.
	UserDB string

	// PrimeBits is the size of each prime of the per-connection keypair.
	PrimeBits int

	// MaxLineLength bounds a single protocol line.
	MaxLineLength int

	// MetricsAddress is the address/port of the prometheus endpoint,
	// disabled if empty.
	MetricsAddress string
}

func (sCfg *Server) applyDefaults() {
	if sCfg.Address == "" {
		sCfg.Address = defaultAddress
	}
	if sCfg.DataDir == "" {
		sCfg.DataDir = defaultDataDir
	}
	if sCfg.UserDB == "" {
		sCfg.UserDB = defaultUserDB
	}
	if sCfg.PrimeBits == 0 {
		sCfg.PrimeBits = crypto.DefaultPrimeBits
	}
	if sCfg.MaxLineLength == 0 {
		sCfg.MaxLineLength = transport.DefaultMaxLineLength
	}
}

func (sCfg *Server) validate() error {
	if _, port, err := net.SplitHostPort(sCfg.Address); err != nil {
		return fmt.Errorf("config: Server: Address '%v' is invalid: %v", sCfg.Address, err)
	} else if port == "" {
		return fmt.Errorf("config: Server: Address '%v' is invalid: Must contain Port", sCfg.Address)
	}
	if sCfg.MetricsAddress != "" {
		if _, _, err := net.SplitHostPort(sCfg.MetricsAddress); err != nil {
			return fmt.Errorf("config: Server: MetricsAddress '%v' is invalid: %v", sCfg.MetricsAddress, err)
		}
	}
	if sCfg.PrimeBits < crypto.MinPrimeBits || sCfg.PrimeBits > maxPrimeBits {
		return fmt.Errorf("config: Server: PrimeBits %d out of range [%d, %d]", sCfg.PrimeBits, crypto.MinPrimeBits, maxPrimeBits)
	}
	if sCfg.MaxLineLength < 0 {
		return fmt.Errorf("config: Server: MaxLineLength %d is negative", sCfg.MaxLineLength)
	}
	return nil
}

// UserDBPath returns the absolute location of the user database.
func (sCfg *Server) UserDBPath() string {
	if filepath.IsAbs(sCfg.UserDB) {
		return sCfg.UserDB
	}
	return filepath.Join(sCfg.DataDir, sCfg.UserDB)
}

// Accounts is the account seeding configuration.
type Accounts struct {
	// DefaultUsername and DefaultPassword seed a freshly created user
	// database.
	DefaultUsername string
	DefaultPassword string

	// MinPasswordLength is the shortest password, in characters, accepted
	// at registration.
	MinPasswordLength int
}

func (aCfg *Accounts) applyDefaults() {
	if aCfg.DefaultUsername == "" {
		aCfg.DefaultUsername = defaultDefaultUsername
		if aCfg.DefaultPassword == "" {
			aCfg.DefaultPassword = defaultDefaultPassword
		}
	}
	if aCfg.MinPasswordLength == 0 {
		aCfg.MinPasswordLength = protocol.MinPasswordLength
	}
}

func (aCfg *Accounts) validate() error {
	if strings.Contains(aCfg.DefaultUsername, ":") {
		return errors.New("config: Accounts: DefaultUsername may not contain ':'")
	}
	if aCfg.MinPasswordLength < 0 {
		return fmt.Errorf("config: Accounts: MinPasswordLength %d is negative", aCfg.MinPasswordLength)
	}
	return nil
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// Config is the top level rsachat server configuration.
type Config struct {
	Server   *Server
	Accounts *Accounts
	Logging  *Logging
}

// FixupAndValidate applies defaults to config entries and validates the
// configuration sections.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Server == nil {
		cfg.Server = &Server{}
	}
	if cfg.Accounts == nil {
		cfg.Accounts = &Accounts{}
	}
	if cfg.Logging == nil {
		cfg.Logging = &Logging{}
	}

	cfg.Server.applyDefaults()
	cfg.Accounts.applyDefaults()

	if err := cfg.Server.validate(); err != nil {
		return err
	}
	if err := cfg.Accounts.validate(); err != nil {
		return err
	}
	return cfg.Logging.validate()
}

// Default returns a validated configuration with every default applied.
func Default() *Config {
	cfg := new(Config)
	if err := cfg.FixupAndValidate(); err != nil {
		panic("BUG: default config is invalid: " + err.Error())
	}
	return cfg
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("config: no nil buffer as config file")
	}

	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
