package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rsachat/pkg/crypto"
	"rsachat/pkg/protocol"
	"rsachat/pkg/transport"
)

func TestDefault(t *testing.T) {
	assert := assert.New(t)

	cfg := Default()
	assert.Equal("0.0.0.0:12345", cfg.Server.Address)
	assert.Equal(crypto.DefaultPrimeBits, cfg.Server.PrimeBits)
	assert.Equal(transport.DefaultMaxLineLength, cfg.Server.MaxLineLength)
	assert.Equal(filepath.Join(".", "users.db"), cfg.Server.UserDBPath())
	assert.Equal("admin", cfg.Accounts.DefaultUsername)
	assert.Equal("admin123", cfg.Accounts.DefaultPassword)
	assert.Equal(protocol.MinPasswordLength, cfg.Accounts.MinPasswordLength)
	assert.Equal("NOTICE", cfg.Logging.Level)
	assert.False(cfg.Logging.Disable)
}

func TestLoad(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	const body = `
[Server]
Address = "127.0.0.1:4000"
DataDir = "/var/lib/rsachat"
PrimeBits = 1024
MetricsAddress = "127.0.0.1:9100"

[Accounts]
DefaultUsername = "root"
DefaultPassword = "changeme1"
MinPasswordLength = 12

[Logging]
File = "/var/log/rsachat.log"
Level = "debug"
`
	cfg, err := Load([]byte(body))
	require.NoError(err)
	assert.Equal("127.0.0.1:4000", cfg.Server.Address)
	assert.Equal(1024, cfg.Server.PrimeBits)
	assert.Equal("/var/lib/rsachat/users.db", cfg.Server.UserDBPath())
	assert.Equal("127.0.0.1:9100", cfg.Server.MetricsAddress)
	assert.Equal("root", cfg.Accounts.DefaultUsername)
	assert.Equal("changeme1", cfg.Accounts.DefaultPassword)
	assert.Equal(12, cfg.Accounts.MinPasswordLength)
	assert.Equal("DEBUG", cfg.Logging.Level)
	assert.Equal("/var/log/rsachat.log", cfg.Logging.File)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"syntax", "[Server\nAddress="},
		{"no port", "[Server]\nAddress = \"localhost\""},
		{"bad level", "[Logging]\nLevel = \"LOUD\""},
		{"small primes", "[Server]\nPrimeBits = 64"},
		{"unknown key", "[Server]\nPort = 12345"},
		{"colon username", "[Accounts]\nDefaultUsername = \"a:b\""},
		{"negative password length", "[Accounts]\nMinPasswordLength = -1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load([]byte(tt.body))
			assert.Error(t, err)
		})
	}

	_, err := Load(nil)
	assert.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rsachat.toml")
	require.NoError(t, os.WriteFile(path, []byte("[Server]\nAddress = \":7000\"\n"), 0600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.Address)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
