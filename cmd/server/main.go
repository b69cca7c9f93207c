package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/awnumar/memguard"
	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"rsachat/pkg/config"
	"rsachat/pkg/server"
)

type Config struct {
	ConfigFile string
	Address    string
	LogLevel   string
	DataDir    string
}

func newRootCommand() *cobra.Command {
	var cfg Config

	cmd := &cobra.Command{
		Use:   "server",
		Short: "rsachat encrypted multi-user chat server",
		Long: `The rsachat server accepts TCP connections, exchanges a fresh RSA keypair
with every client, authenticates users against its account database and
relays each chat line to every other logged in user, re-encrypted under
that user's own key.

A missing configuration file is not an error when the default path is in
use: the built-in defaults apply (port 12345, users.db in the current
directory, seeded admin account).`,
		Example: `  # Start with defaults
  server

  # Start with a configuration file
  server -f /etc/rsachat/rsachat.toml

  # Override the listen address and log level
  server -f rsachat.toml --address 127.0.0.1:4000 --log-level debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cfg, cmd.Flags().Changed("config"))
		},
	}

	cmd.Flags().StringVarP(&cfg.ConfigFile, "config", "f", "rsachat.toml",
		"path to the server configuration file (TOML format)")
	cmd.Flags().StringVar(&cfg.Address, "address", "",
		"listen address, overrides Server.Address")
	cmd.Flags().StringVar(&cfg.DataDir, "datadir", "",
		"data directory, overrides Server.DataDir")
	cmd.Flags().StringVar(&cfg.LogLevel, "log-level", "",
		"ERROR, WARNING, NOTICE, INFO or DEBUG, overrides Logging.Level")

	return cmd
}

func main() {
	// SIGINT is left to runServer, which shuts down gracefully before the
	// enclaves are purged.
	defer memguard.Purge()

	rootCmd := newRootCommand()
	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithVersion(versioninfo.Short()),
	); err != nil {
		memguard.SafeExit(1)
	}
}

func loadConfig(cfg Config, explicit bool) (*config.Config, error) {
	serverCfg, err := config.LoadFile(cfg.ConfigFile)
	switch {
	case err == nil:
	case !explicit && errors.Is(err, fs.ErrNotExist):
		serverCfg = config.Default()
	default:
		return nil, fmt.Errorf("failed to load config file '%v': %v", cfg.ConfigFile, err)
	}

	if cfg.Address != "" {
		serverCfg.Server.Address = cfg.Address
	}
	if cfg.DataDir != "" {
		serverCfg.Server.DataDir = cfg.DataDir
	}
	if cfg.LogLevel != "" {
		serverCfg.Logging.Level = cfg.LogLevel
	}
	if err := serverCfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return serverCfg, nil
}

func runServer(cfg Config, explicit bool) error {
	// Set the umask to something "paranoid".
	syscall.Umask(0077)

	serverCfg, err := loadConfig(cfg, explicit)
	if err != nil {
		return err
	}

	// Setup the signal handling.
	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)

	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)

	// Start up the server.
	svr, err := server.New(serverCfg)
	if err != nil {
		return fmt.Errorf("failed to spawn server instance: %v", err)
	}
	defer svr.Shutdown()

	// Halt the server gracefully on SIGINT/SIGTERM.
	go func() {
		<-haltCh
		svr.Shutdown()
	}()

	// Rotate server logs upon SIGHUP.
	go func() {
		for range rotateCh {
			svr.RotateLog()
		}
	}()

	// Wait for the server to explode or be terminated.
	svr.Wait()
	return nil
}
