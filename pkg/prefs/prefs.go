// Package prefs persists the chat client's preferences between runs.
package prefs

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DefaultDir is the default directory for client state
	DefaultDir = ".rsachat"

	// DefaultFile is the default preferences file name
	DefaultFile = "prefs.json"

	// DefaultServer is used when no server was ever remembered
	DefaultServer = "localhost"

	// Version is the current preferences file format version
	Version = "1"
)

// Prefs are the remembered form values of the client.
type Prefs struct {
	Version      string `json:"version"`
	LastServer   string `json:"lastServer"`
	LastUsername string `json:"lastUsername,omitempty"`
	LastProxy    string `json:"lastProxy,omitempty"`
}

// GetDefaultPath returns the default location of the preferences file.
func GetDefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, DefaultDir, DefaultFile), nil
}

// Default returns the preferences of a first run.
func Default() *Prefs {
	return &Prefs{
		Version:    Version,
		LastServer: DefaultServer,
	}
}

// Load reads the preferences at path.
func Load(path string) (*Prefs, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read preferences: %w", err)
	}

	p := Default()
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to parse preferences: %w", err)
	}
	if p.LastServer == "" {
		p.LastServer = DefaultServer
	}
	return p, nil
}

// LoadOrDefault loads the preferences at path, falling back to Default if
// the file does not exist yet. A corrupt file is reported along with the
// defaults.
func LoadOrDefault(path string) (*Prefs, error) {
	p, err := Load(path)
	if err == nil {
		return p, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return Default(), err
}

// Save writes the preferences to path, creating the directory if needed.
func (p *Prefs) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	p.Version = Version
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal preferences: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write preferences: %w", err)
	}
	return nil
}
