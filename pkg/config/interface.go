package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnknownStore is returned for an unsupported store kind.
var ErrUnknownStore = errors.New("unknown store kind")

const (
	StoreJSON   = "json"
	StoreSQLite = "sqlite"

	appDirName     = "pbiproxy"
	jsonFileName   = "config.json"
	sqliteFileName = "pbiproxy.db"
)

// Store persists the ProxyConfiguration between runs.
type Store interface {
	// Load returns the saved configuration, or the defaults when nothing
	// has been saved yet.
	Load() (ProxyConfiguration, error)
	// Save replaces the saved configuration. Rules that must not be
	// persisted are dropped.
	Save(cfg ProxyConfiguration) error
	// Path is where the configuration lives.
	Path() string
	Close() error
}

// DefaultDir returns the per-user configuration directory.
func DefaultDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		home, herr := os.UserHomeDir()
		if herr != nil {
			return "", fmt.Errorf("failed to resolve config directory: %w", err)
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, appDirName), nil
}

// NewStore opens a store of the given kind. An empty path selects the
// default file inside DefaultDir.
func NewStore(kind, path string) (Store, error) {
	if kind == "" {
		kind = StoreJSON
	}
	var err error
	if path != "" {
		path, err = expandHomeDir(path)
		if err != nil {
			return nil, err
		}
	}

	switch strings.ToLower(kind) {
	case StoreJSON:
		if path == "" {
			dir, err := DefaultDir()
			if err != nil {
				return nil, err
			}
			path = filepath.Join(dir, jsonFileName)
		}
		return NewJSONStore(path), nil
	case StoreSQLite:
		if path == "" {
			dir, err := DefaultDir()
			if err != nil {
				return nil, err
			}
			path = filepath.Join(dir, sqliteFileName)
		}
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownStore, kind)
	}
}

// expandHomeDir replaces the leading ~ with the user's home directory
func expandHomeDir(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, path[1:]), nil
}

// ensureConfigDir creates the directory holding configPath.
func ensureConfigDir(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return nil
}
