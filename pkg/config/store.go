package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/xlttj/pbiproxy/pkg/logging"
)

// JSONStore keeps the configuration in a single indented JSON file.
type JSONStore struct {
	mutex    sync.RWMutex
	filePath string
}

// NewJSONStore returns a store backed by filePath. The file is created on
// the first Save.
func NewJSONStore(filePath string) *JSONStore {
	return &JSONStore{filePath: filePath}
}

func (s *JSONStore) Path() string { return s.filePath }

func (s *JSONStore) Close() error { return nil }

// Load reads the configuration from disk. A missing file yields defaults.
func (s *JSONStore) Load() (ProxyConfiguration, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	data, err := os.ReadFile(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		logging.LogDebug("Config file %s not found, using defaults", s.filePath)
		return DefaultConfiguration(), nil
	}
	if err != nil {
		return DefaultConfiguration(), fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfiguration()
	if len(data) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return DefaultConfiguration(), fmt.Errorf("failed to parse config file %s: %w", s.filePath, err)
	}
	cfg.normalize()
	logging.LogDebug("Loaded %d port mappings from %s", len(cfg.PortMappings), s.filePath)
	return cfg, nil
}

// Save writes the configuration through a temp file and rename so a crash
// never leaves a truncated file behind.
func (s *JSONStore) Save(cfg ProxyConfiguration) error {
	cfg = cfg.Clone()
	cfg.normalize()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := ensureConfigDir(s.filePath); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.filePath), ".config-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp config file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmpName, s.filePath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace config file: %w", err)
	}
	logging.LogDebug("Saved %d port mappings to %s", len(cfg.PortMappings), s.filePath)
	return nil
}
