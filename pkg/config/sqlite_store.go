package config

import (
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/xlttj/pbiproxy/pkg/logging"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps the configuration in a SQLite database. Settings live
// in a key/value table, rules in an ordered table so the first-match rule
// order survives a round trip.
type SQLiteStore struct {
	db     *sql.DB
	mutex  sync.RWMutex
	dbPath string
}

// NewSQLiteStore opens (or creates) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := ensureConfigDir(dbPath); err != nil {
		return nil, err
	}

	// Create the file ourselves so it is not world readable.
	if _, statErr := os.Stat(dbPath); os.IsNotExist(statErr) {
		f, ferr := os.OpenFile(dbPath, os.O_CREATE|os.O_RDONLY, 0o600)
		if ferr == nil {
			_ = f.Close()
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// modernc's driver serializes writes per connection; one is enough here.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db, dbPath: dbPath}
	if err := store.initializeSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	logging.LogDebug("SQLite config store initialized at: %s", dbPath)
	return store, nil
}

func (s *SQLiteStore) initializeSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS port_mappings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		model_name TEXT NOT NULL,
		fixed_port INTEGER NOT NULL,
		auto_connect INTEGER NOT NULL DEFAULT 0,
		allow_network_access INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_port_mappings_model ON port_mappings(model_name);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Path() string { return s.dbPath }

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

const (
	keyFixedPort            = "fixed_port"
	keyAllowNetworkAccess   = "allow_network_access"
	keyLastSelectedInstance = "last_selected_instance"
	keyMinimizeToTray       = "minimize_to_tray"
)

func (s *SQLiteStore) Load() (ProxyConfiguration, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	cfg := DefaultConfiguration()

	rows, err := s.db.Query("SELECT key, value FROM settings")
	if err != nil {
		return cfg, fmt.Errorf("failed to read settings: %w", err)
	}
	settings := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			rows.Close()
			return cfg, fmt.Errorf("failed to scan setting: %w", err)
		}
		settings[k] = v
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return cfg, fmt.Errorf("failed to read settings: %w", err)
	}

	if v, ok := settings[keyFixedPort]; ok {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.FixedPort = port
		} else {
			logging.LogError("Ignoring invalid %s setting %q: %v", keyFixedPort, v, err)
		}
	}
	cfg.AllowNetworkAccess = settings[keyAllowNetworkAccess] == "1"
	cfg.MinimizeToTray = settings[keyMinimizeToTray] == "1"
	cfg.LastSelectedInstance = settings[keyLastSelectedInstance]

	ruleRows, err := s.db.Query(`SELECT model_name, fixed_port, auto_connect, allow_network_access
		FROM port_mappings ORDER BY id`)
	if err != nil {
		return cfg, fmt.Errorf("failed to read port mappings: %w", err)
	}
	defer ruleRows.Close()
	for ruleRows.Next() {
		var r PortMappingRule
		if err := ruleRows.Scan(&r.ModelNamePattern, &r.FixedPort, &r.AutoConnect, &r.AllowNetworkAccess); err != nil {
			return cfg, fmt.Errorf("failed to scan port mapping: %w", err)
		}
		cfg.PortMappings = append(cfg.PortMappings, r)
	}
	if err := ruleRows.Err(); err != nil {
		return cfg, fmt.Errorf("failed to read port mappings: %w", err)
	}

	cfg.normalize()
	return cfg, nil
}

func (s *SQLiteStore) Save(cfg ProxyConfiguration) error {
	cfg = cfg.Clone()
	cfg.normalize()

	s.mutex.Lock()
	defer s.mutex.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	settings := map[string]string{
		keyFixedPort:            strconv.Itoa(cfg.FixedPort),
		keyAllowNetworkAccess:   boolSetting(cfg.AllowNetworkAccess),
		keyMinimizeToTray:       boolSetting(cfg.MinimizeToTray),
		keyLastSelectedInstance: cfg.LastSelectedInstance,
	}
	for k, v := range settings {
		if _, err := tx.Exec(`INSERT INTO settings (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, k, v); err != nil {
			return fmt.Errorf("failed to save setting %s: %w", k, err)
		}
	}

	if _, err := tx.Exec("DELETE FROM port_mappings"); err != nil {
		return fmt.Errorf("failed to clear port mappings: %w", err)
	}
	for _, r := range cfg.PortMappings {
		if _, err := tx.Exec(`INSERT INTO port_mappings (model_name, fixed_port, auto_connect, allow_network_access)
			VALUES (?, ?, ?, ?)`, r.ModelNamePattern, r.FixedPort, r.AutoConnect, r.AllowNetworkAccess); err != nil {
			return fmt.Errorf("failed to save port mapping %q: %w", r.ModelNamePattern, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	logging.LogDebug("Saved %d port mappings to %s", len(cfg.PortMappings), s.dbPath)
	return nil
}

func boolSetting(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
