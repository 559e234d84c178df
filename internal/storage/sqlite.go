// Package storage - sqlite.go implements Store over a single-file sqlite
// database addressed by DATABASE_PATH.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database file and runs the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	// sqlite handles one writer at a time; serialize at the pool level so
	// concurrent jobs queue instead of hitting SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			level TEXT NOT NULL,
			event TEXT NOT NULL,
			details TEXT,
			created_at TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("storage: create logs: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS strategy_params (
			param_name TEXT PRIMARY KEY,
			param_value REAL NOT NULL,
			previous_value REAL,
			reason TEXT,
			applied_at TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("storage: create strategy_params: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("storage: create kv: %w", err)
	}

	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_logs_level ON logs(level)`)
	return nil
}

// LogEvent appends one row to the event log.
func (s *SQLiteStore) LogEvent(level EventLevel, event string, details map[string]any) error {
	now := time.Now().UTC().Format(time.RFC3339)

	var detailsJSON any
	if details != nil {
		b, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("storage: marshal details: %w", err)
		}
		detailsJSON = string(b)
	}

	_, err := s.db.Exec(`
		INSERT INTO logs (timestamp, level, event, details, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, now, string(level), event, detailsJSON, now)
	if err != nil {
		return fmt.Errorf("storage: log event: %w", err)
	}
	return nil
}

// GetEvents returns the most recent events, newest first. An empty level
// matches all levels.
func (s *SQLiteStore) GetEvents(limit int, level EventLevel) ([]EventRecord, error) {
	var rows *sql.Rows
	var err error
	if level != "" {
		rows, err = s.db.Query(`
			SELECT id, timestamp, level, event, details FROM logs
			WHERE level = ? ORDER BY id DESC LIMIT ?
		`, string(level), limit)
	} else {
		rows, err = s.db.Query(`
			SELECT id, timestamp, level, event, details FROM logs
			ORDER BY id DESC LIMIT ?
		`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: query events: %w", err)
	}
	defer rows.Close()

	var records []EventRecord
	for rows.Next() {
		var rec EventRecord
		var ts, lvl string
		var details sql.NullString
		if err := rows.Scan(&rec.ID, &ts, &lvl, &rec.Event, &details); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		rec.Timestamp, _ = time.Parse(time.RFC3339, ts)
		rec.Level = EventLevel(lvl)
		if details.Valid {
			_ = json.Unmarshal([]byte(details.String), &rec.Details)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// SaveStrategyParam upserts a tuner parameter.
func (s *SQLiteStore) SaveStrategyParam(name string, value float64, previous *float64, reason string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO strategy_params
		(param_name, param_value, previous_value, reason, applied_at)
		VALUES (?, ?, ?, ?, ?)
	`, name, value, previous, reason, now)
	if err != nil {
		return fmt.Errorf("storage: save param %s: %w", name, err)
	}
	return nil
}

// GetStrategyParam returns a single parameter, or nil when unset.
func (s *SQLiteStore) GetStrategyParam(name string) (*float64, error) {
	var value float64
	err := s.db.QueryRow(`SELECT param_value FROM strategy_params WHERE param_name = ?`, name).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get param %s: %w", name, err)
	}
	return &value, nil
}

// GetAllStrategyParams returns every persisted parameter.
func (s *SQLiteStore) GetAllStrategyParams() (map[string]float64, error) {
	rows, err := s.db.Query(`SELECT param_name, param_value FROM strategy_params`)
	if err != nil {
		return nil, fmt.Errorf("storage: query params: %w", err)
	}
	defer rows.Close()

	params := make(map[string]float64)
	for rows.Next() {
		var name string
		var value float64
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("storage: scan param: %w", err)
		}
		params[name] = value
	}
	return params, rows.Err()
}

const (
	kvTradingMode = "trading_mode"
	kvTokenKey    = "broker_access_token"
	kvTokenSecret = "broker_token_secret"
)

func (s *SQLiteStore) getKV(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("storage: get %s: %w", key, err)
	}
	return value, nil
}

func (s *SQLiteStore) setKV(key, value string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO kv (key, value, updated_at) VALUES (?, ?, ?)
	`, key, value, now)
	if err != nil {
		return fmt.Errorf("storage: set %s: %w", key, err)
	}
	return nil
}

// GetTradingMode returns the persisted mode, or "" when never set.
func (s *SQLiteStore) GetTradingMode() (string, error) {
	return s.getKV(kvTradingMode)
}

// SetTradingMode persists the mode across restarts.
func (s *SQLiteStore) SetTradingMode(mode string) error {
	return s.setKV(kvTradingMode, mode)
}

// SaveToken persists the broker access token pair.
func (s *SQLiteStore) SaveToken(token, secret string) error {
	if err := s.setKV(kvTokenKey, token); err != nil {
		return err
	}
	return s.setKV(kvTokenSecret, secret)
}

// LoadToken returns the persisted token pair ("" when never saved).
func (s *SQLiteStore) LoadToken() (string, string, error) {
	token, err := s.getKV(kvTokenKey)
	if err != nil {
		return "", "", err
	}
	secret, err := s.getKV(kvTokenSecret)
	if err != nil {
		return "", "", err
	}
	return token, secret, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
