// Package legacy reads the relational configuration store left behind by the
// previous dashboard generation. Documents are keyed by user only, carry no
// version history, and tabs and components are flattened into rows.
package legacy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"pkt.systems/paneld/internal/store"
	"pkt.systems/paneld/schema"
	"pkt.systems/pslog"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS user_configs (
    user_id    TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS config_tabs (
    user_id  TEXT NOT NULL,
    tab_id   TEXT NOT NULL,
    name     TEXT NOT NULL,
    kind     TEXT NOT NULL,
    closable INTEGER NOT NULL,
    ordinal  INTEGER NOT NULL,
    PRIMARY KEY (user_id, tab_id)
);
CREATE TABLE IF NOT EXISTS config_components (
    user_id      TEXT NOT NULL,
    tab_id       TEXT NOT NULL,
    component_id TEXT NOT NULL,
    type         TEXT NOT NULL,
    x            INTEGER NOT NULL,
    y            INTEGER NOT NULL,
    w            INTEGER NOT NULL,
    h            INTEGER NOT NULL,
    props        TEXT NOT NULL DEFAULT '{}',
    ordinal      INTEGER NOT NULL,
    PRIMARY KEY (user_id, tab_id, component_id)
);
`

// Store reads and writes the legacy relational schema.
type Store struct {
	db  *sql.DB
	log pslog.Logger
}

// Open opens or creates the legacy database at path.
func Open(path string) (*Store, error) {
	return OpenWithLogger(path, nil)
}

// OpenWithLogger opens the legacy database with logging.
func OpenWithLogger(path string, logger pslog.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("legacy database path is required")
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", schema.ErrUnavailable, err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, err
	}
	if logger != nil {
		logger = logger.With("legacy_db", path)
	}
	return &Store{db: db, log: logger}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Name identifies this backend.
func (s *Store) Name() string { return "legacy" }

// Get loads the user's legacy document. The legacy schema has no device
// dimension, so the same document is returned for every device type with the
// requested type stamped on.
func (s *Store) Get(ctx context.Context, userID schema.UserID, deviceType schema.DeviceType) (schema.UserConfig, error) {
	var name, updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT name, updated_at FROM user_configs WHERE user_id = ?`, string(userID),
	).Scan(&name, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		if s.log != nil {
			s.log.Debug("legacy load miss", "user", userID)
		}
		return schema.UserConfig{}, schema.ErrNotFound
	}
	if err != nil {
		if s.log != nil {
			s.log.Warn("legacy load failed", "user", userID, "err", err)
		}
		return schema.UserConfig{}, fmt.Errorf("%w: %v", schema.ErrUnavailable, err)
	}

	tabs, err := s.loadTabs(ctx, userID)
	if err != nil {
		if s.log != nil {
			s.log.Warn("legacy load failed", "user", userID, "err", err)
		}
		return schema.UserConfig{}, fmt.Errorf("%w: %v", schema.ErrUnavailable, err)
	}

	cfg := schema.UserConfig{
		ID:         schema.ConfigID(userID, deviceType),
		UserID:     userID,
		Name:       name,
		DeviceType: deviceType,
		Tabs:       tabs,
	}
	if when, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		cfg.UpdatedAt = when
	}
	if s.log != nil {
		s.log.Debug("legacy load ok", "user", userID, "tabs", len(tabs))
	}
	return cfg, nil
}

func (s *Store) loadTabs(ctx context.Context, userID schema.UserID) ([]schema.Tab, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tab_id, name, kind, closable FROM config_tabs WHERE user_id = ? ORDER BY ordinal`,
		string(userID))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tabs []schema.Tab
	for rows.Next() {
		var tab schema.Tab
		var kind string
		var closable int
		if err := rows.Scan(&tab.ID, &tab.Name, &kind, &closable); err != nil {
			return nil, err
		}
		tab.Kind = schema.TabKind(kind)
		tab.Closable = closable != 0
		tabs = append(tabs, tab)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range tabs {
		components, err := s.loadComponents(ctx, userID, tabs[i].ID)
		if err != nil {
			return nil, err
		}
		tabs[i].Components = components
	}
	return tabs, nil
}

func (s *Store) loadComponents(ctx context.Context, userID schema.UserID, tabID schema.TabID) ([]schema.Component, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT component_id, type, x, y, w, h, props FROM config_components
		 WHERE user_id = ? AND tab_id = ? ORDER BY ordinal`,
		string(userID), string(tabID))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var components []schema.Component
	for rows.Next() {
		var component schema.Component
		var props string
		if err := rows.Scan(&component.ID, &component.Type,
			&component.Position.X, &component.Position.Y,
			&component.Position.W, &component.Position.H, &props); err != nil {
			return nil, err
		}
		if json.Valid([]byte(props)) {
			component.Props = json.RawMessage(props)
		}
		components = append(components, component)
	}
	return components, rows.Err()
}

// Create stores a new legacy document for the user.
func (s *Store) Create(ctx context.Context, cfg schema.UserConfig) error {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM user_configs WHERE user_id = ?`, string(cfg.UserID)).Scan(&exists)
	if err == nil {
		return schema.ErrConflict
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %v", schema.ErrUnavailable, err)
	}
	_, err = s.Save(ctx, cfg)
	return err
}

// Save replaces the user's legacy document. Version history is not persisted;
// the legacy schema predates it.
func (s *Store) Save(ctx context.Context, cfg schema.UserConfig) (schema.UserConfig, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		if s.log != nil {
			s.log.Warn("legacy save failed", "user", cfg.UserID, "err", err)
		}
		return schema.UserConfig{}, fmt.Errorf("%w: %v", schema.ErrUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	cfg.UpdatedAt = time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO user_configs (user_id, name, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET name = excluded.name, updated_at = excluded.updated_at`,
		string(cfg.UserID), cfg.Name, cfg.UpdatedAt.Format(time.RFC3339)); err != nil {
		return schema.UserConfig{}, fmt.Errorf("%w: %v", schema.ErrUnavailable, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM config_tabs WHERE user_id = ?`, string(cfg.UserID)); err != nil {
		return schema.UserConfig{}, fmt.Errorf("%w: %v", schema.ErrUnavailable, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM config_components WHERE user_id = ?`, string(cfg.UserID)); err != nil {
		return schema.UserConfig{}, fmt.Errorf("%w: %v", schema.ErrUnavailable, err)
	}
	for i, tab := range cfg.Tabs {
		closable := 0
		if tab.Closable {
			closable = 1
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO config_tabs (user_id, tab_id, name, kind, closable, ordinal) VALUES (?, ?, ?, ?, ?, ?)`,
			string(cfg.UserID), string(tab.ID), tab.Name, string(tab.Kind), closable, i); err != nil {
			return schema.UserConfig{}, fmt.Errorf("%w: %v", schema.ErrUnavailable, err)
		}
		for j, component := range tab.Components {
			props := "{}"
			if len(component.Props) > 0 {
				props = string(component.Props)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO config_components (user_id, tab_id, component_id, type, x, y, w, h, props, ordinal)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				string(cfg.UserID), string(tab.ID), string(component.ID), string(component.Type),
				component.Position.X, component.Position.Y,
				component.Position.W, component.Position.H, props, j); err != nil {
				return schema.UserConfig{}, fmt.Errorf("%w: %v", schema.ErrUnavailable, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		if s.log != nil {
			s.log.Warn("legacy save failed", "user", cfg.UserID, "err", err)
		}
		return schema.UserConfig{}, fmt.Errorf("%w: %v", schema.ErrUnavailable, err)
	}
	if s.log != nil {
		s.log.Trace("legacy save ok", "user", cfg.UserID, "tabs", len(cfg.Tabs))
	}
	cfg.PreviousVersions = nil
	return cfg, nil
}

var _ store.Adapter = (*Store)(nil)
