// Package docstore is the primary configuration backend. It keeps one JSON
// document per user and device under a state directory and writes them
// atomically.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"

	"pkt.systems/paneld/internal/store"
	"pkt.systems/paneld/schema"
	"pkt.systems/pslog"
)

// suppressWindow filters watcher events caused by our own writes.
const suppressWindow = 2 * time.Second

// Store persists configuration documents as JSON files.
type Store struct {
	dir string
	log pslog.Logger

	mu       sync.Mutex
	ownWrite map[string]time.Time

	now func() time.Time
}

// New constructs a document store rooted at dir.
func New(dir string) (*Store, error) {
	return NewWithLogger(dir, nil)
}

// NewWithLogger constructs a document store with logging.
func NewWithLogger(dir string, logger pslog.Logger) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("config directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if logger != nil {
		logger = logger.With("config_dir", dir)
	}
	return &Store{dir: dir, log: logger, ownWrite: make(map[string]time.Time), now: time.Now}, nil
}

// Name identifies this backend.
func (s *Store) Name() string { return "primary" }

// Get loads the document for the user and device.
func (s *Store) Get(ctx context.Context, userID schema.UserID, deviceType schema.DeviceType) (schema.UserConfig, error) {
	if err := ctx.Err(); err != nil {
		return schema.UserConfig{}, err
	}
	path := s.pathFor(userID, deviceType)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if s.log != nil {
				s.log.Debug("config load miss", "user", userID, "device", deviceType)
			}
			return schema.UserConfig{}, schema.ErrNotFound
		}
		if s.log != nil {
			s.log.Warn("config load failed", "user", userID, "device", deviceType, "err", err)
		}
		return schema.UserConfig{}, fmt.Errorf("%w: %v", schema.ErrUnavailable, err)
	}
	var cfg schema.UserConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		if s.log != nil {
			s.log.Warn("config load failed", "user", userID, "device", deviceType, "err", err)
		}
		return schema.UserConfig{}, fmt.Errorf("%w: %v", schema.ErrUnavailable, err)
	}
	if s.log != nil {
		s.log.Debug("config load ok", "user", userID, "device", deviceType, "version", cfg.Version)
	}
	return cfg, nil
}

// Create stores a brand new document with version 1.
func (s *Store) Create(ctx context.Context, cfg schema.UserConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.pathFor(cfg.UserID, cfg.DeviceType)
	if _, err := os.Stat(path); err == nil {
		return schema.ErrConflict
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %v", schema.ErrUnavailable, err)
	}
	cfg.Version = 1
	cfg.UpdatedAt = s.now().UTC()
	return s.write(path, cfg)
}

// Save overwrites the document, bumping the stored version.
func (s *Store) Save(ctx context.Context, cfg schema.UserConfig) (schema.UserConfig, error) {
	if err := ctx.Err(); err != nil {
		return schema.UserConfig{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.pathFor(cfg.UserID, cfg.DeviceType)
	current := int64(0)
	var storedAt time.Time
	if data, err := os.ReadFile(path); err == nil {
		var existing schema.UserConfig
		if err := json.Unmarshal(data, &existing); err == nil {
			current = existing.Version
			storedAt = existing.UpdatedAt
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		if s.log != nil {
			s.log.Warn("config save failed", "user", cfg.UserID, "device", cfg.DeviceType, "err", err)
		}
		return schema.UserConfig{}, fmt.Errorf("%w: %v", schema.ErrUnavailable, err)
	}
	if cfg.Version > current {
		current = cfg.Version
	}
	cfg.Version = current + 1
	// UpdatedAt never moves backwards, even when the wall clock does.
	updatedAt := s.now().UTC()
	if updatedAt.Before(storedAt) {
		updatedAt = storedAt
	}
	cfg.UpdatedAt = updatedAt
	if err := s.write(path, cfg); err != nil {
		return schema.UserConfig{}, err
	}
	return cfg, nil
}

func (s *Store) write(path string, cfg schema.UserConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		if s.log != nil {
			s.log.Warn("config save failed", "user", cfg.UserID, "device", cfg.DeviceType, "err", err)
		}
		return fmt.Errorf("%w: %v", schema.ErrUnavailable, err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "config-*.json")
	if err != nil {
		if s.log != nil {
			s.log.Warn("config save failed", "user", cfg.UserID, "device", cfg.DeviceType, "err", err)
		}
		return fmt.Errorf("%w: %v", schema.ErrUnavailable, err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		if s.log != nil {
			s.log.Warn("config save failed", "user", cfg.UserID, "device", cfg.DeviceType, "err", err)
		}
		return fmt.Errorf("%w: %v", schema.ErrUnavailable, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("%w: %v", schema.ErrUnavailable, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("%w: %v", schema.ErrUnavailable, err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("%w: %v", schema.ErrUnavailable, err)
	}
	s.ownWrite[path] = s.now()
	if err := os.Rename(tmp.Name(), path); err != nil {
		if s.log != nil {
			s.log.Warn("config save failed", "user", cfg.UserID, "device", cfg.DeviceType, "err", err)
		}
		return fmt.Errorf("%w: %v", schema.ErrUnavailable, err)
	}
	if s.log != nil {
		s.log.Trace("config save ok", "user", cfg.UserID, "device", cfg.DeviceType, "version", cfg.Version)
	}
	return nil
}

func (s *Store) pathFor(userID schema.UserID, deviceType schema.DeviceType) string {
	user := sanitize(string(userID))
	if user == "" {
		user = "unknown"
	}
	return filepath.Join(s.dir, user, string(deviceType)+".json")
}

func (s *Store) recentOwnWrite(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	when, ok := s.ownWrite[path]
	if !ok {
		return false
	}
	if s.now().Sub(when) > suppressWindow {
		delete(s.ownWrite, path)
		return false
	}
	return true
}

func (s *Store) parsePath(path string) (schema.UserID, schema.DeviceType, bool) {
	rel, err := filepath.Rel(s.dir, path)
	if err != nil {
		return "", "", false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 2 {
		return "", "", false
	}
	name := strings.TrimSuffix(parts[1], ".json")
	if name == parts[1] {
		return "", "", false
	}
	device, err := schema.NormalizeDeviceType(name)
	if err != nil {
		return "", "", false
	}
	return schema.UserID(parts[0]), device, true
}

func sanitize(value string) string {
	var b strings.Builder
	for _, r := range value {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			continue
		}
		if r == '-' || r == '_' || r == '.' || r == '@' || r == '+' {
			b.WriteRune(r)
			continue
		}
		b.WriteRune('_')
	}
	return b.String()
}

var _ store.Adapter = (*Store)(nil)
var _ store.Watcher = (*Store)(nil)
