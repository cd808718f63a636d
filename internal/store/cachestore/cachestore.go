// Package cachestore mirrors resolved configuration documents on local disk
// so a device can come up with its last known layout while the primary store
// is unreachable. Entries are encrypted at rest and are namespaced per user
// and device.
package cachestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode"

	"pkt.systems/kryptograf"
	"pkt.systems/paneld/internal/cachekeys"
	"pkt.systems/paneld/internal/store"
	"pkt.systems/paneld/schema"
	"pkt.systems/pslog"
)

// Store is the local encrypted cache backend.
type Store struct {
	dir  string
	keys *cachekeys.Store
	log  pslog.Logger
	mu   sync.Mutex
}

// New constructs a cache store rooted at dir using the given key store.
func New(dir string, keys *cachekeys.Store) (*Store, error) {
	return NewWithLogger(dir, keys, nil)
}

// NewWithLogger constructs a cache store with logging.
func NewWithLogger(dir string, keys *cachekeys.Store, logger pslog.Logger) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("cache directory is required")
	}
	if keys == nil {
		return nil, errors.New("cache key store is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if logger != nil {
		logger = logger.With("cache_dir", dir)
	}
	return &Store{dir: dir, keys: keys, log: logger}, nil
}

// Name identifies this backend.
func (s *Store) Name() string { return "cache" }

// Get decrypts and returns the cached document for the user and device.
func (s *Store) Get(ctx context.Context, userID schema.UserID, deviceType schema.DeviceType) (schema.UserConfig, error) {
	if err := ctx.Err(); err != nil {
		return schema.UserConfig{}, err
	}
	path := s.pathFor(userID, deviceType)
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if s.log != nil {
				s.log.Debug("cache load miss", "user", userID, "device", deviceType)
			}
			return schema.UserConfig{}, schema.ErrNotFound
		}
		if s.log != nil {
			s.log.Warn("cache load failed", "user", userID, "device", deviceType, "err", err)
		}
		return schema.UserConfig{}, fmt.Errorf("%w: %v", schema.ErrUnavailable, err)
	}
	defer func() { _ = file.Close() }()

	material, root, err := s.keys.MaterialFor(namespace(userID, deviceType))
	if err != nil {
		return schema.UserConfig{}, fmt.Errorf("%w: %v", schema.ErrUnavailable, err)
	}
	kg := kryptograf.New(root)
	reader, err := kg.DecryptReader(file, material)
	if err != nil {
		if s.log != nil {
			s.log.Warn("cache load failed", "user", userID, "device", deviceType, "err", err)
		}
		return schema.UserConfig{}, fmt.Errorf("%w: %v", schema.ErrUnavailable, err)
	}
	defer func() { _ = reader.Close() }()
	plain, err := io.ReadAll(reader)
	if err != nil {
		return schema.UserConfig{}, fmt.Errorf("%w: %v", schema.ErrUnavailable, err)
	}
	var cfg schema.UserConfig
	if err := json.Unmarshal(plain, &cfg); err != nil {
		if s.log != nil {
			s.log.Warn("cache load failed", "user", userID, "device", deviceType, "err", err)
		}
		return schema.UserConfig{}, fmt.Errorf("%w: %v", schema.ErrUnavailable, err)
	}
	if s.log != nil {
		s.log.Debug("cache load ok", "user", userID, "device", deviceType, "version", cfg.Version)
	}
	return cfg, nil
}

// Create stores the document. The cache has no existence semantics of its
// own; Create behaves like Save.
func (s *Store) Create(ctx context.Context, cfg schema.UserConfig) error {
	_, err := s.Save(ctx, cfg)
	return err
}

// Save overwrites the cached document verbatim. The cache mirrors whatever
// version the primary assigned; it never bumps versions itself.
func (s *Store) Save(ctx context.Context, cfg schema.UserConfig) (schema.UserConfig, error) {
	if err := ctx.Err(); err != nil {
		return schema.UserConfig{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.pathFor(cfg.UserID, cfg.DeviceType)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return schema.UserConfig{}, fmt.Errorf("%w: %v", schema.ErrUnavailable, err)
	}
	plain, err := json.Marshal(cfg)
	if err != nil {
		return schema.UserConfig{}, err
	}
	material, root, err := s.keys.MaterialFor(namespace(cfg.UserID, cfg.DeviceType))
	if err != nil {
		return schema.UserConfig{}, fmt.Errorf("%w: %v", schema.ErrUnavailable, err)
	}
	kg := kryptograf.New(root)

	tmp, err := os.CreateTemp(filepath.Dir(path), "cache-*.enc")
	if err != nil {
		if s.log != nil {
			s.log.Warn("cache save failed", "user", cfg.UserID, "device", cfg.DeviceType, "err", err)
		}
		return schema.UserConfig{}, fmt.Errorf("%w: %v", schema.ErrUnavailable, err)
	}
	tmpPath := tmp.Name()
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return schema.UserConfig{}, fmt.Errorf("%w: %v", schema.ErrUnavailable, err)
	}
	writer, err := kg.EncryptWriter(tmp, material)
	if err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		if s.log != nil {
			s.log.Warn("cache save failed", "user", cfg.UserID, "device", cfg.DeviceType, "err", err)
		}
		return schema.UserConfig{}, fmt.Errorf("%w: %v", schema.ErrUnavailable, err)
	}
	if _, err := io.Copy(writer, bytes.NewReader(plain)); err != nil {
		_ = writer.Close()
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return schema.UserConfig{}, fmt.Errorf("%w: %v", schema.ErrUnavailable, err)
	}
	if err := writer.Close(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return schema.UserConfig{}, fmt.Errorf("%w: %v", schema.ErrUnavailable, err)
	}
	_ = tmp.Close()
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		if s.log != nil {
			s.log.Warn("cache save failed", "user", cfg.UserID, "device", cfg.DeviceType, "err", err)
		}
		return schema.UserConfig{}, fmt.Errorf("%w: %v", schema.ErrUnavailable, err)
	}
	if s.log != nil {
		s.log.Trace("cache save ok", "user", cfg.UserID, "device", cfg.DeviceType, "version", cfg.Version)
	}
	return cfg, nil
}

// Clear removes the cached document for the user and device.
func (s *Store) Clear(userID schema.UserID, deviceType schema.DeviceType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.pathFor(userID, deviceType))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		if s.log != nil {
			s.log.Warn("cache clear failed", "user", userID, "device", deviceType, "err", err)
		}
		return err
	}
	if s.log != nil {
		s.log.Debug("cache clear ok", "user", userID, "device", deviceType)
	}
	return nil
}

func (s *Store) pathFor(userID schema.UserID, deviceType schema.DeviceType) string {
	user := sanitize(string(userID))
	if user == "" {
		user = "unknown"
	}
	return filepath.Join(s.dir, user, string(deviceType)+".enc")
}

func namespace(userID schema.UserID, deviceType schema.DeviceType) string {
	return string(userID) + ":" + string(deviceType)
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
