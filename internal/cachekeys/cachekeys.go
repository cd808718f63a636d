// Package cachekeys manages encryption material for the on-disk config
// cache. Cached documents can contain portfolio layout details, so they are
// never written in the clear.
package cachekeys

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"pkt.systems/kryptograf/keymgmt"
	"pkt.systems/pslog"
)

const descriptorPrefix = "paneld:cache:"

// Store manages per-user data encryption keys backed by a keymgmt store.
type Store struct {
	storePath string
	log       pslog.Logger
}

// NewStore initializes the key store and ensures the root key exists.
func NewStore(storePath string) (*Store, error) {
	return NewStoreWithLogger(storePath, nil)
}

// NewStoreWithLogger initializes the key store with logging.
func NewStoreWithLogger(storePath string, logger pslog.Logger) (*Store, error) {
	if strings.TrimSpace(storePath) == "" {
		return nil, errors.New("cache key store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(storePath), 0o700); err != nil {
		return nil, err
	}
	store, err := keymgmt.LoadProto(storePath)
	if err != nil {
		if logger != nil {
			logger.Warn("cache key store load failed", "err", err)
		}
		return nil, err
	}
	if _, err := store.EnsureRootKey(); err != nil {
		if logger != nil {
			logger.Warn("cache key store ensure failed", "err", err)
		}
		return nil, err
	}
	if err := store.Commit(); err != nil {
		if logger != nil {
			logger.Warn("cache key store commit failed", "err", err)
		}
		return nil, err
	}
	if logger != nil {
		logger = logger.With("cache_key_store", storePath)
		logger.Debug("cache key store ready")
	}
	return &Store{storePath: storePath, log: logger}, nil
}

// MaterialFor returns the encryption material and root key for the user's
// cache namespace, minting a descriptor on first use.
func (s *Store) MaterialFor(namespace string) (keymgmt.Material, keymgmt.RootKey, error) {
	store, err := keymgmt.LoadProto(s.storePath)
	if err != nil {
		if s.log != nil {
			s.log.Warn("cache key material load failed", "namespace", namespace, "err", err)
		}
		return keymgmt.Material{}, keymgmt.RootKey{}, err
	}
	root, err := store.EnsureRootKey()
	if err != nil {
		if s.log != nil {
			s.log.Warn("cache key material load failed", "namespace", namespace, "err", err)
		}
		return keymgmt.Material{}, keymgmt.RootKey{}, err
	}
	descName := descriptorPrefix + namespace
	material, err := store.EnsureDescriptor(descName, root, []byte(descName))
	if err != nil {
		if s.log != nil {
			s.log.Warn("cache key material ensure failed", "namespace", namespace, "err", err)
		}
		return keymgmt.Material{}, keymgmt.RootKey{}, err
	}
	if err := store.Commit(); err != nil {
		if s.log != nil {
			s.log.Warn("cache key material commit failed", "namespace", namespace, "err", err)
		}
		return keymgmt.Material{}, keymgmt.RootKey{}, err
	}
	return material, root, nil
}

// Rotate mints fresh material for the namespace, invalidating prior
// ciphertexts for it.
func (s *Store) Rotate(namespace string) (keymgmt.Material, keymgmt.RootKey, error) {
	store, err := keymgmt.LoadProto(s.storePath)
	if err != nil {
		return keymgmt.Material{}, keymgmt.RootKey{}, err
	}
	root, err := store.EnsureRootKey()
	if err != nil {
		return keymgmt.Material{}, keymgmt.RootKey{}, err
	}
	descName := descriptorPrefix + namespace
	material, err := keymgmt.MintDEK(root, []byte(descName))
	if err != nil {
		if s.log != nil {
			s.log.Warn("cache key rotate failed", "namespace", namespace, "err", err)
		}
		return keymgmt.Material{}, keymgmt.RootKey{}, err
	}
	if err := store.SetDescriptor(descName, material.Descriptor); err != nil {
		return keymgmt.Material{}, keymgmt.RootKey{}, err
	}
	if err := store.Commit(); err != nil {
		return keymgmt.Material{}, keymgmt.RootKey{}, err
	}
	if s.log != nil {
		s.log.Info("cache key rotated", "namespace", namespace)
	}
	return material, root, nil
}
