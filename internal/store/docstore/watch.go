package docstore

import (
	"context"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"pkt.systems/paneld/internal/store"
)

// Watch reports documents modified by other processes. Events caused by this
// process' own writes are filtered out.
func (s *Store) Watch(ctx context.Context) (<-chan store.ExternalChange, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		if s.log != nil {
			s.log.Warn("config watch setup failed", "err", err)
		}
		return nil, err
	}
	if err := watcher.Add(s.dir); err != nil {
		_ = watcher.Close()
		if s.log != nil {
			s.log.Warn("config watch setup failed", "err", err)
		}
		return nil, err
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		_ = watcher.Close()
		return nil, err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			_ = watcher.Add(filepath.Join(s.dir, entry.Name()))
		}
	}

	out := make(chan store.ExternalChange, 16)
	go func() {
		defer close(out)
		defer func() { _ = watcher.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op.Has(fsnotify.Create) {
					if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
						_ = watcher.Add(event.Name)
						continue
					}
				}
				if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
					continue
				}
				if s.recentOwnWrite(event.Name) {
					continue
				}
				userID, deviceType, ok := s.parsePath(event.Name)
				if !ok {
					continue
				}
				if s.log != nil {
					s.log.Debug("config external change", "user", userID, "device", deviceType)
				}
				select {
				case out <- store.ExternalChange{UserID: userID, DeviceType: deviceType}:
				default:
					if s.log != nil {
						s.log.Warn("config watch event dropped", "user", userID, "device", deviceType)
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if s.log != nil {
					s.log.Warn("config watch error", "err", err)
				}
			}
		}
	}()
	return out, nil
}
