package core

import (
	"context"
	"errors"
	"time"

	"pkt.systems/paneld/internal/logx"
	"pkt.systems/paneld/internal/store"
	"pkt.systems/paneld/schema"
	"pkt.systems/pslog"
)

// ResolveConfig runs the resolution chain for a user and device class:
// primary store, then the legacy store when the primary is unreachable, then
// the local cache, and finally a synthesized default. Only the newest resolve
// per user counts: starting one cancels any still in flight for that user,
// whatever the device class, and a superseded resolve discards its result.
func (s *service) ResolveConfig(ctx context.Context, req schema.ResolveConfigRequest) (schema.ResolveConfigResponse, error) {
	userID, deviceType, err := normalizeTarget(req.UserID, req.DeviceType)
	if err != nil {
		return schema.ResolveConfigResponse{}, err
	}
	log := logx.WithUserDevice(ctx, userID, deviceType)
	log.Debug("service config resolve start")

	rctx, cancel := context.WithCancel(ctx)
	entry := &inflightResolve{cancel: cancel}
	s.mu.Lock()
	if prior := s.inflight[userID]; prior != nil {
		prior.cancel()
	}
	s.inflight[userID] = entry
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		if s.inflight[userID] == entry {
			delete(s.inflight, userID)
		}
		s.mu.Unlock()
	}()

	resp, err := s.resolve(rctx, log, userID, deviceType)
	if err != nil {
		return schema.ResolveConfigResponse{}, err
	}

	s.mu.Lock()
	if s.inflight[userID] != entry {
		s.mu.Unlock()
		log.Debug("service config resolve superseded")
		return schema.ResolveConfigResponse{}, context.Canceled
	}
	key := stateKey{user: userID, device: deviceType}
	// Dirty in-memory edits are session-owned; a re-resolve must not clobber
	// them before they flush.
	if st := s.states[key]; st == nil || !st.dirty {
		s.states[key] = &deviceState{
			cfg:     resp.Config.Clone(),
			source:  resp.Source,
			stale:   resp.Stale,
			unsaved: resp.Unsaved,
		}
	}
	s.mu.Unlock()
	s.emit(schema.ConfigEvent{
		UserID: userID, Type: schema.ConfigEventResolved, DeviceType: deviceType,
		Source: resp.Source, Version: resp.Config.Version, UpdatedAt: resp.Config.UpdatedAt,
	})
	log.Info("service config resolved", "source", resp.Source, "stale", resp.Stale,
		"unsaved", resp.Unsaved, "version", resp.Config.Version)
	return resp, nil
}

// ResolveDevice classifies raw device signals and resolves the matching
// config. The sample also feeds the per-user device watcher.
func (s *service) ResolveDevice(ctx context.Context, req schema.ResolveDeviceRequest) (schema.ResolveConfigResponse, error) {
	if err := schema.ValidateUserID(req.UserID); err != nil {
		return schema.ResolveConfigResponse{}, schema.ErrInvalidUser
	}
	deviceType := s.watcher.Observe(req.UserID, req.Device)
	return s.ResolveConfig(ctx, schema.ResolveConfigRequest{UserID: req.UserID, DeviceType: deviceType})
}

func (s *service) resolve(ctx context.Context, log pslog.Logger, userID schema.UserID, deviceType schema.DeviceType) (schema.ResolveConfigResponse, error) {
	cfg, err := s.getWithRetry(ctx, s.primary, userID, deviceType)
	if err == nil {
		s.writeCache(ctx, log, cfg)
		return schema.ResolveConfigResponse{Config: cfg, Source: schema.SourcePrimary}, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return schema.ResolveConfigResponse{}, err
	}
	if errors.Is(err, schema.ErrNotFound) {
		return s.synthesize(ctx, log, userID, deviceType, true)
	}
	log.Warn("service primary resolve failed", "err", err)

	if s.legacy != nil {
		legacyCfg, lerr := s.getWithRetry(ctx, s.legacy, userID, deviceType)
		if lerr == nil {
			legacyCfg.ID = schema.ConfigID(userID, deviceType)
			legacyCfg.DeviceType = deviceType
			if legacyCfg.Name == "" {
				legacyCfg.Name = schema.ConfigName(userID, deviceType)
			}
			s.writeCache(ctx, log, legacyCfg)
			log.Info("service legacy fallback hit", "tabs", len(legacyCfg.Tabs))
			return schema.ResolveConfigResponse{Config: legacyCfg, Source: schema.SourceLegacy}, nil
		}
		if errors.Is(lerr, context.Canceled) || errors.Is(lerr, context.DeadlineExceeded) {
			return schema.ResolveConfigResponse{}, lerr
		}
		log.Debug("service legacy fallback miss", "err", lerr)
	}

	if s.cache != nil {
		cached, cerr := s.cache.Get(ctx, userID, deviceType)
		if cerr == nil {
			log.Warn("service serving stale cache", "version", cached.Version)
			return schema.ResolveConfigResponse{Config: cached, Source: schema.SourceCache, Stale: true}, nil
		}
		if errors.Is(cerr, context.Canceled) || errors.Is(cerr, context.DeadlineExceeded) {
			return schema.ResolveConfigResponse{}, cerr
		}
		log.Debug("service cache miss", "err", cerr)
	}

	// Every tier failed. Serve a default but do not try to create it on an
	// unreachable primary.
	return s.synthesize(ctx, log, userID, deviceType, false)
}

// synthesize builds the device default. When the primary answered not-found
// the default is persisted there so the next resolve finds it; a failed
// create still serves the default, flagged unsaved.
func (s *service) synthesize(ctx context.Context, log pslog.Logger, userID schema.UserID, deviceType schema.DeviceType, tryCreate bool) (schema.ResolveConfigResponse, error) {
	def := defaultConfig(userID, deviceType)
	if !tryCreate {
		log.Warn("service serving unsaved default")
		return schema.ResolveConfigResponse{Config: def, Source: schema.SourceDefault, Unsaved: true}, nil
	}
	if err := s.primary.Create(ctx, def); err != nil {
		if errors.Is(err, schema.ErrConflict) {
			// Another session created the document first; serve theirs.
			if cfg, gerr := s.primary.Get(ctx, userID, deviceType); gerr == nil {
				s.writeCache(ctx, log, cfg)
				return schema.ResolveConfigResponse{Config: cfg, Source: schema.SourcePrimary}, nil
			}
		}
		log.Warn("service default create failed", "err", err)
		return schema.ResolveConfigResponse{Config: def, Source: schema.SourceDefault, Unsaved: true}, nil
	}
	created, err := s.primary.Get(ctx, userID, deviceType)
	if err != nil {
		created = def
		created.Version = 1
	}
	s.writeCache(ctx, log, created)
	log.Info("service default created", "version", created.Version)
	return schema.ResolveConfigResponse{Config: created, Source: schema.SourceDefault}, nil
}

// getWithRetry retries unavailable reads with doubling backoff. Not-found is
// terminal and never retried.
func (s *service) getWithRetry(ctx context.Context, adapter store.Adapter, userID schema.UserID, deviceType schema.DeviceType) (schema.UserConfig, error) {
	attempts := s.cfg.ResolveAttempts
	delay := s.cfg.RetryBaseDelay
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return schema.UserConfig{}, ctx.Err()
			case <-timer.C:
			}
			delay *= 2
		}
		cfg, err := adapter.Get(ctx, userID, deviceType)
		if err == nil {
			return cfg, nil
		}
		if errors.Is(err, schema.ErrNotFound) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return schema.UserConfig{}, err
		}
		lastErr = err
	}
	return schema.UserConfig{}, lastErr
}

// stateFor returns the in-memory state for the key, resolving first when the
// document has not been seen yet.
func (s *service) stateFor(ctx context.Context, userID schema.UserID, deviceType schema.DeviceType) (deviceState, error) {
	key := stateKey{user: userID, device: deviceType}
	s.mu.Lock()
	if state := s.states[key]; state != nil {
		out := deviceState{cfg: state.cfg.Clone(), source: state.source, stale: state.stale, unsaved: state.unsaved}
		s.mu.Unlock()
		return out, nil
	}
	s.mu.Unlock()
	resp, err := s.ResolveConfig(ctx, schema.ResolveConfigRequest{UserID: userID, DeviceType: deviceType})
	if err != nil {
		return deviceState{}, err
	}
	return deviceState{cfg: resp.Config, source: resp.Source, stale: resp.Stale, unsaved: resp.Unsaved}, nil
}

// inflightResolve identifies one in-flight resolution so a finished resolve
// only removes its own registration.
type inflightResolve struct {
	cancel context.CancelFunc
}
