package core

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
	"unicode/utf8"

	"pkt.systems/paneld/internal/lockbus"
	"pkt.systems/paneld/internal/logx"
	"pkt.systems/paneld/internal/store"
	"pkt.systems/paneld/schema"
	"pkt.systems/pslog"
)

// service implements the core service behavior.
type service struct {
	cfg      schema.ServiceConfig
	primary  store.Adapter
	legacy   store.Adapter
	cache    CacheStore
	locks    *lockbus.Coordinator
	registry *Registry
	sink     EventSink
	logger   pslog.Logger
	watcher  *deviceWatcher

	mu          sync.Mutex
	states      map[stateKey]*deviceState
	inflight    map[schema.UserID]*inflightResolve
	drafts      map[stateKey]map[schema.ComponentID]draft
	draftUsers  map[schema.UserID]bool
	layoutUsers map[schema.UserID]bool

	now func() time.Time
}

type stateKey struct {
	user   schema.UserID
	device schema.DeviceType
}

// deviceState is the in-memory copy of the last resolved document for one
// user and device class. Layout mutations edit cfg in place and mark it
// dirty; base holds the last persisted content until the dirty state flushes.
type deviceState struct {
	cfg     schema.UserConfig
	source  schema.ConfigSource
	stale   bool
	unsaved bool
	dirty   bool
	base    schema.UserConfig
}

type draft struct {
	tabID schema.TabID
	props json.RawMessage
}

// NewService constructs the core service implementation.
func NewService(cfg schema.ServiceConfig, deps ServiceDeps) (Service, error) {
	normalized, err := schema.NormalizeServiceConfig(cfg)
	if err != nil {
		return nil, err
	}
	cfg = normalized
	if deps.Primary == nil {
		return nil, errors.New("primary store is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	if deps.Locks == nil {
		deps.Locks = lockbus.New(logger)
	}
	if deps.Registry == nil {
		deps.Registry = DefaultRegistry()
	}
	s := &service{
		cfg:         cfg,
		primary:     deps.Primary,
		legacy:      deps.Legacy,
		cache:       deps.Cache,
		locks:       deps.Locks,
		registry:    deps.Registry,
		sink:        deps.Sink,
		logger:      logger,
		states:      make(map[stateKey]*deviceState),
		inflight:    make(map[schema.UserID]*inflightResolve),
		drafts:      make(map[stateKey]map[schema.ComponentID]draft),
		draftUsers:  make(map[schema.UserID]bool),
		layoutUsers: make(map[schema.UserID]bool),
		now:         time.Now,
	}
	s.watcher = newDeviceWatcher(cfg.DeviceQuietPeriod, s.deviceSettled)
	return s, nil
}

// NoteExternalChange drops the in-memory copy for a document another process
// modified and announces the change. The next resolve re-reads the stores.
func (s *service) NoteExternalChange(userID schema.UserID, deviceType schema.DeviceType) {
	key := stateKey{user: userID, device: deviceType}
	s.mu.Lock()
	delete(s.states, key)
	s.mu.Unlock()
	if s.logger != nil {
		s.logger.Info("service config external change", "user", userID, "device", deviceType)
	}
	s.emit(schema.ConfigEvent{UserID: userID, Type: schema.ConfigEventExternal, DeviceType: deviceType})
}

func (s *service) SaveConfig(ctx context.Context, req schema.SaveConfigRequest) (schema.SaveConfigResponse, error) {
	userID, deviceType, err := normalizeTarget(req.UserID, req.DeviceType)
	if err != nil {
		return schema.SaveConfigResponse{}, err
	}
	log := logx.WithUserDevice(ctx, userID, deviceType)
	log.Info("service config save start", "base_version", req.BaseVersion, "tabs", len(req.Config.Tabs))

	next := req.Config.Clone()
	next.ID = schema.ConfigID(userID, deviceType)
	next.UserID = userID
	next.DeviceType = deviceType
	if next.Name == "" {
		next.Name = schema.ConfigName(userID, deviceType)
	}

	current, haveCurrent := s.currentConfig(ctx, userID, deviceType)
	conflict := haveCurrent && req.BaseVersion != 0 && current.Version > req.BaseVersion
	if conflict {
		log.Warn("service config save conflict", "base_version", req.BaseVersion, "stored_version", current.Version)
		s.emit(schema.ConfigEvent{
			UserID: userID, Type: schema.ConfigEventConflict, DeviceType: deviceType,
			Version: current.Version, UpdatedAt: current.UpdatedAt,
		})
	}
	if haveCurrent && current.Equivalent(next) {
		log.Debug("service config save no-op", "version", current.Version)
		return schema.SaveConfigResponse{Config: current, Conflict: conflict}, nil
	}

	if haveCurrent && current.Version > 0 {
		next = pushSnapshot(next, current, s.now().UTC(), s.cfg.HistoryRetention)
		next.Version = current.Version
	} else {
		next.PreviousVersions, _ = boundHistory(next.PreviousVersions, s.cfg.HistoryRetention)
	}

	saved, err := s.persist(ctx, log, next)
	if err != nil {
		return schema.SaveConfigResponse{}, err
	}
	log.Info("service config saved", "version", saved.Version, "conflict", conflict)
	return schema.SaveConfigResponse{Config: saved, Conflict: conflict}, nil
}

func (s *service) CleanupHistory(ctx context.Context, req schema.CleanupHistoryRequest) (schema.CleanupHistoryResponse, error) {
	userID := req.UserID
	if err := schema.ValidateUserID(userID); err != nil {
		return schema.CleanupHistoryResponse{}, schema.ErrInvalidUser
	}
	log := logx.WithUser(ctx, userID)
	keep := req.Keep
	switch {
	case keep < 0:
		keep = 0
	case keep == 0:
		keep = s.cfg.HistoryRetention
	}
	log.Info("service history cleanup start", "keep", keep)

	removed := 0
	size := 0
	for _, deviceType := range schema.DeviceTypes() {
		cfg, err := s.primary.Get(ctx, userID, deviceType)
		if err != nil {
			if errors.Is(err, schema.ErrNotFound) {
				continue
			}
			log.Warn("service history cleanup failed", "device", deviceType, "err", err)
			return schema.CleanupHistoryResponse{}, err
		}
		pruned, dropped := pruneHistory(cfg, keep)
		if dropped == 0 {
			size += len(cfg.PreviousVersions)
			continue
		}
		saved, err := s.persist(ctx, logx.WithUserDevice(ctx, userID, deviceType), pruned)
		if err != nil {
			return schema.CleanupHistoryResponse{}, err
		}
		removed += dropped
		size += len(saved.PreviousVersions)
	}
	log.Info("service history cleanup done", "removed", removed, "size", size)
	return schema.CleanupHistoryResponse{RemovedVersions: removed, NewSize: size}, nil
}

func (s *service) ResetConfig(ctx context.Context, req schema.ResetConfigRequest) (schema.ResetConfigResponse, error) {
	userID, deviceType, err := normalizeTarget(req.UserID, req.DeviceType)
	if err != nil {
		return schema.ResetConfigResponse{}, err
	}
	log := logx.WithUserDevice(ctx, userID, deviceType)
	log.Info("service config reset start")

	if s.cache != nil {
		if err := s.cache.Clear(userID, deviceType); err != nil {
			log.Warn("service config reset cache clear failed", "err", err)
		}
	}
	def := defaultConfig(userID, deviceType)
	saved, err := s.persist(ctx, log, def)
	if err != nil {
		log.Warn("service config reset failed", "err", err)
		return schema.ResetConfigResponse{}, err
	}
	s.emit(schema.ConfigEvent{
		UserID: userID, Type: schema.ConfigEventReset, DeviceType: deviceType,
		Source: schema.SourceDefault, Version: saved.Version, UpdatedAt: saved.UpdatedAt,
	})
	log.Info("service config reset done", "version", saved.Version)
	return schema.ResetConfigResponse{Config: saved}, nil
}

func (s *service) SetEditLock(ctx context.Context, req schema.SetEditLockRequest) (schema.SetEditLockResponse, error) {
	userID := req.UserID
	if err := schema.ValidateUserID(userID); err != nil {
		return schema.SetEditLockResponse{}, schema.ErrInvalidUser
	}
	log := logx.WithUser(ctx, userID)
	errs := s.locks.SetUnlocked(ctx, userID, req.Unlocked)
	log.Info("service edit lock set", "unlocked", req.Unlocked, "flush_errors", len(errs))
	return schema.SetEditLockResponse{Unlocked: req.Unlocked, FlushErrors: len(errs)}, nil
}

func (s *service) GetEditLock(ctx context.Context, req schema.GetEditLockRequest) (schema.GetEditLockResponse, error) {
	_ = ctx
	if err := schema.ValidateUserID(req.UserID); err != nil {
		return schema.GetEditLockResponse{}, schema.ErrInvalidUser
	}
	return schema.GetEditLockResponse{Unlocked: s.locks.Unlocked(req.UserID)}, nil
}

func (s *service) ObserveDevice(ctx context.Context, req schema.ObserveDeviceRequest) (schema.ObserveDeviceResponse, error) {
	userID := req.UserID
	if err := schema.ValidateUserID(userID); err != nil {
		return schema.ObserveDeviceResponse{}, schema.ErrInvalidUser
	}
	deviceType := s.watcher.Observe(userID, req.Device)
	logx.WithUser(ctx, userID).Trace("service device observed", "classified", deviceType,
		"width", req.Device.ScreenWidth, "height", req.Device.ScreenHeight)
	return schema.ObserveDeviceResponse{DeviceType: deviceType}, nil
}

func (s *service) SaveWidgetDraft(ctx context.Context, req schema.SaveWidgetDraftRequest) (schema.SaveWidgetDraftResponse, error) {
	userID, deviceType, err := normalizeTarget(req.UserID, req.DeviceType)
	if err != nil {
		return schema.SaveWidgetDraftResponse{}, err
	}
	log := logx.WithUserDevice(ctx, userID, deviceType)
	if !s.locks.Unlocked(userID) {
		log.Warn("service widget draft rejected", "err", schema.ErrLocked)
		return schema.SaveWidgetDraftResponse{}, schema.ErrLocked
	}
	state, err := s.stateFor(ctx, userID, deviceType)
	if err != nil {
		return schema.SaveWidgetDraftResponse{}, err
	}
	tab := state.cfg.Tab(req.TabID)
	if tab == nil {
		return schema.SaveWidgetDraftResponse{}, schema.ErrTabNotFound
	}
	if tab.Component(req.ComponentID) == nil {
		return schema.SaveWidgetDraftResponse{}, schema.ErrComponentNotFound
	}

	key := stateKey{user: userID, device: deviceType}
	props := append(json.RawMessage(nil), req.Props...)
	s.mu.Lock()
	entries := s.drafts[key]
	if entries == nil {
		entries = make(map[schema.ComponentID]draft)
		s.drafts[key] = entries
	}
	entries[req.ComponentID] = draft{tabID: req.TabID, props: props}
	pending := 0
	for _, deviceEntries := range s.drafts {
		if deviceEntries != nil {
			pending += len(deviceEntries)
		}
	}
	registered := s.draftUsers[userID]
	if !registered {
		s.draftUsers[userID] = true
	}
	s.mu.Unlock()

	if !registered {
		s.locks.RegisterHolder(userID, "widget-drafts", func(flushCtx context.Context) error {
			return s.flushDrafts(flushCtx, userID)
		})
	}
	log.Debug("service widget draft stored", "tab", req.TabID, "component", req.ComponentID, "pending", pending)
	return schema.SaveWidgetDraftResponse{Pending: pending}, nil
}

// flushDrafts folds pending widget drafts into the stored documents. Runs
// when the user's edit lock engages.
func (s *service) flushDrafts(ctx context.Context, userID schema.UserID) error {
	s.mu.Lock()
	var keys []stateKey
	for key := range s.drafts {
		if key.user == userID && len(s.drafts[key]) > 0 {
			keys = append(keys, key)
		}
	}
	s.mu.Unlock()

	var firstErr error
	for _, key := range keys {
		log := logx.WithUserDevice(ctx, key.user, key.device)
		state, err := s.stateFor(ctx, key.user, key.device)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		s.mu.Lock()
		entries := s.drafts[key]
		delete(s.drafts, key)
		s.mu.Unlock()
		if len(entries) == 0 {
			continue
		}
		next := state.cfg.Clone()
		applied := 0
		for componentID, entry := range entries {
			tab := next.Tab(entry.tabID)
			if tab == nil {
				continue
			}
			component := tab.Component(componentID)
			if component == nil {
				continue
			}
			component.Props = entry.props
			applied++
		}
		if applied == 0 {
			continue
		}
		if _, err := s.saveMutated(ctx, log, state.cfg, next); err != nil {
			log.Warn("service draft flush failed", "err", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		log.Info("service drafts flushed", "applied", applied)
	}
	return firstErr
}

// currentConfig returns the freshest known stored document: the in-memory
// state when present, otherwise a direct primary read. Dirty in-memory state
// is not stored content and never satisfies this lookup.
func (s *service) currentConfig(ctx context.Context, userID schema.UserID, deviceType schema.DeviceType) (schema.UserConfig, bool) {
	key := stateKey{user: userID, device: deviceType}
	s.mu.Lock()
	if state := s.states[key]; state != nil && !state.stale && !state.unsaved && !state.dirty {
		cfg := state.cfg.Clone()
		s.mu.Unlock()
		return cfg, true
	}
	s.mu.Unlock()
	cfg, err := s.primary.Get(ctx, userID, deviceType)
	if err != nil {
		return schema.UserConfig{}, false
	}
	return cfg, true
}

// persist writes the document to the primary store, mirrors it to the cache,
// updates the in-memory state, and emits a saved event.
func (s *service) persist(ctx context.Context, log pslog.Logger, cfg schema.UserConfig) (schema.UserConfig, error) {
	saved, err := s.primary.Save(ctx, cfg)
	if err != nil {
		log.Warn("service config persist failed", "err", err)
		s.mu.Lock()
		s.states[stateKey{user: cfg.UserID, device: cfg.DeviceType}] = &deviceState{
			cfg: cfg, source: schema.SourcePrimary, unsaved: true,
		}
		s.mu.Unlock()
		return schema.UserConfig{}, err
	}
	s.writeCache(ctx, log, saved)
	s.mu.Lock()
	s.states[stateKey{user: saved.UserID, device: saved.DeviceType}] = &deviceState{
		cfg: saved.Clone(), source: schema.SourcePrimary,
	}
	s.mu.Unlock()
	s.emit(schema.ConfigEvent{
		UserID: saved.UserID, Type: schema.ConfigEventSaved, DeviceType: saved.DeviceType,
		Source: schema.SourcePrimary, Version: saved.Version, UpdatedAt: saved.UpdatedAt,
	})
	log.Trace("service config persisted", "version", saved.Version)
	return saved, nil
}

// saveMutated persists a mutated copy of a resolved document, carrying the
// existing history forward untouched.
func (s *service) saveMutated(ctx context.Context, log pslog.Logger, prior, next schema.UserConfig) (schema.UserConfig, error) {
	if prior.Equivalent(next) {
		return prior, nil
	}
	if prior.Version > 0 {
		next.PreviousVersions = prior.PreviousVersions
		next.Version = prior.Version
	}
	return s.persist(ctx, log, next)
}

// flushLayout persists the user's dirty layout state. It runs when the edit
// lock engages; that flush is the checkpoint, recording one history snapshot
// per device no matter how many edits accumulated since the last one.
func (s *service) flushLayout(ctx context.Context, userID schema.UserID) error {
	type pendingFlush struct {
		key  stateKey
		cfg  schema.UserConfig
		base schema.UserConfig
	}
	s.mu.Lock()
	var work []pendingFlush
	for key, st := range s.states {
		if key.user != userID || !st.dirty {
			continue
		}
		work = append(work, pendingFlush{key: key, cfg: st.cfg.Clone(), base: st.base.Clone()})
		st.dirty = false
		st.base = schema.UserConfig{}
	}
	s.mu.Unlock()

	var firstErr error
	for _, p := range work {
		log := logx.WithUserDevice(ctx, p.key.user, p.key.device)
		next := p.cfg
		if p.base.Version > 0 {
			next = pushSnapshot(next, p.base, s.now().UTC(), s.cfg.HistoryRetention)
			next.Version = p.base.Version
		}
		if _, err := s.persist(ctx, log, next); err != nil {
			log.Warn("service layout flush failed", "err", err)
			s.mu.Lock()
			if st := s.states[p.key]; st != nil {
				st.dirty = true
				st.base = p.base
			}
			s.mu.Unlock()
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		log.Info("service layout flushed", "base_version", p.base.Version)
	}
	return firstErr
}

func (s *service) writeCache(ctx context.Context, log pslog.Logger, cfg schema.UserConfig) {
	if s.cache == nil {
		return
	}
	if _, err := s.cache.Save(ctx, cfg); err != nil {
		log.Warn("service cache write failed", "err", err)
	}
}

func (s *service) emit(event schema.ConfigEvent) {
	if s.sink == nil {
		return
	}
	s.sink.OnConfigEvent(event)
}

// deviceSettled fires after a classification change survived the quiet
// period. It announces the change and warms the config for the new class.
func (s *service) deviceSettled(userID schema.UserID, deviceType schema.DeviceType) {
	if s.logger != nil {
		s.logger.Info("service device changed", "user", userID, "device", deviceType)
	}
	s.emit(schema.ConfigEvent{UserID: userID, Type: schema.ConfigEventDevice, DeviceType: deviceType})
	ctx := pslog.ContextWithLogger(context.Background(), s.logger)
	go func() {
		if _, err := s.ResolveConfig(ctx, schema.ResolveConfigRequest{UserID: userID, DeviceType: deviceType}); err != nil {
			if s.logger != nil {
				s.logger.Warn("service device resolve failed", "user", userID, "device", deviceType, "err", err)
			}
		}
	}()
}

func boundHistory(history []schema.VersionSnapshot, keep int) ([]schema.VersionSnapshot, int) {
	if keep <= 0 {
		return nil, len(history)
	}
	if len(history) <= keep {
		return history, 0
	}
	return append([]schema.VersionSnapshot(nil), history[:keep]...), len(history) - keep
}

func normalizeTarget(userID schema.UserID, deviceType schema.DeviceType) (schema.UserID, schema.DeviceType, error) {
	if err := schema.ValidateUserID(userID); err != nil {
		return "", "", schema.ErrInvalidUser
	}
	normalized, err := schema.NormalizeDeviceType(string(deviceType))
	if err != nil {
		return "", "", err
	}
	return userID, normalized, nil
}

// formatTabName bounds a tab name to max runes, marking truncation with the
// configured suffix. Cutting on rune boundaries keeps multi-byte names valid.
func formatTabName(name string, max int, suffix string) string {
	if max <= 0 {
		return name
	}
	runes := []rune(name)
	if len(runes) <= max {
		return name
	}
	cut := max - utf8.RuneCountInString(suffix)
	if cut < 1 {
		return string(runes[:max])
	}
	return string(runes[:cut]) + suffix
}
