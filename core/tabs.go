package core

import (
	"context"

	"pkt.systems/paneld/internal/logx"
	"pkt.systems/paneld/internal/sessionprefs"
	"pkt.systems/paneld/schema"
)

func (s *service) ListTabs(ctx context.Context, req schema.ListTabsRequest) (schema.ListTabsResponse, error) {
	userID, deviceType, err := normalizeTarget(req.UserID, req.DeviceType)
	if err != nil {
		return schema.ListTabsResponse{}, err
	}
	log := logx.WithUserDevice(ctx, userID, deviceType)
	state, err := s.stateFor(ctx, userID, deviceType)
	if err != nil {
		return schema.ListTabsResponse{}, err
	}

	tabs := make([]schema.Tab, 0, len(state.cfg.Tabs))
	hidden := 0
	for _, tab := range state.cfg.Tabs {
		if !tab.Displayable() {
			hidden++
			continue
		}
		tabs = append(tabs, tab)
	}
	resp := schema.ListTabsResponse{
		Tabs:      tabs,
		ActiveTab: activeTabFromContext(ctx, tabs),
		Hidden:    hidden,
		Unlocked:  s.locks.Unlocked(userID),
	}
	log.Trace("service tabs listed", "count", len(tabs), "hidden", hidden, "active", resp.ActiveTab)
	return resp, nil
}

func (s *service) CreateTab(ctx context.Context, req schema.CreateTabRequest) (schema.CreateTabResponse, error) {
	userID, deviceType, err := normalizeTarget(req.UserID, req.DeviceType)
	if err != nil {
		return schema.CreateTabResponse{}, err
	}
	log := logx.WithUserDevice(ctx, userID, deviceType)
	log.Info("service tab create start", "tab_name", req.Name)
	if err := schema.ValidateTabName(req.Name); err != nil {
		log.Warn("service tab create failed", "err", err)
		return schema.CreateTabResponse{}, err
	}

	tab := schema.Tab{
		ID:       schema.TabID(newID()),
		Name:     formatTabName(req.Name, s.cfg.TabNameMax, s.cfg.TabNameSuffix),
		Kind:     schema.TabDynamic,
		Closable: req.Closable,
	}
	_, err = s.mutateConfig(ctx, userID, deviceType, func(cfg *schema.UserConfig) error {
		cfg.Tabs = append(cfg.Tabs, tab)
		return nil
	})
	if err != nil {
		log.Warn("service tab create failed", "err", err)
		return schema.CreateTabResponse{}, err
	}
	if prefs := sessionprefs.FromContext(ctx); prefs != nil {
		prefs.ActiveTab = tab.ID
	}
	log.Info("service tab created", "tab", tab.ID, "tab_name", tab.Name)
	return schema.CreateTabResponse{Tab: tab}, nil
}

func (s *service) UpdateTab(ctx context.Context, req schema.UpdateTabRequest) (schema.UpdateTabResponse, error) {
	userID, deviceType, err := normalizeTarget(req.UserID, req.DeviceType)
	if err != nil {
		return schema.UpdateTabResponse{}, err
	}
	log := logx.WithUserDevice(ctx, userID, deviceType).With("tab", req.TabID)

	var updated schema.Tab
	_, err = s.mutateConfig(ctx, userID, deviceType, func(cfg *schema.UserConfig) error {
		tab := cfg.Tab(req.TabID)
		if tab == nil {
			return schema.ErrTabNotFound
		}
		if req.Patch.Name != nil {
			if err := schema.ValidateTabName(*req.Patch.Name); err != nil {
				return err
			}
			tab.Name = formatTabName(*req.Patch.Name, s.cfg.TabNameMax, s.cfg.TabNameSuffix)
			// A renamed placeholder becomes a real tab.
			tab.Placeholder = false
		}
		if req.Patch.Closable != nil {
			tab.Closable = *req.Patch.Closable
		}
		if req.Patch.Components != nil {
			for i := range req.Patch.Components {
				placed, err := s.registry.Place(req.Patch.Components[i].Type, req.Patch.Components[i].Position, s.cfg.GridColumns)
				if err != nil {
					return err
				}
				req.Patch.Components[i].Position = placed
				if req.Patch.Components[i].ID == "" {
					req.Patch.Components[i].ID = schema.ComponentID(newID())
				}
			}
			tab.Components = req.Patch.Components
		}
		updated = *tab
		return nil
	})
	if err != nil {
		log.Warn("service tab update failed", "err", err)
		return schema.UpdateTabResponse{}, err
	}
	log.Info("service tab updated", "tab_name", updated.Name)
	return schema.UpdateTabResponse{Tab: updated}, nil
}

func (s *service) DeleteTab(ctx context.Context, req schema.DeleteTabRequest) (schema.DeleteTabResponse, error) {
	userID, deviceType, err := normalizeTarget(req.UserID, req.DeviceType)
	if err != nil {
		return schema.DeleteTabResponse{}, err
	}
	log := logx.WithUserDevice(ctx, userID, deviceType).With("tab", req.TabID)

	var removed schema.Tab
	_, err = s.mutateConfig(ctx, userID, deviceType, func(cfg *schema.UserConfig) error {
		for i := range cfg.Tabs {
			if cfg.Tabs[i].ID != req.TabID {
				continue
			}
			if !cfg.Tabs[i].Closable {
				return schema.ErrTabNotClosable
			}
			removed = cfg.Tabs[i]
			cfg.Tabs = append(cfg.Tabs[:i], cfg.Tabs[i+1:]...)
			return nil
		}
		return schema.ErrTabNotFound
	})
	if err != nil {
		log.Warn("service tab delete failed", "err", err)
		return schema.DeleteTabResponse{}, err
	}
	if prefs := sessionprefs.FromContext(ctx); prefs != nil && prefs.ActiveTab == req.TabID {
		prefs.ActiveTab = ""
	}
	log.Info("service tab deleted", "tab_name", removed.Name)
	return schema.DeleteTabResponse{Tab: removed}, nil
}

func (s *service) ReorderTabs(ctx context.Context, req schema.ReorderTabsRequest) (schema.ReorderTabsResponse, error) {
	userID, deviceType, err := normalizeTarget(req.UserID, req.DeviceType)
	if err != nil {
		return schema.ReorderTabsResponse{}, err
	}
	log := logx.WithUserDevice(ctx, userID, deviceType)

	_, err = s.mutateConfig(ctx, userID, deviceType, func(cfg *schema.UserConfig) error {
		if len(req.Order) != len(cfg.Tabs) {
			return schema.ErrBadOrder
		}
		byID := make(map[schema.TabID]schema.Tab, len(cfg.Tabs))
		for _, tab := range cfg.Tabs {
			byID[tab.ID] = tab
		}
		reordered := make([]schema.Tab, 0, len(req.Order))
		for _, id := range req.Order {
			tab, ok := byID[id]
			if !ok {
				return schema.ErrBadOrder
			}
			delete(byID, id)
			reordered = append(reordered, tab)
		}
		cfg.Tabs = reordered
		return nil
	})
	if err != nil {
		log.Warn("service tabs reorder failed", "err", err)
		return schema.ReorderTabsResponse{}, err
	}
	log.Info("service tabs reordered", "count", len(req.Order))
	return schema.ReorderTabsResponse{Order: req.Order}, nil
}

func (s *service) ActivateTab(ctx context.Context, req schema.ActivateTabRequest) (schema.ActivateTabResponse, error) {
	userID, deviceType, err := normalizeTarget(req.UserID, req.DeviceType)
	if err != nil {
		return schema.ActivateTabResponse{}, err
	}
	log := logx.WithUserDevice(ctx, userID, deviceType).With("tab", req.TabID)
	state, err := s.stateFor(ctx, userID, deviceType)
	if err != nil {
		return schema.ActivateTabResponse{}, err
	}
	tab := state.cfg.Tab(req.TabID)
	if tab == nil || !tab.Displayable() {
		log.Warn("service tab activate failed", "err", schema.ErrTabNotFound)
		return schema.ActivateTabResponse{}, schema.ErrTabNotFound
	}
	// Active tab is session state only; nothing is persisted.
	if prefs := sessionprefs.FromContext(ctx); prefs != nil {
		prefs.ActiveTab = req.TabID
	}
	log.Debug("service tab activated")
	return schema.ActivateTabResponse{ActiveTab: req.TabID}, nil
}

// mutateConfig applies a mutation to the in-memory document and marks it
// dirty. Nothing is persisted here: dirty state flushes when the edit lock
// engages or when an explicit save supersedes it, so a burst of drags costs
// no store writes. Mutations require the edit lock to be disengaged.
func (s *service) mutateConfig(ctx context.Context, userID schema.UserID, deviceType schema.DeviceType, mutate func(cfg *schema.UserConfig) error) (schema.UserConfig, error) {
	if !s.locks.Unlocked(userID) {
		return schema.UserConfig{}, schema.ErrLocked
	}
	state, err := s.stateFor(ctx, userID, deviceType)
	if err != nil {
		return schema.UserConfig{}, err
	}
	next := state.cfg.Clone()
	if err := mutate(&next); err != nil {
		return schema.UserConfig{}, err
	}
	if state.cfg.Equivalent(next) {
		return next, nil
	}

	key := stateKey{user: userID, device: deviceType}
	s.mu.Lock()
	st := s.states[key]
	if st == nil {
		st = &deviceState{cfg: state.cfg, source: state.source, stale: state.stale, unsaved: state.unsaved}
		s.states[key] = st
	}
	if !st.dirty {
		st.base = st.cfg.Clone()
		st.dirty = true
	}
	st.cfg = next.Clone()
	registered := s.layoutUsers[userID]
	if !registered {
		s.layoutUsers[userID] = true
	}
	s.mu.Unlock()

	if !registered {
		s.locks.RegisterHolder(userID, "layout", func(flushCtx context.Context) error {
			return s.flushLayout(flushCtx, userID)
		})
	}
	logx.WithUserDevice(ctx, userID, deviceType).Trace("service layout dirty", "version", next.Version)
	return next, nil
}

func activeTabFromContext(ctx context.Context, tabs []schema.Tab) schema.TabID {
	prefs := sessionprefs.FromContext(ctx)
	if prefs == nil {
		if len(tabs) > 0 {
			return tabs[0].ID
		}
		return ""
	}
	if prefs.ActiveTab != "" {
		for _, tab := range tabs {
			if tab.ID == prefs.ActiveTab {
				return prefs.ActiveTab
			}
		}
		prefs.ActiveTab = ""
	}
	if len(tabs) > 0 {
		prefs.ActiveTab = tabs[0].ID
		return tabs[0].ID
	}
	return ""
}
