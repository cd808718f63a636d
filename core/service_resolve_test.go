package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"pkt.systems/paneld/schema"
)

type fakeStore struct {
	mu       sync.Mutex
	name     string
	docs     map[stateKey]schema.UserConfig
	failGets int
	down     bool
	failSave bool
	getCalls int
}

func newFakeStore(name string) *fakeStore {
	return &fakeStore{name: name, docs: make(map[stateKey]schema.UserConfig)}
}

func (f *fakeStore) Name() string { return f.name }

func (f *fakeStore) Get(ctx context.Context, userID schema.UserID, deviceType schema.DeviceType) (schema.UserConfig, error) {
	if err := ctx.Err(); err != nil {
		return schema.UserConfig{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if f.down {
		return schema.UserConfig{}, fmt.Errorf("%w: store down", schema.ErrUnavailable)
	}
	if f.failGets > 0 {
		f.failGets--
		return schema.UserConfig{}, fmt.Errorf("%w: transient", schema.ErrUnavailable)
	}
	cfg, ok := f.docs[stateKey{user: userID, device: deviceType}]
	if !ok {
		return schema.UserConfig{}, schema.ErrNotFound
	}
	return cfg.Clone(), nil
}

func (f *fakeStore) Create(ctx context.Context, cfg schema.UserConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return fmt.Errorf("%w: store down", schema.ErrUnavailable)
	}
	key := stateKey{user: cfg.UserID, device: cfg.DeviceType}
	if _, ok := f.docs[key]; ok {
		return schema.ErrConflict
	}
	cfg.Version = 1
	cfg.UpdatedAt = time.Now().UTC()
	f.docs[key] = cfg.Clone()
	return nil
}

func (f *fakeStore) Save(ctx context.Context, cfg schema.UserConfig) (schema.UserConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down || f.failSave {
		return schema.UserConfig{}, fmt.Errorf("%w: store down", schema.ErrUnavailable)
	}
	key := stateKey{user: cfg.UserID, device: cfg.DeviceType}
	current := f.docs[key].Version
	if cfg.Version > current {
		current = cfg.Version
	}
	cfg.Version = current + 1
	cfg.UpdatedAt = time.Now().UTC()
	f.docs[key] = cfg.Clone()
	return cfg.Clone(), nil
}

func (f *fakeStore) Clear(userID schema.UserID, deviceType schema.DeviceType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.docs, stateKey{user: userID, device: deviceType})
	return nil
}

func (f *fakeStore) put(cfg schema.UserConfig) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[stateKey{user: cfg.UserID, device: cfg.DeviceType}] = cfg.Clone()
}

func (f *fakeStore) get(userID schema.UserID, deviceType schema.DeviceType) (schema.UserConfig, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg, ok := f.docs[stateKey{user: userID, device: deviceType}]
	return cfg.Clone(), ok
}

type fakeSink struct {
	mu     sync.Mutex
	events []schema.ConfigEvent
}

func (f *fakeSink) OnConfigEvent(event schema.ConfigEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeSink) byType(eventType schema.ConfigEventType) []schema.ConfigEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []schema.ConfigEvent
	for _, event := range f.events {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

type testEnv struct {
	svc     Service
	primary *fakeStore
	legacy  *fakeStore
	cache   *fakeStore
	sink    *fakeSink
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		primary: newFakeStore("primary"),
		legacy:  newFakeStore("legacy"),
		cache:   newFakeStore("cache"),
		sink:    &fakeSink{},
	}
	svc, err := NewService(schema.ServiceConfig{
		ResolveAttempts: 2,
		RetryBaseDelay:  time.Millisecond,
	}, ServiceDeps{
		Primary: env.primary,
		Legacy:  env.legacy,
		Cache:   env.cache,
		Sink:    env.sink,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	env.svc = svc
	return env
}

func (e *testEnv) unlock(t *testing.T, userID schema.UserID) {
	t.Helper()
	if _, err := e.svc.SetEditLock(context.Background(), schema.SetEditLockRequest{UserID: userID, Unlocked: true}); err != nil {
		t.Fatalf("unlock: %v", err)
	}
}

func storedConfig(userID schema.UserID, deviceType schema.DeviceType, version int64) schema.UserConfig {
	return schema.UserConfig{
		ID:         schema.ConfigID(userID, deviceType),
		UserID:     userID,
		Name:       schema.ConfigName(userID, deviceType),
		DeviceType: deviceType,
		Tabs: []schema.Tab{
			{ID: "main", Name: "Main", Kind: schema.TabDynamic, Closable: true},
		},
		Version:   version,
		UpdatedAt: time.Now().UTC(),
	}
}

func TestResolvePrimaryHit(t *testing.T) {
	env := newTestEnv(t)
	env.primary.put(storedConfig("alice", schema.DeviceLaptop, 3))

	resp, err := env.svc.ResolveConfig(context.Background(), schema.ResolveConfigRequest{UserID: "alice", DeviceType: schema.DeviceLaptop})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resp.Source != schema.SourcePrimary || resp.Stale || resp.Unsaved {
		t.Fatalf("unexpected resolution %+v", resp)
	}
	if resp.Config.Version != 3 {
		t.Fatalf("expected stored version, got %d", resp.Config.Version)
	}
	if _, ok := env.cache.get("alice", schema.DeviceLaptop); !ok {
		t.Fatalf("expected resolve to write through the cache")
	}
}

func TestResolveCreatesDefaultWhenMissing(t *testing.T) {
	env := newTestEnv(t)
	resp, err := env.svc.ResolveConfig(context.Background(), schema.ResolveConfigRequest{UserID: "alice", DeviceType: schema.DeviceMobile})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resp.Source != schema.SourceDefault || resp.Unsaved {
		t.Fatalf("expected persisted default, got %+v", resp)
	}
	if resp.Config.Version != 1 {
		t.Fatalf("expected version 1 for created default, got %d", resp.Config.Version)
	}
	if len(resp.Config.Tabs) == 0 {
		t.Fatalf("default config must carry tabs")
	}
	stored, ok := env.primary.get("alice", schema.DeviceMobile)
	if !ok {
		t.Fatalf("expected default to be created on the primary")
	}
	if stored.Version != 1 {
		t.Fatalf("expected primary version 1, got %d", stored.Version)
	}
}

func TestResolveRetriesTransientFailures(t *testing.T) {
	env := newTestEnv(t)
	env.primary.put(storedConfig("alice", schema.DeviceLaptop, 2))
	env.primary.failGets = 1

	resp, err := env.svc.ResolveConfig(context.Background(), schema.ResolveConfigRequest{UserID: "alice", DeviceType: schema.DeviceLaptop})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resp.Source != schema.SourcePrimary {
		t.Fatalf("expected retry to reach the primary, got %q", resp.Source)
	}
}

func TestResolveFallsBackToLegacy(t *testing.T) {
	env := newTestEnv(t)
	env.primary.down = true
	env.legacy.put(schema.UserConfig{
		UserID: "alice",
		Tabs:   []schema.Tab{{ID: "old", Name: "Old Layout", Kind: schema.TabStatic}},
	})
	// Legacy documents have no device dimension; the fake keys by device, so
	// seed each class the way the real store answers.
	for _, deviceType := range schema.DeviceTypes() {
		cfg, _ := env.legacy.get("alice", "")
		cfg.DeviceType = deviceType
		env.legacy.put(cfg)
	}

	resp, err := env.svc.ResolveConfig(context.Background(), schema.ResolveConfigRequest{UserID: "alice", DeviceType: schema.DeviceLaptop})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resp.Source != schema.SourceLegacy {
		t.Fatalf("expected legacy fallback, got %q", resp.Source)
	}
	if resp.Config.ID != schema.ConfigID("alice", schema.DeviceLaptop) {
		t.Fatalf("expected id stamped for the requested device, got %q", resp.Config.ID)
	}
	if len(resp.Config.Tabs) != 1 || resp.Config.Tabs[0].ID != "old" {
		t.Fatalf("unexpected legacy tabs %+v", resp.Config.Tabs)
	}
}

func TestResolveServesStaleCache(t *testing.T) {
	env := newTestEnv(t)
	env.primary.down = true
	env.legacy.down = true
	cached := storedConfig("alice", schema.DeviceLaptop, 5)
	env.cache.put(cached)

	resp, err := env.svc.ResolveConfig(context.Background(), schema.ResolveConfigRequest{UserID: "alice", DeviceType: schema.DeviceLaptop})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resp.Source != schema.SourceCache || !resp.Stale {
		t.Fatalf("expected stale cache hit, got %+v", resp)
	}
	if resp.Config.Version != 5 {
		t.Fatalf("expected cached version, got %d", resp.Config.Version)
	}
}

func TestResolveUnsavedDefaultWhenEverythingDown(t *testing.T) {
	env := newTestEnv(t)
	env.primary.down = true
	env.legacy.down = true

	resp, err := env.svc.ResolveConfig(context.Background(), schema.ResolveConfigRequest{UserID: "alice", DeviceType: schema.DeviceBigscreen})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resp.Source != schema.SourceDefault || !resp.Unsaved {
		t.Fatalf("expected unsaved default, got %+v", resp)
	}
	if len(resp.Config.Tabs) == 0 {
		t.Fatalf("default config must carry tabs")
	}
}

func TestResolveRejectsInvalidTarget(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.svc.ResolveConfig(context.Background(), schema.ResolveConfigRequest{UserID: "Bad User", DeviceType: schema.DeviceLaptop}); !errors.Is(err, schema.ErrInvalidUser) {
		t.Fatalf("expected ErrInvalidUser, got %v", err)
	}
	if _, err := env.svc.ResolveConfig(context.Background(), schema.ResolveConfigRequest{UserID: "alice", DeviceType: "tablet"}); !errors.Is(err, schema.ErrInvalidDevice) {
		t.Fatalf("expected ErrInvalidDevice, got %v", err)
	}
}

func TestResolveDeviceClassifies(t *testing.T) {
	env := newTestEnv(t)
	resp, err := env.svc.ResolveDevice(context.Background(), schema.ResolveDeviceRequest{
		UserID: "alice",
		Device: schema.DeviceInfo{ScreenWidth: 375, ScreenHeight: 667},
	})
	if err != nil {
		t.Fatalf("resolve device: %v", err)
	}
	if resp.Config.DeviceType != schema.DeviceMobile {
		t.Fatalf("expected mobile config, got %q", resp.Config.DeviceType)
	}
}

// gatedStore holds Get calls for one device class until released, then
// answers from the wrapped store regardless of the caller's context.
type gatedStore struct {
	*fakeStore
	hold    schema.DeviceType
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) Get(ctx context.Context, userID schema.UserID, deviceType schema.DeviceType) (schema.UserConfig, error) {
	if deviceType == g.hold {
		close(g.entered)
		<-g.release
		return g.fakeStore.Get(context.Background(), userID, deviceType)
	}
	return g.fakeStore.Get(ctx, userID, deviceType)
}

func TestResolveSupersededByNewerResolveForUser(t *testing.T) {
	env := newTestEnv(t)
	env.primary.put(storedConfig("alice", schema.DeviceLaptop, 3))
	env.primary.put(storedConfig("alice", schema.DeviceMobile, 7))

	gated := &gatedStore{
		fakeStore: env.primary,
		hold:      schema.DeviceLaptop,
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
	}
	svc := env.svc.(*service)
	svc.primary = gated

	laptopDone := make(chan error, 1)
	go func() {
		_, err := env.svc.ResolveConfig(context.Background(), schema.ResolveConfigRequest{UserID: "alice", DeviceType: schema.DeviceLaptop})
		laptopDone <- err
	}()
	<-gated.entered

	mobile, err := env.svc.ResolveConfig(context.Background(), schema.ResolveConfigRequest{UserID: "alice", DeviceType: schema.DeviceMobile})
	if err != nil {
		t.Fatalf("mobile resolve: %v", err)
	}
	if mobile.Config.Version != 7 {
		t.Fatalf("expected stored mobile version, got %d", mobile.Config.Version)
	}

	close(gated.release)
	if err := <-laptopDone; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected superseded laptop resolve to be discarded, got %v", err)
	}

	svc.mu.Lock()
	_, kept := svc.states[stateKey{user: "alice", device: schema.DeviceLaptop}]
	svc.mu.Unlock()
	if kept {
		t.Fatalf("superseded resolve must not record device state")
	}
	events := env.sink.byType(schema.ConfigEventResolved)
	if len(events) != 1 || events[0].DeviceType != schema.DeviceMobile {
		t.Fatalf("expected only the mobile resolve to land, got %+v", events)
	}
}

func TestNoteExternalChangeDropsState(t *testing.T) {
	env := newTestEnv(t)
	env.primary.put(storedConfig("alice", schema.DeviceLaptop, 1))
	ctx := context.Background()
	if _, err := env.svc.ResolveConfig(ctx, schema.ResolveConfigRequest{UserID: "alice", DeviceType: schema.DeviceLaptop}); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	updated := storedConfig("alice", schema.DeviceLaptop, 9)
	updated.Tabs[0].Name = "Changed Elsewhere"
	env.primary.put(updated)
	env.svc.(*service).NoteExternalChange("alice", schema.DeviceLaptop)

	if events := env.sink.byType(schema.ConfigEventExternal); len(events) != 1 {
		t.Fatalf("expected one external event, got %d", len(events))
	}
	resp, err := env.svc.ListTabs(ctx, schema.ListTabsRequest{UserID: "alice", DeviceType: schema.DeviceLaptop})
	if err != nil {
		t.Fatalf("list tabs: %v", err)
	}
	if len(resp.Tabs) != 1 || resp.Tabs[0].Name != "Changed Elsewhere" {
		t.Fatalf("expected re-resolved tabs, got %+v", resp.Tabs)
	}
}
