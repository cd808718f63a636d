package core

import (
	"context"
	"fmt"
	"testing"

	"pkt.systems/paneld/schema"
)

func TestSaveBumpsVersionAndRecordsHistory(t *testing.T) {
	env := newTestEnv(t)
	env.primary.put(storedConfig("alice", schema.DeviceLaptop, 1))
	ctx := context.Background()

	next := storedConfig("alice", schema.DeviceLaptop, 0)
	next.Tabs[0].Name = "Renamed"
	resp, err := env.svc.SaveConfig(ctx, schema.SaveConfigRequest{
		UserID: "alice", DeviceType: schema.DeviceLaptop, Config: next, BaseVersion: 1,
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if resp.Conflict {
		t.Fatalf("unexpected conflict")
	}
	if resp.Config.Version != 2 {
		t.Fatalf("expected version 2, got %d", resp.Config.Version)
	}
	if len(resp.Config.PreviousVersions) != 1 {
		t.Fatalf("expected one history entry, got %d", len(resp.Config.PreviousVersions))
	}
	snapshot := resp.Config.PreviousVersions[0]
	if snapshot.Config.Tabs[0].Name != "Main" {
		t.Fatalf("history must hold the prior content, got %q", snapshot.Config.Tabs[0].Name)
	}
	if snapshot.Config.PreviousVersions != nil {
		t.Fatalf("history entries must not nest history")
	}
	if snapshot.SnapshotID == "" {
		t.Fatalf("history entries need snapshot ids")
	}
}

func TestSaveConflictIsFlaggedNotRejected(t *testing.T) {
	env := newTestEnv(t)
	env.primary.put(storedConfig("alice", schema.DeviceLaptop, 5))
	ctx := context.Background()

	next := storedConfig("alice", schema.DeviceLaptop, 0)
	next.Tabs[0].Name = "From Stale Session"
	resp, err := env.svc.SaveConfig(ctx, schema.SaveConfigRequest{
		UserID: "alice", DeviceType: schema.DeviceLaptop, Config: next, BaseVersion: 3,
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if !resp.Conflict {
		t.Fatalf("expected conflict flag for base version behind stored")
	}
	if resp.Config.Tabs[0].Name != "From Stale Session" {
		t.Fatalf("last write must win, got %q", resp.Config.Tabs[0].Name)
	}
	if len(env.sink.byType(schema.ConfigEventConflict)) != 1 {
		t.Fatalf("expected a conflict event")
	}
}

func TestNoOpSaveDoesNotGrowHistory(t *testing.T) {
	env := newTestEnv(t)
	stored := storedConfig("alice", schema.DeviceLaptop, 4)
	env.primary.put(stored)
	ctx := context.Background()

	same := stored.Clone()
	same.Version = 0
	resp, err := env.svc.SaveConfig(ctx, schema.SaveConfigRequest{
		UserID: "alice", DeviceType: schema.DeviceLaptop, Config: same, BaseVersion: 4,
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if resp.Config.Version != 4 {
		t.Fatalf("no-op save must not bump the version, got %d", resp.Config.Version)
	}
	if len(resp.Config.PreviousVersions) != 0 {
		t.Fatalf("no-op save must not grow history")
	}
	if len(env.sink.byType(schema.ConfigEventSaved)) != 0 {
		t.Fatalf("no-op save must not emit a saved event")
	}
}

func TestHistoryStaysBounded(t *testing.T) {
	env := newTestEnv(t)
	env.primary.put(storedConfig("alice", schema.DeviceLaptop, 1))
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		next := storedConfig("alice", schema.DeviceLaptop, 0)
		next.Tabs[0].Name = fmt.Sprintf("Layout %d", i)
		if _, err := env.svc.SaveConfig(ctx, schema.SaveConfigRequest{
			UserID: "alice", DeviceType: schema.DeviceLaptop, Config: next,
		}); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}
	stored, ok := env.primary.get("alice", schema.DeviceLaptop)
	if !ok {
		t.Fatalf("expected stored document")
	}
	if len(stored.PreviousVersions) != schema.DefaultHistoryRetention {
		t.Fatalf("expected history bounded at %d, got %d", schema.DefaultHistoryRetention, len(stored.PreviousVersions))
	}
	if stored.PreviousVersions[0].Config.Tabs[0].Name != "Layout 6" {
		t.Fatalf("expected newest-first ordering, got %q", stored.PreviousVersions[0].Config.Tabs[0].Name)
	}
}

func TestIncrementalEditsFlushAsOneCheckpoint(t *testing.T) {
	env := newTestEnv(t)
	cfg := storedConfig("alice", schema.DeviceLaptop, 1)
	cfg.Tabs[0].Components = []schema.Component{
		{ID: "c1", Type: "chart", Position: schema.Position{X: 0, Y: 0, W: 6, H: 4}},
	}
	env.primary.put(cfg)
	env.unlock(t, "alice")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := env.svc.MoveComponent(ctx, schema.MoveComponentRequest{
			UserID: "alice", DeviceType: schema.DeviceLaptop, TabID: "main", ComponentID: "c1",
			Position: schema.Position{X: i, Y: 1},
		}); err != nil {
			t.Fatalf("move %d: %v", i, err)
		}
	}
	stored, _ := env.primary.get("alice", schema.DeviceLaptop)
	if stored.Version != 1 || len(stored.PreviousVersions) != 0 {
		t.Fatalf("drag edits must not persist, version=%d history=%d", stored.Version, len(stored.PreviousVersions))
	}
	if saved := env.sink.byType(schema.ConfigEventSaved); len(saved) != 0 {
		t.Fatalf("drag edits must not emit saved events, got %d", len(saved))
	}

	lockResp, err := env.svc.SetEditLock(ctx, schema.SetEditLockRequest{UserID: "alice", Unlocked: false})
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if lockResp.FlushErrors != 0 {
		t.Fatalf("unexpected flush errors: %d", lockResp.FlushErrors)
	}
	stored, _ = env.primary.get("alice", schema.DeviceLaptop)
	if stored.Version != 2 {
		t.Fatalf("expected one checkpoint save, version %d", stored.Version)
	}
	if len(stored.PreviousVersions) != 1 {
		t.Fatalf("checkpoint must record one snapshot, got %d", len(stored.PreviousVersions))
	}
	if stored.PreviousVersions[0].Config.Tabs[0].Components[0].Position.X != 0 {
		t.Fatalf("snapshot must hold the pre-edit layout, got %+v", stored.PreviousVersions[0].Config.Tabs[0].Components[0].Position)
	}
	if stored.Tabs[0].Components[0].Position.X != 4 {
		t.Fatalf("expected final position persisted, got %+v", stored.Tabs[0].Components[0].Position)
	}
}

func TestCleanupHistory(t *testing.T) {
	env := newTestEnv(t)
	cfg := storedConfig("alice", schema.DeviceLaptop, 3)
	for i := 0; i < 5; i++ {
		cfg.PreviousVersions = append(cfg.PreviousVersions, schema.VersionSnapshot{
			SnapshotID: fmt.Sprintf("s%d", i),
			Config:     storedConfig("alice", schema.DeviceLaptop, int64(i)).StripHistory(),
		})
	}
	env.primary.put(cfg)

	resp, err := env.svc.CleanupHistory(context.Background(), schema.CleanupHistoryRequest{UserID: "alice", Keep: 2})
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if resp.RemovedVersions != 3 || resp.NewSize != 2 {
		t.Fatalf("unexpected cleanup result %+v", resp)
	}
	stored, _ := env.primary.get("alice", schema.DeviceLaptop)
	if len(stored.PreviousVersions) != 2 {
		t.Fatalf("expected two retained entries, got %d", len(stored.PreviousVersions))
	}
	if stored.PreviousVersions[0].SnapshotID != "s0" {
		t.Fatalf("cleanup must keep the newest entries, got %q", stored.PreviousVersions[0].SnapshotID)
	}
}

func TestResetConfig(t *testing.T) {
	env := newTestEnv(t)
	custom := storedConfig("alice", schema.DeviceLaptop, 7)
	custom.Tabs[0].Name = "Heavily Customized"
	env.primary.put(custom)
	env.cache.put(custom)

	resp, err := env.svc.ResetConfig(context.Background(), schema.ResetConfigRequest{UserID: "alice", DeviceType: schema.DeviceLaptop})
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if len(resp.Config.Tabs) == 0 || resp.Config.Tabs[0].Name == "Heavily Customized" {
		t.Fatalf("expected default layout after reset, got %+v", resp.Config.Tabs)
	}
	if len(env.sink.byType(schema.ConfigEventReset)) != 1 {
		t.Fatalf("expected a reset event")
	}
	cached, ok := env.cache.get("alice", schema.DeviceLaptop)
	if !ok || cached.Tabs[0].Name == "Heavily Customized" {
		t.Fatalf("expected cache to mirror the reset document")
	}
}

func TestPushSnapshotStripsNestedHistory(t *testing.T) {
	prior := storedConfig("alice", schema.DeviceLaptop, 2)
	prior.PreviousVersions = []schema.VersionSnapshot{
		{SnapshotID: "old", Config: storedConfig("alice", schema.DeviceLaptop, 1).StripHistory()},
	}
	next := storedConfig("alice", schema.DeviceLaptop, 0)
	next.Tabs[0].Name = "New"

	result := pushSnapshot(next, prior, prior.UpdatedAt, 5)
	if len(result.PreviousVersions) != 2 {
		t.Fatalf("expected two history entries, got %d", len(result.PreviousVersions))
	}
	for _, entry := range result.PreviousVersions {
		if entry.Config.PreviousVersions != nil {
			t.Fatalf("entry %q carries nested history", entry.SnapshotID)
		}
	}
}
