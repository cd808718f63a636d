package schema

import (
	"encoding/json"
	"testing"
	"time"
)

func sampleConfig() UserConfig {
	return UserConfig{
		ID:         ConfigID("alice", DeviceLaptop),
		UserID:     "alice",
		Name:       ConfigName("alice", DeviceLaptop),
		DeviceType: DeviceLaptop,
		Tabs: []Tab{
			{
				ID:       "overview",
				Name:     "Overview",
				Kind:     TabDynamic,
				Closable: true,
				Components: []Component{
					{ID: "chart-1", Type: "chart", Position: Position{X: 0, Y: 0, W: 6, H: 4}, Props: json.RawMessage(`{"series":"pnl"}`)},
				},
			},
		},
		UpdatedAt: time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC),
		Version:   3,
	}
}

func TestCloneIsDeep(t *testing.T) {
	original := sampleConfig()
	clone := original.Clone()
	clone.Tabs[0].Name = "Changed"
	clone.Tabs[0].Components[0].Props = json.RawMessage(`{}`)
	if original.Tabs[0].Name != "Overview" {
		t.Fatalf("clone mutated original tab name")
	}
	if string(original.Tabs[0].Components[0].Props) != `{"series":"pnl"}` {
		t.Fatalf("clone mutated original component props")
	}
}

func TestEquivalentIgnoresBookkeeping(t *testing.T) {
	a := sampleConfig()
	b := a.Clone()
	b.Version = 99
	b.UpdatedAt = b.UpdatedAt.Add(time.Hour)
	b.PreviousVersions = []VersionSnapshot{{SnapshotID: "s1", Config: a.StripHistory()}}
	if !a.Equivalent(b) {
		t.Fatalf("expected configs to be equivalent")
	}
	b.Tabs[0].Name = "Changed"
	if a.Equivalent(b) {
		t.Fatalf("expected content change to break equivalence")
	}
}

func TestStripHistory(t *testing.T) {
	cfg := sampleConfig()
	cfg.PreviousVersions = []VersionSnapshot{{SnapshotID: "s1", Config: sampleConfig()}}
	stripped := cfg.StripHistory()
	if stripped.PreviousVersions != nil {
		t.Fatalf("expected history to be stripped")
	}
	if len(cfg.PreviousVersions) != 1 {
		t.Fatalf("strip must not mutate the receiver")
	}
}

func TestDisplayable(t *testing.T) {
	tab := Tab{ID: "t1", Name: "Positions"}
	if !tab.Displayable() {
		t.Fatalf("expected valid tab to be displayable")
	}
	for _, name := range []string{"Tab 7", "Unnamed Tab", "Loading..."} {
		tab.Name = name
		if tab.Displayable() {
			t.Fatalf("expected %q to be filtered", name)
		}
	}
	tab.Name = "Fine"
	tab.Placeholder = true
	if tab.Displayable() {
		t.Fatalf("expected placeholder-flagged tab to be filtered")
	}
}
