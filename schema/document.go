package schema

import (
	"bytes"
	"encoding/json"
	"time"
)

// UserConfig is the root persisted document describing a user's tabs and
// components for one device class, including bounded version history.
type UserConfig struct {
	ID               string            `json:"id"`
	UserID           UserID            `json:"user_id"`
	Name             string            `json:"name,omitempty"`
	DeviceType       DeviceType        `json:"device_type"`
	Tabs             []Tab             `json:"tabs"`
	PreviousVersions []VersionSnapshot `json:"previous_versions,omitempty"`
	UpdatedAt        time.Time         `json:"updated_at"`
	Version          int64             `json:"version"`
}

// VersionSnapshot is one historical entry in a document's version history.
// The embedded config is stripped of its own history to avoid nesting.
type VersionSnapshot struct {
	SnapshotID string     `json:"snapshot_id"`
	SavedAt    time.Time  `json:"saved_at"`
	Config     UserConfig `json:"config"`
}

// Tab is one entry in the tab bar.
type Tab struct {
	ID          TabID       `json:"id"`
	Name        string      `json:"name"`
	Kind        TabKind     `json:"kind"`
	Closable    bool        `json:"closable"`
	Placeholder bool        `json:"placeholder,omitempty"`
	Components  []Component `json:"components,omitempty"`
}

// Component is a user-placed widget inside a dynamic tab. Props is an opaque
// component-specific blob passed through unmodified.
type Component struct {
	ID       ComponentID     `json:"id"`
	Type     ComponentTypeID `json:"type"`
	Position Position        `json:"position"`
	Props    json.RawMessage `json:"props,omitempty"`
}

// Position places a component on the tab grid.
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// DeviceInfo carries raw device signals from a client that has not yet
// classified itself.
type DeviceInfo struct {
	ScreenWidth  int    `json:"screen_width"`
	ScreenHeight int    `json:"screen_height"`
	UserAgent    string `json:"user_agent,omitempty"`
	Platform     string `json:"platform,omitempty"`
	Timezone     string `json:"timezone,omitempty"`
}

// Clone returns a deep copy of the config.
func (c UserConfig) Clone() UserConfig {
	out := c
	out.Tabs = cloneTabs(c.Tabs)
	if c.PreviousVersions != nil {
		out.PreviousVersions = make([]VersionSnapshot, len(c.PreviousVersions))
		for i, snap := range c.PreviousVersions {
			snap.Config = snap.Config.Clone()
			out.PreviousVersions[i] = snap
		}
	}
	return out
}

// StripHistory returns a copy with the version history removed, suitable for
// embedding in a VersionSnapshot.
func (c UserConfig) StripHistory() UserConfig {
	out := c.Clone()
	out.PreviousVersions = nil
	return out
}

// Equivalent reports whether two configs carry the same content, ignoring
// bookkeeping fields (version counter, timestamps, history). Used to detect
// no-op saves that must not grow the version history.
func (c UserConfig) Equivalent(other UserConfig) bool {
	return bytes.Equal(contentFingerprint(c), contentFingerprint(other))
}

func contentFingerprint(c UserConfig) []byte {
	stripped := c.StripHistory()
	stripped.Version = 0
	stripped.UpdatedAt = time.Time{}
	data, err := json.Marshal(stripped)
	if err != nil {
		return nil
	}
	return data
}

// Tab lookup by id; nil when absent.
func (c *UserConfig) Tab(id TabID) *Tab {
	for i := range c.Tabs {
		if c.Tabs[i].ID == id {
			return &c.Tabs[i]
		}
	}
	return nil
}

// Displayable reports whether the tab passes the name-validity check and may
// be surfaced to the UI. Invalid tabs remain in the stored document.
func (t Tab) Displayable() bool {
	if t.Placeholder {
		return false
	}
	return ValidateTabName(t.Name) == nil
}

// Component lookup by id; nil when absent.
func (t *Tab) Component(id ComponentID) *Component {
	for i := range t.Components {
		if t.Components[i].ID == id {
			return &t.Components[i]
		}
	}
	return nil
}

func cloneTabs(tabs []Tab) []Tab {
	if tabs == nil {
		return nil
	}
	out := make([]Tab, len(tabs))
	for i, tab := range tabs {
		if tab.Components != nil {
			components := make([]Component, len(tab.Components))
			for j, component := range tab.Components {
				if component.Props != nil {
					component.Props = append(json.RawMessage(nil), component.Props...)
				}
				components[j] = component
			}
			tab.Components = components
		}
		out[i] = tab
	}
	return out
}
