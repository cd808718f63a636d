package schema

import "encoding/json"

// Resolution and persistence.

// ResolveConfigRequest asks for the authoritative config for a device class.
type ResolveConfigRequest struct {
	UserID     UserID
	DeviceType DeviceType
}

// ResolveConfigResponse reports the resolved config and where it came from.
type ResolveConfigResponse struct {
	Config UserConfig
	Source ConfigSource
	// Stale marks a config served from the local cache because every store
	// tier was unreachable.
	Stale bool
	// Unsaved marks a synthesized default that could not be persisted.
	Unsaved bool
}

// ResolveDeviceRequest asks for the config matching raw device signals.
type ResolveDeviceRequest struct {
	UserID UserID
	Device DeviceInfo
}

// SaveConfigRequest persists a config. BaseVersion is the version the caller
// last read; a newer stored version flags the save as a conflict.
type SaveConfigRequest struct {
	UserID      UserID
	DeviceType  DeviceType
	Config      UserConfig
	BaseVersion int64
}

// SaveConfigResponse reports the authoritative saved document.
type SaveConfigResponse struct {
	Config   UserConfig
	Conflict bool
}

// CleanupHistoryRequest prunes stored version history for a user.
type CleanupHistoryRequest struct {
	UserID UserID
	// Keep bounds the retained history; negative means drop everything.
	Keep int
}

// CleanupHistoryResponse reports the pruning outcome.
type CleanupHistoryResponse struct {
	RemovedVersions int
	NewSize         int
}

// ResetConfigRequest recreates the device default, discarding the stored doc.
type ResetConfigRequest struct {
	UserID     UserID
	DeviceType DeviceType
}

// ResetConfigResponse reports the recreated default.
type ResetConfigResponse struct {
	Config UserConfig
}

// Tab operations.

// ListTabsRequest lists displayable tabs for a device class.
type ListTabsRequest struct {
	UserID     UserID
	DeviceType DeviceType
}

// ListTabsResponse reports display-filtered tabs and session state.
type ListTabsResponse struct {
	Tabs      []Tab
	ActiveTab TabID
	// Hidden counts stored tabs excluded by the name-validity filter.
	Hidden   int
	Unlocked bool
}

// CreateTabRequest appends a new dynamic tab.
type CreateTabRequest struct {
	UserID     UserID
	DeviceType DeviceType
	Name       string
	Closable   bool
}

// CreateTabResponse reports the created tab.
type CreateTabResponse struct {
	Tab Tab
}

// UpdateTabRequest merges a patch into an existing tab.
type UpdateTabRequest struct {
	UserID     UserID
	DeviceType DeviceType
	TabID      TabID
	Patch      TabPatch
}

// TabPatch carries optional tab fields to merge.
type TabPatch struct {
	Name       *string     `json:"name,omitempty"`
	Closable   *bool       `json:"closable,omitempty"`
	Components []Component `json:"components,omitempty"`
}

// UpdateTabResponse reports the updated tab.
type UpdateTabResponse struct {
	Tab Tab
}

// DeleteTabRequest removes a closable tab.
type DeleteTabRequest struct {
	UserID     UserID
	DeviceType DeviceType
	TabID      TabID
}

// DeleteTabResponse reports the removed tab.
type DeleteTabResponse struct {
	Tab Tab
}

// ReorderTabsRequest applies a new tab order. Order must be a permutation of
// the existing tab ids.
type ReorderTabsRequest struct {
	UserID     UserID
	DeviceType DeviceType
	Order      []TabID
}

// ReorderTabsResponse reports the new order.
type ReorderTabsResponse struct {
	Order []TabID
}

// ActivateTabRequest marks a tab active for the calling session only.
type ActivateTabRequest struct {
	UserID     UserID
	DeviceType DeviceType
	TabID      TabID
}

// ActivateTabResponse reports the active tab.
type ActivateTabResponse struct {
	ActiveTab TabID
}

// Component operations.

// AddComponentRequest places a component on a dynamic tab.
type AddComponentRequest struct {
	UserID     UserID
	DeviceType DeviceType
	TabID      TabID
	Type       ComponentTypeID
	Position   Position
	Props      json.RawMessage
}

// AddComponentResponse reports the placed component.
type AddComponentResponse struct {
	Component Component
}

// MoveComponentRequest moves a component to a new grid position.
type MoveComponentRequest struct {
	UserID      UserID
	DeviceType  DeviceType
	TabID       TabID
	ComponentID ComponentID
	Position    Position
}

// MoveComponentResponse reports the component after the move (geometry may be
// clamped to the registry bounds).
type MoveComponentResponse struct {
	Component Component
}

// ResizeComponentRequest resizes a component.
type ResizeComponentRequest struct {
	UserID      UserID
	DeviceType  DeviceType
	TabID       TabID
	ComponentID ComponentID
	W           int
	H           int
}

// ResizeComponentResponse reports the component after the resize.
type ResizeComponentResponse struct {
	Component Component
}

// RemoveComponentRequest removes a component from its tab.
type RemoveComponentRequest struct {
	UserID      UserID
	DeviceType  DeviceType
	TabID       TabID
	ComponentID ComponentID
}

// RemoveComponentResponse reports the removed component.
type RemoveComponentResponse struct {
	Component Component
}

// Widget drafts and edit lock.

// SaveWidgetDraftRequest stores widget-local draft state (for example a
// table's column layout) to be flushed on the next lock transition.
type SaveWidgetDraftRequest struct {
	UserID      UserID
	DeviceType  DeviceType
	TabID       TabID
	ComponentID ComponentID
	Props       json.RawMessage
}

// SaveWidgetDraftResponse reports acceptance of the draft.
type SaveWidgetDraftResponse struct {
	Pending int
}

// SetEditLockRequest toggles the cooperative edit lock for a user.
type SetEditLockRequest struct {
	UserID   UserID
	Unlocked bool
}

// SetEditLockResponse reports the lock state after the transition.
type SetEditLockResponse struct {
	Unlocked bool
	// FlushErrors counts holders that failed to flush during a lock
	// transition. The transition completes regardless.
	FlushErrors int
}

// GetEditLockRequest reads the current lock state.
type GetEditLockRequest struct {
	UserID UserID
}

// GetEditLockResponse reports the current lock state.
type GetEditLockResponse struct {
	Unlocked bool
}

// ObserveDeviceRequest feeds raw device signals into the per-user device
// watcher. Classification changes are debounced and trigger re-resolution.
type ObserveDeviceRequest struct {
	UserID UserID
	Device DeviceInfo
}

// ObserveDeviceResponse reports the classification of the observed signals.
type ObserveDeviceResponse struct {
	DeviceType DeviceType
}
