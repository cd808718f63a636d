package schema

import "time"

// ConfigEventType labels config lifecycle events.
type ConfigEventType string

const (
	// ConfigEventResolved fires when a resolution completes.
	ConfigEventResolved ConfigEventType = "resolved"
	// ConfigEventSaved fires after a successful persist.
	ConfigEventSaved ConfigEventType = "saved"
	// ConfigEventConflict fires when a save overwrote a newer version.
	ConfigEventConflict ConfigEventType = "conflict"
	// ConfigEventReset fires after a user-initiated reset to defaults.
	ConfigEventReset ConfigEventType = "reset"
	// ConfigEventExternal fires when another process changed the stored
	// document behind this one's back.
	ConfigEventExternal ConfigEventType = "external"
	// ConfigEventDevice fires when the classified device type changed.
	ConfigEventDevice ConfigEventType = "device"
)

// ConfigEvent reports a configuration lifecycle change for one user.
type ConfigEvent struct {
	UserID     UserID
	Type       ConfigEventType
	DeviceType DeviceType
	Source     ConfigSource
	Version    int64
	UpdatedAt  time.Time
}

// LockEvent reports an edit-lock transition for one user.
type LockEvent struct {
	UserID   UserID
	Unlocked bool
}
