package core

import (
	"pkt.systems/paneld/internal/lockbus"
	"pkt.systems/paneld/internal/store"
	"pkt.systems/paneld/schema"
	"pkt.systems/pslog"
)

// EventSink receives configuration lifecycle events from the core service.
type EventSink interface {
	OnConfigEvent(event schema.ConfigEvent)
}

// CacheStore is the local cache backend. Beyond the adapter contract it can
// drop entries, which reset uses.
type CacheStore interface {
	store.Adapter
	Clear(userID schema.UserID, deviceType schema.DeviceType) error
}

// ServiceDeps captures dependencies for the core service. Primary is
// required; the rest are optional.
type ServiceDeps struct {
	Primary  store.Adapter
	Legacy   store.Adapter
	Cache    CacheStore
	Locks    *lockbus.Coordinator
	Registry *Registry
	Sink     EventSink
	Logger   pslog.Logger
}
