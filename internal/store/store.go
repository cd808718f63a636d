// Package store defines the persistence contract shared by the primary,
// legacy and cache configuration backends.
package store

import (
	"context"

	"pkt.systems/paneld/schema"
)

// Adapter reads and writes per-user configuration documents.
//
// Implementations report schema.ErrNotFound when no document exists for the
// requested user and device, schema.ErrUnavailable when the backend cannot be
// reached, and schema.ErrConflict when a concurrent writer won.
type Adapter interface {
	// Name identifies the backend in logs and resolution metadata.
	Name() string
	// Get loads the document for the user and device.
	Get(ctx context.Context, userID schema.UserID, deviceType schema.DeviceType) (schema.UserConfig, error)
	// Create stores a brand new document. The backend assigns version 1.
	Create(ctx context.Context, cfg schema.UserConfig) error
	// Save overwrites the document and returns the stored result with the
	// backend-assigned version and timestamp.
	Save(ctx context.Context, cfg schema.UserConfig) (schema.UserConfig, error)
}

// Watcher is implemented by adapters that can report external document
// changes, such as another process writing to the same state directory.
type Watcher interface {
	// Watch delivers the user and device of externally modified documents
	// until ctx is done.
	Watch(ctx context.Context) (<-chan ExternalChange, error)
}

// ExternalChange identifies a document modified outside this process.
type ExternalChange struct {
	UserID     schema.UserID
	DeviceType schema.DeviceType
}
