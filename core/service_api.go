package core

import (
	"context"

	"pkt.systems/paneld/schema"
)

// Service is the transport-agnostic API for resolving, editing, and
// persisting per-device dashboard configurations.
type Service interface {
	ResolveConfig(ctx context.Context, req schema.ResolveConfigRequest) (schema.ResolveConfigResponse, error)
	ResolveDevice(ctx context.Context, req schema.ResolveDeviceRequest) (schema.ResolveConfigResponse, error)
	SaveConfig(ctx context.Context, req schema.SaveConfigRequest) (schema.SaveConfigResponse, error)
	CleanupHistory(ctx context.Context, req schema.CleanupHistoryRequest) (schema.CleanupHistoryResponse, error)
	ResetConfig(ctx context.Context, req schema.ResetConfigRequest) (schema.ResetConfigResponse, error)
	ListTabs(ctx context.Context, req schema.ListTabsRequest) (schema.ListTabsResponse, error)
	CreateTab(ctx context.Context, req schema.CreateTabRequest) (schema.CreateTabResponse, error)
	UpdateTab(ctx context.Context, req schema.UpdateTabRequest) (schema.UpdateTabResponse, error)
	DeleteTab(ctx context.Context, req schema.DeleteTabRequest) (schema.DeleteTabResponse, error)
	ReorderTabs(ctx context.Context, req schema.ReorderTabsRequest) (schema.ReorderTabsResponse, error)
	ActivateTab(ctx context.Context, req schema.ActivateTabRequest) (schema.ActivateTabResponse, error)
	AddComponent(ctx context.Context, req schema.AddComponentRequest) (schema.AddComponentResponse, error)
	MoveComponent(ctx context.Context, req schema.MoveComponentRequest) (schema.MoveComponentResponse, error)
	ResizeComponent(ctx context.Context, req schema.ResizeComponentRequest) (schema.ResizeComponentResponse, error)
	RemoveComponent(ctx context.Context, req schema.RemoveComponentRequest) (schema.RemoveComponentResponse, error)
	SaveWidgetDraft(ctx context.Context, req schema.SaveWidgetDraftRequest) (schema.SaveWidgetDraftResponse, error)
	SetEditLock(ctx context.Context, req schema.SetEditLockRequest) (schema.SetEditLockResponse, error)
	GetEditLock(ctx context.Context, req schema.GetEditLockRequest) (schema.GetEditLockResponse, error)
	ObserveDevice(ctx context.Context, req schema.ObserveDeviceRequest) (schema.ObserveDeviceResponse, error)
}

// ExternalChangeNotifier is implemented by services that can be told about
// stored documents changed by another process.
type ExternalChangeNotifier interface {
	NoteExternalChange(userID schema.UserID, deviceType schema.DeviceType)
}
