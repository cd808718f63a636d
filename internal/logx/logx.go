package logx

import (
	"context"

	"pkt.systems/paneld/schema"
	"pkt.systems/pslog"
)

type contextKey int

const (
	userKey contextKey = iota
	deviceKey
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithUser annotates the logger with the user id if present.
func WithUser(ctx context.Context, userID schema.UserID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if userID != "" {
		if current, ok := ctx.Value(userKey).(schema.UserID); ok && current == userID {
			return log
		}
		log = log.With("user", userID)
	}
	return log
}

// WithUserDevice annotates the logger with user and device identifiers.
func WithUserDevice(ctx context.Context, userID schema.UserID, deviceType schema.DeviceType) pslog.Logger {
	log := WithUser(ctx, userID)
	if deviceType != "" {
		if current, ok := ctx.Value(deviceKey).(schema.DeviceType); ok && current == deviceType {
			return log
		}
		log = log.With("device", deviceType)
	}
	return log
}

// WithConfig annotates the logger with config document metadata.
func WithConfig(log pslog.Logger, cfg schema.UserConfig) pslog.Logger {
	if cfg.ID != "" {
		log = log.With("config", cfg.ID)
	}
	if cfg.Version != 0 {
		log = log.With("version", cfg.Version)
	}
	return log
}

// ContextWithUser stores the user marker on the context for log de-duplication.
func ContextWithUser(ctx context.Context, userID schema.UserID) context.Context {
	if ctx == nil || userID == "" {
		return ctx
	}
	return context.WithValue(ctx, userKey, userID)
}

// ContextWithDevice stores the device marker on the context for log de-duplication.
func ContextWithDevice(ctx context.Context, deviceType schema.DeviceType) context.Context {
	if ctx == nil || deviceType == "" {
		return ctx
	}
	return context.WithValue(ctx, deviceKey, deviceType)
}

// ContextWithUserLogger attaches the logger and user marker to the context.
func ContextWithUserLogger(ctx context.Context, log pslog.Logger, userID schema.UserID) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithUser(ctx, userID)
}

// ContextWithUserDeviceLogger attaches the logger and user/device markers to the context.
func ContextWithUserDeviceLogger(ctx context.Context, log pslog.Logger, userID schema.UserID, deviceType schema.DeviceType) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithDevice(ContextWithUser(ctx, userID), deviceType)
}

// CopyContextFields copies user/device markers from src to dst.
func CopyContextFields(dst context.Context, src context.Context) context.Context {
	if src == nil {
		return dst
	}
	if user, ok := src.Value(userKey).(schema.UserID); ok && user != "" {
		dst = ContextWithUser(dst, user)
	}
	if device, ok := src.Value(deviceKey).(schema.DeviceType); ok && device != "" {
		dst = ContextWithDevice(dst, device)
	}
	return dst
}
