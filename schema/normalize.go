package schema

import (
	"fmt"
	"strings"
)

// placeholderNames is the denylist of auto-generated tab labels. Documents
// written before the explicit Placeholder flag existed can only be recognized
// by these patterns, so the check is kept as an ingest heuristic.
var placeholderNames = []string{"Unnamed Tab", "Loading..."}

const placeholderPrefix = "Tab "

// ValidateUserID ensures a user id matches [a-z0-9._-] with no normalization.
func ValidateUserID(userID UserID) error {
	raw := string(userID)
	if raw == "" {
		return ErrInvalidUser
	}
	if strings.TrimSpace(raw) != raw {
		return ErrInvalidUser
	}
	for _, r := range raw {
		if r >= 'a' && r <= 'z' {
			continue
		}
		if r >= '0' && r <= '9' {
			continue
		}
		if r == '.' || r == '_' || r == '-' || r == '@' || r == '+' {
			continue
		}
		return ErrInvalidUser
	}
	return nil
}

// DeriveUserID maps identity claims to a stable user id: email first, then
// oid, then sub.
func DeriveUserID(email, oid, sub string) (UserID, error) {
	if v := strings.ToLower(strings.TrimSpace(email)); v != "" {
		id := UserID(v)
		return id, ValidateUserID(id)
	}
	if v := strings.ToLower(strings.TrimSpace(oid)); v != "" {
		id := UserID("oid_" + v)
		return id, ValidateUserID(id)
	}
	if v := strings.ToLower(strings.TrimSpace(sub)); v != "" {
		id := UserID("sub_" + v)
		return id, ValidateUserID(id)
	}
	return "", ErrInvalidUser
}

// ValidateTabName rejects empty names and names matching the auto-generated
// placeholder denylist.
func ValidateTabName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return ErrInvalidTabName
	}
	if strings.HasPrefix(trimmed, placeholderPrefix) {
		return ErrInvalidTabName
	}
	for _, denied := range placeholderNames {
		if trimmed == denied {
			return ErrInvalidTabName
		}
	}
	return nil
}

// NormalizeDeviceType validates and normalizes a device type string.
func NormalizeDeviceType(value string) (DeviceType, error) {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	switch DeviceType(trimmed) {
	case DeviceMobile, DeviceLaptop, DeviceBigscreen:
		return DeviceType(trimmed), nil
	default:
		return "", ErrInvalidDevice
	}
}

// ConfigID derives the stable document id for a (user, device) pair.
func ConfigID(userID UserID, deviceType DeviceType) string {
	return fmt.Sprintf("%s:%s", userID, deviceType)
}

// ConfigName builds the diagnostic display name for a config document. It is
// never used for identity.
func ConfigName(userID UserID, deviceType DeviceType) string {
	return fmt.Sprintf("Config for %s (%s)", userID, deviceType)
}
