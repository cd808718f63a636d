package core

import (
	"time"

	"pkt.systems/paneld/schema"
)

// pushSnapshot records prior as the newest history entry on next. Snapshots
// are stored newest first and the embedded config never nests its own
// history. The result is bounded to keep entries.
func pushSnapshot(next, prior schema.UserConfig, savedAt time.Time, keep int) schema.UserConfig {
	if keep <= 0 {
		next.PreviousVersions = nil
		return next
	}
	snapshot := schema.VersionSnapshot{
		SnapshotID: newID(),
		SavedAt:    savedAt,
		Config:     prior.StripHistory(),
	}
	history := make([]schema.VersionSnapshot, 0, keep)
	history = append(history, snapshot)
	for _, entry := range prior.PreviousVersions {
		if len(history) == keep {
			break
		}
		entry.Config = entry.Config.StripHistory()
		history = append(history, entry)
	}
	next.PreviousVersions = history
	return next
}

// pruneHistory trims the config's history to keep entries, newest first, and
// reports how many were removed.
func pruneHistory(cfg schema.UserConfig, keep int) (schema.UserConfig, int) {
	if keep < 0 {
		keep = 0
	}
	if len(cfg.PreviousVersions) <= keep {
		return cfg, 0
	}
	removed := len(cfg.PreviousVersions) - keep
	if keep == 0 {
		cfg.PreviousVersions = nil
	} else {
		cfg.PreviousVersions = append([]schema.VersionSnapshot(nil), cfg.PreviousVersions[:keep]...)
	}
	return cfg, removed
}
