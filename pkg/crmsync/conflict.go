package crmsync

import (
	"time"
)

// detectConflict reports whether both sides changed since the last
// successful sync.
func detectConflict(rec *SyncRecord, localMod, remoteMod time.Time) bool {
	return localMod.After(rec.LastSyncAt) && remoteMod.After(rec.LastSyncAt)
}

// resolution is the outcome of resolving one conflicting pair.
type resolution struct {
	// winner is the object to propagate; nil when propagation halts.
	winner *Object
	// toRemote is true when the winner travels local->remote.
	toRemote bool
	manual   bool
}

// resolveConflict applies the mapping's strategy to a conflicting pair.
func resolveConflict(strategy Strategy, local, remote Object) resolution {
	switch strategy {
	case StrategyMerge:
		merged := mergeObjects(local, remote)
		// The merged shape travels both ways; the caller writes it to
		// whichever side lacks it.
		return resolution{winner: &merged, toRemote: remote.ModifiedAt.After(local.ModifiedAt)}
	case StrategyManual:
		return resolution{manual: true}
	default: // last-write-wins
		if remote.ModifiedAt.After(local.ModifiedAt) {
			r := remote
			return resolution{winner: &r, toRemote: false}
		}
		l := local
		return resolution{winner: &l, toRemote: true}
	}
}

// mergeObjects merges field-level: prefer non-empty values, and where both
// sides carry a value, prefer the newer side's.
func mergeObjects(local, remote Object) Object {
	newer, older := local, remote
	if remote.ModifiedAt.After(local.ModifiedAt) {
		newer, older = remote, local
	}

	merged := Object{ID: local.ID, ModifiedAt: newer.ModifiedAt, Fields: make(map[string]any)}
	for k, v := range older.Fields {
		if !emptyValue(v) {
			merged.Fields[k] = v
		}
	}
	for k, v := range newer.Fields {
		if !emptyValue(v) {
			merged.Fields[k] = v
		} else if _, exists := merged.Fields[k]; !exists {
			merged.Fields[k] = v
		}
	}
	return merged
}

func emptyValue(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}
