// Package migrate moves data stored under obsolete key prefixes to the
// current namespace.
package migrate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dukerupert/notara/internal/keys"
	"github.com/dukerupert/notara/internal/kv"
)

// Report summarizes one Legacy run.
type Report struct {
	// Copied is the number of legacy values written under their new key.
	Copied int `json:"copied"`
	// Skipped is the number of legacy values dropped because the new key
	// already held data.
	Skipped int `json:"skipped"`
	// Removed is the number of legacy keys deleted.
	Removed int `json:"removed"`
}

// Empty reports whether the run found nothing to migrate.
func (r Report) Empty() bool {
	return r.Removed == 0
}

// Legacy renames every key matching an old prefix in table. A value is only
// copied when the new key is not stored yet, so existing data always wins.
// Legacy keys are removed either way. All copies go out in one Set and all
// removals in one Remove; running it again finds nothing to do.
func Legacy(ctx context.Context, s kv.Store, table []keys.Rename) (Report, error) {
	var report Report

	all, err := s.Get(ctx)
	if err != nil {
		return report, fmt.Errorf("scan store: %w", err)
	}

	updates := make(map[string]json.RawMessage)
	var removals []string
	for _, key := range kv.SortedKeys(all) {
		for _, r := range table {
			if !strings.HasPrefix(key, r.Old) {
				continue
			}
			newKey := r.New + key[len(r.Old):]
			if _, exists := all[newKey]; exists {
				report.Skipped++
			} else {
				updates[newKey] = all[key]
				report.Copied++
			}
			removals = append(removals, key)
			break
		}
	}

	if len(updates) > 0 {
		if err := s.Set(ctx, updates); err != nil {
			return Report{}, fmt.Errorf("copy legacy keys: %w", err)
		}
	}
	if len(removals) > 0 {
		if err := s.Remove(ctx, removals...); err != nil {
			return Report{Copied: report.Copied}, fmt.Errorf("remove legacy keys: %w", err)
		}
	}
	report.Removed = len(removals)
	return report, nil
}
