package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/dukerupert/notara/internal/keys"
	"github.com/dukerupert/notara/internal/kv"
	"github.com/dukerupert/notara/internal/model"
)

// Entity is implemented by model.Note and model.Alert.
type Entity[T any] interface {
	Ref() model.Ref
	WithScope(s model.Scope, at int64) T
	Touched(at int64) T
}

// Outcome reports what an Update did.
type Outcome int

const (
	// Updated means the entity was found, merged and written back.
	Updated Outcome = iota
	// NotFound means no entity with that id lives in the partition. Nothing
	// was written; this is the expected result of racing a delete.
	NotFound
)

func (o Outcome) String() string {
	if o == NotFound {
		return "not_found"
	}
	return "updated"
}

// Scoped stores entities of one kind as JSON lists, one list per partition
// key. Every mutation reads the whole partition, changes it in memory and
// writes it back, so two writers on the same partition can lose an update.
type Scoped[T Entity[T]] struct {
	kv   kv.Store
	kind keys.Kind
	now  func() time.Time
}

func NewScoped[T Entity[T]](s kv.Store, kind keys.Kind) *Scoped[T] {
	return &Scoped[T]{kv: s, kind: kind, now: time.Now}
}

// SetClock replaces the time source used for updatedAt.
func (s *Scoped[T]) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Scoped[T]) stamp() int64 {
	return model.Millis(s.now())
}

// Key returns the partition key that owns ref.
func (s *Scoped[T]) Key(ref model.Ref) (string, error) {
	return keys.EntityKey(s.kind, ref)
}

// ReadPartition returns the entities stored under key, or an empty slice.
func (s *Scoped[T]) ReadPartition(ctx context.Context, key string) ([]T, error) {
	items := []T{}
	if _, err := kv.GetJSON(ctx, s.kv, key, &items); err != nil {
		return nil, fmt.Errorf("read partition: %w", err)
	}
	if items == nil {
		items = []T{}
	}
	return items, nil
}

func (s *Scoped[T]) writePartition(ctx context.Context, key string, items []T) error {
	if err := kv.SetJSON(ctx, s.kv, key, items); err != nil {
		return fmt.Errorf("write partition: %w", err)
	}
	return nil
}

// Upsert replaces the entity with the same id in its partition, or appends it.
func (s *Scoped[T]) Upsert(ctx context.Context, e T) error {
	key, err := s.Key(e.Ref())
	if err != nil {
		return err
	}
	items, err := s.ReadPartition(ctx, key)
	if err != nil {
		return err
	}

	id := e.Ref().ID
	replaced := false
	for i := range items {
		if items[i].Ref().ID == id {
			items[i] = e
			replaced = true
			break
		}
	}
	if !replaced {
		items = append(items, e)
	}
	return s.writePartition(ctx, key, items)
}

// Remove deletes the entity from its partition. A partition left empty is
// removed from the store rather than stored as an empty list.
func (s *Scoped[T]) Remove(ctx context.Context, ref model.Ref) error {
	key, err := s.Key(ref)
	if err != nil {
		return err
	}
	items, err := s.ReadPartition(ctx, key)
	if err != nil {
		return err
	}

	kept := items[:0]
	for _, it := range items {
		if it.Ref().ID != ref.ID {
			kept = append(kept, it)
		}
	}

	if len(kept) == 0 {
		if err := s.kv.Remove(ctx, key); err != nil {
			return fmt.Errorf("remove partition: %w", err)
		}
		return nil
	}
	return s.writePartition(ctx, key, kept)
}

// Update applies fn to the stored entity and refreshes its updatedAt.
func (s *Scoped[T]) Update(ctx context.Context, ref model.Ref, fn func(T) T) (Outcome, error) {
	key, err := s.Key(ref)
	if err != nil {
		return NotFound, err
	}
	items, err := s.ReadPartition(ctx, key)
	if err != nil {
		return NotFound, err
	}

	for i := range items {
		if items[i].Ref().ID != ref.ID {
			continue
		}
		items[i] = fn(items[i]).Touched(s.stamp())
		if err := s.writePartition(ctx, key, items); err != nil {
			return NotFound, err
		}
		return Updated, nil
	}
	return NotFound, nil
}

// Find returns the stored entity for ref.
func (s *Scoped[T]) Find(ctx context.Context, ref model.Ref) (T, bool, error) {
	var zero T
	key, err := s.Key(ref)
	if err != nil {
		return zero, false, err
	}
	items, err := s.ReadPartition(ctx, key)
	if err != nil {
		return zero, false, err
	}
	for _, it := range items {
		if it.Ref().ID == ref.ID {
			return it, true, nil
		}
	}
	return zero, false, nil
}

// ReadForURL returns the site partition of url's hostname followed by the
// page partition of url. Site entities always come first.
func (s *Scoped[T]) ReadForURL(ctx context.Context, url string) ([]T, error) {
	siteKey, err := keys.Encode(s.kind, model.ScopeSite, keys.Hostname(url))
	if err != nil {
		return nil, err
	}
	pageKey, err := keys.Encode(s.kind, model.ScopePage, url)
	if err != nil {
		return nil, err
	}

	vals, err := s.kv.Get(ctx, siteKey, pageKey)
	if err != nil {
		return nil, fmt.Errorf("read for url: %w", err)
	}

	out := []T{}
	for _, key := range []string{siteKey, pageKey} {
		raw, ok := vals[key]
		if !ok {
			continue
		}
		var items []T
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("decode %q: %w", key, err)
		}
		out = append(out, items...)
	}
	return out, nil
}

// ChangeScope moves e to newScope. It removes e from its old partition and
// then writes it to the new one; the two writes are not atomic, so a failure
// in between leaves e in neither or both partitions.
func (s *Scoped[T]) ChangeScope(ctx context.Context, e T, newScope model.Scope) (T, error) {
	if e.Ref().Scope == newScope {
		return e, nil
	}
	if _, err := keys.PrefixFor(s.kind, newScope); err != nil {
		return e, err
	}

	if err := s.Remove(ctx, e.Ref()); err != nil {
		return e, fmt.Errorf("change scope: %w", err)
	}
	updated := e.WithScope(newScope, s.stamp())
	if err := s.Upsert(ctx, updated); err != nil {
		return e, fmt.Errorf("change scope: %w", err)
	}
	return updated, nil
}

// All scans the whole store and groups every partition of this kind by its
// identifier. Partitions that resolve to the same identifier are concatenated.
func (s *Scoped[T]) All(ctx context.Context) (map[string][]T, error) {
	vals, err := s.kv.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan store: %w", err)
	}

	out := make(map[string][]T)
	for _, key := range kv.SortedKeys(vals) {
		p, ok := keys.Decode(key)
		if !ok || p.Kind != s.kind {
			continue
		}
		var items []T
		if err := json.Unmarshal(vals[key], &items); err != nil {
			return nil, fmt.Errorf("decode %q: %w", key, err)
		}
		label := p.Label()
		out[label] = append(out[label], items...)
	}
	return out, nil
}

// Count returns the number of entities across every partition of this kind.
func (s *Scoped[T]) Count(ctx context.Context) (int, error) {
	all, err := s.All(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, items := range all {
		n += len(items)
	}
	return n, nil
}

func sortedLabels[T any](m map[string][]T) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
