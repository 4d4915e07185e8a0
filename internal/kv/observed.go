package kv

import (
	"context"
	"encoding/json"
)

// Change describes one successful write.
type Change struct {
	Keys    []string
	Removed bool
}

// Observed wraps a Store and reports every successful Set or Remove to a
// callback, the way the browser reports storage changes to open tabs.
type Observed struct {
	Store
	onChange func(Change)
}

func NewObserved(s Store, onChange func(Change)) *Observed {
	return &Observed{Store: s, onChange: onChange}
}

func (o *Observed) Set(ctx context.Context, values map[string]json.RawMessage) error {
	if err := o.Store.Set(ctx, values); err != nil {
		return err
	}
	if o.onChange != nil && len(values) > 0 {
		o.onChange(Change{Keys: SortedKeys(values)})
	}
	return nil
}

func (o *Observed) Remove(ctx context.Context, keys ...string) error {
	if err := o.Store.Remove(ctx, keys...); err != nil {
		return err
	}
	if o.onChange != nil && len(keys) > 0 {
		o.onChange(Change{Keys: keys, Removed: true})
	}
	return nil
}
