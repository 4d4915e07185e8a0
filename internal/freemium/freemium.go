// Package freemium caps how many notes a free user can keep.
package freemium

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dukerupert/notara/internal/kv"
)

// FreeNoteLimit is the number of notes a free user can store.
const FreeNoteLimit = 20

// ProKey stores the pro flag. Only the JSON value true enables pro.
const ProKey = "notara_pro"

// ErrLimitReached is returned by Require when a free user is at the limit.
var ErrLimitReached = errors.New("free note limit reached")

// NoteCounter counts notes across every partition.
type NoteCounter interface {
	Count(ctx context.Context) (int, error)
}

// Decision is the result of a creation check. Limit is nil when unlimited.
type Decision struct {
	Allowed   bool `json:"allowed"`
	Current   int  `json:"current"`
	Limit     *int `json:"limit"`
	Unlimited bool `json:"unlimited"`
}

type Gate struct {
	kv    kv.Store
	notes NoteCounter
	limit int
}

func NewGate(s kv.Store, notes NoteCounter) *Gate {
	return &Gate{kv: s, notes: notes, limit: FreeNoteLimit}
}

func (g *Gate) IsPro(ctx context.Context) (bool, error) {
	var v any
	if _, err := kv.GetJSON(ctx, g.kv, ProKey, &v); err != nil {
		return false, fmt.Errorf("read pro status: %w", err)
	}
	pro, _ := v.(bool)
	return pro, nil
}

func (g *Gate) SetPro(ctx context.Context, pro bool) error {
	raw, _ := json.Marshal(pro)
	if err := g.kv.Set(ctx, map[string]json.RawMessage{ProKey: raw}); err != nil {
		return fmt.Errorf("set pro status: %w", err)
	}
	return nil
}

// TotalNotes counts every stored note, not just those on one page.
func (g *Gate) TotalNotes(ctx context.Context) (int, error) {
	n, err := g.notes.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count notes: %w", err)
	}
	return n, nil
}

// CanCreateNote reports whether one more note may be created. Pro users are
// always allowed; the current count is reported either way.
func (g *Gate) CanCreateNote(ctx context.Context) (Decision, error) {
	pro, err := g.IsPro(ctx)
	if err != nil {
		return Decision{}, err
	}
	current, err := g.TotalNotes(ctx)
	if err != nil {
		return Decision{}, err
	}
	if pro {
		return Decision{Allowed: true, Current: current, Unlimited: true}, nil
	}
	limit := g.limit
	return Decision{Allowed: current < limit, Current: current, Limit: &limit}, nil
}

// Require is CanCreateNote returning ErrLimitReached when not allowed.
func (g *Gate) Require(ctx context.Context) (Decision, error) {
	d, err := g.CanCreateNote(ctx)
	if err != nil {
		return d, err
	}
	if !d.Allowed {
		return d, fmt.Errorf("%d of %d notes: %w", d.Current, *d.Limit, ErrLimitReached)
	}
	return d, nil
}
