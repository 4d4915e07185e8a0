package store

import (
	"context"

	"github.com/dukerupert/notara/internal/keys"
	"github.com/dukerupert/notara/internal/kv"
	"github.com/dukerupert/notara/internal/model"
)

// NoteStore keeps notes in page and site partitions.
type NoteStore struct {
	*Scoped[model.Note]
}

func NewNoteStore(s kv.Store) *NoteStore {
	return &NoteStore{Scoped: NewScoped[model.Note](s, keys.KindNote)}
}

// PageNotes returns the notes stored for exactly url.
func (s *NoteStore) PageNotes(ctx context.Context, url string) ([]model.Note, error) {
	key, _ := keys.Encode(keys.KindNote, model.ScopePage, url)
	return s.ReadPartition(ctx, key)
}

// SiteNotes returns the notes stored for a hostname.
func (s *NoteStore) SiteNotes(ctx context.Context, hostname string) ([]model.Note, error) {
	key, _ := keys.Encode(keys.KindNote, model.ScopeSite, hostname)
	return s.ReadPartition(ctx, key)
}

func (s *NoteStore) Patch(ctx context.Context, ref model.Ref, p model.NotePatch) (Outcome, error) {
	return s.Update(ctx, ref, p.Apply)
}

// CountForURL is the number of notes visible on url.
func (s *NoteStore) CountForURL(ctx context.Context, url string) (int, error) {
	notes, err := s.ReadForURL(ctx, url)
	if err != nil {
		return 0, err
	}
	return len(notes), nil
}
