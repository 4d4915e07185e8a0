package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/notara/internal/kv"
	"github.com/dukerupert/notara/internal/model"
)

const pageURL = "https://example.com/page1"

var fixedNow = time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

func setupNoteStore(t *testing.T) (*NoteStore, *kv.Memory) {
	t.Helper()
	mem := kv.NewMemory()
	ns := NewNoteStore(mem)
	ns.SetClock(func() time.Time { return fixedNow })
	return ns, mem
}

var noteSeq int

func makeNote(scope model.Scope, text string) model.Note {
	noteSeq++
	ts := fixedNow.Add(-time.Hour).UnixMilli()
	return model.Note{
		ID:        "note-" + text + "-" + string(rune('a'+noteSeq%26)),
		URL:       pageURL,
		Scope:     scope,
		Text:      text,
		Color:     model.ColorYellow,
		Position:  model.Position{X: 100, Y: 100},
		Size:      model.Size{W: 240, H: 200},
		CreatedAt: ts,
		UpdatedAt: ts,
	}
}

func storedKeys(t *testing.T, mem *kv.Memory) []string {
	t.Helper()
	all, err := mem.Get(context.Background())
	require.NoError(t, err)
	return kv.SortedKeys(all)
}

func TestReadPartitionMissingIsEmpty(t *testing.T) {
	ns, _ := setupNoteStore(t)

	notes, err := ns.PageNotes(context.Background(), pageURL)
	require.NoError(t, err)
	assert.NotNil(t, notes)
	assert.Empty(t, notes)

	notes, err = ns.SiteNotes(context.Background(), "example.com")
	require.NoError(t, err)
	assert.NotNil(t, notes)
	assert.Empty(t, notes)
}

func TestUpsertPageNoteKey(t *testing.T) {
	ns, mem := setupNoteStore(t)
	n := makeNote(model.ScopePage, "hello")

	require.NoError(t, ns.Upsert(context.Background(), n))

	assert.Equal(t, []string{"notara_page_" + pageURL}, storedKeys(t, mem))
	got, err := ns.PageNotes(context.Background(), pageURL)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, n, got[0])
}

func TestUpsertSiteNoteUsesHostname(t *testing.T) {
	ns, mem := setupNoteStore(t)
	n := makeNote(model.ScopeSite, "site")

	require.NoError(t, ns.Upsert(context.Background(), n))

	assert.Equal(t, []string{"notara_site_example.com"}, storedKeys(t, mem))
	got, err := ns.SiteNotes(context.Background(), "example.com")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, pageURL, got[0].URL, "site notes keep their origin url")
}

func TestUpsertReplacesByID(t *testing.T) {
	ctx := context.Background()
	ns, _ := setupNoteStore(t)
	n := makeNote(model.ScopePage, "v1")
	other := makeNote(model.ScopePage, "other")

	require.NoError(t, ns.Upsert(ctx, n))
	require.NoError(t, ns.Upsert(ctx, other))
	n.Text = "v2"
	require.NoError(t, ns.Upsert(ctx, n))

	got, err := ns.PageNotes(ctx, pageURL)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "v2", got[0].Text)
	assert.Equal(t, other.ID, got[1].ID)
}

func TestRemoveLastPrunesPartition(t *testing.T) {
	ctx := context.Background()
	ns, mem := setupNoteStore(t)
	a := makeNote(model.ScopePage, "a")
	b := makeNote(model.ScopePage, "b")
	require.NoError(t, ns.Upsert(ctx, a))
	require.NoError(t, ns.Upsert(ctx, b))

	require.NoError(t, ns.Remove(ctx, a.Ref()))
	got, err := ns.PageNotes(ctx, pageURL)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, b.ID, got[0].ID)

	require.NoError(t, ns.Remove(ctx, b.Ref()))
	assert.Empty(t, storedKeys(t, mem), "empty partition must be removed, not stored as []")
}

func TestRemoveUnknownIDOnMissingPartition(t *testing.T) {
	ns, mem := setupNoteStore(t)
	require.NoError(t, ns.Remove(context.Background(), model.Ref{ID: "x", URL: pageURL, Scope: model.ScopePage}))
	assert.Empty(t, storedKeys(t, mem))
}

func TestPatchMergesAndTouches(t *testing.T) {
	ctx := context.Background()
	ns, _ := setupNoteStore(t)
	n := makeNote(model.ScopePage, "before")
	require.NoError(t, ns.Upsert(ctx, n))

	text := "after"
	color := model.ColorBlue
	outcome, err := ns.Patch(ctx, n.Ref(), model.NotePatch{Text: &text, Color: &color})
	require.NoError(t, err)
	assert.Equal(t, Updated, outcome)

	got, ok, err := ns.Find(ctx, n.Ref())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "after", got.Text)
	assert.Equal(t, model.ColorBlue, got.Color)
	assert.Equal(t, n.Position, got.Position)
	assert.Equal(t, n.CreatedAt, got.CreatedAt)
	assert.Equal(t, fixedNow.UnixMilli(), got.UpdatedAt)
	assert.GreaterOrEqual(t, got.UpdatedAt, got.CreatedAt)
}

func TestPatchMissingIsNoop(t *testing.T) {
	ctx := context.Background()
	ns, mem := setupNoteStore(t)
	n := makeNote(model.ScopePage, "keep")
	require.NoError(t, ns.Upsert(ctx, n))
	before, _ := mem.Get(ctx)

	text := "ghost"
	outcome, err := ns.Patch(ctx, model.Ref{ID: "gone", URL: pageURL, Scope: model.ScopePage}, model.NotePatch{Text: &text})
	require.NoError(t, err)
	assert.Equal(t, NotFound, outcome)

	after, _ := mem.Get(ctx)
	assert.Equal(t, before, after)

	outcome, err = ns.Patch(ctx, model.Ref{ID: "gone", URL: "https://nowhere.test/", Scope: model.ScopePage}, model.NotePatch{Text: &text})
	require.NoError(t, err)
	assert.Equal(t, NotFound, outcome)
	assert.Len(t, storedKeys(t, mem), 1)
}

func TestReadForURLSiteFirst(t *testing.T) {
	ctx := context.Background()
	ns, _ := setupNoteStore(t)

	var pageIDs, siteIDs []string
	for i := 0; i < 3; i++ {
		n := makeNote(model.ScopePage, "page")
		n.ID = "page-" + string(rune('0'+i))
		pageIDs = append(pageIDs, n.ID)
		require.NoError(t, ns.Upsert(ctx, n))
	}
	for i := 0; i < 2; i++ {
		n := makeNote(model.ScopeSite, "site")
		n.ID = "site-" + string(rune('0'+i))
		siteIDs = append(siteIDs, n.ID)
		require.NoError(t, ns.Upsert(ctx, n))
	}

	got, err := ns.ReadForURL(ctx, pageURL)
	require.NoError(t, err)
	require.Len(t, got, 5)
	var ids []string
	for _, n := range got {
		ids = append(ids, n.ID)
	}
	assert.Equal(t, append(siteIDs, pageIDs...), ids)

	count, err := ns.CountForURL(ctx, pageURL)
	require.NoError(t, err)
	assert.Equal(t, 5, count)

	// Another page on the same site only sees the site notes.
	got, err = ns.ReadForURL(ctx, "https://example.com/other")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestReadForURLEmpty(t *testing.T) {
	ns, _ := setupNoteStore(t)
	got, err := ns.ReadForURL(context.Background(), pageURL)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestChangeScopeMovesPartition(t *testing.T) {
	ctx := context.Background()
	ns, mem := setupNoteStore(t)
	n := makeNote(model.ScopePage, "mover")
	n.Screenshot = "data:image/png;base64,AAAA"
	require.NoError(t, ns.Upsert(ctx, n))

	moved, err := ns.ChangeScope(ctx, n, model.ScopeSite)
	require.NoError(t, err)
	assert.Equal(t, model.ScopeSite, moved.Scope)
	assert.Equal(t, fixedNow.UnixMilli(), moved.UpdatedAt)

	assert.Equal(t, []string{"notara_site_example.com"}, storedKeys(t, mem))
	site, err := ns.SiteNotes(ctx, "example.com")
	require.NoError(t, err)
	require.Len(t, site, 1)

	want := n
	want.Scope = model.ScopeSite
	want.UpdatedAt = moved.UpdatedAt
	assert.Equal(t, want, site[0])
}

func TestChangeScopeSameScopeIsNoop(t *testing.T) {
	ctx := context.Background()
	ns, mem := setupNoteStore(t)
	n := makeNote(model.ScopePage, "stay")
	require.NoError(t, ns.Upsert(ctx, n))
	before, _ := mem.Get(ctx)

	got, err := ns.ChangeScope(ctx, n, model.ScopePage)
	require.NoError(t, err)
	assert.Equal(t, n, got)
	after, _ := mem.Get(ctx)
	assert.Equal(t, before, after)
}

func TestChangeScopeNoteToGlobalRejected(t *testing.T) {
	ctx := context.Background()
	ns, mem := setupNoteStore(t)
	n := makeNote(model.ScopePage, "stay")
	require.NoError(t, ns.Upsert(ctx, n))

	_, err := ns.ChangeScope(ctx, n, model.ScopeGlobal)
	assert.Error(t, err)
	assert.Equal(t, []string{"notara_page_" + pageURL}, storedKeys(t, mem))
}

func TestAllAggregatesByIdentifier(t *testing.T) {
	ctx := context.Background()
	ns, mem := setupNoteStore(t)

	p1 := makeNote(model.ScopePage, "p1")
	p2 := makeNote(model.ScopePage, "p2")
	p2.URL = "https://other.org/x"
	s1 := makeNote(model.ScopeSite, "s1")
	for _, n := range []model.Note{p1, p2, s1} {
		require.NoError(t, ns.Upsert(ctx, n))
	}
	// Unrelated keys are ignored.
	require.NoError(t, mem.Set(ctx, map[string]json.RawMessage{
		"notara_pro":                   json.RawMessage(`true`),
		"notara_alert_page_" + pageURL: json.RawMessage(`[{"id":"alert"}]`),
	}))

	all, err := ns.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, []string{p1.ID}, ids(all[pageURL]))
	assert.Equal(t, []string{p2.ID}, ids(all["https://other.org/x"]))
	assert.Equal(t, []string{s1.ID}, ids(all["example.com"]))

	total, err := ns.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
}

func TestAllConcatenatesSameIdentifier(t *testing.T) {
	ctx := context.Background()
	ns, _ := setupNoteStore(t)

	// A page note on a url that is itself a bare hostname string resolves to
	// the same identifier as the site partition of that hostname.
	page := makeNote(model.ScopePage, "page")
	page.URL = "example.com"
	site := makeNote(model.ScopeSite, "site")
	require.NoError(t, ns.Upsert(ctx, page))
	require.NoError(t, ns.Upsert(ctx, site))

	all, err := ns.All(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{page.ID, site.ID}, ids(all["example.com"]))
}

func TestDeleteScenario(t *testing.T) {
	ctx := context.Background()
	ns, mem := setupNoteStore(t)

	var pages []model.Note
	for i := 0; i < 3; i++ {
		n := makeNote(model.ScopePage, "page")
		n.ID = "p" + string(rune('0'+i))
		pages = append(pages, n)
		require.NoError(t, ns.Upsert(ctx, n))
	}
	for i := 0; i < 2; i++ {
		n := makeNote(model.ScopeSite, "site")
		n.ID = "s" + string(rune('0'+i))
		require.NoError(t, ns.Upsert(ctx, n))
	}

	got, err := ns.ReadForURL(ctx, pageURL)
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, model.ScopeSite, got[0].Scope)
	assert.Equal(t, model.ScopeSite, got[1].Scope)

	for _, n := range pages {
		require.NoError(t, ns.Remove(ctx, n.Ref()))
	}
	assert.NotContains(t, storedKeys(t, mem), "notara_page_"+pageURL)

	all, err := ns.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Len(t, all["example.com"], 2)
	_, ok := all[pageURL]
	assert.False(t, ok)
}

func TestStoreErrorsPropagate(t *testing.T) {
	ctx := context.Background()
	ns, mem := setupNoteStore(t)
	require.NoError(t, mem.Close())

	_, err := ns.ReadForURL(ctx, pageURL)
	assert.ErrorIs(t, err, kv.ErrClosed)
	assert.ErrorIs(t, ns.Upsert(ctx, makeNote(model.ScopePage, "x")), kv.ErrClosed)
	_, err = ns.Patch(ctx, model.Ref{ID: "x", URL: pageURL, Scope: model.ScopePage}, model.NotePatch{})
	assert.ErrorIs(t, err, kv.ErrClosed)
	_, err = ns.All(ctx)
	assert.ErrorIs(t, err, kv.ErrClosed)
}

func TestCorruptPartitionIsAnError(t *testing.T) {
	ctx := context.Background()
	ns, mem := setupNoteStore(t)
	require.NoError(t, mem.Set(ctx, map[string]json.RawMessage{"notara_page_" + pageURL: json.RawMessage(`{"not":"a list"}`)}))

	_, err := ns.PageNotes(ctx, pageURL)
	assert.Error(t, err)
	_, err = ns.All(ctx)
	assert.Error(t, err)
}

func ids[T interface{ Ref() model.Ref }](items []T) []string {
	out := []string{}
	for _, it := range items {
		out = append(out, it.Ref().ID)
	}
	return out
}
