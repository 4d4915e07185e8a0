// Package keys maps notes and alerts onto the flat key namespace of the
// synced key/value store.
//
// Every partition key is a fixed prefix followed by an identifier: the page
// URL for page scope, the hostname for site scope and a sentinel for the
// single global partition. The prefixes are shared with the browser
// extension and must not change.
package keys

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/dukerupert/notara/internal/model"
)

const (
	// App is the namespace of current keys.
	App = "notara"
	// LegacyApp is the namespace used before the rename.
	LegacyApp = "webnoter"

	// GlobalIdentifier is the identifier of the one global alert partition.
	GlobalIdentifier = "all"
	// GlobalLabel is how the global partition is keyed in aggregated views.
	GlobalLabel = "Global"
)

// ErrUnsupportedScope is returned when a kind has no partition for a scope.
var ErrUnsupportedScope = errors.New("unsupported scope")

type Kind string

const (
	KindNote  Kind = "note"
	KindAlert Kind = "alert"
)

// Prefix is one registry entry.
type Prefix struct {
	Kind  Kind
	Scope model.Scope
	Value string
}

var registry = buildRegistry(App)

func buildRegistry(app string) []Prefix {
	r := []Prefix{
		{KindNote, model.ScopePage, app + "_page_"},
		{KindNote, model.ScopeSite, app + "_site_"},
		{KindAlert, model.ScopePage, app + "_alert_page_"},
		{KindAlert, model.ScopeSite, app + "_alert_site_"},
		{KindAlert, model.ScopeGlobal, app + "_alert_global_"},
	}
	// Longest first so that decoding never stops at a shorter prefix.
	sort.SliceStable(r, func(i, j int) bool { return len(r[i].Value) > len(r[j].Value) })
	return r
}

// Prefixes returns the registry, longest prefix first.
func Prefixes() []Prefix {
	out := make([]Prefix, len(registry))
	copy(out, registry)
	return out
}

// PrefixFor returns the prefix for kind and scope.
func PrefixFor(kind Kind, scope model.Scope) (string, error) {
	for _, p := range registry {
		if p.Kind == kind && p.Scope == scope {
			return p.Value, nil
		}
	}
	return "", fmt.Errorf("%s/%s: %w", kind, scope, ErrUnsupportedScope)
}

// Encode builds the partition key for kind, scope and identifier.
func Encode(kind Kind, scope model.Scope, identifier string) (string, error) {
	prefix, err := PrefixFor(kind, scope)
	if err != nil {
		return "", err
	}
	return prefix + identifier, nil
}

// Partition is a decoded partition key.
type Partition struct {
	Kind       Kind
	Scope      model.Scope
	Identifier string
}

// Label is the identifier shown in aggregated views.
func (p Partition) Label() string {
	if p.Scope == model.ScopeGlobal {
		return GlobalLabel
	}
	return p.Identifier
}

// Decode splits a storage key into its partition. ok is false for keys that
// are not notara partitions.
func Decode(key string) (Partition, bool) {
	for _, p := range registry {
		if strings.HasPrefix(key, p.Value) {
			return Partition{Kind: p.Kind, Scope: p.Scope, Identifier: key[len(p.Value):]}, true
		}
	}
	return Partition{}, false
}

// Identifier resolves the identifier an entity is stored under.
func Identifier(scope model.Scope, rawURL string) string {
	switch scope {
	case model.ScopeSite:
		return Hostname(rawURL)
	case model.ScopeGlobal:
		return GlobalIdentifier
	default:
		return rawURL
	}
}

// EntityKey returns the partition key owning ref.
func EntityKey(kind Kind, ref model.Ref) (string, error) {
	return Encode(kind, ref.Scope, Identifier(ref.Scope, ref.URL))
}

// Hostname returns the hostname of rawURL, or rawURL itself when it does not
// parse as an absolute URL.
func Hostname(rawURL string) string {
	host, _, ok := Split(rawURL)
	if !ok {
		return rawURL
	}
	return host
}

// Split returns the hostname and path of an absolute URL. The path of a URL
// without one is "/".
func Split(rawURL string) (host, path string, ok bool) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" {
		return "", "", false
	}
	path = u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return strings.ToLower(u.Hostname()), path, true
}

// Rename maps an obsolete prefix to its current replacement.
type Rename struct {
	Old string
	New string
}

// LegacyRenames is the ordered rename table from the webnoter namespace.
// The old scheme never had global alerts.
func LegacyRenames() []Rename {
	var out []Rename
	for _, p := range buildRegistry(LegacyApp) {
		if p.Scope == model.ScopeGlobal {
			continue
		}
		cur, _ := PrefixFor(p.Kind, p.Scope)
		out = append(out, Rename{Old: p.Value, New: cur})
	}
	return out
}
