// Package grouping arranges aggregated notes and alerts for the overview
// panels: by domain, and by domain then path.
package grouping

import (
	"sort"

	"github.com/dukerupert/notara/internal/keys"
	"github.com/dukerupert/notara/internal/model"
)

// Item is anything stored against a URL.
type Item interface {
	Ref() model.Ref
}

type DomainGroup[T Item] struct {
	Domain string `json:"domain"`
	Items  []T    `json:"items"`
}

type PathGroup[T Item] struct {
	Path  string `json:"path"`
	Items []T    `json:"items"`
}

type DomainHierarchy[T Item] struct {
	Domain     string         `json:"domain"`
	Paths      []PathGroup[T] `json:"paths"`
	TotalCount int            `json:"totalCount"`
}

// locate returns the domain and path an item is grouped under. URLs that do
// not parse are grouped under themselves at "/", or under the global label
// when empty.
func locate(rawURL string) (domain, path string) {
	if host, p, ok := keys.Split(rawURL); ok {
		return host, p
	}
	if rawURL == "" {
		return keys.GlobalLabel, "/"
	}
	return rawURL, "/"
}

// each visits every item of m, walking the map in key order.
func each[T Item](m map[string][]T, fn func(T)) {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		for _, it := range m[id] {
			fn(it)
		}
	}
}

// ByDomain groups items by hostname, largest group first. Groups of equal
// size keep the order in which their domain was first seen.
func ByDomain[T Item](m map[string][]T) []DomainGroup[T] {
	groups := []DomainGroup[T]{}
	index := make(map[string]int)

	each(m, func(it T) {
		domain, _ := locate(it.Ref().URL)
		i, ok := index[domain]
		if !ok {
			i = len(groups)
			index[domain] = i
			groups = append(groups, DomainGroup[T]{Domain: domain})
		}
		groups[i].Items = append(groups[i].Items, it)
	})

	sort.SliceStable(groups, func(i, j int) bool {
		return len(groups[i].Items) > len(groups[j].Items)
	})
	return groups
}

// ByDomainAndPath groups items by hostname and then by URL path. Domains are
// ordered by total count and paths within a domain by count, both descending
// with first-seen order breaking ties.
func ByDomainAndPath[T Item](m map[string][]T) []DomainHierarchy[T] {
	out := []DomainHierarchy[T]{}
	domainIndex := make(map[string]int)
	pathIndex := make(map[string]map[string]int)

	each(m, func(it T) {
		domain, path := locate(it.Ref().URL)
		d, ok := domainIndex[domain]
		if !ok {
			d = len(out)
			domainIndex[domain] = d
			pathIndex[domain] = make(map[string]int)
			out = append(out, DomainHierarchy[T]{Domain: domain})
		}
		p, ok := pathIndex[domain][path]
		if !ok {
			p = len(out[d].Paths)
			pathIndex[domain][path] = p
			out[d].Paths = append(out[d].Paths, PathGroup[T]{Path: path})
		}
		out[d].Paths[p].Items = append(out[d].Paths[p].Items, it)
		out[d].TotalCount++
	})

	for i := range out {
		paths := out[i].Paths
		sort.SliceStable(paths, func(a, b int) bool {
			return len(paths[a].Items) > len(paths[b].Items)
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].TotalCount > out[j].TotalCount
	})
	return out
}
