package model

import "time"

// Scope is the visibility tier of a note or alert.
type Scope string

const (
	ScopePage   Scope = "page"
	ScopeSite   Scope = "site"
	ScopeGlobal Scope = "global"
)

func (s Scope) Valid() bool {
	switch s {
	case ScopePage, ScopeSite, ScopeGlobal:
		return true
	}
	return false
}

// Ref identifies an entity and the partition that owns it.
type Ref struct {
	ID    string `json:"id"`
	URL   string `json:"url"`
	Scope Scope  `json:"scope"`
}

// Millis returns t as epoch milliseconds, the timestamp format stored with
// every entity.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}
