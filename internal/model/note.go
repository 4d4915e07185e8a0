package model

type Color string

const (
	ColorYellow Color = "yellow"
	ColorPink   Color = "pink"
	ColorBlue   Color = "blue"
	ColorGreen  Color = "green"
	ColorPurple Color = "purple"
)

// ColorHex maps note colors to the swatch shown in the UI.
var ColorHex = map[Color]string{
	ColorYellow: "#ca8a04",
	ColorPink:   "#e11d48",
	ColorBlue:   "#3b82f6",
	ColorGreen:  "#22c55e",
	ColorPurple: "#8b5cf6",
}

func (c Color) Valid() bool {
	_, ok := ColorHex[c]
	return ok
}

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Size struct {
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Note is a sticky note attached to a page or a whole site. URL is the page
// the note was created on, kept even when the note is site-scoped.
type Note struct {
	ID         string   `json:"id"`
	URL        string   `json:"url"`
	Scope      Scope    `json:"scope"`
	Text       string   `json:"text"`
	Color      Color    `json:"color"`
	Position   Position `json:"position"`
	Size       Size     `json:"size"`
	Minimized  bool     `json:"minimized"`
	Screenshot string   `json:"screenshot,omitempty"`
	CreatedAt  int64    `json:"createdAt"`
	UpdatedAt  int64    `json:"updatedAt"`
}

func (n Note) Ref() Ref {
	return Ref{ID: n.ID, URL: n.URL, Scope: n.Scope}
}

func (n Note) WithScope(s Scope, at int64) Note {
	n.Scope = s
	n.UpdatedAt = at
	return n
}

func (n Note) Touched(at int64) Note {
	n.UpdatedAt = at
	return n
}

// NotePatch is a partial update. Nil fields are left untouched. Scope is not
// patchable; moving a note between scopes goes through ChangeScope.
type NotePatch struct {
	Text       *string   `json:"text,omitempty"`
	Color      *Color    `json:"color,omitempty"`
	Position   *Position `json:"position,omitempty"`
	Size       *Size     `json:"size,omitempty"`
	Minimized  *bool     `json:"minimized,omitempty"`
	Screenshot *string   `json:"screenshot,omitempty"`
}

// Apply merges the patch into n.
func (p NotePatch) Apply(n Note) Note {
	if p.Text != nil {
		n.Text = *p.Text
	}
	if p.Color != nil {
		n.Color = *p.Color
	}
	if p.Position != nil {
		n.Position = *p.Position
	}
	if p.Size != nil {
		n.Size = *p.Size
	}
	if p.Minimized != nil {
		n.Minimized = *p.Minimized
	}
	if p.Screenshot != nil {
		n.Screenshot = *p.Screenshot
	}
	return n
}
