package registry

import "time"

// Built-in categories, in display order. They exist in every registry, even when empty.
var BuiltinCategories = []string{"Games", "Productivity", "Other"}

// DefaultCategory receives entries that carry no category.
const DefaultCategory = "Other"

// Entry represents a registered Windows executable
type Entry struct {
	ID           string    `json:"id"`            // UUID v4, never changes
	Name         string    `json:"name"`          // Filename without extension
	DisplayName  string    `json:"display_name"`  // User-editable label
	Path         string    `json:"path"`          // Absolute path to the executable
	Category     string    `json:"category"`      // Owning category
	Bottle       string    `json:"bottle"`        // Bottle id, never changes
	Args         []string  `json:"args"`          // Extra launch arguments
	Notes        string    `json:"notes"`         // Free text
	RegisteredAt time.Time `json:"registered_at"` // When the entry was registered
}

func (e *Entry) clone() *Entry {
	c := *e
	c.Args = append([]string(nil), e.Args...)
	if c.Args == nil {
		c.Args = []string{}
	}
	return &c
}

// Label returns the display name, falling back to the original name.
func (e Entry) Label() string {
	if e.DisplayName != "" {
		return e.DisplayName
	}
	return e.Name
}

// Category is a named, ordered partition of the entries.
type Category struct {
	Name    string   `json:"name"`
	Members []string `json:"members"` // Entry ids
}

// CategoryListing is a category with its entries resolved.
type CategoryListing struct {
	Name    string  `json:"name"`
	Entries []Entry `json:"entries"`
}

// CategoryInfo summarizes one category.
type CategoryInfo struct {
	Name    string `json:"name"`
	Count   int    `json:"count"`
	Builtin bool   `json:"builtin"`
}

// EntryPatch carries the optional fields applied by Edit. Nil fields are left untouched.
type EntryPatch struct {
	DisplayName *string   `json:"display_name,omitempty"`
	Category    *string   `json:"category,omitempty"`
	Args        *[]string `json:"args,omitempty"`
	Notes       *string   `json:"notes,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p EntryPatch) Empty() bool {
	return p.DisplayName == nil && p.Category == nil && p.Args == nil && p.Notes == nil
}

func isBuiltin(name string) bool {
	for _, b := range BuiltinCategories {
		if b == name {
			return true
		}
	}
	return false
}
