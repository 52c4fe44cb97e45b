package registry

import "fmt"

// state is one consistent snapshot of the registry. Mutations always work on a clone
// and the clone replaces the live state only once it has been persisted.
type state struct {
	order      []string          // entry ids in registration order
	entries    map[string]*Entry // id -> entry
	categories []*Category       // creation order, built-ins first
}

func newState() *state {
	s := &state{entries: make(map[string]*Entry)}
	for _, name := range BuiltinCategories {
		s.categories = append(s.categories, &Category{Name: name, Members: []string{}})
	}
	return s
}

func (s *state) clone() *state {
	c := &state{
		order:      append([]string(nil), s.order...),
		entries:    make(map[string]*Entry, len(s.entries)),
		categories: make([]*Category, 0, len(s.categories)),
	}
	for id, e := range s.entries {
		c.entries[id] = e.clone()
	}
	for _, cat := range s.categories {
		c.categories = append(c.categories, &Category{
			Name:    cat.Name,
			Members: append([]string{}, cat.Members...),
		})
	}
	return c
}

func (s *state) category(name string) *Category {
	for _, c := range s.categories {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// ensureCategory returns the named category, appending it if absent.
func (s *state) ensureCategory(name string) *Category {
	if c := s.category(name); c != nil {
		return c
	}
	c := &Category{Name: name, Members: []string{}}
	s.categories = append(s.categories, c)
	return c
}

// add appends a new entry and its membership in one step.
func (s *state) add(e *Entry) {
	s.order = append(s.order, e.ID)
	s.entries[e.ID] = e
	c := s.ensureCategory(e.Category)
	c.Members = append(c.Members, e.ID)
}

// remove drops an entry and its membership in one step.
func (s *state) remove(id string) {
	e, ok := s.entries[id]
	if !ok {
		return
	}
	delete(s.entries, id)
	s.order = removeID(s.order, id)
	if c := s.category(e.Category); c != nil {
		c.Members = removeID(c.Members, id)
	}
}

// move relocates an entry to another category, creating it if needed.
func (s *state) move(id, to string) {
	e := s.entries[id]
	if e == nil || e.Category == to {
		return
	}
	if c := s.category(e.Category); c != nil {
		c.Members = removeID(c.Members, id)
	}
	dst := s.ensureCategory(to)
	dst.Members = append(dst.Members, id)
	e.Category = to
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// verify checks the membership invariant: every entry appears in exactly one member
// list, that list belongs to the entry's category, and no list names an unknown id.
func (s *state) verify() error {
	seen := make(map[string]string, len(s.entries))
	for _, c := range s.categories {
		for _, id := range c.Members {
			e, ok := s.entries[id]
			if !ok {
				return fmt.Errorf("category %q references unknown entry %s", c.Name, id)
			}
			if prev, dup := seen[id]; dup {
				return fmt.Errorf("entry %s listed in %q and %q", id, prev, c.Name)
			}
			if e.Category != c.Name {
				return fmt.Errorf("entry %s listed in %q but belongs to %q", id, c.Name, e.Category)
			}
			seen[id] = c.Name
		}
	}
	if len(seen) != len(s.entries) {
		return fmt.Errorf("%d entries without membership", len(s.entries)-len(seen))
	}
	if len(s.order) != len(s.entries) {
		return fmt.Errorf("order lists %d ids for %d entries", len(s.order), len(s.entries))
	}
	return nil
}
