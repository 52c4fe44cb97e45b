package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// record is one entry as written to exes.json. Field names are shared with the legacy
// format so older files keep loading.
type record struct {
	ID            string    `json:"id,omitempty"`
	Name          string    `json:"name"`
	Path          string    `json:"path"`
	Bottle        string    `json:"bottle"`
	Category      string    `json:"category"`
	CustomName    string    `json:"custom_name"`
	LaunchOptions string    `json:"launch_options"`
	LaunchArgs    []string  `json:"launch_args,omitempty"`
	Notes         string    `json:"notes"`
	RegisteredAt  time.Time `json:"registered_at"`
}

// document is the current on-disk shape. Membership is stored as positions into Exes;
// the positions are translated to entry ids on load and never used in memory.
type document struct {
	Exes          []record         `json:"exes"`
	Categories    map[string][]int `json:"categories"`
	CategoryOrder []string         `json:"category_order,omitempty"`
}

var errUnknownShape = errors.New("unrecognized registry document")

// encodeState renders s in the current shape.
func encodeState(s *state) ([]byte, error) {
	doc := document{
		Exes:          make([]record, 0, len(s.order)),
		Categories:    make(map[string][]int, len(s.categories)),
		CategoryOrder: make([]string, 0, len(s.categories)),
	}

	pos := make(map[string]int, len(s.order))
	for i, id := range s.order {
		e := s.entries[id]
		pos[id] = i
		doc.Exes = append(doc.Exes, record{
			ID:            e.ID,
			Name:          e.Name,
			Path:          e.Path,
			Bottle:        e.Bottle,
			Category:      e.Category,
			CustomName:    e.DisplayName,
			LaunchOptions: strings.Join(e.Args, " "),
			LaunchArgs:    append([]string{}, e.Args...),
			Notes:         e.Notes,
			RegisteredAt:  e.RegisteredAt,
		})
	}

	for _, c := range s.categories {
		idx := make([]int, 0, len(c.Members))
		for _, id := range c.Members {
			if p, ok := pos[id]; ok {
				idx = append(idx, p)
			}
		}
		doc.Categories[c.Name] = idx
		doc.CategoryOrder = append(doc.CategoryOrder, c.Name)
	}

	return json.MarshalIndent(doc, "", "  ")
}

// decodeState detects the document shape and builds a consistent state from it.
// A bare array is the legacy shape: categories are rebuilt from each entry's field.
func decodeState(data []byte, newBottle func() string, logger *zap.Logger) (*state, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errUnknownShape
	}

	switch trimmed[0] {
	case '[':
		var recs []record
		if err := json.Unmarshal(trimmed, &recs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal legacy registry: %w", err)
		}
		logger.Info("migrating legacy registry document", zap.Int("entries", len(recs)))
		return buildState(recs, nil, nil, newBottle, logger), nil
	case '{':
		var doc document
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, fmt.Errorf("failed to unmarshal registry: %w", err)
		}
		order := doc.CategoryOrder
		if len(order) == 0 {
			// Files written without category_order still list categories in creation order.
			order = categoryKeys(trimmed)
		}
		return buildState(doc.Exes, doc.Categories, order, newBottle, logger), nil
	default:
		return nil, errUnknownShape
	}
}

// buildState turns records plus an optional positional index into a state that
// satisfies the membership invariant. The entry's own category field is authoritative;
// index lists only contribute ordering. Stale or dangling positions are dropped.
func buildState(recs []record, index map[string][]int, order []string, newBottle func() string, logger *zap.Logger) *state {
	s := newState()

	ids := make([]string, len(recs))
	for i, rec := range recs {
		e := entryFromRecord(rec, newBottle)
		if _, dup := s.entries[e.ID]; dup {
			logger.Warn("duplicate entry id in registry, assigning a new one", zap.String("id", e.ID))
			e.ID = GenerateEntryID()
		}
		ids[i] = e.ID
		s.entries[e.ID] = e
		s.order = append(s.order, e.ID)
	}

	for _, name := range categoryOrder(index, order) {
		s.ensureCategory(name)
	}

	placed := make(map[string]bool, len(ids))
	for _, name := range categoryOrder(index, order) {
		c := s.category(name)
		for _, p := range index[name] {
			if p < 0 || p >= len(ids) {
				logger.Warn("skipping out-of-range category member", zap.String("category", name), zap.Int("index", p))
				continue
			}
			id := ids[p]
			if placed[id] {
				logger.Warn("skipping duplicate category member", zap.String("category", name), zap.Int("index", p))
				continue
			}
			if s.entries[id].Category != name {
				logger.Warn("skipping member listed under the wrong category",
					zap.String("category", name), zap.String("entry_category", s.entries[id].Category), zap.Int("index", p))
				continue
			}
			c.Members = append(c.Members, id)
			placed[id] = true
		}
	}

	for _, id := range s.order {
		if placed[id] {
			continue
		}
		e := s.entries[id]
		if index != nil {
			logger.Warn("entry missing from category index, re-adding", zap.String("id", id), zap.String("category", e.Category))
		}
		c := s.ensureCategory(e.Category)
		c.Members = append(c.Members, id)
	}

	return s
}

// categoryOrder returns the persisted order when present, otherwise built-ins first and
// the remaining index keys sorted by name.
func categoryOrder(index map[string][]int, order []string) []string {
	seen := map[string]bool{}
	var out []string
	add := func(name string) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		out = append(out, name)
	}

	for _, name := range BuiltinCategories {
		add(name)
	}
	for _, name := range order {
		add(name)
	}
	rest := make([]string, 0, len(index))
	for name := range index {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	for _, name := range rest {
		add(name)
	}
	return out
}

func entryFromRecord(rec record, newBottle func() string) *Entry {
	e := &Entry{
		ID:           rec.ID,
		Name:         rec.Name,
		DisplayName:  rec.CustomName,
		Path:         rec.Path,
		Category:     strings.TrimSpace(rec.Category),
		Bottle:       rec.Bottle,
		Notes:        rec.Notes,
		RegisteredAt: rec.RegisteredAt,
	}
	if e.ID == "" {
		e.ID = GenerateEntryID()
	}
	if e.Name == "" {
		e.Name = defaultName(rec.Path)
	}
	if e.DisplayName == "" {
		e.DisplayName = e.Name
	}
	if e.Category == "" {
		e.Category = DefaultCategory
	}
	if e.Bottle == "" {
		e.Bottle = newBottle()
	}
	switch {
	case rec.LaunchArgs != nil:
		e.Args = append([]string{}, rec.LaunchArgs...)
	default:
		e.Args = strings.Fields(rec.LaunchOptions)
	}
	if e.Args == nil {
		e.Args = []string{}
	}
	return e
}

// defaultName is the file name without its extension.
func defaultName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// categoryKeys returns the keys of the "categories" object in document order.
func categoryKeys(data []byte) []string {
	var raw struct {
		Categories json.RawMessage `json:"categories"`
	}
	if err := json.Unmarshal(data, &raw); err != nil || len(raw.Categories) == 0 {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw.Categories))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return nil
	}
	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return keys
		}
		key, ok := tok.(string)
		if !ok {
			return keys
		}
		keys = append(keys, key)
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return keys
		}
	}
	return keys
}
