// Package sheet converts entries to and from an editable markdown document: YAML front
// matter for the structured fields, the body for free-form notes.
//
//	---
//	name: Balatro
//	category: Games
//	args: ["-windowed"]
//	---
//
//	Runs with the bundled runtime.
package sheet

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/adrg/frontmatter"
	"github.com/gurisko/cellar/internal/limits"
	"github.com/gurisko/cellar/internal/registry"
	"gopkg.in/yaml.v3"
)

// ErrTooLarge indicates a sheet above limits.Sheet.
var ErrTooLarge = errors.New("sheet too large")

type header struct {
	Name     *string  `yaml:"name,omitempty"`
	Category *string  `yaml:"category,omitempty"`
	Args     []string `yaml:"args,omitempty"`
}

// Parse reads a sheet into a patch. Front matter keys that are absent leave the
// corresponding field untouched; the body always replaces the notes.
func Parse(r io.Reader) (registry.EntryPatch, error) {
	data, err := io.ReadAll(io.LimitReader(r, limits.Sheet+1))
	if err != nil {
		return registry.EntryPatch{}, fmt.Errorf("failed to read sheet: %w", err)
	}
	if len(data) > limits.Sheet {
		return registry.EntryPatch{}, fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, limits.Sheet)
	}

	var h header
	body, err := frontmatter.Parse(bytes.NewReader(data), &h)
	if err != nil {
		return registry.EntryPatch{}, fmt.Errorf("failed to parse front matter: %w", err)
	}

	notes := trimBlankLines(string(body))
	patch := registry.EntryPatch{
		DisplayName: h.Name,
		Category:    h.Category,
		Notes:       &notes,
	}
	if h.Args != nil {
		args := h.Args
		patch.Args = &args
	}
	return patch, nil
}

// Render produces the sheet for e.
func Render(e registry.Entry) ([]byte, error) {
	name, category := e.Label(), e.Category
	args := e.Args
	if args == nil {
		args = []string{}
	}

	var fm bytes.Buffer
	enc := yaml.NewEncoder(&fm)
	enc.SetIndent(2)
	if err := enc.Encode(struct {
		Name     *string  `yaml:"name"`
		Category *string  `yaml:"category"`
		Args     []string `yaml:"args,flow"`
	}{&name, &category, args}); err != nil {
		return nil, fmt.Errorf("failed to render front matter: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to render front matter: %w", err)
	}

	var out bytes.Buffer
	out.WriteString("---\n")
	out.Write(fm.Bytes())
	out.WriteString("---\n")
	if notes := trimBlankLines(e.Notes); notes != "" {
		out.WriteString("\n")
		out.WriteString(notes)
		out.WriteString("\n")
	}
	return out.Bytes(), nil
}

// trimBlankLines drops blank lines around s and trailing whitespace, keeping the
// indentation of the first line so indented notes and code blocks survive.
func trimBlankLines(s string) string {
	s = strings.TrimRight(s, " \t\r\n")
	for {
		line, rest, found := strings.Cut(s, "\n")
		if !found || strings.TrimSpace(line) != "" {
			return s
		}
		s = rest
	}
}
