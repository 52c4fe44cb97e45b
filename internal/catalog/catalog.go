// Package catalog holds the list of applications known to run well under the
// compatibility runtime, and suggests a category for newly registered executables.
package catalog

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// FallbackCategory is suggested for names the catalog does not know.
const FallbackCategory = "Other"

//go:embed catalog.yaml
var builtin []byte

// App describes one known application.
type App struct {
	Name           string `yaml:"name" json:"name"`
	Category       string `yaml:"category" json:"category"`
	Rating         string `yaml:"rating" json:"rating"`
	RuntimeVersion string `yaml:"runtime_version" json:"runtime_version"`
	Description    string `yaml:"description" json:"description"`
	Notes          string `yaml:"notes" json:"notes"`
}

type file struct {
	Apps []App `yaml:"apps"`
}

// Catalog is an immutable, case-insensitive index of known apps.
type Catalog struct {
	apps   []App
	byName map[string]App
}

// Parse reads a catalog document. Apps without a name are rejected; a missing
// category falls back to FallbackCategory.
func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	c := &Catalog{byName: make(map[string]App, len(f.Apps))}
	for i, app := range f.Apps {
		app.Name = strings.TrimSpace(app.Name)
		if app.Name == "" {
			return nil, fmt.Errorf("catalog entry %d has no name", i)
		}
		if app.Category == "" {
			app.Category = FallbackCategory
		}
		key := normalize(app.Name)
		if _, dup := c.byName[key]; dup {
			return nil, fmt.Errorf("catalog lists %q twice", app.Name)
		}
		c.byName[key] = app
		c.apps = append(c.apps, app)
	}
	return c, nil
}

// Default returns the catalog compiled into the binary.
func Default() *Catalog {
	c, err := Parse(builtin)
	if err != nil {
		panic(err)
	}
	return c
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Lookup finds an app by name, ignoring case.
func (c *Catalog) Lookup(name string) (App, bool) {
	app, ok := c.byName[normalize(name)]
	return app, ok
}

// Suggest returns the category of a known app, or FallbackCategory.
func (c *Catalog) Suggest(name string) string {
	if app, ok := c.Lookup(name); ok {
		return app.Category
	}
	return FallbackCategory
}

// Apps returns every app sorted by category then name.
func (c *Catalog) Apps() []App {
	out := append([]App(nil), c.apps...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Name < out[j].Name
	})
	return out
}
