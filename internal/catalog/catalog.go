// Package catalog loads the element and construct template definitions that
// drive extraction and construct matching.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MikeSquared-Agency/aperture/internal/assessment"
)

//go:embed default.yaml
var defaultCatalog []byte

// Template is a marketplace construct blueprint.
type Template struct {
	ID          string               `yaml:"id" json:"id"`
	Name        string               `yaml:"name" json:"name"`
	Description string               `yaml:"description" json:"description"`
	UseCases    []string             `yaml:"use_cases" json:"use_cases"`
	Elements    []assessment.Element `yaml:"elements" json:"elements"`
	// Source is "catalog" for file entries and "discovered" for entries built
	// from discovery runs.
	Source string `yaml:"-" json:"source"`
}

// MatchText is the text embedded when matching descriptions against the template.
func (t Template) MatchText() string {
	return strings.TrimSpace(t.Name + " " + t.Description + " " + strings.Join(t.UseCases, " "))
}

type Catalog struct {
	Elements  []assessment.Element `yaml:"elements"`
	Templates []Template           `yaml:"templates"`
}

// Load reads a catalog from path, or the embedded default when path is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Parse(defaultCatalog)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Default returns the embedded catalog.
func Default() *Catalog {
	c, err := Parse(defaultCatalog)
	if err != nil {
		panic(err)
	}
	return c
}

func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog YAML: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) validate() error {
	if len(c.Elements) == 0 {
		return fmt.Errorf("catalog: no elements configured")
	}
	seen := make(map[string]bool, len(c.Elements))
	for i := range c.Elements {
		e := &c.Elements[i]
		if e.UpdateEvery == 0 {
			e.UpdateEvery = 1
		}
		if err := e.Validate(); err != nil {
			return fmt.Errorf("catalog: %w", err)
		}
		if seen[e.Name] {
			return fmt.Errorf("catalog: duplicate element %s", e.Name)
		}
		seen[e.Name] = true
	}

	ids := make(map[string]bool, len(c.Templates))
	for i := range c.Templates {
		t := &c.Templates[i]
		if t.ID == "" {
			t.ID = t.Name
		}
		if t.Name == "" || len(t.Elements) == 0 {
			return fmt.Errorf("catalog: template %q needs a name and elements", t.ID)
		}
		if ids[t.ID] {
			return fmt.Errorf("catalog: duplicate template %s", t.ID)
		}
		ids[t.ID] = true
		t.Source = "catalog"
		for _, e := range t.Elements {
			if !assessment.ValidName(e.Name) || !e.ValueType.Valid() {
				return fmt.Errorf("catalog: template %s has invalid element %q", t.ID, e.Name)
			}
		}
	}
	return nil
}

// Element returns the named element.
func (c *Catalog) Element(name string) (assessment.Element, bool) {
	for _, e := range c.Elements {
		if e.Name == name {
			return e, true
		}
	}
	return assessment.Element{}, false
}

func (c *Catalog) ElementNames() []string {
	names := make([]string, len(c.Elements))
	for i, e := range c.Elements {
		names[i] = e.Name
	}
	return names
}

// SearchTemplates filters templates by a case-insensitive query over name and
// description, and by use case. Empty filters match everything.
func (c *Catalog) SearchTemplates(query, useCase string) []Template {
	query = strings.ToLower(strings.TrimSpace(query))
	useCase = strings.ToLower(strings.TrimSpace(useCase))

	var out []Template
	for _, t := range c.Templates {
		if query != "" &&
			!strings.Contains(strings.ToLower(t.Name), query) &&
			!strings.Contains(strings.ToLower(t.Description), query) {
			continue
		}
		if useCase != "" && !hasUseCase(t, useCase) {
			continue
		}
		out = append(out, t)
	}
	return out
}

func hasUseCase(t Template, useCase string) bool {
	for _, u := range t.UseCases {
		if strings.Contains(strings.ToLower(u), useCase) {
			return true
		}
	}
	return false
}
