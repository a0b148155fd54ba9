// Package construct turns operator descriptions into construct configurations,
// either by matching catalog templates or by generating a new config.
package construct

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MikeSquared-Agency/aperture/internal/assessment"
)

var ErrEmptyDescription = errors.New("description is empty")

// Config is a named bundle of elements describing a trackable concept.
type Config struct {
	Name             string               `json:"name"`
	Description      string               `json:"description"`
	ValueProposition string               `json:"value_proposition,omitempty"`
	Elements         []assessment.Element `json:"elements"`
	UseCases         []string             `json:"use_cases"`
	UpdateFrequency  string               `json:"update_frequency"`
	GeneratedFrom    string               `json:"generated_from,omitempty"`
	Confidence       float64              `json:"confidence"`
	Warnings         []string             `json:"warnings,omitempty"`
}

// ValidationError lists why a construct config was rejected.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "invalid construct config: " + strings.Join(e.Issues, "; ")
}

// Check returns blocking issues and non-blocking warnings for c.
func (c Config) Check() (issues, warnings []string) {
	if strings.TrimSpace(c.Name) == "" {
		issues = append(issues, "missing required field: name")
	} else if !assessment.ValidName(c.Name) {
		issues = append(issues, fmt.Sprintf("construct name %q must be snake_case", c.Name))
	}
	if strings.TrimSpace(c.Description) == "" {
		issues = append(issues, "missing required field: description")
	}
	if len(c.Elements) == 0 {
		issues = append(issues, "construct must have at least one element")
	}

	seen := make(map[string]bool, len(c.Elements))
	for i, e := range c.Elements {
		switch {
		case strings.TrimSpace(e.Name) == "":
			issues = append(issues, fmt.Sprintf("element %d: missing name", i))
		case !assessment.ValidName(e.Name):
			issues = append(issues, fmt.Sprintf("element %d: name %q must be snake_case", i, e.Name))
		case seen[e.Name]:
			issues = append(issues, fmt.Sprintf("element %d: duplicate name %q", i, e.Name))
		}
		seen[e.Name] = true

		if e.ValueType == "" {
			issues = append(issues, fmt.Sprintf("element %d: missing value_type", i))
		} else if !e.ValueType.Valid() {
			issues = append(issues, fmt.Sprintf("element %d: invalid value_type %q", i, e.ValueType))
		}
		if strings.TrimSpace(e.Prompt) == "" {
			warnings = append(warnings, fmt.Sprintf("element %d (%s): no extraction prompt provided", i, e.Name))
		}
	}
	return issues, warnings
}

// Validate returns a *ValidationError when c has blocking issues.
func (c Config) Validate() error {
	issues, _ := c.Check()
	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

// DraftElement is the element shape requested from the model.
type DraftElement struct {
	Name        string   `json:"name"`
	ValueType   string   `json:"value_type" jsonschema:"enum=score,enum=tag,enum=range,enum=text"`
	Description string   `json:"description"`
	Prompt      string   `json:"extraction_prompt"`
	Tags        []string `json:"possible_values"`
}

func (d DraftElement) Element() assessment.Element {
	var tags []string
	for _, t := range d.Tags {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			tags = append(tags, t)
		}
	}
	return assessment.Element{
		Name:        strings.TrimSpace(d.Name),
		Description: strings.TrimSpace(d.Description),
		ValueType:   assessment.ValueType(strings.ToLower(strings.TrimSpace(d.ValueType))),
		Tags:        tags,
		Prompt:      strings.TrimSpace(d.Prompt),
		UpdateEvery: 1,
	}
}

// Draft is a generated construct before validation.
type Draft struct {
	Name            string         `json:"name"`
	Description     string         `json:"description"`
	Elements        []DraftElement `json:"elements"`
	UseCases        []string       `json:"use_cases"`
	UpdateFrequency string         `json:"update_frequency" jsonschema:"enum=every_message,enum=every_3_messages,enum=daily"`
}

func (d Draft) Config(generatedFrom string) Config {
	c := Config{
		Name:            strings.TrimSpace(d.Name),
		Description:     strings.TrimSpace(d.Description),
		UseCases:        d.UseCases,
		UpdateFrequency: d.UpdateFrequency,
		GeneratedFrom:   generatedFrom,
		Confidence:      generatedConfidence,
	}
	if c.UpdateFrequency == "" {
		c.UpdateFrequency = "every_message"
	}
	for _, e := range d.Elements {
		el := e.Element()
		if c.UpdateFrequency == "every_3_messages" {
			el.UpdateEvery = 3
		}
		c.Elements = append(c.Elements, el)
	}
	_, c.Warnings = c.Check()
	return c
}

// generatedConfidence is the confidence attached to model-generated configs.
const generatedConfidence = 0.8
