package discovery

import (
	"context"
	"fmt"
	"strings"

	"github.com/MikeSquared-Agency/aperture/internal/construct"
	"github.com/MikeSquared-Agency/aperture/internal/llm"
)

type suggestion struct {
	Name             string                   `json:"name"`
	Description      string                   `json:"description"`
	ValueProposition string                   `json:"value_proposition"`
	Elements         []construct.DraftElement `json:"elements"`
	ExampleUseCases  []string                 `json:"example_use_cases"`
}

var suggestionSchema = llm.GenerateSchema[suggestion]()

const suggestSystem = `You analyze behavior patterns observed across many users of a conversational product
and propose constructs that operators could track for every user.`

func buildSuggestPrompt(p Pattern) string {
	var b strings.Builder
	b.WriteString("A pattern was discovered in user conversations.\n\n")
	fmt.Fprintf(&b, "Element: %s\n", p.Element)
	fmt.Fprintf(&b, "Found in %d users (%.1f%% of analyzed users)\n", p.DetectedIn, p.OccurrenceRate*100)
	fmt.Fprintf(&b, "Average confidence: %.2f\n", p.Confidence)
	fmt.Fprintf(&b, "Common values: %s\n", strings.Join(p.SampleValues, ", "))
	if len(p.Evidence) > 0 {
		b.WriteString("Representative user quotes:\n")
		for _, q := range p.Evidence {
			fmt.Fprintf(&b, "- %q\n", q)
		}
	}
	b.WriteString(`
Suggest a construct for this pattern:
- name: a descriptive snake_case identifier
- description: what it measures
- value_proposition: why operators should track it
- elements: 1 to 4 elements (snake_case name, value_type of score, tag, range or text,
  description, extraction_prompt, possible_values for tag elements or an empty list)
- example_use_cases: where it is useful

Respond with a single JSON object.`)
	return b.String()
}

func (e *Engine) suggest(ctx context.Context, p Pattern, c *cluster) (*construct.Config, error) {
	var s suggestion
	err := e.opts.Retry.Structured(ctx, e.completer, llm.Request{
		System:     suggestSystem,
		Prompt:     buildSuggestPrompt(p),
		SchemaName: "ConstructSuggestion",
		Schema:     suggestionSchema,
		MaxTokens:  600,
	}, func(raw string) error {
		return llm.DecodeJSON(raw, &s)
	})
	if err != nil {
		return nil, err
	}

	cfg := construct.Config{
		Name:             strings.TrimSpace(s.Name),
		Description:      strings.TrimSpace(s.Description),
		ValueProposition: strings.TrimSpace(s.ValueProposition),
		UseCases:         s.ExampleUseCases,
		UpdateFrequency:  "every_message",
		GeneratedFrom:    fmt.Sprintf("%s pattern, %s", c.element, p.Summary),
		Confidence:       p.Confidence,
	}
	for _, el := range s.Elements {
		cfg.Elements = append(cfg.Elements, el.Element())
	}
	var issues []string
	issues, cfg.Warnings = cfg.Check()
	if len(issues) > 0 {
		return nil, &construct.ValidationError{Issues: issues}
	}
	return &cfg, nil
}
