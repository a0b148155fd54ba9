package discovery

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/aperture/internal/assessment"
	"github.com/MikeSquared-Agency/aperture/internal/llm"
)

const (
	defaultMessageSample  = 20
	maxMessageSample      = 100
	defaultMinStrength    = 0.6
	defaultMinCorrelation = 3
	maxCorrelations       = 20
)

// ElementParams bounds an element suggestion pass. Zero values take defaults.
type ElementParams struct {
	LookbackDays int `json:"lookback_days"`
	SampleSize   int `json:"sample_size"`
}

// ElementSuggestion is a candidate element nobody tracks yet.
type ElementSuggestion struct {
	Name          string               `json:"name"`
	ValueType     assessment.ValueType `json:"value_type"`
	Description   string               `json:"description"`
	Rationale     string               `json:"rationale"`
	ExampleValues []string             `json:"example_values"`
}

type ElementSuggestions struct {
	Since           time.Time           `json:"since"`
	MessagesSampled int                 `json:"messages_sampled"`
	Existing        []string            `json:"existing_elements"`
	Suggestions     []ElementSuggestion `json:"suggestions"`
}

type elementDraft struct {
	Name          string   `json:"name"`
	ValueType     string   `json:"value_type" jsonschema:"enum=score,enum=tag,enum=range,enum=text"`
	Description   string   `json:"description"`
	Rationale     string   `json:"rationale"`
	ExampleValues []string `json:"example_values"`
}

type elementDrafts struct {
	Suggestions []elementDraft `json:"suggestions"`
}

var elementDraftsSchema = llm.GenerateSchema[elementDrafts]()

const elementsSystem = `You study what users write to a conversational product and propose new
things worth tracking about each user. Propose only what the messages actually support.`

// SuggestElements samples recent user messages from stored evidence and asks
// the model for new elements beyond those already tracked. Suggestions that
// duplicate a tracked element or carry an invalid name or type are dropped.
func (e *Engine) SuggestElements(ctx context.Context, p ElementParams) (*ElementSuggestions, error) {
	if p.LookbackDays <= 0 {
		p.LookbackDays = e.opts.Defaults.LookbackDays
	}
	if p.SampleSize <= 0 {
		p.SampleSize = defaultMessageSample
	}
	p.SampleSize = min(p.SampleSize, maxMessageSample)

	res := &ElementSuggestions{
		Since:       e.opts.Now().UTC().AddDate(0, 0, -p.LookbackDays),
		Suggestions: []ElementSuggestion{},
	}
	rows, err := e.repo.ScanAssessments(ctx, res.Since, evidencePerAssessment)
	if err != nil {
		return nil, fmt.Errorf("scan assessments: %w", err)
	}

	known := make(map[string]bool)
	for _, name := range e.opts.KnownElements {
		known[name] = true
	}
	for _, r := range rows {
		known[r.Element] = true
	}
	for name := range known {
		res.Existing = append(res.Existing, name)
	}
	sort.Strings(res.Existing)

	messages := sampleMessages(rows, p.SampleSize)
	res.MessagesSampled = len(messages)
	if len(messages) == 0 || e.completer == nil {
		return res, nil
	}

	var drafts elementDrafts
	err = e.opts.Retry.Structured(ctx, e.completer, llm.Request{
		System:     elementsSystem,
		Prompt:     buildElementsPrompt(res.Existing, messages),
		SchemaName: "ElementSuggestions",
		Schema:     elementDraftsSchema,
		MaxTokens:  600,
	}, func(raw string) error {
		return llm.DecodeJSON(raw, &drafts)
	})
	if err != nil {
		return nil, fmt.Errorf("suggest elements: %w", err)
	}

	for _, d := range drafts.Suggestions {
		s := ElementSuggestion{
			Name:          strings.TrimSpace(d.Name),
			ValueType:     assessment.ValueType(strings.TrimSpace(d.ValueType)),
			Description:   strings.TrimSpace(d.Description),
			Rationale:     strings.TrimSpace(d.Rationale),
			ExampleValues: d.ExampleValues,
		}
		if !assessment.ValidName(s.Name) || !s.ValueType.Valid() || known[s.Name] {
			e.opts.Logger.Debug("element suggestion dropped", "name", s.Name, "value_type", s.ValueType)
			continue
		}
		known[s.Name] = true
		res.Suggestions = append(res.Suggestions, s)
	}
	e.opts.Logger.Info("element suggestions ready", "messages", res.MessagesSampled, "suggestions", len(res.Suggestions))
	return res, nil
}

// sampleMessages returns up to n distinct user messages, newest first.
func sampleMessages(rows []assessment.WithEvidence, n int) []string {
	seen := make(map[string]bool)
	var out []string
	for i := len(rows) - 1; i >= 0 && len(out) < n; i-- {
		for _, ev := range rows[i].Evidence {
			msg := strings.TrimSpace(ev.UserMessage)
			if msg == "" || seen[msg] {
				continue
			}
			seen[msg] = true
			out = append(out, msg)
			if len(out) == n {
				break
			}
		}
	}
	return out
}

func buildElementsPrompt(existing, messages []string) string {
	var b strings.Builder
	tracked := "nothing yet"
	if len(existing) > 0 {
		tracked = strings.Join(existing, ", ")
	}
	fmt.Fprintf(&b, "Currently tracking: %s\n\nUser messages:\n", tracked)
	for _, m := range messages {
		fmt.Fprintf(&b, "- %s\n", m)
	}
	b.WriteString(`
Identify 2 or 3 new elements that would be valuable to track. For each give:
- name: a snake_case identifier not in the tracked list
- value_type: score, tag, range or text
- description: what it captures
- rationale: why it would be valuable
- example_values: values you see in these messages

Respond with a single JSON object {"suggestions": [...]}.`)
	return b.String()
}

// CorrelationParams bounds a correlation pass. Zero values take defaults.
type CorrelationParams struct {
	MinUsers     int     `json:"min_users"`
	MinStrength  float64 `json:"min_strength"`
	LookbackDays int     `json:"lookback_days"`
}

// Correlation is two element values that tend to be held by the same users.
// Strength is the users holding both divided by the users holding the more
// common of the two.
type Correlation struct {
	ElementA string  `json:"element_a"`
	ValueA   string  `json:"value_a"`
	ElementB string  `json:"element_b"`
	ValueB   string  `json:"value_b"`
	Users    int     `json:"users"`
	Strength float64 `json:"strength"`
	Insight  string  `json:"insight,omitempty"`
}

type Correlations struct {
	Params       CorrelationParams `json:"params"`
	Since        time.Time         `json:"since"`
	TotalUsers   int               `json:"total_users"`
	Correlations []Correlation     `json:"correlations"`
}

type insightDrafts struct {
	Insights []string `json:"insights"`
}

var insightDraftsSchema = llm.GenerateSchema[insightDrafts]()

// FindCorrelations counts, across users, which element values co-occur. Tags
// are compared as is; scores and ranges are bucketed into low, medium and
// high; text values are ignored. The model then phrases one insight per
// correlation; when that fails the correlations are returned without them.
func (e *Engine) FindCorrelations(ctx context.Context, p CorrelationParams) (*Correlations, error) {
	if p.MinUsers <= 0 {
		p.MinUsers = defaultMinCorrelation
	}
	if p.MinStrength <= 0 {
		p.MinStrength = defaultMinStrength
	}
	if p.LookbackDays <= 0 {
		p.LookbackDays = e.opts.Defaults.LookbackDays
	}
	res := &Correlations{
		Params:       p,
		Since:        e.opts.Now().UTC().AddDate(0, 0, -p.LookbackDays),
		Correlations: []Correlation{},
	}
	rows, err := e.repo.ScanAssessments(ctx, res.Since, 1)
	if err != nil {
		return nil, fmt.Errorf("scan assessments: %w", err)
	}

	// Rows arrive oldest first, so the last value per (user, element) wins.
	held := make(map[string]map[string]string)
	for _, r := range rows {
		label, ok := bucket(r.Value)
		if !ok {
			continue
		}
		if held[r.UserID] == nil {
			held[r.UserID] = make(map[string]string)
		}
		held[r.UserID][r.Element] = label
	}
	res.TotalUsers = len(held)

	type key struct{ el, val string }
	single := make(map[key]int)
	pairs := make(map[[2]key]int)
	for _, values := range held {
		keys := make([]key, 0, len(values))
		for el, val := range values {
			keys = append(keys, key{el, val})
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i].el < keys[j].el })
		for i, a := range keys {
			single[a]++
			for _, b := range keys[i+1:] {
				pairs[[2]key{a, b}]++
			}
		}
	}

	for pair, both := range pairs {
		if both < p.MinUsers {
			continue
		}
		strength := float64(both) / float64(max(single[pair[0]], single[pair[1]]))
		if strength < p.MinStrength {
			continue
		}
		res.Correlations = append(res.Correlations, Correlation{
			ElementA: pair[0].el, ValueA: pair[0].val,
			ElementB: pair[1].el, ValueB: pair[1].val,
			Users:    both,
			Strength: strength,
		})
	}
	sort.Slice(res.Correlations, func(i, j int) bool {
		a, b := res.Correlations[i], res.Correlations[j]
		if a.Strength != b.Strength {
			return a.Strength > b.Strength
		}
		if a.Users != b.Users {
			return a.Users > b.Users
		}
		return a.ElementA+a.ValueA+a.ElementB+a.ValueB < b.ElementA+b.ValueA+b.ElementB+b.ValueB
	})
	if len(res.Correlations) > maxCorrelations {
		res.Correlations = res.Correlations[:maxCorrelations]
	}

	if len(res.Correlations) > 0 && e.completer != nil {
		if err := e.explain(ctx, res.Correlations); err != nil {
			e.opts.Logger.Warn("correlation insights failed", "reason", llm.Reason(err), "error", err)
		}
	}
	e.opts.Logger.Info("correlations found", "users", res.TotalUsers, "correlations", len(res.Correlations))
	return res, nil
}

func (e *Engine) explain(ctx context.Context, cs []Correlation) error {
	var b strings.Builder
	b.WriteString("These element values are often held by the same users:\n")
	for i, c := range cs {
		fmt.Fprintf(&b, "%d. %s=%s with %s=%s (%d users, strength %.2f)\n",
			i+1, c.ElementA, c.ValueA, c.ElementB, c.ValueB, c.Users, c.Strength)
	}
	fmt.Fprintf(&b, "\nWrite one short, practical insight per line item, in order, exactly %d in total.\n", len(cs))
	b.WriteString(`Respond with a single JSON object {"insights": [...]}.`)

	var drafts insightDrafts
	err := e.opts.Retry.Structured(ctx, e.completer, llm.Request{
		System:     suggestSystem,
		Prompt:     b.String(),
		SchemaName: "CorrelationInsights",
		Schema:     insightDraftsSchema,
		MaxTokens:  400,
	}, func(raw string) error {
		if err := llm.DecodeJSON(raw, &drafts); err != nil {
			return err
		}
		if len(drafts.Insights) != len(cs) {
			return llm.NewParseError(fmt.Sprintf("%d insights for %d correlations", len(drafts.Insights), len(cs)), raw, nil)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for i := range cs {
		cs[i].Insight = strings.TrimSpace(drafts.Insights[i])
	}
	return nil
}

// bucket maps a value onto a comparable label.
func bucket(v assessment.Value) (string, bool) {
	level := func(x float64) string {
		switch {
		case x < 1.0/3:
			return "low"
		case x < 2.0/3:
			return "medium"
		}
		return "high"
	}
	switch v.Type {
	case assessment.ValueTag:
		return strings.ToLower(strings.TrimSpace(v.Tag)), v.Tag != ""
	case assessment.ValueScore:
		return level(v.Score), true
	case assessment.ValueRange:
		return level((v.Range.Low + v.Range.High) / 2), true
	}
	return "", false
}
