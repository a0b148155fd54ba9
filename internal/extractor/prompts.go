package extractor

import (
	"fmt"
	"strings"

	"github.com/MikeSquared-Agency/aperture/internal/assessment"
	"github.com/MikeSquared-Agency/aperture/internal/llm"
)

const systemPrompt = `You build a structured understanding of a user from their conversation with an assistant.
You assess exactly one element per request. Only use what the user actually said.
Evidence must be copied verbatim from the user's messages, never paraphrased and never taken from the assistant.
If the conversation gives little signal, say so through a low confidence rather than guessing.`

// shape is the response contract, reflected into a schema per value type.
type shape[V any] struct {
	Value      V        `json:"value"`
	Reasoning  string   `json:"reasoning"`
	Evidence   []string `json:"evidence"`
	Confidence float64  `json:"confidence"`
	Questions  []string `json:"questions"`
}

var (
	scoreSchema = llm.GenerateSchema[shape[float64]]()
	rangeSchema = llm.GenerateSchema[shape[assessment.Range]]()
	textSchema  = llm.GenerateSchema[shape[string]]()
)

// responseSchema returns the structured-output schema for el. Tag elements
// with allowed values get an enum on the value.
func responseSchema(el assessment.Element) map[string]any {
	switch el.ValueType {
	case assessment.ValueScore:
		return scoreSchema
	case assessment.ValueRange:
		return rangeSchema
	case assessment.ValueTag:
		if len(el.Tags) == 0 {
			return textSchema
		}
		return withTagEnum(llm.GenerateSchema[shape[string]](), el.Tags)
	}
	return textSchema
}

func withTagEnum(schema map[string]any, tags []string) map[string]any {
	props := schema["properties"].(map[string]any)
	value := props["value"].(map[string]any)
	value["enum"] = tags
	return schema
}

func valueContract(el assessment.Element) string {
	switch el.ValueType {
	case assessment.ValueScore:
		return `"value": a number between 0 and 1`
	case assessment.ValueTag:
		if len(el.Tags) > 0 {
			return fmt.Sprintf(`"value": exactly one of %s`, strings.Join(el.Tags, ", "))
		}
		return `"value": a short lowercase tag`
	case assessment.ValueRange:
		return `"value": {"low": number, "high": number} with low <= high`
	}
	return `"value": a short free-text answer`
}

func buildElementPrompt(el assessment.Element, window []Turn) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Element: %s\n", el.Name)
	if el.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", el.Description)
	}
	fmt.Fprintf(&b, "Value type: %s\n\n", el.ValueType)
	b.WriteString(strings.TrimSpace(el.Prompt))
	b.WriteString("\n\nConversation:\n")
	b.WriteString(transcript(window))
	b.WriteString("\nRespond with a single JSON object:\n")
	b.WriteString("- " + valueContract(el) + "\n")
	b.WriteString(`- "reasoning": one or two sentences` + "\n")
	b.WriteString(`- "evidence": verbatim excerpts from the user's messages` + "\n")
	b.WriteString(`- "confidence": a number between 0 and 1` + "\n")
	b.WriteString(`- "questions": follow-up questions that would sharpen this assessment, possibly empty` + "\n")
	return b.String()
}

const correctionSystemPrompt = `You revise an assessment of a user after the user told you it was wrong.
The user's correction outranks the earlier reasoning. Keep the value type unchanged.
Lower your confidence unless the correction itself settles the question.`

// revision is the response contract for a corrected assessment.
type revision[V any] struct {
	Value      V       `json:"value"`
	Reasoning  string  `json:"reasoning"`
	Confidence float64 `json:"confidence"`
}

func revisionSchema(el assessment.Element) map[string]any {
	switch el.ValueType {
	case assessment.ValueScore:
		return llm.GenerateSchema[revision[float64]]()
	case assessment.ValueRange:
		return llm.GenerateSchema[revision[assessment.Range]]()
	case assessment.ValueTag:
		if len(el.Tags) > 0 {
			return withTagEnum(llm.GenerateSchema[revision[string]](), el.Tags)
		}
	}
	return llm.GenerateSchema[revision[string]]()
}

func buildCorrectionPrompt(el assessment.Element, current assessment.Assessment, corr assessment.Correction, evidence []assessment.Evidence) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Element: %s\n", el.Name)
	if el.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", el.Description)
	}
	fmt.Fprintf(&b, "Value type: %s\n\n", el.ValueType)

	b.WriteString("Current assessment:\n")
	fmt.Fprintf(&b, "- Value: %s\n", current.Value)
	fmt.Fprintf(&b, "- Reasoning: %s\n", strings.TrimSpace(current.Reasoning))
	fmt.Fprintf(&b, "- Confidence: %.2f\n\n", current.Confidence)

	if len(evidence) > 0 {
		b.WriteString("What the user said:\n")
		for _, ev := range evidence {
			fmt.Fprintf(&b, "- %s\n", strings.TrimSpace(ev.UserMessage))
		}
		b.WriteByte('\n')
	}

	b.WriteString("User correction:\n")
	fmt.Fprintf(&b, "- Type: %s\n", corr.Type)
	if corr.Value != nil {
		fmt.Fprintf(&b, "- New value: %s\n", corr.Value)
	}
	if note := strings.TrimSpace(corr.Explanation); note != "" {
		fmt.Fprintf(&b, "- Explanation: %s\n", note)
	}

	b.WriteString("\nRespond with a single JSON object:\n")
	b.WriteString("- " + valueContract(el) + "\n")
	b.WriteString(`- "reasoning": updated reasoning that takes the correction into account` + "\n")
	b.WriteString(`- "confidence": a number between 0 and 1` + "\n")
	return b.String()
}
