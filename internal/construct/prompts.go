package construct

import (
	"fmt"
	"strings"

	"github.com/MikeSquared-Agency/aperture/internal/llm"
)

var draftSchema = llm.GenerateSchema[Draft]()

const generateSystem = `You design user-analytics constructs for conversational products.
A construct is a small set of elements an assistant can infer about a user from conversation.
Produce practical configurations that an extraction model can actually fill in.`

func buildGeneratePrompt(description string, guidance []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Create a construct definition for tracking the following:\n\n%q\n\n", description)
	b.WriteString(`Requirements:
- name: a descriptive snake_case identifier
- description: what the construct measures
- elements: 2 to 4 elements, each with
  - name (snake_case, unique within the construct)
  - value_type: one of score, tag, range, text
  - description of what the element captures
  - extraction_prompt: instructions for extracting the element from a conversation
  - possible_values: allowed tags for tag elements, otherwise an empty list
- use_cases: where this construct is useful
- update_frequency: every_message, every_3_messages or daily

Respond with a single JSON object.`)

	if len(guidance) > 0 {
		b.WriteString("\n\nYour previous attempt was rejected. Fix these problems:\n")
		for _, g := range guidance {
			b.WriteString("- ")
			b.WriteString(g)
			b.WriteString("\n")
		}
	}
	return b.String()
}
