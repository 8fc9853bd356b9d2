package llmjudge

import (
	"bytes"
	"text/template"
)

var (
	systemPromptTemplate = template.Must(template.New("systemPrompt").Parse(
		`You are a strict evaluator of AI agent outputs. You score a single [AGENT_OUTPUT] against a single [CRITERIA].

### Scoring

* Return a score between 0.0 and 1.0.
* 1.0 means the output fully satisfies the criteria.
* 0.0 means the output does not satisfy the criteria at all, is empty, or is an error.
* Partial satisfaction gets a proportional score. Do not round up.
* Judge the meaning of the output, not its formatting, unless the criteria is about format.
* Output that could only pass under a generous reading should score below 0.5.

<criteria>
{{.Criteria}}
</criteria>

You MUST always respond by calling the ` + "`" + JudgementToolName + "`" + ` tool with:
- score: number between 0.0 and 1.0
- reason: a short explanation that names what is missing or wrong

Do not add any conversational text.
`))

	userPromptTemplate = template.Must(template.New("userPrompt").Parse(
		`{{if .Target}}<target>
{{.Target}}
</target>

{{end}}<agent_output_to_evaluate>
{{.Actual}}
</agent_output_to_evaluate>

Score how well <agent_output_to_evaluate> satisfies the criteria.
`))
)

type SystemPromptData struct {
	Criteria string
}

type UserPromptData struct {
	// Target is the name of the evaluated output, when known.
	Target string
	Actual string
}

func BuildSystemPrompt(data SystemPromptData) (string, error) {
	var out bytes.Buffer
	err := systemPromptTemplate.Execute(&out, data)
	if err != nil {
		return "", err
	}

	return out.String(), nil
}

func BuildUserPrompt(data UserPromptData) (string, error) {
	var out bytes.Buffer
	err := userPromptTemplate.Execute(&out, data)
	if err != nil {
		return "", err
	}

	return out.String(), nil
}
