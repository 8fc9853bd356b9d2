package fixer

import (
	"bytes"
	"sort"
	"text/template"

	"github.com/kaizen-agent/kaizen/pkg/llmjudge"
)

var systemPrompt = `You repair AI agents whose tests are failing. You are given the failing test steps and the full source of the files you may change.

### Rules

* Change only the files you were given. Use their paths exactly as given.
* Return the complete new content of each file you change, never a diff or an excerpt.
* Prefer the smallest change that fixes the failures: prompts, instructions and parsing before structure.
* Keep every public function, class and method signature the tests call.
* Do not repeat a change listed under earlier attempts that did not help.
* If no change to these files can fix the failures, set noFix to true.

You MUST respond by calling the ` + "`" + FixToolName + "`" + ` tool. Do not add any conversational text.
`

var userPromptTemplate = template.Must(template.New("userPrompt").Funcs(template.FuncMap{
	"render":  llmjudge.Render,
	"percent": func(rate float64) float64 { return rate * 100 },
}).Parse(
	`Agent {{.Agent}} fails {{len .FailingSteps}} step(s) of suite {{.Suite}}.

{{range .FailingSteps}}<failing_step name="{{.Name}}">
{{if .Description}}<description>{{.Description}}</description>
{{end}}{{range .Inputs}}<input>{{.}}</input>
{{end}}{{if .Expected}}<expected_output>
{{render .Expected}}
</expected_output>
{{end}}{{if .Error}}<error>
{{.Error}}
</error>
{{else}}<output>
{{render .Output}}
</output>
{{end}}{{range $name, $v := .Variables}}<variable name="{{$name}}">{{render $v}}</variable>
{{end}}{{range .Failures}}<failure>{{.}}</failure>
{{end}}</failing_step>

{{end}}{{if .History}}<earlier_attempts>
{{range .History}}- attempt {{.Index}}: {{printf "%.0f" (percent .SuccessRate)}}% passing{{if .Kept}}, kept{{else}}, reverted{{end}}: {{.Description}}
{{end}}</earlier_attempts>

{{end}}{{range .Files}}<file path="{{.Path}}">
{{.Source}}
</file>

{{end}}Fix the agent so that the failing steps pass without breaking the others.
`))

type promptFile struct {
	Path   string
	Source string
}

type promptData struct {
	*Request
	Files []promptFile
}

// BuildUserPrompt renders req with its files in path order.
func BuildUserPrompt(req *Request) (string, error) {
	data := promptData{Request: req}
	for path, source := range req.Files {
		data.Files = append(data.Files, promptFile{Path: path, Source: source})
	}
	sort.Slice(data.Files, func(i, j int) bool { return data.Files[i].Path < data.Files[j].Path })

	var out bytes.Buffer
	if err := userPromptTemplate.Execute(&out, data); err != nil {
		return "", err
	}
	return out.String(), nil
}
