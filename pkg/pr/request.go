package pr

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/kaizen-agent/kaizen/pkg/results"
)

// Request is a pull request ready to be opened.
type Request struct {
	Branch string
	Base   string
	Title  string
	Body   string
	// Files are the paths to commit; their content is already on disk.
	Files []string
}

var bodyTemplate = template.Must(template.New("body").Funcs(template.FuncMap{
	"percent": func(rate float64) string { return fmt.Sprintf("%.0f%%", rate*100) },
	"signed":  func(delta float64) string { return fmt.Sprintf("%+.0f", delta*100) },
}).Parse(`Automated fix for the **{{.Report.Suite}}** test suite.

Success rate: {{percent .Report.BaselineRate}} → {{percent .Report.FinalRate}} ({{signed .Report.Delta}} points), kept attempt {{.Report.BestAttempt}} of {{len .Report.Attempts}}.
{{with .Best}}{{if .Patch}}
{{.Patch}}
{{end}}{{end}}
### Steps

| Step | Before | After | Change |
|------|--------|-------|--------|
{{range .Report.Changes}}| {{.Step}} | {{.Baseline}} | {{.Best}} | {{.Change}} |
{{end}}
### Attempts

| Attempt | Passed | Success rate | Change |
|---------|--------|--------------|--------|
{{range .Report.Attempts}}| {{.Index}} | {{.Passed}}/{{.Total}} | {{percent .SuccessRate}} | {{if eq .Index 0}}baseline{{else if .LoadError}}failed to load{{else}}{{.Patch}}{{end}} |
{{end}}
### Files
{{range .Diffs}}
<details><summary>{{.Path}} (+{{.Added}} -{{.Deleted}})</summary>

` + "```diff" + `
{{.Unified}}` + "```" + `

</details>
{{end}}`))

type bodyData struct {
	Report *results.RunReport
	Best   *results.AttemptReport
	Diffs  []FileDiff
}

// BuildRequest renders the pull request for the kept attempt of report.
func BuildRequest(report *results.RunReport, diffs []FileDiff, base, branchPrefix string) (*Request, error) {
	var body bytes.Buffer
	if err := bodyTemplate.Execute(&body, bodyData{Report: report, Best: report.Best(), Diffs: diffs}); err != nil {
		return nil, fmt.Errorf("failed to render pull request body: %w", err)
	}

	runID := report.RunID
	if len(runID) > 8 {
		runID = runID[:8]
	}

	req := &Request{
		Branch: branchPrefix + slug(report.Suite) + "-" + runID,
		Base:   base,
		Title:  fmt.Sprintf("Fix %s: %s → %s passing", report.Suite, percent(report.BaselineRate), percent(report.FinalRate)),
		Body:   body.String(),
	}
	for _, d := range diffs {
		req.Files = append(req.Files, d.Path)
	}
	return req, nil
}

func percent(rate float64) string {
	return fmt.Sprintf("%.0f%%", rate*100)
}

func slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
