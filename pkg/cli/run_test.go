package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kaizen-agent/kaizen/pkg/autofix"
	"github.com/kaizen-agent/kaizen/pkg/fixer"
	"github.com/kaizen-agent/kaizen/pkg/harness/sdk"
	"github.com/kaizen-agent/kaizen/pkg/pr"
	"github.com/kaizen-agent/kaizen/pkg/results"
	"github.com/kaizen-agent/kaizen/pkg/suite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// shoutHarness serves module "agent" whose shout function upper-cases its
// input only once the source says so.
func shoutHarness() *sdk.Harness {
	h := sdk.New(sdk.Info{Name: "cli-test", Version: "0.0.1"})
	h.RegisterModule("agent", func(u sdk.Unit) (*sdk.Module, error) {
		upper := strings.Contains(u.Source, "upper()")
		return &sdk.Module{
			Functions: map[string]sdk.Func{
				"shout": func(ctx context.Context, args []any) (any, error) {
					text, _ := args[0].(string)
					if upper {
						return strings.ToUpper(text), nil
					}
					return text, nil
				},
			},
		}, nil
	})
	return h
}

const shoutSuite = `kind: TestSuite
metadata:
  name: shout
config:
  filePath: agent.py
  agent:
    module: agent
    method: shout
%s
steps:
  - name: greet
    input:
      - name: text
        type: string
        value: hi
    expectedOutput: HI
`

// whisperStep has no expected output, so it is scored by the judge.
const whisperStep = `  - name: whisper
    input:
      - name: text
        type: string
        value: psst
`

const toneTargets = `  evaluation:
    targets:
      - name: tone
        criteria: loud
`

func writeSuite(t *testing.T, extraConfig, agentSource string) (dir, suitePath string) {
	t.Helper()
	return writeSuiteWithSteps(t, extraConfig, "", agentSource)
}

func writeSuiteWithSteps(t *testing.T, extraConfig, extraSteps, agentSource string) (dir, suitePath string) {
	t.Helper()

	dir = t.TempDir()
	t.Chdir(dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "agent.py"), []byte(agentSource), 0o644))
	suitePath = filepath.Join(dir, "suite.yaml")
	content := strings.Replace(shoutSuite, "%s\n", extraConfig, 1) + extraSteps
	require.NoError(t, os.WriteFile(suitePath, []byte(content), 0o644))
	return dir, suitePath
}

func executeTest(t *testing.T, opts []Option, args ...string) (string, error) {
	t.Helper()

	cmd := NewTestCmd(opts...)
	cmd.SetArgs(args)
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)

	err := cmd.Execute()
	return buf.String(), err
}

func TestTestCommand(t *testing.T) {
	tt := map[string]struct {
		config  string
		steps   string
		source  string
		args    []string
		noHarn  bool
		want    string
		wantErr string
	}{
		"passing suite": {
			source: "def shout(x): return x.upper()\n",
			want:   "1/1 steps passed",
		},
		"failing suite exits with error": {
			source:  "def shout(x): return x\n",
			want:    "0/1 steps passed",
			wantErr: "1 of 1 steps failing",
		},
		"judge required for steps without expected output": {
			config:  toneTargets,
			steps:   whisperStep,
			source:  "def shout(x): return x\n",
			args:    []string{"--output", "json"},
			wantErr: "llmJudge is required",
		},
		"expected outputs need no judge": {
			config: toneTargets,
			source: "def shout(x): return x.upper()\n",
			want:   "1/1 steps passed",
		},
		"invalid flag override": {
			source:  "def shout(x): return x.upper()\n",
			args:    []string{"--concurrency", "0"},
			wantErr: "concurrency must be >= 1",
		},
		"no harness available": {
			source:  "def shout(x): return x.upper()\n",
			noHarn:  true,
			wantErr: "no harness command",
		},
	}

	for tn, tc := range tt {
		t.Run(tn, func(t *testing.T) {
			_, suitePath := writeSuiteWithSteps(t, tc.config, tc.steps, tc.source)

			var opts []Option
			if !tc.noHarn {
				opts = append(opts, WithHarness(shoutHarness()))
			}

			out, err := executeTest(t, opts, append([]string{suitePath}, tc.args...)...)
			if tc.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
			} else {
				require.NoError(t, err, out)
			}
			if tc.want != "" {
				assert.Contains(t, out, tc.want)
			}
		})
	}
}

func TestTestCommand_SavesResults(t *testing.T) {
	dir, suitePath := writeSuite(t, "", "def shout(x): return x.upper()\n")

	_, err := executeTest(t, []Option{WithHarness(shoutHarness())}, suitePath, "--output", "json")
	require.NoError(t, err)

	report, err := results.Load(filepath.Join(dir, "kaizen-shout-out.json"))
	require.NoError(t, err)
	assert.Equal(t, "shout", report.Suite)
	assert.True(t, report.Passed())
	assert.Equal(t, "HI", report.Best().Results[0].Return)
}

type gatewayRecorder struct {
	dir      string
	requests []*pr.Request
}

func (g *gatewayRecorder) factory(dir string) pr.Gateway {
	g.dir = dir
	return g
}

func (g *gatewayRecorder) Create(ctx context.Context, req *pr.Request) (string, error) {
	g.requests = append(g.requests, req)
	return "https://github.com/acme/shout/pull/1", nil
}

func fixServer(t *testing.T, path, content string) *httptest.Server {
	t.Helper()

	args, err := json.Marshal(map[string]any{
		"files":       []map[string]string{{"path": path, "content": content}},
		"description": "Upper-case the reply",
	})
	require.NoError(t, err)
	quoted, err := json.Marshal(string(args))
	require.NoError(t, err)

	body := `{"id":"c1","object":"chat.completion","created":0,"model":"fixer","choices":[{"index":0,"finish_reason":"tool_calls","message":{"role":"assistant","content":null,"tool_calls":[{"id":"t1","type":"function","function":{"name":"` + fixer.FixToolName + `","arguments":` + string(quoted) + `}}]}}]}`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTestCommand_AutoFixAndPullRequest(t *testing.T) {
	config := `  autoFix: true
  maxRetries: 2
  filesToFix:
    - agent.py
  fixer:
    env:
      baseUrlKey: KAIZEN_TEST_FIXER_URL
      apiKeyKey: KAIZEN_TEST_FIXER_KEY
      modelNameKey: KAIZEN_TEST_FIXER_MODEL
  pr:
    create: true
`
	dir, suitePath := writeSuite(t, config, "def shout(x): return x\n")
	agentPath := filepath.Join(dir, "agent.py")

	srv := fixServer(t, agentPath, "def shout(x): return x.upper()\n")
	t.Setenv("KAIZEN_TEST_FIXER_URL", srv.URL)
	t.Setenv("KAIZEN_TEST_FIXER_KEY", "test")
	t.Setenv("KAIZEN_TEST_FIXER_MODEL", "fixer")

	gw := &gatewayRecorder{}
	opts := []Option{
		WithHarness(shoutHarness()),
		func(o *options) { o.gateway = gw.factory },
	}

	out, err := executeTest(t, opts, suitePath)
	require.NoError(t, err, out)

	assert.Contains(t, out, "Attempt 1")
	assert.Contains(t, out, "Opened https://github.com/acme/shout/pull/1")

	data, err := os.ReadFile(agentPath)
	require.NoError(t, err)
	assert.Equal(t, "def shout(x): return x.upper()\n", string(data))

	require.Len(t, gw.requests, 1)
	assert.Equal(t, dir, gw.dir)
	assert.Equal(t, []string{agentPath}, gw.requests[0].Files)
	assert.Equal(t, "main", gw.requests[0].Base)
	assert.True(t, strings.HasPrefix(gw.requests[0].Branch, "kaizen/autofix-shout-"))
}

func TestProposePR_Skipped(t *testing.T) {
	s := &suite.TestSuite{Metadata: suite.SuiteMetadata{Name: "support"}}
	s.Config.FilePath = "/repo/agent.py"
	s.SetDefaults()

	out := &autofix.Outcome{
		Report:   sampleReport(),
		Baseline: autofix.Snapshot{"/repo/agent.py": "a\n"},
		Best:     autofix.Snapshot{"/repo/agent.py": "b\n"},
	}

	gw := &gatewayRecorder{}
	buf := new(bytes.Buffer)
	require.NoError(t, proposePR(context.Background(), buf, s, out, gw.factory))

	// Only 2 of 3 steps pass, which ALL_PASSING rejects.
	assert.Contains(t, buf.String(), "Skipped: ALL_PASSING requires every step to pass")
	assert.Empty(t, gw.requests)

	s.Config.PR.Strategy = suite.StrategyAnyImprovement
	buf.Reset()
	require.NoError(t, proposePR(context.Background(), buf, s, out, gw.factory))
	assert.Len(t, gw.requests, 1)
	assert.Equal(t, "/repo", gw.dir)
}
