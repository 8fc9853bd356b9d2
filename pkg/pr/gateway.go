package pr

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// Gateway opens pull requests.
type Gateway interface {
	Create(ctx context.Context, req *Request) (string, error)
}

// CommandRunner runs binary with args in dir and returns its trimmed
// combined output.
type CommandRunner func(ctx context.Context, dir, binary string, args ...string) (string, error)

// GitHubCLI commits the files of a request on a new branch, pushes it and
// opens the pull request with gh.
type GitHubCLI struct {
	Dir    string
	Remote string
	Run    CommandRunner
}

var _ Gateway = &GitHubCLI{}

func NewGitHubCLI(dir string) *GitHubCLI {
	return &GitHubCLI{Dir: dir, Remote: "origin", Run: runCommand}
}

// Check verifies that git and gh are usable from Dir.
func (g *GitHubCLI) Check(ctx context.Context) error {
	if _, err := g.Run(ctx, g.Dir, "git", "rev-parse", "--is-inside-work-tree"); err != nil {
		return fmt.Errorf("not a git repository: %w", err)
	}
	if _, err := g.Run(ctx, g.Dir, "gh", "auth", "status"); err != nil {
		return fmt.Errorf("gh CLI is not authenticated: %w", err)
	}
	return nil
}

// Create returns the URL of the new pull request. The current branch is
// checked out again afterwards.
func (g *GitHubCLI) Create(ctx context.Context, req *Request) (string, error) {
	if len(req.Files) == 0 {
		return "", fmt.Errorf("pull request has no files")
	}

	current, err := g.Run(ctx, g.Dir, "git", "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}

	if _, err := g.Run(ctx, g.Dir, "git", "checkout", "-b", req.Branch); err != nil {
		return "", err
	}
	defer func() {
		_, _ = g.Run(context.WithoutCancel(ctx), g.Dir, "git", "checkout", current)
	}()

	files := make([]string, 0, len(req.Files))
	for _, f := range req.Files {
		if rel, err := filepath.Rel(g.Dir, f); err == nil && !strings.HasPrefix(rel, "..") {
			f = rel
		}
		files = append(files, f)
	}

	steps := [][]string{
		append([]string{"git", "add", "--"}, files...),
		{"git", "commit", "-m", req.Title},
		{"git", "push", "-u", g.Remote, req.Branch},
	}
	for _, step := range steps {
		if _, err := g.Run(ctx, g.Dir, step[0], step[1:]...); err != nil {
			return "", err
		}
	}

	url, err := g.Run(ctx, g.Dir, "gh", "pr", "create",
		"--base", req.Base,
		"--head", req.Branch,
		"--title", req.Title,
		"--body", req.Body,
	)
	if err != nil {
		return "", err
	}

	return url, nil
}

func runCommand(ctx context.Context, dir, binary string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = dir
	cmd.Env = mergeEnv(os.Environ(), map[string]string{
		"GIT_PAGER":           "cat",
		"GIT_TERMINAL_PROMPT": "0",
		"GH_PROMPT_DISABLED":  "1",
		"GH_PAGER":            "cat",
		"NO_COLOR":            "1",
	})

	output, err := cmd.CombinedOutput()
	result := strings.TrimSpace(string(output))
	if err != nil {
		if result != "" {
			return "", fmt.Errorf("%s %s failed: %s", binary, strings.Join(args, " "), result)
		}
		return "", fmt.Errorf("%s %s failed: %w", binary, strings.Join(args, " "), err)
	}
	return result, nil
}

func mergeEnv(base []string, overrides map[string]string) []string {
	env := make(map[string]string, len(base)+len(overrides))
	for _, entry := range base {
		if key, value, ok := strings.Cut(entry, "="); ok {
			env[key] = value
		}
	}
	for key, value := range overrides {
		env[key] = value
	}

	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	merged := make([]string, 0, len(env))
	for _, key := range keys {
		merged = append(merged, key+"="+env[key])
	}
	return merged
}
