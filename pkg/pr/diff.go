// Package pr decides whether the kept attempt of a run is worth a pull
// request and opens one through git and the GitHub CLI.
package pr

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

const contextLines = 3

// FileDiff is the unified diff of one file between the baseline and the kept
// attempt.
type FileDiff struct {
	Path    string `json:"path"`
	Unified string `json:"unified"`
	Added   int    `json:"added"`
	Deleted int    `json:"deleted"`
}

// Diff returns the diffs of the files whose content differs between baseline
// and best, sorted by path. Files missing from baseline diff against empty
// content.
func Diff(baseline, best map[string]string) []FileDiff {
	paths := make([]string, 0, len(best))
	for path := range best {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	var diffs []FileDiff
	for _, path := range paths {
		before, after := baseline[path], best[path]
		if before == after {
			continue
		}
		diffs = append(diffs, unified(path, before, after))
	}
	return diffs
}

type lineOp struct {
	kind diffmatchpatch.Operation
	text string
}

func lineOps(before, after string) []lineOp {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var ops []lineOp
	for _, d := range diffs {
		text := strings.TrimSuffix(d.Text, "\n")
		for _, line := range strings.Split(text, "\n") {
			ops = append(ops, lineOp{kind: d.Type, text: line})
		}
	}
	return ops
}

func unified(path, before, after string) FileDiff {
	fd := FileDiff{Path: path}
	ops := lineOps(before, after)

	var out strings.Builder
	fmt.Fprintf(&out, "--- a/%s\n+++ b/%s\n", path, path)

	// Line numbers before each op, 1-based.
	oldLine := make([]int, len(ops))
	newLine := make([]int, len(ops))
	o, n := 1, 1
	for i, op := range ops {
		oldLine[i], newLine[i] = o, n
		switch op.kind {
		case diffmatchpatch.DiffEqual:
			o++
			n++
		case diffmatchpatch.DiffDelete:
			o++
			fd.Deleted++
		case diffmatchpatch.DiffInsert:
			n++
			fd.Added++
		}
	}

	for start := 0; start < len(ops); {
		first := start
		for first < len(ops) && ops[first].kind == diffmatchpatch.DiffEqual {
			first++
		}
		if first == len(ops) {
			break
		}

		// Extend the hunk while the gap between changes is at most two
		// context blocks.
		last := first
		for i := first; i < len(ops); i++ {
			if ops[i].kind != diffmatchpatch.DiffEqual {
				last = i
				continue
			}
			if i-last > 2*contextLines {
				break
			}
		}

		from := max(first-contextLines, 0)
		to := min(last+contextLines+1, len(ops))

		var oldCount, newCount int
		var body strings.Builder
		for _, op := range ops[from:to] {
			switch op.kind {
			case diffmatchpatch.DiffEqual:
				oldCount++
				newCount++
				body.WriteString(" " + op.text + "\n")
			case diffmatchpatch.DiffDelete:
				oldCount++
				body.WriteString("-" + op.text + "\n")
			case diffmatchpatch.DiffInsert:
				newCount++
				body.WriteString("+" + op.text + "\n")
			}
		}

		fmt.Fprintf(&out, "@@ -%d,%d +%d,%d @@\n", oldLine[from], oldCount, newLine[from], newCount)
		out.WriteString(body.String())
		start = to
	}

	fd.Unified = out.String()
	return fd
}
