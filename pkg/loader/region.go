package loader

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/kaizen-agent/kaizen/pkg/suite"
)

var markerRe = regexp.MustCompile(`^\s*(?:#|//)\s*kaizen:(start|end)(?::([A-Za-z0-9_.-]+))?\s*$`)

type marker struct {
	start bool
	name  string
}

func parseMarker(line string) (marker, bool) {
	m := markerRe.FindStringSubmatch(line)
	if m == nil {
		return marker{}, false
	}

	name := m[2]
	if name == "" {
		name = suite.RegionDefault
	}
	return marker{start: m[1] == "start", name: name}, true
}

// ExtractRegion returns the lines between the start and end markers of the
// named region. The region "main" is the whole file.
func ExtractRegion(source, name string) (string, error) {
	if name == suite.RegionMain {
		return source, nil
	}

	lines := strings.Split(source, "\n")
	start := -1
	for i, line := range lines {
		mk, ok := parseMarker(line)
		if !ok || mk.name != name {
			continue
		}

		switch {
		case mk.start && start >= 0:
			return "", fmt.Errorf("region %q is opened twice (lines %d and %d)", name, start, i+1)
		case mk.start:
			start = i + 1
		case start < 0:
			return "", fmt.Errorf("region %q ends on line %d before it starts", name, i+1)
		default:
			return strings.Join(lines[start:i], "\n"), nil
		}
	}

	if start >= 0 {
		return "", fmt.Errorf("region %q starting on line %d is never closed", name, start)
	}
	return "", fmt.Errorf("region %q not found", name)
}

// Regions lists the region names declared in source, in order of their
// start markers.
func Regions(source string) []string {
	var names []string
	seen := map[string]bool{}
	for _, line := range strings.Split(source, "\n") {
		mk, ok := parseMarker(line)
		if !ok || !mk.start || seen[mk.name] {
			continue
		}
		seen[mk.name] = true
		names = append(names, mk.name)
	}
	return names
}
