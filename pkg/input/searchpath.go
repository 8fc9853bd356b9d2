package input

import "sync"

// SearchPath is the ordered set of directories the worker resolves classes
// from. It only grows for the lifetime of a run and is replayed to every
// new worker when it is initialized.
type SearchPath struct {
	mu    sync.Mutex
	paths []string
	seen  map[string]bool
}

func NewSearchPath(paths ...string) *SearchPath {
	sp := &SearchPath{seen: make(map[string]bool)}
	for _, p := range paths {
		sp.Add(p)
	}
	return sp
}

// Add appends path and reports whether it was new.
func (sp *SearchPath) Add(path string) bool {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	if path == "" || sp.seen[path] {
		return false
	}
	sp.seen[path] = true
	sp.paths = append(sp.paths, path)
	return true
}

func (sp *SearchPath) Paths() []string {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return append([]string(nil), sp.paths...)
}
