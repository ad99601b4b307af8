package persistence

import "sync"

// CorruptedFileCollector records the names of persisted files that could not
// be deserialized so they can be surfaced to the user later.
type CorruptedFileCollector struct {
	mu    sync.Mutex
	files []string
	seen  map[string]bool
}

// NewCorruptedFileCollector creates an empty collector.
func NewCorruptedFileCollector() *CorruptedFileCollector {
	return &CorruptedFileCollector{seen: make(map[string]bool)}
}

// AddFile records fileName. Repeated names are recorded once.
func (c *CorruptedFileCollector) AddFile(fileName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seen[fileName] {
		return
	}
	c.seen[fileName] = true
	c.files = append(c.files, fileName)
}

// Files returns the recorded file names in the order they were reported.
func (c *CorruptedFileCollector) Files() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.files))
	copy(out, c.files)
	return out
}
