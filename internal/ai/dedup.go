package ai

import (
	"sync"

	"golang.org/x/sync/singleflight"
)

// DedupSet remembers the results of tool calls processed during the current turn, keyed by tool call ID. It is safe
// for concurrent use. Concurrent requests for the same ID share a single execution
type DedupSet struct {
	mu      sync.Mutex
	results map[string]ToolResult
	group   singleflight.Group
}

func NewDedupSet() *DedupSet {
	return &DedupSet{results: map[string]ToolResult{}}
}

// Do returns the cached result for id if there is one. Otherwise it runs fn, caches its result and returns it. The
// boolean result reports whether the returned value came from the cache or from another caller's in-flight execution
func (d *DedupSet) Do(id string, fn func() ToolResult) (ToolResult, bool) {
	if result, ok := d.Lookup(id); ok {
		return result, true
	}

	v, _, shared := d.group.Do(id, func() (any, error) {
		// Re-check under the singleflight key; a previous flight may have finished between Lookup and Do
		if result, ok := d.Lookup(id); ok {
			return result, nil
		}
		result := fn()
		d.mu.Lock()
		d.results[id] = result
		d.mu.Unlock()
		return result, nil
	})
	return v.(ToolResult), shared
}

// Lookup returns the cached result for id
func (d *DedupSet) Lookup(id string) (ToolResult, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	result, ok := d.results[id]
	return result, ok
}

// Contains reports whether id has been processed this turn
func (d *DedupSet) Contains(id string) bool {
	_, ok := d.Lookup(id)
	return ok
}

// Len returns the number of processed IDs
func (d *DedupSet) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.results)
}

// Reset forgets all processed IDs. Called at the start of every turn
func (d *DedupSet) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results = map[string]ToolResult{}
}
