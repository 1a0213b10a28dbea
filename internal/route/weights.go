// Package route implements the smart router: per-request upstream selection
// driven by privacy classification, task-type heuristics, complexity scoring,
// system health, and a weighted random draw over dynamic weights.
package route

import (
	"maps"
	"sync"
)

// Weights holds the dynamic per-upstream routing weights. All weights sum to
// 100; the optimizer replaces the whole table atomically while the hot path
// reads a snapshot under an RLock.
type Weights struct {
	mu sync.RWMutex
	w  map[string]float64
}

// NewWeights creates a weight table from an initial assignment.
func NewWeights(initial map[string]float64) *Weights {
	w := make(map[string]float64, len(initial))
	maps.Copy(w, initial)
	return &Weights{w: w}
}

// Lookup returns the dynamic weight for an upstream.
func (ws *Weights) Lookup(name string) (float64, bool) {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	v, ok := ws.w[name]
	return v, ok
}

// Snapshot returns a copy of the full weight table.
func (ws *Weights) Snapshot() map[string]float64 {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	out := make(map[string]float64, len(ws.w))
	maps.Copy(out, ws.w)
	return out
}

// Replace swaps in a new weight table.
func (ws *Weights) Replace(next map[string]float64) {
	w := make(map[string]float64, len(next))
	maps.Copy(w, next)
	ws.mu.Lock()
	ws.w = w
	ws.mu.Unlock()
}
