package testutil

import (
	"fmt"
	"sync"
)

// SequentialHandles generates request handles "<prefix>-0001", "<prefix>-0002", ...
//
// Unlike bridge.FixedGenerator it never runs out, so a scenario can trigger
// as often as it likes and still produce byte-identical audit logs.
//
// Thread-safety: safe for concurrent use via internal mutex.
type SequentialHandles struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialHandles creates a generator. An empty prefix means "req".
func NewSequentialHandles(prefix string) *SequentialHandles {
	if prefix == "" {
		prefix = "req"
	}
	return &SequentialHandles{prefix: prefix}
}

// Generate returns the next handle.
func (g *SequentialHandles) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%04d", g.prefix, g.n)
}

// Peek returns the handle the next Generate call will return.
func (g *SequentialHandles) Peek() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return fmt.Sprintf("%s-%04d", g.prefix, g.n+1)
}
