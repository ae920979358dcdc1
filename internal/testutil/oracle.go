package testutil

import (
	"context"
	"sync"

	"github.com/roach88/predcache/internal/oracle"
)

// FakeOracle records submitted requests and never answers them.
// Tests deliver results by calling the bridge callback themselves.
type FakeOracle struct {
	mu       sync.Mutex
	requests []oracle.Request
	err      error
}

// NewFakeOracle creates a FakeOracle that accepts every request.
func NewFakeOracle() *FakeOracle {
	return &FakeOracle{}
}

// Submit records req, or returns the configured failure without recording.
func (f *FakeOracle) Submit(_ context.Context, req oracle.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.requests = append(f.requests, req)
	return nil
}

// FailWith makes subsequent submissions fail with err. nil restores acceptance.
func (f *FakeOracle) FailWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Requests returns a copy of the accepted requests in submission order.
func (f *FakeOracle) Requests() []oracle.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]oracle.Request, len(f.requests))
	copy(out, f.requests)
	return out
}

// Last returns the most recent accepted request.
func (f *FakeOracle) Last() (oracle.Request, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return oracle.Request{}, false
	}
	return f.requests[len(f.requests)-1], true
}
