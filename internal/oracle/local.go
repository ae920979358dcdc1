package oracle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/roach88/predcache/internal/ir"
)

// maxBodyBytes caps a fetched endpoint response.
const maxBodyBytes = 1 << 20

// ErrClosed is returned by Submit after the simulator has stopped.
var ErrClosed = errors.New("oracle: simulator stopped")

// DeliverFunc receives the result for a request handle.
type DeliverFunc func(ctx context.Context, handle string, resp Response) error

// Secrets holds the credentials the simulator presents to endpoints.
type Secrets struct {
	BearerToken  string
	APIKey       string
	APIKeyHeader string // defaults to X-API-Key
}

// Local is an in-process compute oracle. Submit queues a request; Run
// evaluates queued requests in order and delivers each result to the
// attached DeliverFunc.
type Local struct {
	http    *http.Client
	secrets Secrets
	queue   *deliveryQueue

	mu      sync.RWMutex
	deliver DeliverFunc
}

// LocalOption configures a Local simulator.
type LocalOption func(*Local)

// WithHTTPClient sets the client used to fetch endpoints.
func WithHTTPClient(c *http.Client) LocalOption {
	return func(l *Local) { l.http = c }
}

// WithSecrets sets endpoint credentials.
func WithSecrets(s Secrets) LocalOption {
	return func(l *Local) { l.secrets = s }
}

// NewLocal creates a simulator. Attach a DeliverFunc before Run.
func NewLocal(opts ...LocalOption) *Local {
	l := &Local{
		http:  &http.Client{Timeout: 10 * time.Second},
		queue: newDeliveryQueue(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.secrets.APIKeyHeader == "" {
		l.secrets.APIKeyHeader = "X-API-Key"
	}
	return l
}

// Attach sets where results are delivered.
func (l *Local) Attach(fn DeliverFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deliver = fn
}

// Submit queues req for asynchronous evaluation.
func (l *Local) Submit(_ context.Context, req Request) error {
	if !l.queue.Enqueue(req) {
		return ErrClosed
	}
	slog.Debug("oracle request queued", "handle", req.Handle, "id", req.PredicateID)
	return nil
}

// Pending returns the number of queued requests.
func (l *Local) Pending() int {
	return l.queue.Len()
}

// Stop closes the queue. Run drains what is left and returns.
func (l *Local) Stop() {
	l.queue.Close()
}

// Run processes requests until ctx is cancelled or Stop is called.
func (l *Local) Run(ctx context.Context) error {
	slog.Info("local oracle starting")

	for {
		req, ok := l.queue.TryDequeue()
		if ok {
			l.process(ctx, req)
			continue
		}

		select {
		case <-ctx.Done():
			slog.Info("local oracle stopping: context cancelled")
			l.queue.Close()
			return ctx.Err()

		case <-l.queue.Wait():
			// A stale signal can arrive for a request already taken, so
			// only a closed and drained queue ends the loop.
			if l.queue.Drained() {
				slog.Info("local oracle stopping: queue closed")
				return nil
			}
		}
	}
}

// RunOnce evaluates and delivers every queued request, then returns.
// Used by tests and the scenario harness for deterministic delivery.
func (l *Local) RunOnce(ctx context.Context) int {
	n := 0
	for {
		req, ok := l.queue.TryDequeue()
		if !ok {
			return n
		}
		l.process(ctx, req)
		n++
	}
}

func (l *Local) process(ctx context.Context, req Request) {
	resp := l.Evaluate(ctx, req)

	l.mu.RLock()
	deliver := l.deliver
	l.mu.RUnlock()

	if deliver == nil {
		slog.Error("oracle result dropped: no deliver func attached", "handle", req.Handle)
		return
	}
	if err := deliver(ctx, req.Handle, resp); err != nil {
		slog.Error("oracle callback failed", "handle", req.Handle, "id", req.PredicateID, "error", err)
	}
}

// Evaluate fetches every condition and combines the outcomes. Any fetch or
// extraction failure yields an error response.
func (l *Local) Evaluate(ctx context.Context, req Request) Response {
	values := make([]*big.Int, len(req.Conditions))
	for i, c := range req.Conditions {
		v, err := l.fetch(ctx, c)
		if err != nil {
			slog.Warn("condition fetch failed", "handle", req.Handle, "condition", i, "error", err)
			return ErrorResponse(fmt.Errorf("condition %d: %w", i, err))
		}
		values[i] = v
	}
	ok, err := ir.EvaluateAll(req.Conditions, req.Policy, values)
	if err != nil {
		return ErrorResponse(err)
	}
	return Response{Data: EncodeResult(ok)}
}

func (l *Local) fetch(ctx context.Context, c ir.Condition) (*big.Int, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Endpoint, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/json")
	switch c.AuthType {
	case ir.AuthBearer:
		httpReq.Header.Set("Authorization", "Bearer "+l.secrets.BearerToken)
	case ir.AuthAPIKey:
		httpReq.Header.Set(l.secrets.APIKeyHeader, l.secrets.APIKey)
	}

	resp, err := l.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("GET %s: status %d", c.Endpoint, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", c.Endpoint, err)
	}
	return Extract(body, c.JSONPath)
}
