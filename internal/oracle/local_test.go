package oracle

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/predcache/internal/ir"
)

// priceServer serves {"price": p, "volume": v} and checks credentials.
func priceServer(t *testing.T, price, volume string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/bearer":
			if r.Header.Get("Authorization") != "Bearer s3cret" {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		case "/apikey":
			if r.Header.Get("X-API-Key") != "k3y" {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		case "/down":
			http.Error(w, "down", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"price": %s, "volume": %s}`, price, volume)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func cond(endpoint, path string, op ir.Operator, threshold int64) ir.Condition {
	return ir.Condition{
		Endpoint:  endpoint,
		AuthType:  ir.AuthNone,
		JSONPath:  path,
		Operator:  op,
		Threshold: big.NewInt(threshold),
	}
}

func TestLocal_Evaluate(t *testing.T) {
	srv := priceServer(t, "31000.9", "1500")
	l := NewLocal(WithSecrets(Secrets{BearerToken: "s3cret", APIKey: "k3y"}))
	ctx := context.Background()

	bearer := cond(srv.URL+"/bearer", "price", ir.OpGT, 30000)
	bearer.AuthType = ir.AuthBearer
	apiKey := cond(srv.URL+"/apikey", "volume", ir.OpGT, 1000)
	apiKey.AuthType = ir.AuthAPIKey

	tests := []struct {
		name   string
		conds  []ir.Condition
		policy ir.Policy
		want   ir.Result
	}{
		{"both hold under AND", []ir.Condition{bearer, apiKey}, ir.PolicyAND, ir.ResultTrue},
		{"one fails under AND", []ir.Condition{bearer, cond(srv.URL, "volume", ir.OpGT, 2000)}, ir.PolicyAND, ir.ResultFalse},
		{"one holds under OR", []ir.Condition{cond(srv.URL, "price", ir.OpLT, 100), apiKey}, ir.PolicyOR, ir.ResultTrue},
		{"fraction truncated before EQ", []ir.Condition{cond(srv.URL, "price", ir.OpEQ, 31000)}, ir.PolicyAND, ir.ResultTrue},
		{"endpoint failure", []ir.Condition{cond(srv.URL+"/down", "price", ir.OpGT, 1)}, ir.PolicyOR, ir.ResultUnknown},
		{"missing path", []ir.Condition{cond(srv.URL, "nope", ir.OpGT, 1)}, ir.PolicyOR, ir.ResultUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := l.Evaluate(ctx, Request{Handle: "h", Conditions: tt.conds, Policy: tt.policy})
			assert.Equal(t, tt.want, DecodeResult(resp))
		})
	}
}

func TestLocal_MissingSecretFails(t *testing.T) {
	srv := priceServer(t, "1", "1")
	l := NewLocal()

	c := cond(srv.URL+"/bearer", "price", ir.OpGT, 0)
	c.AuthType = ir.AuthBearer
	resp := l.Evaluate(context.Background(), Request{Conditions: []ir.Condition{c}, Policy: ir.PolicyAND})
	assert.NotEmpty(t, resp.Err)
	assert.Contains(t, resp.Err, "status 401")
}

type recorder struct {
	mu      sync.Mutex
	handles []string
	results []ir.Result
	done    chan struct{}
	want    int
}

func (r *recorder) deliver(_ context.Context, handle string, resp Response) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles = append(r.handles, handle)
	r.results = append(r.results, DecodeResult(resp))
	if len(r.handles) == r.want {
		close(r.done)
	}
	return nil
}

func TestLocal_RunDeliversInOrder(t *testing.T) {
	srv := priceServer(t, "31000", "1500")
	rec := &recorder{done: make(chan struct{}), want: 3}

	l := NewLocal()
	l.Attach(rec.deliver)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- l.Run(ctx) }()

	for i, threshold := range []int64{30000, 40000, 0} {
		req := Request{
			Handle:     fmt.Sprintf("h%d", i),
			Conditions: []ir.Condition{cond(srv.URL, "price", ir.OpGT, threshold)},
			Policy:     ir.PolicyAND,
		}
		require.NoError(t, l.Submit(ctx, req))
	}

	select {
	case <-rec.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for deliveries")
	}

	assert.Equal(t, []string{"h0", "h1", "h2"}, rec.handles)
	assert.Equal(t, []ir.Result{ir.ResultTrue, ir.ResultFalse, ir.ResultTrue}, rec.results)

	l.Stop()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}

	assert.ErrorIs(t, l.Submit(ctx, Request{Handle: "late"}), ErrClosed)
}

func TestLocal_RunStopsOnCancel(t *testing.T) {
	l := NewLocal()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- l.Run(ctx) }()

	cancel()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestLocal_RunOnce(t *testing.T) {
	srv := priceServer(t, "5", "5")
	rec := &recorder{done: make(chan struct{}), want: 2}
	l := NewLocal()
	l.Attach(rec.deliver)
	ctx := context.Background()

	require.NoError(t, l.Submit(ctx, Request{Handle: "a", Conditions: []ir.Condition{cond(srv.URL, "price", ir.OpEQ, 5)}, Policy: ir.PolicyAND}))
	require.NoError(t, l.Submit(ctx, Request{Handle: "b", Conditions: []ir.Condition{cond(srv.URL, "price", ir.OpEQ, 6)}, Policy: ir.PolicyAND}))
	assert.Equal(t, 2, l.Pending())

	assert.Equal(t, 2, l.RunOnce(ctx))
	assert.Equal(t, 0, l.Pending())
	assert.Equal(t, []ir.Result{ir.ResultTrue, ir.ResultFalse}, rec.results)
}
