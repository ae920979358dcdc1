package harness

import (
	"context"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/predcache/internal/ir"
)

// TraceSnapshot captures the audit trace and final state of a scenario run.
// It is serialized as canonical JSON so golden files compare byte for byte.
type TraceSnapshot struct {
	ScenarioName string                    `json:"scenario_name"`
	Trace        []TraceEvent              `json:"trace"`
	State        map[string]PredicateState `json:"state"`
}

// toCanonicalMap converts a TraceSnapshot to a map[string]any for canonical JSON serialization.
// This is required because ir.MarshalCanonical only handles IR types and primitives.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	traceList := make([]any, len(s.Trace))
	for i, event := range s.Trace {
		eventMap := map[string]any{
			"seq":  event.Seq,
			"kind": event.Kind,
			"at":   event.At.UTC().Format(time.RFC3339Nano),
		}
		if event.Predicate != "" {
			eventMap["predicate"] = event.Predicate
		}
		if event.Owner != "" {
			eventMap["owner"] = event.Owner
		}
		if event.Handle != "" {
			eventMap["request_handle"] = event.Handle
		}
		if event.Result != "" {
			eventMap["result"] = event.Result
		}
		if event.UpdateCount != nil {
			eventMap["update_count"] = int64(*event.UpdateCount)
		}
		if event.Reason != "" {
			eventMap["reason"] = event.Reason
		}
		traceList[i] = eventMap
	}

	state := make(map[string]any, len(s.State))
	for name, st := range s.State {
		m := map[string]any{
			"result":       st.Result,
			"update_count": int64(st.UpdateCount),
			"fee":          st.Fee,
		}
		if st.PendingRequest != "" {
			m["pending_request"] = st.PendingRequest
		}
		state[name] = m
	}

	return map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         traceList,
		"state":         state,
	}
}

// MarshalSnapshot renders the canonical JSON golden form of a result.
func MarshalSnapshot(scenarioName string, result *Result) ([]byte, error) {
	snapshot := TraceSnapshot{
		ScenarioName: scenarioName,
		Trace:        result.Trace,
		State:        result.State,
	}
	return ir.MarshalCanonical(snapshot.toCanonicalMap())
}

// RunWithGolden executes a scenario, fails the test on any expectation
// mismatch, and compares the trace against testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) error {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return err
	}
	for _, e := range result.Errors {
		t.Error(e)
	}
	return AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares the given result's trace against a golden file
// without re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	traceJSON, err := MarshalSnapshot(scenarioName, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, traceJSON)
	return nil
}
