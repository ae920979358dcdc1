// Package harness runs conformance scenarios against the evaluation bridge.
//
// A scenario is a YAML file naming a set of predicates and a sequence of
// steps (register, trigger, callback, expire, advance, read, and oracle
// outages). Each step may carry an expect clause. The harness executes the
// steps against a real in-memory SQLite store with a manual clock, sequential
// request handles and a fake oracle that never answers on its own, so every
// run of a scenario produces the same audit log.
//
// After the last step every registered predicate is checked against its own
// audit log with store.VerifyLog, and the audit log plus the final state is
// available as a golden trace:
//
//	go test ./internal/harness -update
//
// regenerates testdata/golden.
package harness
