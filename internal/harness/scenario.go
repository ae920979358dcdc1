package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/predcache/internal/ir"
)

// Scenario defines a conformance test scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// HandlePrefix prefixes the sequential request handles. Defaults to "req".
	HandlePrefix string `yaml:"handle_prefix,omitempty"`

	// FeePerUpdate is the decimal fee charged per applied callback.
	FeePerUpdate string `yaml:"fee_per_update,omitempty"`

	// Definitions is an optional CUE file of predicate definitions.
	// Relative paths are resolved against the scenario file.
	Definitions string `yaml:"definitions,omitempty"`

	// Predicates are the predicates steps refer to by name.
	Predicates []PredicateSpec `yaml:"predicates"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`
}

// PredicateSpec describes one predicate. Either Definition names an entry of
// the scenario's CUE definitions, or Conditions lists the conditions inline.
type PredicateSpec struct {
	Name       string          `yaml:"name"`
	Owner      string          `yaml:"owner,omitempty"`
	Definition string          `yaml:"definition,omitempty"`
	Policy     string          `yaml:"policy,omitempty"`
	Conditions []ConditionSpec `yaml:"conditions,omitempty"`
}

// ConditionSpec is the YAML form of ir.Condition. Threshold is a decimal
// string so values beyond 64 bits survive YAML decoding.
type ConditionSpec struct {
	Endpoint  string `yaml:"endpoint"`
	AuthType  string `yaml:"auth_type,omitempty"`
	JSONPath  string `yaml:"json_path"`
	Operator  string `yaml:"operator"`
	Threshold string `yaml:"threshold"`
}

// Step is one scenario action.
type Step struct {
	// Do is the action: register, trigger, callback, expire, advance, read,
	// oracle_down or oracle_up.
	Do string `yaml:"do"`

	// Predicate names the PredicateSpec the step acts on.
	Predicate string `yaml:"predicate,omitempty"`

	// As overrides the principal presented by trigger and callback steps.
	As string `yaml:"as,omitempty"`

	// Handle overrides the request handle of a callback. By default a
	// callback answers the last handle issued for its predicate.
	Handle string `yaml:"handle,omitempty"`

	// Result is the callback payload: true, false, error or malformed.
	Result string `yaml:"result,omitempty"`

	// Reason is the oracle error text for result "error" and oracle_down.
	Reason string `yaml:"reason,omitempty"`

	// Duration is the clock advance, or the max age of an expire step.
	Duration string `yaml:"duration,omitempty"`

	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect is checked after a step. Unset fields are not checked.
type Expect struct {
	// Error is the expected error code, e.g. EVALUATION_IN_PROGRESS.
	Error string `yaml:"error,omitempty"`

	// Handle is the request handle a trigger must return.
	Handle string `yaml:"handle,omitempty"`

	// Result, UpdateCount, Pending, Fee and Static are checked by read steps.
	Result      string  `yaml:"result,omitempty"`
	UpdateCount *uint64 `yaml:"update_count,omitempty"`
	Pending     *bool   `yaml:"pending,omitempty"`
	Fee         string  `yaml:"fee,omitempty"`
	Static      *uint64 `yaml:"static,omitempty"`

	// Expired is the number of requests an expire step must clear.
	Expired *int `yaml:"expired,omitempty"`
}

// Step actions.
const (
	DoRegister   = "register"
	DoTrigger    = "trigger"
	DoCallback   = "callback"
	DoExpire     = "expire"
	DoAdvance    = "advance"
	DoRead       = "read"
	DoOracleDown = "oracle_down"
	DoOracleUp   = "oracle_up"
)

// Callback payloads.
const (
	CallbackTrue      = "true"
	CallbackFalse     = "false"
	CallbackError     = "error"
	CallbackMalformed = "malformed"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	scenario, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}

	if scenario.Definitions != "" && !filepath.IsAbs(scenario.Definitions) {
		scenario.Definitions = filepath.Join(filepath.Dir(path), scenario.Definitions)
	}
	if scenario.Definitions != "" {
		if _, err := os.Stat(scenario.Definitions); err != nil {
			return nil, fmt.Errorf("invalid scenario: definitions file: %w", err)
		}
	}
	return scenario, nil
}

// ParseScenario parses scenario YAML with strict field checking.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// LoadDir loads every *.yaml scenario in dir, sorted by file name.
func LoadDir(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	scenarios := make([]*Scenario, 0, len(paths))
	for _, p := range paths {
		s, err := LoadScenario(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	names := make(map[string]bool, len(s.Predicates))
	for i, p := range s.Predicates {
		if p.Name == "" {
			return fmt.Errorf("predicates[%d]: name is required", i)
		}
		if names[p.Name] {
			return fmt.Errorf("predicates[%d]: duplicate name %q", i, p.Name)
		}
		names[p.Name] = true
		if p.Definition != "" && len(p.Conditions) > 0 {
			return fmt.Errorf("predicates[%d]: definition and conditions are mutually exclusive", i)
		}
		if p.Definition != "" && s.Definitions == "" {
			return fmt.Errorf("predicates[%d]: definition %q needs a definitions file", i, p.Definition)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(i, step, names); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(i int, step Step, predicates map[string]bool) error {
	switch step.Do {
	case DoRegister, DoTrigger, DoCallback, DoRead:
		if step.Predicate == "" && !(step.Do == DoCallback && step.Handle != "") {
			return fmt.Errorf("steps[%d]: %s needs a predicate", i, step.Do)
		}
		if step.Predicate != "" && !predicates[step.Predicate] {
			return fmt.Errorf("steps[%d]: unknown predicate %q", i, step.Predicate)
		}
	case DoExpire, DoAdvance:
		if _, err := time.ParseDuration(step.Duration); err != nil {
			return fmt.Errorf("steps[%d]: %s needs a duration: %v", i, step.Do, err)
		}
	case DoOracleDown, DoOracleUp:
	case "":
		return fmt.Errorf("steps[%d]: do is required", i)
	default:
		return fmt.Errorf("steps[%d]: unknown action %q", i, step.Do)
	}

	if step.Do == DoCallback {
		switch step.Result {
		case CallbackTrue, CallbackFalse, CallbackError, CallbackMalformed:
		default:
			return fmt.Errorf("steps[%d]: callback result must be true, false, error or malformed, got %q", i, step.Result)
		}
	}

	if step.Expect != nil {
		if step.Expect.Result != "" {
			if _, err := ir.ParseResult(step.Expect.Result); err != nil {
				return fmt.Errorf("steps[%d].expect: %v", i, err)
			}
		}
	}
	return nil
}
