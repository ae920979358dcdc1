// Package compiler turns CUE predicate definition files into validated
// conditions ready for registration.
//
// A definition file declares named predicates under the top-level
// "predicate" field:
//
//	predicate: btc_above_30k: {
//		policy: "AND"
//		conditions: [{
//			endpoint:  "https://api.example.com/btc"
//			json_path: "bitcoin.usd"
//			operator:  "GT"
//			threshold: 30000
//		}]
//	}
//
// Each predicate is unified with the #Predicate schema, so defaults
// (auth_type "none", policy "AND") apply and type errors carry file
// positions. The result is then checked with the same validation the store
// runs at registration.
package compiler

import (
	"fmt"
	"math/big"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/predcache/internal/ir"
)

// Definition is one compiled predicate.
type Definition struct {
	Name       string         `json:"name"`
	Policy     ir.Policy      `json:"policy"`
	Conditions []ir.Condition `json:"conditions"`
}

// SchemaFile names the embedded schema in CUE positions.
const SchemaFile = "schema.cue"

// Schema constrains predicate definitions. It is unified with every
// predicate before compilation.
const Schema = `
#Condition: {
	endpoint:  string & =~"^https?://"
	auth_type: *"none" | "bearer" | "api_key"
	json_path: string & !=""
	operator:  "GT" | "LT" | "EQ" | ">" | "<" | "==" | "gt" | "lt" | "eq"
	threshold: int | string
}

#Predicate: {
	policy:     *"AND" | "OR" | "and" | "or"
	conditions: [#Condition, ...#Condition]
}
`

// CompilePredicate parses a CUE value into a Definition.
//
// The value should be the predicate struct itself, e.g.:
//
//	v := ctx.CompileString(src)
//	def, err := CompilePredicate(v.LookupPath(cue.ParsePath("predicate.btc_above_30k")))
func CompilePredicate(v cue.Value) (*Definition, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	def := &Definition{}
	if labels := v.Path().Selectors(); len(labels) > 0 {
		def.Name = labels[len(labels)-1].String()
	}

	schema := v.Context().CompileString(Schema, cue.Filename(SchemaFile))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	v = v.Unify(schema.LookupPath(cue.ParsePath("#Predicate")))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	policyVal := v.LookupPath(cue.ParsePath("policy"))
	policyText, err := stringOf(policyVal)
	if err != nil {
		return nil, err
	}
	def.Policy, err = ir.ParsePolicy(policyText)
	if err != nil {
		return nil, &CompileError{Field: "policy", Message: err.Error(), Pos: policyVal.Pos()}
	}

	iter, err := v.LookupPath(cue.ParsePath("conditions")).List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for i := 0; iter.Next(); i++ {
		c, err := parseCondition(iter.Value(), fmt.Sprintf("conditions[%d]", i))
		if err != nil {
			return nil, err
		}
		def.Conditions = append(def.Conditions, c)
	}

	if err := ir.ValidateConditions(def.Conditions, def.Policy); err != nil {
		var e *ir.Error
		if errors.As(err, &e) {
			return nil, &CompileError{Field: e.Field, Message: e.Message, Pos: v.Pos()}
		}
		return nil, err
	}
	return def, nil
}

func parseCondition(v cue.Value, field string) (ir.Condition, error) {
	var c ir.Condition

	endpoint, err := stringOf(v.LookupPath(cue.ParsePath("endpoint")))
	if err != nil {
		return c, err
	}
	c.Endpoint = endpoint

	auth, err := stringOf(v.LookupPath(cue.ParsePath("auth_type")))
	if err != nil {
		return c, err
	}
	c.AuthType = ir.AuthType(auth)

	path, err := stringOf(v.LookupPath(cue.ParsePath("json_path")))
	if err != nil {
		return c, err
	}
	c.JSONPath = path

	opVal := v.LookupPath(cue.ParsePath("operator"))
	opText, err := stringOf(opVal)
	if err != nil {
		return c, err
	}
	c.Operator, err = ir.ParseOperator(opText)
	if err != nil {
		return c, &CompileError{Field: field + ".operator", Message: err.Error(), Pos: opVal.Pos()}
	}

	c.Threshold, err = parseThreshold(v.LookupPath(cue.ParsePath("threshold")), field+".threshold")
	if err != nil {
		return c, err
	}
	return c, nil
}

// parseThreshold accepts a CUE int of any size or a decimal string.
// Floats never reach here: the schema admits only int or string.
func parseThreshold(v cue.Value, field string) (*big.Int, error) {
	switch v.Kind() {
	case cue.IntKind:
		n, err := v.Int(nil)
		if err != nil {
			return nil, formatCUEError(err)
		}
		return n, nil
	case cue.StringKind:
		s, err := v.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		n, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return nil, &CompileError{Field: field, Message: fmt.Sprintf("%q is not a decimal integer", s), Pos: v.Pos()}
		}
		return n, nil
	}
	return nil, &CompileError{Field: field, Message: fmt.Sprintf("unsupported kind %v", v.Kind()), Pos: v.Pos()}
}

func stringOf(v cue.Value) (string, error) {
	d, _ := v.Default()
	s, err := d.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors. Positions inside
// the embedded schema are skipped in favour of the definition file.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	firstErr := errs[0]
	ce := &CompileError{Field: "cue", Message: firstErr.Error()}
	for _, pos := range errors.Positions(firstErr) {
		if pos.IsValid() && pos.Filename() != SchemaFile {
			ce.Pos = pos
			break
		}
	}
	return ce
}
