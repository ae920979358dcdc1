package oracle

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/roach88/predcache/internal/ir"
)

// Extract reads the number at path from a JSON document and truncates it
// toward zero. Numeric strings are accepted; anything else is an error.
func Extract(doc []byte, path string) (*big.Int, error) {
	segs, err := ir.SplitPath(path)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	var cur any
	if err := dec.Decode(&cur); err != nil {
		return nil, fmt.Errorf("decode response body: %w", err)
	}

	for _, seg := range segs {
		if seg.IsIndex {
			arr, ok := cur.([]any)
			if !ok {
				return nil, fmt.Errorf("path %q: [%d] applied to non-array", path, seg.Index)
			}
			if seg.Index >= len(arr) {
				return nil, fmt.Errorf("path %q: index %d out of range (len %d)", path, seg.Index, len(arr))
			}
			cur = arr[seg.Index]
			continue
		}
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("path %q: key %q applied to non-object", path, seg.Key)
		}
		v, ok := obj[seg.Key]
		if !ok {
			return nil, fmt.Errorf("path %q: key %q not found", path, seg.Key)
		}
		cur = v
	}

	var text string
	switch v := cur.(type) {
	case json.Number:
		text = v.String()
	case string:
		text = strings.TrimSpace(v)
	default:
		return nil, fmt.Errorf("path %q: value %v is not a number", path, cur)
	}
	return truncate(text)
}

// maxValueBits bounds extracted magnitudes. Anything wider cannot be
// compared meaningfully against an int256 threshold.
const maxValueBits = 256

// truncate parses a decimal (possibly with fraction or exponent) and drops
// the fractional part. Magnitudes of 2^256 or more are rejected.
func truncate(text string) (*big.Int, error) {
	if n, ok := new(big.Int).SetString(text, 10); ok {
		if n.BitLen() > maxValueBits {
			return nil, fmt.Errorf("value %q outside the 256-bit range", text)
		}
		return n, nil
	}
	f, _, err := big.ParseFloat(text, 10, 512, big.ToZero)
	if err != nil {
		return nil, fmt.Errorf("value %q is not a number", text)
	}
	if f.IsInf() {
		return nil, fmt.Errorf("value %q is not finite", text)
	}
	if f.MantExp(nil) > maxValueBits {
		return nil, fmt.Errorf("value %q outside the 256-bit range", text)
	}
	n, _ := f.Int(nil)
	return n, nil
}
