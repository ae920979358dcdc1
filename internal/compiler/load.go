package compiler

import (
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
)

// CompileSource compiles every predicate declared in src, in declaration
// order. filename is used in error positions.
func CompileSource(src []byte, filename string) ([]Definition, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	return compileAll(v)
}

// LoadFile compiles a single definition file.
func LoadFile(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return CompileSource(data, path)
}

// LoadDir compiles the definitions in dir. A directory holding one CUE
// package is loaded as an instance, so files may reference each other.
// Otherwise, as with files lacking a package clause, each file is compiled
// on its own and the results are merged; a name declared twice is an error.
func LoadDir(dir string) ([]Definition, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("definitions directory: %w", err)
	}
	if !info.IsDir() {
		return LoadFile(dir)
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.cue"))
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no CUE files found in %s", dir)
	}

	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 1 && instances[0].Err == nil {
		v := cuecontext.New().BuildInstance(instances[0])
		if err := v.Err(); err != nil {
			return nil, formatCUEError(err)
		}
		return compileAll(v)
	}
	return loadEach(matches)
}

// loadEach compiles files independently and merges their definitions in
// file order.
func loadEach(paths []string) ([]Definition, error) {
	seen := make(map[string]string)
	var defs []Definition
	for _, path := range paths {
		fileDefs, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		for _, def := range fileDefs {
			if prev, ok := seen[def.Name]; ok {
				return nil, &CompileError{
					Field:   "predicate." + def.Name,
					Message: fmt.Sprintf("declared in both %s and %s", prev, path),
				}
			}
			seen[def.Name] = path
			defs = append(defs, def)
		}
	}
	return defs, nil
}

func compileAll(v cue.Value) ([]Definition, error) {
	preds := v.LookupPath(cue.ParsePath("predicate"))
	if !preds.Exists() {
		return nil, &CompileError{Field: "predicate", Message: "no predicates declared", Pos: v.Pos()}
	}
	iter, err := preds.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var defs []Definition
	for iter.Next() {
		def, err := CompilePredicate(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("predicate.%s: %w", iter.Selector(), err)
		}
		defs = append(defs, *def)
	}
	if len(defs) == 0 {
		return nil, &CompileError{Field: "predicate", Message: "no predicates declared", Pos: preds.Pos()}
	}
	return defs, nil
}
