package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadScenario_ValidFile(t *testing.T) {
	scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", "lifecycle.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "lifecycle", scenario.Name)
	assert.Equal(t, "250000000000000", scenario.FeePerUpdate)
	require.Len(t, scenario.Predicates, 1)
	assert.Equal(t, "btc", scenario.Predicates[0].Name)
	require.Len(t, scenario.Predicates[0].Conditions, 1)
	assert.Equal(t, "$.bitcoin.usd", scenario.Predicates[0].Conditions[0].JSONPath)
	assert.Equal(t, "30000", scenario.Predicates[0].Conditions[0].Threshold)
	assert.Equal(t, DoRegister, scenario.Steps[0].Do)
}

func TestLoadScenario_ResolvesDefinitions(t *testing.T) {
	scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", "recovery.yaml"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("testdata", "definitions", "feeds.cue"), scenario.Definitions)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_MissingDefinitions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.yaml")
	content := `
name: s
description: d
definitions: nowhere.cue
predicates:
  - name: p
    definition: x
steps:
  - do: register
    predicate: p
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "definitions file")
}

func TestParseScenario_UnknownField(t *testing.T) {
	content := `
name: s
description: d
stepz: []
`
	_, err := ParseScenario([]byte(content))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing name",
			content: "description: d\nsteps:\n  - do: advance\n    duration: 1s\n",
			wantErr: "name is required",
		},
		{
			name:    "missing description",
			content: "name: s\nsteps:\n  - do: advance\n    duration: 1s\n",
			wantErr: "description is required",
		},
		{
			name:    "no steps",
			content: "name: s\ndescription: d\n",
			wantErr: "steps list is required",
		},
		{
			name:    "unknown action",
			content: "name: s\ndescription: d\nsteps:\n  - do: explode\n",
			wantErr: `unknown action "explode"`,
		},
		{
			name:    "missing action",
			content: "name: s\ndescription: d\nsteps:\n  - predicate: p\n",
			wantErr: "do is required",
		},
		{
			name:    "unknown predicate",
			content: "name: s\ndescription: d\nsteps:\n  - do: trigger\n    predicate: p\n",
			wantErr: `unknown predicate "p"`,
		},
		{
			name:    "trigger without predicate",
			content: "name: s\ndescription: d\nsteps:\n  - do: trigger\n",
			wantErr: "trigger needs a predicate",
		},
		{
			name:    "bad duration",
			content: "name: s\ndescription: d\nsteps:\n  - do: advance\n    duration: soon\n",
			wantErr: "advance needs a duration",
		},
		{
			name: "bad callback result",
			content: "name: s\ndescription: d\npredicates:\n  - name: p\nsteps:\n" +
				"  - do: callback\n    predicate: p\n    result: maybe\n",
			wantErr: "callback result must be",
		},
		{
			name: "bad expected result",
			content: "name: s\ndescription: d\npredicates:\n  - name: p\nsteps:\n" +
				"  - do: read\n    predicate: p\n    expect:\n      result: perhaps\n",
			wantErr: `unknown result "perhaps"`,
		},
		{
			name:    "duplicate predicate",
			content: "name: s\ndescription: d\npredicates:\n  - name: p\n  - name: p\nsteps:\n  - do: advance\n    duration: 1s\n",
			wantErr: `duplicate name "p"`,
		},
		{
			name: "definition without file",
			content: "name: s\ndescription: d\npredicates:\n  - name: p\n    definition: x\n" +
				"steps:\n  - do: advance\n    duration: 1s\n",
			wantErr: "needs a definitions file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseScenario_CallbackByHandleNeedsNoPredicate(t *testing.T) {
	content := `
name: s
description: d
steps:
  - do: callback
    handle: req-9999
    result: "true"
`
	scenario, err := ParseScenario([]byte(content))
	require.NoError(t, err)
	assert.Equal(t, "req-9999", scenario.Steps[0].Handle)
}

func TestLoadDir(t *testing.T) {
	scenarios, err := LoadDir(filepath.Join("testdata", "scenarios"))
	require.NoError(t, err)

	var names []string
	for _, s := range scenarios {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"access", "lifecycle", "recovery", "registration"}, names)
}
