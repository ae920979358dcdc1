package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/predcache/internal/access"
)

const (
	testOwner  = "0x9f2c000000000000000000000000000000000001"
	testSecret = "cli-test-secret"
	testTarget = "0x00000000000000000000000000000000000000aa"
)

// response mirrors CLIResponse with the payload left raw.
type response struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  *CLIError       `json:"error"`
}

type recordData struct {
	ID             string `json:"id"`
	Owner          string `json:"owner"`
	LastResult     string `json:"last_result"`
	UpdateCount    uint64 `json:"update_count"`
	PendingRequest string `json:"pending_request"`
	AccruedFee     string `json:"accrued_fee"`
}

// writeConfig writes a configuration with a fresh SQLite file and returns
// its path.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := fmt.Sprintf(`
store:
  backend: sqlite
  path: %s
access:
  keeper: keeper
  oracle: oracle
  jwt_secret: %s
fee:
  per_update: "1000"
static_call:
  target: %s
`, filepath.Join(dir, "predcache.db"), testSecret, testTarget)
	path := filepath.Join(dir, "predcache.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

// execute runs the CLI with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// executeJSON runs the CLI in JSON mode and decodes the response envelope.
func executeJSON(t *testing.T, config string, args ...string) (response, error) {
	t.Helper()
	full := append([]string{"--format", "json", "--config", config}, args...)
	out, err := execute(t, full...)
	var resp response
	require.NoError(t, json.Unmarshal([]byte(out), &resp), "output: %s", out)
	return resp, err
}

func decodeData[T any](t *testing.T, resp response) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(resp.Data, &v))
	return v
}

// priceFeed serves {"data":{"price":<price>}}.
func priceFeed(t *testing.T, price int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"data":{"price":%d}}`, price)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func register(t *testing.T, config, endpoint string) recordData {
	t.Helper()
	resp, err := executeJSON(t, config, "register",
		"--owner", testOwner,
		"--endpoint", endpoint,
		"--json-path", "data.price",
		"--operator", "LT",
		"--threshold", "200",
	)
	require.NoError(t, err)
	require.Equal(t, "ok", resp.Status)
	return decodeData[recordData](t, resp)
}

func TestRegisterAndGet(t *testing.T) {
	config := writeConfig(t)
	rec := register(t, config, "https://api.example.com/price")

	assert.True(t, strings.HasPrefix(rec.ID, "0x"))
	assert.Equal(t, testOwner, rec.Owner)
	assert.Equal(t, "unknown", rec.LastResult)
	assert.Zero(t, rec.UpdateCount)
	assert.Equal(t, "0", rec.AccruedFee)

	resp, err := executeJSON(t, config, "get", rec.ID)
	require.NoError(t, err)
	got := decodeData[recordData](t, resp)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, "unknown", got.LastResult)
}

func TestRegister_Text(t *testing.T) {
	config := writeConfig(t)
	out, err := execute(t, "--config", config, "register",
		"--owner", testOwner,
		"--endpoint", "https://api.example.com/price",
		"--json-path", "data.price",
		"--operator", "<",
		"--threshold", "200",
	)
	require.NoError(t, err)
	assert.Contains(t, out, "Registered predicate 0x")
	assert.Contains(t, out, "https://api.example.com/price data.price LT 200 (auth none)")
	assert.Contains(t, out, "result:       unknown")
}

func TestRegister_FromDefinitionFile(t *testing.T) {
	config := writeConfig(t)
	resp, err := executeJSON(t, config, "register",
		"--owner", testOwner,
		"--file", filepath.Join("..", "harness", "testdata", "definitions", "feeds.cue"),
		"--name", "eth_or_gas",
	)
	require.NoError(t, err)

	var rec struct {
		Policy     string            `json:"policy"`
		Conditions []json.RawMessage `json:"conditions"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &rec))
	assert.Equal(t, "OR", rec.Policy)
	assert.Len(t, rec.Conditions, 2)
}

func TestRegister_Invalid(t *testing.T) {
	config := writeConfig(t)

	tests := []struct {
		name string
		args []string
	}{
		{"bad_threshold", []string{"--endpoint", "https://api.example.com/p", "--operator", "GT", "--threshold", "12.5"}},
		{"bad_operator", []string{"--endpoint", "https://api.example.com/p", "--operator", "GTE", "--threshold", "1"}},
		{"bad_scheme", []string{"--endpoint", "ftp://api.example.com/p", "--json-path", "a", "--operator", "GT", "--threshold", "1"}},
		{"missing_definition", []string{"--file", filepath.Join("..", "harness", "testdata", "definitions", "feeds.cue"), "--name", "nope"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"register", "--owner", testOwner}, tt.args...)
			resp, err := executeJSON(t, config, args...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
			require.NotNil(t, resp.Error)
			assert.Equal(t, "VALIDATION", resp.Error.Code)
		})
	}
}

func TestGet_Errors(t *testing.T) {
	config := writeConfig(t)

	t.Run("malformed id", func(t *testing.T) {
		resp, err := executeJSON(t, config, "get", "0xzz")
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
		assert.Equal(t, "VALIDATION", resp.Error.Code)
	})

	t.Run("too long", func(t *testing.T) {
		resp, err := executeJSON(t, config, "get", "0x"+strings.Repeat("a", 65))
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
		assert.Equal(t, "VALIDATION", resp.Error.Code)
	})

	t.Run("short id is left-padded", func(t *testing.T) {
		resp, err := executeJSON(t, config, "get", "0x1234")
		require.Error(t, err)
		assert.Equal(t, ExitFailure, GetExitCode(err))
		assert.Equal(t, "NOT_FOUND", resp.Error.Code)
	})

	t.Run("unknown id", func(t *testing.T) {
		resp, err := executeJSON(t, config, "get", "0x"+strings.Repeat("ab", 32))
		require.Error(t, err)
		assert.Equal(t, ExitFailure, GetExitCode(err))
		assert.Equal(t, "NOT_FOUND", resp.Error.Code)
	})
}

func TestTrigger_EvaluateLocal(t *testing.T) {
	config := writeConfig(t)
	feed := priceFeed(t, 150)
	rec := register(t, config, feed.URL)

	resp, err := executeJSON(t, config, "trigger", rec.ID, "--evaluate")
	require.NoError(t, err)

	var out struct {
		RequestHandle string     `json:"request_handle"`
		Record        recordData `json:"record"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &out))
	assert.NotEmpty(t, out.RequestHandle)
	assert.Equal(t, "true", out.Record.LastResult)
	assert.Equal(t, uint64(1), out.Record.UpdateCount)
	assert.Empty(t, out.Record.PendingRequest)
	assert.Equal(t, "1000", out.Record.AccruedFee)
}

func TestTrigger_InProgress(t *testing.T) {
	config := writeConfig(t)
	rec := register(t, config, "https://api.example.com/price")

	_, err := executeJSON(t, config, "trigger", rec.ID)
	require.NoError(t, err)

	resp, err := executeJSON(t, config, "trigger", rec.ID)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Equal(t, "EVALUATION_IN_PROGRESS", resp.Error.Code)
}

func TestTrigger_Unauthorized(t *testing.T) {
	config := writeConfig(t)
	rec := register(t, config, "https://api.example.com/price")

	resp, err := executeJSON(t, config, "trigger", rec.ID, "--as", "mallory")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Equal(t, "UNAUTHORIZED", resp.Error.Code)
}

func TestCallback(t *testing.T) {
	config := writeConfig(t)
	rec := register(t, config, "https://api.example.com/price")

	resp, err := executeJSON(t, config, "trigger", rec.ID)
	require.NoError(t, err)
	handle := decodeData[map[string]string](t, resp)["request_handle"]
	require.NotEmpty(t, handle)

	_, err = executeJSON(t, config, "callback", handle, "--result", "false")
	require.NoError(t, err)

	resp, err = executeJSON(t, config, "get", rec.ID)
	require.NoError(t, err)
	got := decodeData[recordData](t, resp)
	assert.Equal(t, "false", got.LastResult)
	assert.Equal(t, uint64(1), got.UpdateCount)

	// A second delivery for the same handle is stale and leaves the record alone.
	_, err = executeJSON(t, config, "callback", handle, "--result", "true")
	require.NoError(t, err)
	resp, err = executeJSON(t, config, "get", rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "false", decodeData[recordData](t, resp).LastResult)
}

func TestCallback_ErrorResultCountsUpdate(t *testing.T) {
	config := writeConfig(t)
	rec := register(t, config, "https://api.example.com/price")

	resp, err := executeJSON(t, config, "trigger", rec.ID)
	require.NoError(t, err)
	handle := decodeData[map[string]string](t, resp)["request_handle"]

	_, err = executeJSON(t, config, "callback", handle, "--result", "error", "--reason", "upstream 503")
	require.NoError(t, err)

	resp, err = executeJSON(t, config, "get", rec.ID)
	require.NoError(t, err)
	got := decodeData[recordData](t, resp)
	assert.Equal(t, "unknown", got.LastResult)
	assert.Equal(t, uint64(1), got.UpdateCount)
}

func TestCallback_Errors(t *testing.T) {
	config := writeConfig(t)

	t.Run("unauthorized", func(t *testing.T) {
		resp, err := executeJSON(t, config, "callback", "req-1", "--result", "true", "--as", "mallory")
		require.Error(t, err)
		assert.Equal(t, "UNAUTHORIZED", resp.Error.Code)
	})

	t.Run("bad result", func(t *testing.T) {
		resp, err := executeJSON(t, config, "callback", "req-1", "--result", "maybe")
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
		assert.Equal(t, "VALIDATION", resp.Error.Code)
	})

	t.Run("unknown handle is discarded", func(t *testing.T) {
		_, err := executeJSON(t, config, "callback", "req-unknown", "--data", "0x01")
		require.NoError(t, err)
	})
}

func TestExpire(t *testing.T) {
	config := writeConfig(t)
	rec := register(t, config, "https://api.example.com/price")

	_, err := executeJSON(t, config, "trigger", rec.ID)
	require.NoError(t, err)

	resp, err := executeJSON(t, config, "expire", "--max-age", "1ns")
	require.NoError(t, err)
	assert.Equal(t, 1, decodeData[map[string]int](t, resp)["expired"])

	// The predicate can be triggered again.
	_, err = executeJSON(t, config, "trigger", rec.ID)
	require.NoError(t, err)
}

func TestEvents(t *testing.T) {
	config := writeConfig(t)
	rec := register(t, config, "https://api.example.com/price")
	_, err := executeJSON(t, config, "trigger", rec.ID)
	require.NoError(t, err)

	resp, err := executeJSON(t, config, "events", "--predicate", rec.ID)
	require.NoError(t, err)
	var out struct {
		Events []struct {
			Seq  int64  `json:"seq"`
			Kind string `json:"kind"`
		} `json:"events"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &out))
	require.Len(t, out.Events, 2)
	assert.Equal(t, "PredicateCreated", out.Events[0].Kind)
	assert.Equal(t, "RequestSent", out.Events[1].Kind)

	resp, err = executeJSON(t, config, "events", "--after", fmt.Sprint(out.Events[0].Seq))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(resp.Data, &out))
	require.Len(t, out.Events, 1)
	assert.Equal(t, "RequestSent", out.Events[0].Kind)
}

func TestEvents_TextEmpty(t *testing.T) {
	out, err := execute(t, "--config", writeConfig(t), "events")
	require.NoError(t, err)
	assert.Contains(t, out, "No events")
}

func TestVerify(t *testing.T) {
	config := writeConfig(t)
	feed := priceFeed(t, 250)
	rec := register(t, config, feed.URL)
	register(t, config, "https://api.example.com/other")
	_, err := executeJSON(t, config, "trigger", rec.ID, "--evaluate")
	require.NoError(t, err)

	out, err := execute(t, "--config", config, "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "2 checked, 2 consistent")

	resp, err := executeJSON(t, config, "verify", rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, decodeData[verifyOutput](t, resp).Checked)
}

func TestEncodeAndEvaluate(t *testing.T) {
	config := writeConfig(t)
	feed := priceFeed(t, 150)
	rec := register(t, config, feed.URL)

	resp, err := executeJSON(t, config, "encode", rec.ID)
	require.NoError(t, err)
	enc := decodeData[encodeOutput](t, resp)
	assert.Equal(t, testTarget, enc.Target)
	// selector, target, bytes offset, length, then the 36-byte read call padded to 64
	assert.Len(t, enc.Calldata, 2+2*(4+32*3+64))

	resp, err = executeJSON(t, config, "evaluate", enc.Calldata)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), decodeData[evaluateOutput](t, resp).Value)

	_, err = executeJSON(t, config, "trigger", rec.ID, "--evaluate")
	require.NoError(t, err)

	resp, err = executeJSON(t, config, "evaluate", enc.Calldata)
	require.NoError(t, err)
	got := decodeData[evaluateOutput](t, resp)
	assert.Equal(t, uint64(1), got.Value)
	assert.Equal(t, "0x"+strings.Repeat("0", 63)+"1", got.Result)
}

func TestEvaluate_WrongTarget(t *testing.T) {
	config := writeConfig(t)
	rec := register(t, config, "https://api.example.com/price")

	resp, err := executeJSON(t, config, "encode", rec.ID, "--target", "0x00000000000000000000000000000000000000bb")
	require.NoError(t, err)
	enc := decodeData[encodeOutput](t, resp)

	_, err = executeJSON(t, config, "evaluate", enc.Calldata)
	require.Error(t, err)
}

func TestCompile(t *testing.T) {
	out, err := execute(t, "compile", filepath.Join("..", "harness", "testdata", "definitions"))
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Compiled 2 predicate(s)")
	assert.Contains(t, out, "eth_or_gas: 2 condition(s), policy OR")
}

func TestCompile_Output(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "feeds.json")
	_, err := execute(t, "compile", filepath.Join("..", "harness", "testdata", "definitions", "feeds.cue"), "-o", dest)
	require.NoError(t, err)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	var result CompilationResult
	require.NoError(t, json.Unmarshal(data, &result))
	require.Len(t, result.Definitions, 2)
	assert.Equal(t, "sol_below_200", result.Definitions[0].Name)
	assert.Equal(t, "200", result.Definitions[0].Conditions[0].Threshold.String())
}

func TestCompile_Errors(t *testing.T) {
	t.Run("missing path", func(t *testing.T) {
		_, err := execute(t, "compile", filepath.Join(t.TempDir(), "absent"))
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
	})

	t.Run("schema violation", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.cue")
		require.NoError(t, os.WriteFile(path, []byte(`predicate: bad: {
	conditions: [{
		endpoint:  "https://api.example.com/x"
		json_path: "x"
		operator:  "GTE"
		threshold: 1
	}]
}
`), 0o644))

		out, err := execute(t, "--format", "json", "compile", path)
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
		assert.Contains(t, out, `"code":"E004"`)
	})
}

func TestTestCommand(t *testing.T) {
	scenarios := filepath.Join("..", "harness", "testdata", "scenarios")

	out, err := execute(t, "test", scenarios)
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ lifecycle")
	assert.Contains(t, out, "Test Summary: 4 passed, 0 failed, 4 total")
	assert.Contains(t, out, "✓ All scenarios passed")
}

func TestTestCommand_Filter(t *testing.T) {
	scenarios := filepath.Join("..", "harness", "testdata", "scenarios")

	out, err := execute(t, "--format", "json", "test", scenarios, "--filter", "life*")
	require.NoError(t, err)

	var resp response
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	result := decodeData[TestResult](t, resp)
	assert.Equal(t, 1, result.Total)
	assert.Equal(t, "lifecycle", result.Scenarios[0].Name)
}

func TestTestCommand_GoldenMismatch(t *testing.T) {
	scenarios := filepath.Join("..", "harness", "testdata", "scenarios")
	golden := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(golden, "lifecycle.golden"), []byte(`{}`), 0o644))

	out, err := execute(t, "test", scenarios, "--filter", "lifecycle", "--golden", golden)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ lifecycle")
	assert.Contains(t, out, "trace does not match golden file")
}

func TestTestCommand_Update(t *testing.T) {
	scenarios := filepath.Join("..", "harness", "testdata", "scenarios")
	golden := t.TempDir()

	out, err := execute(t, "test", scenarios, "--filter", "registration", "--golden", golden, "--update")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ registration (golden updated)")

	written, err := os.ReadFile(filepath.Join(golden, "registration.golden"))
	require.NoError(t, err)
	want, err := os.ReadFile(filepath.Join("..", "harness", "testdata", "golden", "registration.golden"))
	require.NoError(t, err)
	assert.Equal(t, string(want), string(written))
}

func TestTestCommand_MissingDir(t *testing.T) {
	_, err := execute(t, "test", filepath.Join(t.TempDir(), "absent"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestToken(t *testing.T) {
	config := writeConfig(t)

	resp, err := executeJSON(t, config, "token", "keeper")
	require.NoError(t, err)
	token := decodeData[map[string]string](t, resp)["token"]

	verifier, err := access.NewVerifier([]byte(testSecret))
	require.NoError(t, err)
	cred, err := verifier.Credential(token)
	require.NoError(t, err)
	assert.Equal(t, "keeper", cred.Principal)
}

func TestToken_NoSecret(t *testing.T) {
	_, err := execute(t, "token", "keeper")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestServe_RequiresPrincipals(t *testing.T) {
	_, err := execute(t, "serve")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
