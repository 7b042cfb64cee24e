package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalRunState(t *testing.T) {
	db := tempDB(t)

	out, err := execute(t, "signal", "counter/c1", "add", "5", "--db", db)
	require.NoError(t, err)
	assert.Equal(t, "Signaled @counter@c1 add\n", out)

	// Nothing runs the signal yet.
	_, err = execute(t, "state", "counter/c1", "--db", db)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	out, err = execute(t, "run", "--once", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "No due work left.")

	out, err = execute(t, "state", "counter/c1", "--db", db)
	require.NoError(t, err)
	assert.Equal(t, "{\"value\":5}\n", out)
}

func TestSignal_Errors(t *testing.T) {
	db := tempDB(t)

	_, err := execute(t, "signal", "counter", "add", "5", "--db", db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid entity")
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = execute(t, "signal", "counter/c1", "add", "{nope", "--db", db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "input is not valid JSON")
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = execute(t, "signal", "counter/c1", "--db", db)
	require.Error(t, err)

	_, err = execute(t, "signal", "counter/c1", "add", "--after", "-1s", "--db", db)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestSignal_Scheduled(t *testing.T) {
	db := tempDB(t)

	out, err := execute(t, "signal", "counter/c1", "add", "1", "--after", "1h", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "Signaled @counter@c1 add (delivered at ")

	_, err = execute(t, "run", "--once", "--db", db)
	require.NoError(t, err)

	out, err = execute(t, "status", "counter/c1", "--db", db, "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Status string `json:"status"`
		Data   struct {
			Exists          bool `json:"exists"`
			PendingMessages int  `json:"pendingMessages"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.False(t, resp.Data.Exists)
	assert.Equal(t, 1, resp.Data.PendingMessages)
}

func TestCall(t *testing.T) {
	db := tempDB(t)

	_, err := execute(t, "signal", "counter/c1", "add", "4", "--db", db)
	require.NoError(t, err)

	out, err := execute(t, "call", "counter/c1", "get", "--db", db)
	require.NoError(t, err)
	assert.Equal(t, "4\n", out)

	out, err = execute(t, "call", "stringstore/s1", "set", `"hello"`, "--db", db)
	require.NoError(t, err)
	assert.Equal(t, "null\n", out)

	out, err = execute(t, "call", "stringstore/s1", "get", "--db", db, "--format", "json")
	require.NoError(t, err)
	var resp struct {
		Status string `json:"status"`
		Data   struct {
			Entity    string `json:"entity"`
			Operation string `json:"operation"`
			Result    string `json:"result"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "@stringstore@s1", resp.Data.Entity)
	assert.Equal(t, "get", resp.Data.Operation)
	assert.Equal(t, "hello", resp.Data.Result)
}

func TestCall_OperationFails(t *testing.T) {
	out, err := execute(t, "call", "faulty/f1", "throw", "--db", tempDB(t))
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "call failed")
	assert.Contains(t, out, "Error [E_CALL_FAILED]")
}

func TestStatus_Text(t *testing.T) {
	db := tempDB(t)
	_, err := execute(t, "call", "counter/c1", "add", "3", "--db", db)
	require.NoError(t, err)

	out, err := execute(t, "status", "counter/c1", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "ENTITY")
	assert.Contains(t, out, "LOCKED BY")
	assert.Contains(t, out, "@counter@c1")
	assert.Contains(t, out, "true")
}

func TestState_Missing(t *testing.T) {
	out, err := execute(t, "state", "counter/none", "--db", tempDB(t), "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E_NO_STATE", resp.Error.Code)
}

func TestList(t *testing.T) {
	db := tempDB(t)

	out, err := execute(t, "list", "--db", db)
	require.NoError(t, err)
	assert.Equal(t, "No entities found.\n", out)

	for _, args := range [][]string{
		{"counter/a", "add", "1"},
		{"counter/b", "add", "2"},
		{"stringstore/s", "set", `"x"`},
	} {
		_, err := execute(t, append([]string{"signal", "--db", db}, args...)...)
		require.NoError(t, err)
	}
	_, err = execute(t, "run", "--once", "--db", db)
	require.NoError(t, err)

	out, err = execute(t, "list", "--db", db, "--format", "json")
	require.NoError(t, err)
	var resp struct {
		Data []struct {
			ID struct {
				Name string `json:"name"`
				Key  string `json:"key"`
			} `json:"id"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Len(t, resp.Data, 3)

	out, err = execute(t, "list", "--db", db, "--name", "counter", "--format", "json")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data, 2)
	for _, e := range resp.Data {
		assert.Equal(t, "counter", e.ID.Name)
	}

	_, err = execute(t, "list", "--db", db, "--limit", "-1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestClean(t *testing.T) {
	db := tempDB(t)

	out, err := execute(t, "clean", "--db", db)
	require.NoError(t, err)
	assert.Equal(t, "Removed 0 empty entities, released 0 orphaned locks\n", out)

	out, err = execute(t, "clean", "--db", db, "--format", "json", "--release-locks=false")
	require.NoError(t, err)
	var resp struct {
		Status string         `json:"status"`
		Data   map[string]int `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 0, resp.Data["emptyEntitiesRemoved"])
}
