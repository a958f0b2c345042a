package cli

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedTestTenant seeds a durable replica and returns the db path. Every
// command invocation reopens the database, so these tests also exercise op
// log replay.
func seedTestTenant(t *testing.T) string {
	t.Helper()
	db := filepath.Join(t.TempDir(), "strata.db")
	schemas := writeSchemaFile(t, validSchemas)

	out, _, err := execute(t, "seed", schemas, "--db", db)
	require.NoError(t, err)
	require.Contains(t, out, "seeded 1 schema(s)")
	return db
}

func TestInvokeCreateAndRead(t *testing.T) {
	db := seedTestTenant(t)

	out, _, err := execute(t, "invoke", "create",
		"--schema", "task",
		"--data", `{"title":"write report","done":false}`,
		"--register", "task:report",
		"--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "id: co_")

	out, _, err = execute(t, "--format", "json", "invoke", "read",
		"--key", "task:report", "--db", db)
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	val, ok := data["value"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "write report", val["title"])
	assert.Equal(t, false, val["done"])
}

func TestInvokeUpdateSurvivesReopen(t *testing.T) {
	db := seedTestTenant(t)

	_, _, err := execute(t, "invoke", "create",
		"--schema", "task", "--data", `{"title":"t","done":false}`,
		"--register", "task:t", "--db", db)
	require.NoError(t, err)

	_, _, err = execute(t, "invoke", "update",
		"--key", "task:t", "--data", `{"done":true}`, "--db", db)
	require.NoError(t, err)

	out, _, err := execute(t, "--format", "json", "invoke", "read",
		"--key", "task:t", "--db", db)
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	val := resp.Data.(map[string]interface{})["value"].(map[string]interface{})
	assert.Equal(t, true, val["done"])
}

func TestInvokeQueryRead(t *testing.T) {
	db := seedTestTenant(t)

	for _, payload := range []string{
		`{"title":"a","done":false}`,
		`{"title":"b","done":true}`,
	} {
		_, _, err := execute(t, "invoke", "create",
			"--schema", "task", "--data", payload, "--db", db)
		require.NoError(t, err)
	}

	out, _, err := execute(t, "--format", "json", "invoke", "read",
		"--schema", "task", "--filter", `{"done":true}`, "--db", db)
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	items, ok := resp.Data.(map[string]interface{})["value"].([]interface{})
	require.True(t, ok)
	require.Len(t, items, 1)
	assert.Equal(t, "b", items[0].(map[string]interface{})["title"])
}

func TestInvokeResolve(t *testing.T) {
	db := seedTestTenant(t)

	_, _, err := execute(t, "invoke", "create",
		"--schema", "task", "--data", `{"title":"t"}`,
		"--register", "task:t", "--db", db)
	require.NoError(t, err)

	out, _, err := execute(t, "invoke", "resolve", "--key", "task:t", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "id: co_")
}

func TestInvokeUnknownKey(t *testing.T) {
	db := seedTestTenant(t)

	out, _, err := execute(t, "invoke", "delete", "--key", "no:such", "--db", db)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "NOT_FOUND")
}

func TestInvokeValidationFault(t *testing.T) {
	db := seedTestTenant(t)

	// Missing required "title".
	out, _, err := execute(t, "invoke", "create",
		"--schema", "task", "--data", `{"done":true}`, "--db", db)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "VALIDATION_FAILED")
}

func TestInvokeUsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown op", []string{"invoke", "explode"}, "unknown operation"},
		{"create without schema", []string{"invoke", "create"}, "create requires --schema"},
		{"update without key", []string{"invoke", "update"}, "update requires --key"},
		{"append without items", []string{"invoke", "append", "--key", "k"}, "a JSON list is required"},
		{"read without target", []string{"invoke", "read"}, "read requires --key or --schema"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := execute(t, tt.args...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
