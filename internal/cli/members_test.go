package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMembersDefaultGroup(t *testing.T) {
	db := seedTestTenant(t)

	out, _, err := execute(t, "--format", "json", "members", "--db", db)
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Equal(t, "ok", resp.Status)

	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, data["group"], "grp_")

	direct, ok := data["direct"].([]interface{})
	require.True(t, ok)
	require.Len(t, direct, 1, "owner group starts with the account as sole admin")
	member := direct[0].(map[string]interface{})
	assert.Equal(t, "admin", member["role"])
	assert.Contains(t, member["account"], "acc_")
}

func TestMembersReadersDelegation(t *testing.T) {
	db := seedTestTenant(t)

	out, _, err := execute(t, "--format", "json", "members", "tenant:readers", "--db", db)
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	data := resp.Data.(map[string]interface{})

	delegations, ok := data["delegations"].([]interface{})
	require.True(t, ok)
	require.Len(t, delegations, 1, "readers group delegates to the owner group")
	delegation := delegations[0].(map[string]interface{})
	assert.Equal(t, "reader", delegation["ceiling"])
}

func TestMembersUnknownKey(t *testing.T) {
	db := seedTestTenant(t)

	out, _, err := execute(t, "members", "no:such:group", "--db", db)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "NOT_FOUND")
}
