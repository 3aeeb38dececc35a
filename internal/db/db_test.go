package db

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrations_Ordered(t *testing.T) {
	ms, err := Migrations()
	require.NoError(t, err)

	var names []string
	for _, m := range ms {
		names = append(names, m.Name)
		assert.NotContains(t, m.Up, "DROP TABLE", "%s: down section leaked into up", m.Name)
	}
	assert.Equal(t, []string{
		"001_api_keys.sql",
		"002_tenant_use_case_configs.sql",
		"003_llm_call_logs.sql",
	}, names)
}

func TestMigrations_TenantConfigUniqueness(t *testing.T) {
	ms, err := Migrations()
	require.NoError(t, err)

	for _, m := range ms {
		if strings.Contains(m.Name, "tenant_use_case_configs") {
			assert.Contains(t, m.Up, "UNIQUE (tenant_id, use_case_id)")
			return
		}
	}
	t.Fatal("tenant_use_case_configs migration missing")
}

func TestExtractUp(t *testing.T) {
	assert.Equal(t, "\nCREATE TABLE a ();\n\n", ExtractUp("-- +migrate Up\nCREATE TABLE a ();\n\n-- +migrate Down\nDROP TABLE a;\n"))
	assert.Equal(t, "CREATE TABLE b ();", ExtractUp("CREATE TABLE b ();"))
}
