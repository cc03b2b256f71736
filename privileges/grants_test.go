package privileges

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGrants_Has(t *testing.T) {
	grants := NewGrants()
	grants.AddGlobal("process", "Replication   Client")
	require.NoError(t, grants.AddSchema("app%", "SELECT"))
	require.NoError(t, grants.AddSchema(`sys`, "ALL"))
	require.NoError(t, grants.AddSchema(`log\_db`, "INSERT"))
	grants.AddTable("performance_schema", "threads", "SELECT")

	tests := []struct {
		name  string
		scope Scope
		priv  string
		want  bool
	}{
		{"global grant at global scope", GlobalScope(), "PROCESS", true},
		{"normalized multi-word privilege", GlobalScope(), "REPLICATION CLIENT", true},
		{"global grant covers schema", SchemaScope("mysql"), "PROCESS", true},
		{"global grant covers table", TableScope("x", "y"), "process", true},
		{"missing global", GlobalScope(), "SUPER", false},
		{"schema wildcard matches", SchemaScope("app_prod"), "SELECT", true},
		{"schema wildcard does not match", SchemaScope("other"), "SELECT", false},
		{"schema grant does not cover global", GlobalScope(), "SELECT", false},
		{"schema grant covers its tables", TableScope("app1", "users"), "SELECT", true},
		{"ALL at schema covers privileges", SchemaScope("sys"), "SELECT", true},
		{"ALL does not cover GRANT OPTION", SchemaScope("sys"), "GRANT OPTION", false},
		{"escaped underscore is literal", SchemaScope("log_db"), "INSERT", true},
		{"escaped underscore does not match other char", SchemaScope("logXdb"), "INSERT", false},
		{"table grant", TableScope("performance_schema", "threads"), "SELECT", true},
		{"table grant is per table", TableScope("performance_schema", "replication_group_members"), "SELECT", false},
		{"table grant does not cover schema", SchemaScope("performance_schema"), "SELECT", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, grants.Has(tt.scope, tt.priv))
		})
	}
}

func TestGrants_UnescapedUnderscoreIsWildcard(t *testing.T) {
	grants := NewGrants()
	require.NoError(t, grants.AddSchema("log_db", "INSERT"))

	assert.True(t, grants.Has(SchemaScope("log_db"), "INSERT"))
	assert.True(t, grants.Has(SchemaScope("logXdb"), "INSERT"))
	assert.False(t, grants.Has(SchemaScope("logdb"), "INSERT"))
}

func TestGrants_PatternWithGlobMetacharacters(t *testing.T) {
	grants := NewGrants()
	require.NoError(t, grants.AddSchema("db[1]*", "SELECT"))

	assert.True(t, grants.Has(SchemaScope("db[1]*"), "SELECT"))
	assert.False(t, grants.Has(SchemaScope("db1"), "SELECT"))
}

func TestParseAccount(t *testing.T) {
	tests := []struct {
		in      string
		want    Account
		wantErr bool
	}{
		{in: "'root'@'localhost'", want: Account{User: "root", Host: "localhost"}},
		{in: "root@localhost", want: Account{User: "root", Host: "localhost"}},
		{in: "`app`@`10.0.0.%`", want: Account{User: "app", Host: "10.0.0.%"}},
		{in: "test_user", want: Account{User: "test_user", Host: "%"}},
		{in: "'odd@name'@'%'", want: Account{User: "odd@name", Host: "%"}},
		{in: "", wantErr: true},
		{in: "@host", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAccount(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAccountString(t *testing.T) {
	assert.Equal(t, "'test_user'@'%'", Account{User: "test_user", Host: "%"}.String())
}
