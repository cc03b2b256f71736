package validator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/gradm/instance"
	"github.com/maxpert/gradm/privileges"
	"github.com/maxpert/gradm/sandbox"
)

var addr = instance.Address{Host: "localhost", Port: 3310}

func setup(t *testing.T) (*sandbox.Farm, instance.Session) {
	t.Helper()
	farm := sandbox.NewFarm()
	require.NoError(t, farm.Deploy(addr))
	s, err := farm.Dial(context.Background(), sandbox.RootDescriptor(addr))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return farm, s
}

func TestValidate_CompliantInstanceHasNoSideEffects(t *testing.T) {
	farm, s := setup(t)
	v := New(nil)

	report, err := v.Validate(context.Background(), s, nil)
	require.NoError(t, err)
	assert.True(t, report.Compliant())
	assert.NoError(t, report.Err())
	assert.False(t, report.ReadOnly)
	assert.Empty(t, report.ConfigWarnings)
	assert.Equal(t, "root", report.Account.User)
	assert.Equal(t, 0, farm.Mutations(addr))

	again, err := v.Validate(context.Background(), s, nil)
	require.NoError(t, err)
	assert.Equal(t, report.Missing, again.Missing)
	assert.Equal(t, 0, farm.Mutations(addr))
}

func TestValidate_NoPrivilegesReportsEverything(t *testing.T) {
	farm, s := setup(t)
	require.NoError(t, farm.CreateAccount(addr, "no_privileges", "pw", nil))

	v := New(nil)
	account := privileges.Account{User: "no_privileges", Host: "%"}
	report, err := v.Validate(context.Background(), s, &account)
	require.NoError(t, err)

	assert.False(t, report.Compliant())
	assert.Equal(t, v.Catalog().Len(), report.Missing.Count())

	err = report.Err()
	var privErr *privileges.InsufficientPrivilegesError
	require.True(t, errors.As(err, &privErr))
	assert.Equal(t, account, privErr.Account)
	assert.Equal(t,
		"The account 'no_privileges'@'%' is missing privileges required to manage an InnoDB cluster",
		err.Error())
	assert.Equal(t,
		"Missing global privileges: CREATE USER, FILE, GRANT OPTION, PROCESS, RELOAD, REPLICATION CLIENT, REPLICATION SLAVE, SHUTDOWN, SUPER.",
		privErr.Report()[0])
}

func TestValidate_PartialGrants(t *testing.T) {
	farm, s := setup(t)
	grants := privileges.NewGrants()
	grants.AddGlobal(privileges.AllPrivileges)
	require.NoError(t, farm.CreateAccount(addr, "almost", "pw", grants))

	account := privileges.Account{User: "almost", Host: "%"}
	report, err := New(nil).Validate(context.Background(), s, &account)
	require.NoError(t, err)

	require.Len(t, report.Missing.Entries, 1)
	assert.Equal(t, []string{privileges.GrantOption}, report.Missing.For(privileges.GlobalScope()))
}

func TestValidate_NilAccountUsesAuthenticatedUser(t *testing.T) {
	farm := sandbox.NewFarm()
	require.NoError(t, farm.Deploy(addr))
	require.NoError(t, farm.CreateAccount(addr, "limited", "pw", privileges.NewGrants()))
	require.NoError(t, farm.CreateAlias(addr, "ghost", "pw", "limited"))

	s, err := farm.Dial(context.Background(), instance.Descriptor{Host: addr.Host, Port: addr.Port, User: "ghost", Password: "pw"})
	require.NoError(t, err)
	defer s.Close()

	report, err := New(nil).Validate(context.Background(), s, nil)
	require.NoError(t, err)
	assert.Equal(t, "limited", report.Account.User)
	assert.False(t, report.Compliant())
}

func TestValidate_ConfigWarnings(t *testing.T) {
	farm, s := setup(t)
	require.NoError(t, farm.SetVariable(addr, "binlog_format", "MIXED"))
	require.NoError(t, farm.SetVariable(addr, "gtid_mode", "1"))
	require.NoError(t, farm.SetVariable(addr, "binlog_checksum", "crc32"))

	report, err := New(nil).Validate(context.Background(), s, nil)
	require.NoError(t, err)
	assert.True(t, report.Compliant())
	assert.Equal(t, []ConfigWarning{
		{Variable: "binlog_format", Current: "MIXED", Required: "ROW"},
		{Variable: "binlog_checksum", Current: "crc32", Required: "NONE"},
	}, report.ConfigWarnings)
}

func TestValidate_CustomVariables(t *testing.T) {
	_, s := setup(t)
	v := New(nil).WithVariables([]VariableRequirement{{Name: "not_a_variable", Required: "ON"}})

	report, err := v.Validate(context.Background(), s, nil)
	require.NoError(t, err)
	assert.Empty(t, report.ConfigWarnings)
}

func TestValidate_ReadOnlyReported(t *testing.T) {
	farm, s := setup(t)
	require.NoError(t, farm.SetReadOnlyFlag(addr, true))

	report, err := New(nil).Validate(context.Background(), s, nil)
	require.NoError(t, err)
	assert.True(t, report.ReadOnly)
	assert.Equal(t, 0, farm.ReadOnlyWrites(addr))
}

func TestValidate_ConnectionLost(t *testing.T) {
	farm, s := setup(t)
	require.NoError(t, farm.Kill(addr))

	_, err := New(nil).Validate(context.Background(), s, nil)
	var connErr *instance.ConnectionError
	assert.True(t, errors.As(err, &connErr))
}

func TestValueMatches(t *testing.T) {
	assert.True(t, valueMatches("on", "ON"))
	assert.True(t, valueMatches("1", "ON"))
	assert.True(t, valueMatches("0", "OFF"))
	assert.False(t, valueMatches("OFF", "ON"))
	assert.False(t, valueMatches("MIXED", "ROW"))
}
