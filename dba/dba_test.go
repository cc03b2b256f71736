package dba

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/gradm/cluster"
	"github.com/maxpert/gradm/instance"
	"github.com/maxpert/gradm/metastore"
	"github.com/maxpert/gradm/monitor"
	"github.com/maxpert/gradm/notify"
	"github.com/maxpert/gradm/privileges"
	"github.com/maxpert/gradm/reconciler"
	"github.com/maxpert/gradm/sandbox"
)

var (
	addr1 = instance.Address{Host: "localhost", Port: 3310}
	addr2 = instance.Address{Host: "localhost", Port: 3320}
	addr3 = instance.Address{Host: "localhost", Port: 3330}
)

func newTestDba(t *testing.T) (*Dba, *sandbox.Farm, *sandbox.ManualClock) {
	t.Helper()
	clock := sandbox.NewManualClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	farm := sandbox.NewFarm(sandbox.WithClock(clock.Now), sandbox.WithRecoveryDelay(time.Second))
	for _, a := range []instance.Address{addr1, addr2, addr3} {
		require.NoError(t, farm.Deploy(a))
	}

	hub := notify.NewHub()
	t.Cleanup(hub.Close)
	ctl := cluster.NewController(cluster.Config{
		Dialer:      farm,
		Monitor:     monitor.New(farm, time.Millisecond, time.Second),
		Store:       metastore.NewMemoryStore(),
		Hub:         hub,
		Policy:      cluster.QuorumPolicy{MinMembers: 1},
		LockTimeout: time.Second,
		Now:         clock.Now,
	})
	return New(ctl), farm, clock
}

// noPrivileges creates test_user with nothing granted
func noPrivileges(t *testing.T, farm *sandbox.Farm, addr instance.Address) instance.Descriptor {
	t.Helper()
	require.NoError(t, farm.CreateAccount(addr, "test_user", "pw", privileges.NewGrants()))
	return instance.Descriptor{Host: addr.Host, Port: addr.Port, User: "test_user", Password: "pw"}
}

func TestCheckInstanceConfiguration_Compliant(t *testing.T) {
	d, farm, _ := newTestDba(t)

	report, err := d.CheckInstanceConfiguration(context.Background(), sandbox.RootDescriptor(addr1), nil)
	require.NoError(t, err)

	assert.True(t, report.Compliant())
	assert.False(t, report.ReadOnly)
	assert.Empty(t, report.ConfigWarnings)
	assert.Equal(t, sandbox.RootUser, report.Account.User)
	assert.Equal(t, 0, farm.Mutations(addr1))
	assert.Equal(t, 0, farm.ReadOnlyWrites(addr1))
}

func TestCheckInstanceConfiguration_MissingPrivileges(t *testing.T) {
	d, farm, _ := newTestDba(t)
	desc := noPrivileges(t, farm, addr1)

	report, err := d.CheckInstanceConfiguration(context.Background(), desc, nil)

	var privErr *privileges.InsufficientPrivilegesError
	require.ErrorAs(t, err, &privErr)
	require.NotNil(t, report)
	assert.False(t, report.Compliant())
	assert.Equal(t, report.Missing.Count(), privErr.Missing.Count())

	lines := privErr.Report()
	require.NotEmpty(t, lines)
	assert.True(t, strings.HasPrefix(lines[0], "Missing global privileges: "), lines[0])
	assert.Equal(t,
		"The account 'test_user'@'%' is missing privileges required to manage an InnoDB cluster.",
		lines[len(lines)-1])
	assert.Equal(t, 0, farm.Mutations(addr1))
	assert.Equal(t, 0, farm.OpenSessions())
}

func TestCheckInstanceConfiguration_AliasReportsEffectiveAccount(t *testing.T) {
	d, farm, _ := newTestDba(t)
	noPrivileges(t, farm, addr1)
	require.NoError(t, farm.CreateAlias(addr1, "ghost", "pw", "test_user"))

	_, err := d.CheckInstanceConfiguration(context.Background(),
		instance.Descriptor{Host: addr1.Host, Port: addr1.Port, User: "ghost", Password: "pw"}, nil)

	var privErr *privileges.InsufficientPrivilegesError
	require.ErrorAs(t, err, &privErr)
	assert.Equal(t, "test_user", privErr.Account.User)

	require.NoError(t, farm.CreateAlias(addr1, "phantom", "pw", sandbox.RootUser))
	report, err := d.CheckInstanceConfiguration(context.Background(),
		instance.Descriptor{Host: addr1.Host, Port: addr1.Port, User: "phantom", Password: "pw"}, nil)
	require.NoError(t, err)
	assert.Equal(t, sandbox.RootUser, report.Account.User)
}

func TestCheckInstanceConfiguration_AccountUnderTest(t *testing.T) {
	d, farm, _ := newTestDba(t)
	noPrivileges(t, farm, addr1)

	account := privileges.Account{User: "test_user", Host: "%"}
	_, err := d.CheckInstanceConfiguration(context.Background(), sandbox.RootDescriptor(addr1), &account)

	var privErr *privileges.InsufficientPrivilegesError
	require.ErrorAs(t, err, &privErr)
	assert.Equal(t, account, privErr.Account)
}

func TestCheckInstanceConfiguration_ConfigWarningsAreNotFatal(t *testing.T) {
	d, farm, _ := newTestDba(t)
	require.NoError(t, farm.SetVariable(addr1, "binlog_checksum", "CRC32"))

	report, err := d.CheckInstanceConfiguration(context.Background(), sandbox.RootDescriptor(addr1), nil)
	require.NoError(t, err)

	require.Len(t, report.ConfigWarnings, 1)
	assert.Equal(t, "binlog_checksum", report.ConfigWarnings[0].Variable)
	assert.Equal(t, "CRC32", report.ConfigWarnings[0].Current)
	assert.Equal(t, "NONE", report.ConfigWarnings[0].Required)
}

func TestCheckInstanceConfiguration_Unreachable(t *testing.T) {
	d, farm, _ := newTestDba(t)
	require.NoError(t, farm.Kill(addr1))

	_, err := d.CheckInstanceConfiguration(context.Background(), sandbox.RootDescriptor(addr1), nil)

	var connErr *instance.ConnectionError
	assert.ErrorAs(t, err, &connErr)
}

func TestCheckInstanceConfiguration_MalformedDescriptor(t *testing.T) {
	d, _, _ := newTestDba(t)

	_, err := d.CheckInstanceConfiguration(context.Background(), instance.Descriptor{Host: "localhost"}, nil)

	var cfgErr *instance.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "descriptor", cfgErr.Setting)
}

func TestConfigureLocalInstance_ClearReadOnlyIsIdempotent(t *testing.T) {
	d, farm, _ := newTestDba(t)
	ctx := context.Background()
	require.NoError(t, farm.SetReadOnlyFlag(addr1, true))

	first, err := d.ConfigureLocalInstance(ctx, sandbox.RootDescriptor(addr1), reconciler.Options{ClearReadOnly: true})
	require.NoError(t, err)
	assert.False(t, first.ReadOnly)
	assert.True(t, first.Changed)

	second, err := d.ConfigureLocalInstance(ctx, sandbox.RootDescriptor(addr1), reconciler.Options{ClearReadOnly: true})
	require.NoError(t, err)
	assert.False(t, second.ReadOnly)
	assert.False(t, second.Changed)

	assert.Equal(t, 1, farm.ReadOnlyWrites(addr1))
	assert.False(t, farm.ReadOnlyFlag(addr1))
}

func TestConfigureLocalInstance_WithoutClearReportsReadOnly(t *testing.T) {
	d, farm, _ := newTestDba(t)
	require.NoError(t, farm.SetReadOnlyFlag(addr1, true))

	result, err := d.ConfigureLocalInstance(context.Background(), sandbox.RootDescriptor(addr1), reconciler.Options{})
	require.NoError(t, err)

	assert.True(t, result.ReadOnly)
	assert.Equal(t, 0, farm.ReadOnlyWrites(addr1))
}

func TestConfigureLocalInstance_FixVariables(t *testing.T) {
	d, farm, _ := newTestDba(t)
	ctx := context.Background()
	require.NoError(t, farm.SetVariable(addr1, "binlog_format", "MIXED"))

	result, err := d.ConfigureLocalInstance(ctx, sandbox.RootDescriptor(addr1), reconciler.Options{FixVariables: true})
	require.NoError(t, err)
	require.Len(t, result.Persisted, 1)
	assert.Equal(t, "binlog_format", result.Persisted[0].Variable)

	report, err := d.CheckInstanceConfiguration(ctx, sandbox.RootDescriptor(addr1), nil)
	require.NoError(t, err)
	assert.Empty(t, report.ConfigWarnings)
}

func TestConfigureLocalInstance_MissingPrivilegesChangesNothing(t *testing.T) {
	d, farm, _ := newTestDba(t)
	require.NoError(t, farm.SetReadOnlyFlag(addr1, true))
	desc := noPrivileges(t, farm, addr1)

	_, err := d.ConfigureLocalInstance(context.Background(), desc, reconciler.Options{ClearReadOnly: true})

	var privErr *privileges.InsufficientPrivilegesError
	require.ErrorAs(t, err, &privErr)
	assert.True(t, farm.ReadOnlyFlag(addr1))
	assert.Equal(t, 0, farm.Mutations(addr1))
	assert.Equal(t, 0, farm.OpenSessions())
}

func TestCreateCluster_MissingPrivileges(t *testing.T) {
	d, farm, _ := newTestDba(t)
	desc := noPrivileges(t, farm, addr1)

	cl, err := d.CreateCluster(context.Background(), desc, "devCluster", cluster.CreateOptions{ClearReadOnly: true})

	var privErr *privileges.InsufficientPrivilegesError
	require.ErrorAs(t, err, &privErr)
	assert.Nil(t, cl)

	_, err = d.GetCluster(context.Background(), "devCluster", instance.Descriptor{})
	assert.Error(t, err)
}

func TestScenario_ReadOnlyInstances(t *testing.T) {
	d, farm, clock := newTestDba(t)
	ctx := context.Background()
	for _, a := range []instance.Address{addr1, addr2, addr3} {
		require.NoError(t, farm.SetReadOnlyFlag(a, true))
	}

	cl, err := d.CreateCluster(ctx, sandbox.RootDescriptor(addr1), "devCluster", cluster.CreateOptions{ClearReadOnly: true})
	require.NoError(t, err)
	ctl := d.Controller()
	require.NoError(t, ctl.AddInstance(ctx, cl, sandbox.RootDescriptor(addr2), cluster.AddOptions{}))
	require.NoError(t, ctl.AddInstance(ctx, cl, sandbox.RootDescriptor(addr3), cluster.AddOptions{}))

	clock.Advance(2 * time.Second)
	for _, a := range []instance.Address{addr2, addr3} {
		_, err := ctl.WaitForState(ctx, cl, a, instance.StateOnline, time.Second)
		require.NoError(t, err)
	}

	require.NoError(t, farm.Kill(addr3))
	require.NoError(t, farm.Start(ctx, addr3))
	require.NoError(t, ctl.RejoinInstance(ctx, cl, sandbox.RootDescriptor(addr3)))
	clock.Advance(2 * time.Second)
	_, err = ctl.WaitForState(ctx, cl, addr3, instance.StateOnline, time.Second)
	require.NoError(t, err)

	snap, err := ctl.Status(ctx, cl)
	require.NoError(t, err)
	require.Len(t, snap.Members, 3)
	seen := map[instance.Address]bool{}
	for _, m := range snap.Members {
		assert.False(t, seen[m.Address], "duplicate member %s", m.Address)
		seen[m.Address] = true
		assert.Equal(t, instance.StateOnline, m.State, m.Address.String())
	}
	assert.Equal(t, addr1, snap.Primary)
	assert.Equal(t, 1, farm.ReadOnlyWrites(addr1))
	assert.Equal(t, 0, farm.ReadOnlyWrites(addr2))
	assert.Equal(t, 0, farm.ReadOnlyWrites(addr3))
}

func TestGetCluster(t *testing.T) {
	d, _, _ := newTestDba(t)
	ctx := context.Background()
	created, err := d.CreateCluster(ctx, sandbox.RootDescriptor(addr1), "devCluster", cluster.CreateOptions{})
	require.NoError(t, err)

	known, err := d.GetCluster(ctx, "devCluster", instance.Descriptor{})
	require.NoError(t, err)
	assert.Same(t, created, known)

	fetched, err := d.GetCluster(ctx, "", sandbox.RootDescriptor(addr1))
	require.NoError(t, err)
	assert.Equal(t, "devCluster", fetched.Name())
	assert.Equal(t, created.GroupName(), fetched.GroupName())

	_, err = d.GetCluster(ctx, "", sandbox.RootDescriptor(addr2))
	var memErr *cluster.MembershipError
	require.ErrorAs(t, err, &memErr)
	assert.Equal(t, cluster.ReasonMetadataNotFound, memErr.Reason)
}

func TestRebootClusterFromCompleteOutage_DiscoversName(t *testing.T) {
	d, farm, clock := newTestDba(t)
	ctx := context.Background()
	cl, err := d.CreateCluster(ctx, sandbox.RootDescriptor(addr1), "devCluster", cluster.CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, d.Controller().AddInstance(ctx, cl, sandbox.RootDescriptor(addr2), cluster.AddOptions{}))
	clock.Advance(2 * time.Second)

	require.NoError(t, farm.Kill(addr2))
	require.NoError(t, farm.Kill(addr1))
	require.NoError(t, farm.Start(ctx, addr1))

	res, err := d.RebootClusterFromCompleteOutage(ctx, "", sandbox.RootDescriptor(addr1))
	require.NoError(t, err)

	assert.Equal(t, "devCluster", res.Cluster.Name())
	assert.Equal(t, cluster.StateActive, res.Cluster.State())
	assert.Equal(t, addr1, res.Cluster.Primary())
	assert.Equal(t, []instance.Address{addr2}, res.Missing)
}

func TestRebootClusterFromCompleteOutage_SeedUnreachable(t *testing.T) {
	d, farm, _ := newTestDba(t)
	require.NoError(t, farm.Kill(addr1))

	_, err := d.RebootClusterFromCompleteOutage(context.Background(), "", sandbox.RootDescriptor(addr1))

	var outageErr *cluster.OutageRecoveryError
	require.ErrorAs(t, err, &outageErr)
	assert.Equal(t, addr1, outageErr.Seed)
}
