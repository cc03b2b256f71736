package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/gradm/instance"
	"github.com/maxpert/gradm/sandbox"
)

var (
	addr1 = instance.Address{Host: "localhost", Port: 3310}
	addr2 = instance.Address{Host: "localhost", Port: 3320}
	addr3 = instance.Address{Host: "localhost", Port: 3330}
)

func topology() StaticTopology {
	return StaticTopology{
		ClusterName: "devCluster",
		Descriptors: []instance.Descriptor{
			sandbox.RootDescriptor(addr1),
			sandbox.RootDescriptor(addr2),
			sandbox.RootDescriptor(addr3),
		},
	}
}

// startGroup bootstraps addr1 and joins the rest
func startGroup(t *testing.T, farm *sandbox.Farm, joiners ...instance.Address) {
	t.Helper()
	ctx := context.Background()

	s, err := farm.Dial(ctx, sandbox.RootDescriptor(addr1))
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.StartGroupReplication(ctx, instance.GroupSpec{GroupName: "g", Bootstrap: true}))

	for _, a := range joiners {
		js, err := farm.Dial(ctx, sandbox.RootDescriptor(a))
		require.NoError(t, err)
		require.NoError(t, js.StartGroupReplication(ctx, instance.GroupSpec{GroupName: "g", Seeds: []instance.Address{addr1}}))
		js.Close()
	}
}

func newFarm(t *testing.T, opts ...sandbox.Option) *sandbox.Farm {
	t.Helper()
	farm := sandbox.NewFarm(opts...)
	for _, a := range []instance.Address{addr1, addr2, addr3} {
		require.NoError(t, farm.Deploy(a))
	}
	return farm
}

func TestObserve_AuthoritativeView(t *testing.T) {
	clock := sandbox.NewManualClock(time.Unix(100, 0))
	farm := newFarm(t, sandbox.WithClock(clock.Now), sandbox.WithRecoveryDelay(time.Second))
	startGroup(t, farm, addr2)

	m := New(farm, time.Millisecond, time.Second)
	obs := m.Observe(context.Background(), topology())

	require.Len(t, obs, 3)
	assert.Equal(t, instance.StateOnline, obs[addr1].State)
	assert.Equal(t, instance.RolePrimary, obs[addr1].Role)
	assert.Equal(t, instance.StateRecovering, obs[addr2].State)
	assert.Equal(t, instance.RoleSecondary, obs[addr2].Role)
	assert.Equal(t, instance.StateMissing, obs[addr3].State)
	assert.Equal(t, addr1, obs[addr3].Authority)

	clock.Advance(2 * time.Second)
	obs = m.Observe(context.Background(), topology())
	assert.Equal(t, instance.StateOnline, obs[addr2].State)
}

func TestObserve_FallsBackToNextOnlineEndpoint(t *testing.T) {
	clock := sandbox.NewManualClock(time.Unix(100, 0))
	farm := newFarm(t, sandbox.WithClock(clock.Now), sandbox.WithRecoveryDelay(time.Second))
	startGroup(t, farm, addr2, addr3)
	clock.Advance(2 * time.Second)

	require.NoError(t, farm.Kill(addr1))

	obs := New(farm, time.Millisecond, time.Second).Observe(context.Background(), topology())
	assert.Equal(t, instance.StateMissing, obs[addr1].State)
	assert.Equal(t, instance.StateOnline, obs[addr2].State)
	assert.Equal(t, instance.RolePrimary, obs[addr2].Role)
	assert.Equal(t, addr2, obs[addr3].Authority)
}

func TestObserve_NoAuthority(t *testing.T) {
	farm := newFarm(t)
	require.NoError(t, farm.Kill(addr2))

	obs := New(farm, time.Millisecond, time.Second).Observe(context.Background(), topology())
	assert.Equal(t, instance.StateMissing, obs[addr1].State)
	assert.Equal(t, instance.StateUnreachable, obs[addr2].State)
	assert.Equal(t, instance.StateMissing, obs[addr3].State)
	assert.True(t, obs[addr1].Authority.IsZero())
}

func TestWaitForState_ReachesOnline(t *testing.T) {
	farm := newFarm(t, sandbox.WithRecoveryDelay(30*time.Millisecond))
	startGroup(t, farm, addr2)

	m := New(farm, 5*time.Millisecond, time.Second)
	obs, err := m.WaitForState(context.Background(), topology(), addr2, instance.StateOnline, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, instance.StateOnline, obs.State)
	assert.Equal(t, instance.RoleSecondary, obs.Role)
}

func TestWaitForState_Timeout(t *testing.T) {
	farm := newFarm(t)
	startGroup(t, farm)

	m := New(farm, 5*time.Millisecond, time.Second)
	_, err := m.WaitForState(context.Background(), topology(), addr3, instance.StateOnline, 50*time.Millisecond)

	var timeoutErr *TimeoutError
	require.True(t, errors.As(err, &timeoutErr))
	assert.Equal(t, addr3, timeoutErr.Address)
	assert.Equal(t, instance.StateOnline, timeoutErr.Expected)
	assert.Equal(t, instance.StateMissing, timeoutErr.LastObserved)
	assert.GreaterOrEqual(t, timeoutErr.Elapsed, 50*time.Millisecond)
	assert.Nil(t, timeoutErr.Cause)
}

func TestWaitForState_UnreachableDoesNotEndWait(t *testing.T) {
	farm := newFarm(t)
	require.NoError(t, farm.Kill(addr1))

	m := New(farm, 5*time.Millisecond, time.Second)
	_, err := m.WaitForState(context.Background(), topology(), addr1, instance.StateOnline, 40*time.Millisecond)

	var timeoutErr *TimeoutError
	require.True(t, errors.As(err, &timeoutErr))
	assert.Equal(t, instance.StateUnreachable, timeoutErr.LastObserved)
}

func TestWaitForState_CallerCancellation(t *testing.T) {
	farm := newFarm(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	m := New(farm, 5*time.Millisecond, time.Second)
	_, err := m.WaitForState(ctx, topology(), addr1, instance.StateOnline, time.Minute)

	var timeoutErr *TimeoutError
	require.True(t, errors.As(err, &timeoutErr))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWaitForState_UnknownMember(t *testing.T) {
	farm := newFarm(t)
	m := New(farm, 5*time.Millisecond, time.Second)

	_, err := m.WaitForState(context.Background(), topology(), instance.Address{Host: "localhost", Port: 9999}, instance.StateOnline, time.Second)
	assert.ErrorIs(t, err, ErrUnknownMember)
}

func TestTimeoutError_Message(t *testing.T) {
	err := &TimeoutError{Address: addr1, Expected: instance.StateOnline, LastObserved: instance.StateRecovering, Elapsed: 1500 * time.Millisecond}
	assert.Equal(t, "timed out after 1.5s waiting for localhost:3310 to become ONLINE (last observed RECOVERING)", err.Error())
}
