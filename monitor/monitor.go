// Package monitor polls group membership state. It never takes cluster locks, so
// waiting on one cluster does not block operations on any other.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/gradm/instance"
	"github.com/maxpert/gradm/telemetry"
)

// ErrUnknownMember is returned when waiting on an address outside the topology
var ErrUnknownMember = errors.New("address is not a member of the cluster")

// Topology names a cluster and the endpoints to poll, primary first
type Topology interface {
	Name() string
	Endpoints() []instance.Descriptor
}

// Observation is the state of one member as seen in a single poll
type Observation struct {
	Address    instance.Address     `json:"address"`
	State      instance.MemberState `json:"state"`
	Role       instance.Role        `json:"role"`
	Authority  instance.Address     `json:"authority,omitempty"`
	ObservedAt time.Time            `json:"observed_at"`
}

// TimeoutError is returned when the expected state was not observed in time
type TimeoutError struct {
	Address      instance.Address
	Expected     instance.MemberState
	LastObserved instance.MemberState
	Elapsed      time.Duration
	Cause        error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("timed out after %s waiting for %s to become %s (last observed %s)",
		e.Elapsed.Round(time.Millisecond), e.Address, e.Expected, e.LastObserved)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// Monitor polls instances through a dialer at a constant interval
type Monitor struct {
	dialer         instance.Dialer
	interval       time.Duration
	defaultTimeout time.Duration
}

// New creates a monitor
func New(dialer instance.Dialer, interval, defaultTimeout time.Duration) *Monitor {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if defaultTimeout <= 0 {
		defaultTimeout = time.Minute
	}
	return &Monitor{dialer: dialer, interval: interval, defaultTimeout: defaultTimeout}
}

// Observe runs one poll cycle. The first endpoint that reports itself ONLINE is the
// authoritative view of the group. Without one, endpoints are judged by their own
// reports.
func (m *Monitor) Observe(ctx context.Context, topo Topology) map[instance.Address]Observation {
	endpoints := topo.Endpoints()
	now := time.Now()

	selfReports := make(map[instance.Address]instance.MemberState, len(endpoints))
	var view []instance.GroupMember
	var authority instance.Address

	for _, d := range endpoints {
		if ctx.Err() != nil {
			break
		}
		members, err := m.poll(ctx, d)
		if err != nil {
			log.Debug().Err(err).Str("cluster", topo.Name()).Str("address", d.Address().String()).Msg("Poll failed")
			continue
		}
		self := selfState(d.Address(), members)
		selfReports[d.Address()] = self
		if self == instance.StateOnline {
			view = members
			authority = d.Address()
			break
		}
	}

	out := make(map[instance.Address]Observation, len(endpoints))
	for _, d := range endpoints {
		addr := d.Address()
		obs := Observation{Address: addr, Role: instance.RoleUnknown, Authority: authority, ObservedAt: now}

		switch {
		case view != nil:
			obs.State = instance.StateMissing
			for _, gm := range view {
				if gm.Address == addr {
					obs.State = gm.State.ClusterView()
					obs.Role = gm.Role
					break
				}
			}
		default:
			if self, ok := selfReports[addr]; ok {
				obs.State = self.ClusterView()
			} else {
				obs.State = instance.StateUnreachable
			}
		}
		out[addr] = obs
	}

	if view != nil {
		telemetry.MonitorPollsTotal.With("authority").Inc()
	} else {
		telemetry.MonitorPollsTotal.With("no_authority").Inc()
	}
	return out
}

func (m *Monitor) poll(ctx context.Context, d instance.Descriptor) ([]instance.GroupMember, error) {
	s, err := m.dialer.Dial(ctx, d)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	return s.GroupMembers(ctx)
}

func selfState(addr instance.Address, members []instance.GroupMember) instance.MemberState {
	for _, gm := range members {
		if gm.Address == addr {
			return gm.State
		}
	}
	return instance.StateOffline
}

// WaitForState polls until addr is observed in the expected state or the timeout
// elapses. A zero timeout uses the monitor default. UNREACHABLE readings along the
// way do not end the wait.
func (m *Monitor) WaitForState(ctx context.Context, topo Topology, addr instance.Address, expected instance.MemberState, timeout time.Duration) (Observation, error) {
	if !hasEndpoint(topo, addr) {
		return Observation{}, fmt.Errorf("%w: %s in %s", ErrUnknownMember, addr, topo.Name())
	}
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}

	start := time.Now()
	defer func() { telemetry.MonitorWaitSeconds.Observe(telemetry.Since(start)) }()

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	last := Observation{Address: addr, State: instance.StateUnreachable, Role: instance.RoleUnknown}
	for {
		if obs, ok := m.Observe(waitCtx, topo)[addr]; ok && waitCtx.Err() == nil {
			last = obs
			if obs.State == expected {
				log.Debug().
					Str("cluster", topo.Name()).
					Str("address", addr.String()).
					Str("state", string(expected)).
					Dur("elapsed", time.Since(start)).
					Msg("Expected state observed")
				return obs, nil
			}
		}

		select {
		case <-waitCtx.Done():
			timeoutErr := &TimeoutError{
				Address:      addr,
				Expected:     expected,
				LastObserved: last.State,
				Elapsed:      time.Since(start),
			}
			// Only a caller cancellation is carried as the cause
			if ctx.Err() != nil {
				timeoutErr.Cause = ctx.Err()
			}
			return last, timeoutErr
		case <-ticker.C:
		}
	}
}

func hasEndpoint(topo Topology, addr instance.Address) bool {
	for _, d := range topo.Endpoints() {
		if d.Address() == addr {
			return true
		}
	}
	return false
}

// StaticTopology is a fixed endpoint list
type StaticTopology struct {
	ClusterName string
	Descriptors []instance.Descriptor
}

func (t StaticTopology) Name() string {
	return t.ClusterName
}

func (t StaticTopology) Endpoints() []instance.Descriptor {
	return t.Descriptors
}
