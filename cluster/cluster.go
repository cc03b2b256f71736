// Package cluster implements the membership controller that creates clusters and
// moves instances in and out of them.
package cluster

import (
	"regexp"
	"sync"
	"time"

	"github.com/maxpert/gradm/instance"
	"github.com/maxpert/gradm/metastore"
	"github.com/maxpert/gradm/monitor"
)

// State is a cluster lifecycle state
type State string

const (
	StateActive    State = "ACTIVE"
	StateNoQuorum  State = "NO_QUORUM"
	StateDissolved State = "DISSOLVED"
)

var namePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]{0,39}$`)

// ValidName reports whether name is a legal cluster name
func ValidName(name string) bool {
	return namePattern.MatchString(name)
}

// Member is one instance of a cluster as last observed
type Member struct {
	Descriptor instance.Descriptor  `json:"-"`
	Address    instance.Address     `json:"address"`
	Role       instance.Role        `json:"role"`
	State      instance.MemberState `json:"state"`
	JoinedAt   time.Time            `json:"joined_at"`
}

// Snapshot is a point-in-time copy of a cluster
type Snapshot struct {
	Name      string           `json:"name"`
	GroupName string           `json:"group_name"`
	State     State            `json:"state"`
	Primary   instance.Address `json:"primary"`
	Members   []Member         `json:"members"`
	CreatedAt time.Time        `json:"created_at"`
}

// Cluster is a handle to a replication group managed by a Controller.
// It implements monitor.Topology.
type Cluster struct {
	mu        sync.RWMutex
	name      string
	groupName string
	state     State
	primary   instance.Address
	members   []Member // join order
	createdAt time.Time
}

var _ monitor.Topology = (*Cluster)(nil)

func (c *Cluster) Name() string {
	return c.name
}

func (c *Cluster) GroupName() string {
	return c.groupName
}

func (c *Cluster) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Cluster) Primary() instance.Address {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.primary
}

// Members returns the members in join order
func (c *Cluster) Members() []Member {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Member(nil), c.members...)
}

// Member returns the member at addr
func (c *Cluster) Member(addr instance.Address) (Member, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if i := c.indexLocked(addr); i >= 0 {
		return c.members[i], true
	}
	return Member{}, false
}

// Endpoints returns member descriptors, primary first
func (c *Cluster) Endpoints() []instance.Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]instance.Descriptor, 0, len(c.members))
	for _, m := range c.members {
		if m.Address == c.primary {
			out = append(out, m.Descriptor)
		}
	}
	for _, m := range c.members {
		if m.Address != c.primary {
			out = append(out, m.Descriptor)
		}
	}
	return out
}

// Snapshot returns a copy of the cluster's current view
func (c *Cluster) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		Name:      c.name,
		GroupName: c.groupName,
		State:     c.state,
		Primary:   c.primary,
		Members:   append([]Member(nil), c.members...),
		CreatedAt: c.createdAt,
	}
}

func (c *Cluster) indexLocked(addr instance.Address) int {
	for i, m := range c.members {
		if m.Address == addr {
			return i
		}
	}
	return -1
}

func (c *Cluster) addMember(m Member) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.members = append(c.members, m)
}

func (c *Cluster) removeMember(addr instance.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := c.indexLocked(addr); i >= 0 {
		c.members = append(c.members[:i], c.members[i+1:]...)
	}
}

func (c *Cluster) updateMember(addr instance.Address, fn func(m *Member)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := c.indexLocked(addr); i >= 0 {
		fn(&c.members[i])
	}
}

// setPrimary records addr as primary and demotes everyone else
func (c *Cluster) setPrimary(addr instance.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.primary = addr
	for i := range c.members {
		if c.members[i].Address == addr {
			c.members[i].Role = instance.RolePrimary
		} else {
			c.members[i].Role = instance.RoleSecondary
		}
	}
}

func (c *Cluster) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// applyObservations refreshes member states and roles from one poll and
// recomputes the lifecycle state. It returns the primary the group reported.
func (c *Cluster) applyObservations(obs map[instance.Address]monitor.Observation) (instance.Address, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var reported instance.Address
	found := false
	states := make([]instance.MemberState, 0, len(c.members))
	for i := range c.members {
		m := &c.members[i]
		if o, ok := obs[m.Address]; ok {
			m.State = o.State
			if o.Role != instance.RoleUnknown {
				m.Role = o.Role
			}
			if o.Role == instance.RolePrimary {
				reported, found = m.Address, true
			}
		}
		states = append(states, m.State)
	}
	if found {
		c.primary = reported
	}

	if c.state != StateDissolved {
		if HasQuorum(states) {
			c.state = StateActive
		} else {
			c.state = StateNoQuorum
		}
	}
	return reported, found
}

// metadata builds the replicated document for the current membership
func (c *Cluster) metadata(now time.Time) *instance.Metadata {
	c.mu.RLock()
	defer c.mu.RUnlock()

	md := &instance.Metadata{
		ClusterName: c.name,
		GroupName:   c.groupName,
		UpdatedAt:   now,
	}
	for _, m := range c.members {
		md.Members = append(md.Members, instance.MetadataMember{
			Address:  m.Address,
			Role:     m.Role,
			JoinedAt: m.JoinedAt,
		})
	}
	return md
}

// record builds the local registry entry for the cluster
func (c *Cluster) record(now time.Time) *metastore.ClusterRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rec := &metastore.ClusterRecord{
		Name:      c.name,
		GroupName: c.groupName,
		Primary:   c.primary,
		State:     string(c.state),
		CreatedAt: c.createdAt,
		UpdatedAt: now,
	}
	for _, m := range c.members {
		rec.Members = append(rec.Members, m.Address)
	}
	return rec
}

// fromMetadata rebuilds a handle. Member credentials are taken from via.
func fromMetadata(md *instance.Metadata, via instance.Descriptor, createdAt time.Time) *Cluster {
	c := &Cluster{
		name:      md.ClusterName,
		groupName: md.GroupName,
		state:     StateNoQuorum,
		createdAt: createdAt,
	}
	for _, mm := range md.Members {
		d := via
		d.Host, d.Port = mm.Address.Host, mm.Address.Port
		c.members = append(c.members, Member{
			Descriptor: d,
			Address:    mm.Address,
			Role:       mm.Role,
			State:      instance.StateMissing,
			JoinedAt:   mm.JoinedAt,
		})
		if mm.Role == instance.RolePrimary {
			c.primary = mm.Address
		}
	}
	return c
}
