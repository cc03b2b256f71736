package cluster

import "github.com/maxpert/gradm/instance"

// QuorumPolicy decides how small a cluster may become
type QuorumPolicy struct {
	MinMembers int
}

// CheckRemoval fails when removing one of total members leaves fewer than MinMembers
func (p QuorumPolicy) CheckRemoval(cluster string, total int) error {
	minMembers := max(p.MinMembers, 1)
	if total-1 < minMembers {
		return &QuorumError{
			Cluster:   cluster,
			Members:   total,
			Remaining: total - 1,
			Required:  minMembers,
		}
	}
	return nil
}

// HasQuorum reports whether a majority of members participates in the group and
// at least one of them is ONLINE. RECOVERING members count toward the majority.
func HasQuorum(states []instance.MemberState) bool {
	online, active := 0, 0
	for _, s := range states {
		if s.Active() {
			active++
		}
		if s == instance.StateOnline {
			online++
		}
	}
	return online > 0 && active*2 > len(states)
}
