package instance

import (
	"strings"
	"time"
)

// Role is the replication role an instance reports for itself
type Role string

const (
	RolePrimary   Role = "PRIMARY"
	RoleSecondary Role = "SECONDARY"
	RoleUnknown   Role = "UNKNOWN"
)

// ParseRole maps a server-reported role string
func ParseRole(s string) Role {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PRIMARY":
		return RolePrimary
	case "SECONDARY":
		return RoleSecondary
	default:
		return RoleUnknown
	}
}

// MemberState is the group membership state of an instance
type MemberState string

const (
	StateOnline      MemberState = "ONLINE"
	StateRecovering  MemberState = "RECOVERING"
	StateMissing     MemberState = "MISSING"
	StateError       MemberState = "ERROR"
	StateUnreachable MemberState = "UNREACHABLE"

	// StateOffline is only ever reported by an instance about itself. Cluster
	// views translate it to StateMissing.
	StateOffline MemberState = "OFFLINE"
)

// ParseMemberState maps a server-reported state string
func ParseMemberState(s string) MemberState {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ONLINE":
		return StateOnline
	case "RECOVERING":
		return StateRecovering
	case "OFFLINE":
		return StateOffline
	case "UNREACHABLE":
		return StateUnreachable
	case "MISSING", "(MISSING)":
		return StateMissing
	default:
		return StateError
	}
}

// ClusterView translates a self-reported state into the state shown in cluster views
func (s MemberState) ClusterView() MemberState {
	if s == StateOffline || s == "" {
		return StateMissing
	}
	return s
}

// Active reports whether the member participates in the group
func (s MemberState) Active() bool {
	return s == StateOnline || s == StateRecovering
}

// GroupMember is one row of an instance's view of its group
type GroupMember struct {
	Address Address     `json:"address"`
	State   MemberState `json:"state"`
	Role    Role        `json:"role"`
}

// GroupSpec is the input to StartGroupReplication
type GroupSpec struct {
	GroupName    string
	LocalAddress Address
	Seeds        []Address
	Bootstrap    bool
}

// MetadataMember is one member entry of the replicated cluster metadata
type MetadataMember struct {
	Address  Address   `msgpack:"address" json:"address"`
	Role     Role      `msgpack:"role" json:"role"`
	JoinedAt time.Time `msgpack:"joined_at" json:"joined_at"`
}

// Metadata is the cluster description replicated to every member of the group
type Metadata struct {
	ClusterName string           `msgpack:"cluster_name" json:"cluster_name"`
	GroupName   string           `msgpack:"group_name" json:"group_name"`
	Members     []MetadataMember `msgpack:"members" json:"members"`
	UpdatedAt   time.Time        `msgpack:"updated_at" json:"updated_at"`
}

// Member returns the entry for addr
func (m *Metadata) Member(addr Address) (MetadataMember, bool) {
	for _, mm := range m.Members {
		if mm.Address == addr {
			return mm, true
		}
	}
	return MetadataMember{}, false
}

// Primary returns the address recorded as primary
func (m *Metadata) Primary() (Address, bool) {
	for _, mm := range m.Members {
		if mm.Role == RolePrimary {
			return mm.Address, true
		}
	}
	return Address{}, false
}

// Clone returns a deep copy
func (m *Metadata) Clone() *Metadata {
	out := *m
	out.Members = append([]MetadataMember(nil), m.Members...)
	return &out
}
