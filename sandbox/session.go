package sandbox

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/maxpert/gradm/instance"
	"github.com/maxpert/gradm/privileges"
)

type session struct {
	farm    *Farm
	addr    instance.Address
	account privileges.Account
	closed  bool
}

func (s *session) Address() instance.Address {
	return s.addr
}

// do runs fn under the farm lock against a live node
func (s *session) do(fn func(n *node) error) error {
	n, err := s.farm.node(s.addr)
	if err != nil {
		return err
	}

	s.farm.mu.Lock()
	defer s.farm.mu.Unlock()

	if s.closed {
		return fmt.Errorf("session to %s is closed", s.addr)
	}
	if !n.running {
		return &instance.ConnectionError{Address: s.addr, Cause: fmt.Errorf("server has gone away")}
	}
	return fn(n)
}

func (s *session) CurrentAccount(context.Context) (privileges.Account, error) {
	return s.account, nil
}

func (s *session) Grants(_ context.Context, account privileges.Account) (*privileges.Grants, error) {
	var grants *privileges.Grants
	err := s.do(func(n *node) error {
		acct, ok := n.accounts[account.User]
		if !ok || acct.grants == nil {
			grants = privileges.NewGrants()
			return nil
		}
		grants = acct.grants
		return nil
	})
	return grants, err
}

func (s *session) ReadOnly(context.Context) (bool, error) {
	var on bool
	err := s.do(func(n *node) error {
		on = n.readOnly
		return nil
	})
	return on, err
}

func (s *session) SetReadOnly(_ context.Context, on bool) error {
	return s.do(func(n *node) error {
		if n.rejectReadOnly != nil {
			return n.rejectReadOnly
		}
		if on && s.farm.isPrimaryLocked(n) {
			return fmt.Errorf("cannot enable super_read_only on %s: instance is the group primary", n.addr)
		}
		n.readOnly = on
		n.readOnlyWrites++
		n.mutations++
		return nil
	})
}

func (s *session) GlobalVariables(_ context.Context, names ...string) (map[string]string, error) {
	out := make(map[string]string, len(names))
	err := s.do(func(n *node) error {
		for _, name := range names {
			name = strings.ToLower(name)
			if v, ok := n.variables[name]; ok {
				out[name] = v
			}
		}
		return nil
	})
	return out, err
}

func (s *session) PersistVariable(_ context.Context, name, value string) error {
	return s.do(func(n *node) error {
		n.variables[strings.ToLower(name)] = value
		n.mutations++
		return nil
	})
}

func (s *session) GroupMembers(context.Context) ([]instance.GroupMember, error) {
	var members []instance.GroupMember
	err := s.do(func(n *node) error {
		g := s.farm.groups[n.group]
		if n.group == "" || g == nil {
			members = []instance.GroupMember{{Address: n.addr, State: instance.StateOffline, Role: instance.RoleUnknown}}
			return nil
		}
		for _, m := range g.members {
			state, role := s.farm.memberStateLocked(g, m)
			members = append(members, instance.GroupMember{Address: m.addr, State: state, Role: role})
		}
		return nil
	})
	return members, err
}

func (s *session) StartGroupReplication(_ context.Context, spec instance.GroupSpec) error {
	return s.do(func(n *node) error {
		if spec.GroupName == "" {
			return fmt.Errorf("group_replication_group_name is not set")
		}
		if n.group != "" {
			return fmt.Errorf("group replication is already running on %s", n.addr)
		}
		n.mutations++
		now := s.farm.now()

		if spec.Bootstrap {
			if g, ok := s.farm.groups[spec.GroupName]; ok && len(g.members) > 0 {
				return fmt.Errorf("group %s already has members", spec.GroupName)
			}
			// The bootstrapping member is ONLINE immediately
			s.farm.groups[spec.GroupName] = &group{
				name:    spec.GroupName,
				primary: n.addr,
				members: []member{{addr: n.addr, joinedAt: now.Add(-s.farm.recoveryDelay)}},
			}
			n.group = spec.GroupName
			n.readOnly = false
			return nil
		}

		g := s.farm.groups[spec.GroupName]
		if g == nil || !s.farm.reachableSeedLocked(g, spec.Seeds) {
			return fmt.Errorf("%s could not join group %s: no reachable seed", n.addr, spec.GroupName)
		}

		g.members = append(g.members, member{addr: n.addr, joinedAt: now})
		n.group = spec.GroupName
		n.readOnly = true

		// Distributed recovery carries the metadata schema over from the primary
		if p, ok := s.farm.nodes.Load(g.primary); ok {
			for name, doc := range p.metadata {
				n.metadata[name] = append([]byte(nil), doc...)
			}
		}
		return nil
	})
}

func (s *session) StopGroupReplication(context.Context) error {
	return s.do(func(n *node) error {
		if n.group == "" {
			return nil
		}
		n.mutations++
		s.farm.leaveGroupLocked(n)
		n.readOnly = true
		return nil
	})
}

// ReadMetadata without a name returns the most recently updated document,
// ties going to the lowest cluster name.
func (s *session) ReadMetadata(_ context.Context, clusterName string) (*instance.Metadata, error) {
	var docs map[string][]byte
	err := s.do(func(n *node) error {
		docs = make(map[string][]byte, len(n.metadata))
		for name, doc := range n.metadata {
			if clusterName == "" || name == clusterName {
				docs[name] = append([]byte(nil), doc...)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if clusterName != "" {
		doc, ok := docs[clusterName]
		if !ok {
			return nil, instance.ErrMetadataNotFound
		}
		return instance.DecodeMetadata(doc)
	}

	names := make([]string, 0, len(docs))
	for name := range docs {
		names = append(names, name)
	}
	sort.Strings(names)

	var latest *instance.Metadata
	var lastErr error
	for _, name := range names {
		md, err := instance.DecodeMetadata(docs[name])
		if err != nil {
			lastErr = err
			continue
		}
		if latest == nil || md.UpdatedAt.After(latest.UpdatedAt) {
			latest = md
		}
	}
	if latest != nil {
		return latest, nil
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, instance.ErrMetadataNotFound
}

func (s *session) WriteMetadata(_ context.Context, md *instance.Metadata) error {
	doc, err := instance.EncodeMetadata(md)
	if err != nil {
		return err
	}
	return s.do(func(n *node) error {
		if n.readOnly {
			return ErrSuperReadOnly
		}
		n.mutations++
		s.farm.replicateLocked(n, func(target *node) {
			target.metadata[md.ClusterName] = append([]byte(nil), doc...)
		})
		return nil
	})
}

func (s *session) DropMetadata(_ context.Context, clusterName string) error {
	return s.do(func(n *node) error {
		if n.readOnly {
			return ErrSuperReadOnly
		}
		n.mutations++
		s.farm.replicateLocked(n, func(target *node) {
			delete(target.metadata, clusterName)
		})
		return nil
	})
}

func (s *session) Close() error {
	s.farm.mu.Lock()
	defer s.farm.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.farm.openSessions--
	}
	return nil
}

func (f *Farm) isPrimaryLocked(n *node) bool {
	g := f.groups[n.group]
	return n.group != "" && g != nil && g.primary == n.addr
}

func (f *Farm) reachableSeedLocked(g *group, seeds []instance.Address) bool {
	for _, seed := range seeds {
		for _, m := range g.members {
			if m.addr == seed {
				return true
			}
		}
	}
	return false
}

// replicateLocked applies a write to n and, when n is in a group, every member of it
func (f *Farm) replicateLocked(n *node, apply func(*node)) {
	apply(n)
	g := f.groups[n.group]
	if n.group == "" || g == nil {
		return
	}
	for _, m := range g.members {
		if m.addr == n.addr {
			continue
		}
		if target, ok := f.nodes.Load(m.addr); ok && target.running {
			apply(target)
		}
	}
}
