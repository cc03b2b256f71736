// Package sandbox simulates a farm of MySQL instances in memory. It implements
// instance.Dialer and instance.Lifecycle with single-primary group replication,
// super_read_only, account grants and per-instance cluster metadata, and lets
// tests inject failures.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/gradm/instance"
	"github.com/maxpert/gradm/privileges"
)

const (
	RootUser     = "root"
	RootPassword = "root"

	DefaultRecoveryDelay = 50 * time.Millisecond
)

var (
	ErrRefused       = errors.New("connection refused")
	ErrSuperReadOnly = errors.New("the MySQL server is running with the --super-read-only option so it cannot execute this statement")
)

// CompliantVariables are the configuration values a freshly deployed sandbox reports
var CompliantVariables = map[string]string{
	"gtid_mode":                        "ON",
	"enforce_gtid_consistency":         "ON",
	"binlog_format":                    "ROW",
	"binlog_checksum":                  "NONE",
	"log_slave_updates":                "ON",
	"master_info_repository":           "TABLE",
	"relay_log_info_repository":        "TABLE",
	"transaction_write_set_extraction": "XXHASH64",
}

type account struct {
	password string
	grants   *privileges.Grants
	as       string
}

type node struct {
	addr     instance.Address
	running  bool
	errored  bool
	readOnly bool
	group    string

	accounts  map[string]*account
	variables map[string]string
	metadata  map[string][]byte

	rejectReadOnly error
	readOnlyWrites int
	mutations      int
}

type member struct {
	addr     instance.Address
	joinedAt time.Time
}

type group struct {
	name    string
	primary instance.Address
	members []member
}

// Farm is a set of simulated instances sharing one network
type Farm struct {
	mu     sync.Mutex
	nodes  *xsync.MapOf[instance.Address, *node]
	groups map[string]*group

	// sessions dialed and not yet closed
	openSessions int

	recoveryDelay time.Duration
	now           func() time.Time
}

// Option configures a Farm
type Option func(*Farm)

// WithRecoveryDelay sets how long a joining member stays RECOVERING
func WithRecoveryDelay(d time.Duration) Option {
	return func(f *Farm) { f.recoveryDelay = d }
}

// WithClock replaces the wall clock
func WithClock(now func() time.Time) Option {
	return func(f *Farm) { f.now = now }
}

// NewFarm creates an empty farm
func NewFarm(opts ...Option) *Farm {
	f := &Farm{
		nodes:         xsync.NewMapOf[instance.Address, *node](),
		groups:        make(map[string]*group),
		recoveryDelay: DefaultRecoveryDelay,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Deploy creates a running instance with a fully privileged root account
func (f *Farm) Deploy(addr instance.Address) error {
	n := &node{
		addr:      addr,
		running:   true,
		accounts:  make(map[string]*account),
		variables: make(map[string]string, len(CompliantVariables)),
		metadata:  make(map[string][]byte),
	}
	for k, v := range CompliantVariables {
		n.variables[k] = v
	}
	n.accounts[RootUser] = &account{password: RootPassword, grants: FullGrants()}

	if _, loaded := f.nodes.LoadOrStore(addr, n); loaded {
		return fmt.Errorf("instance %s already deployed", addr)
	}
	log.Debug().Str("address", addr.String()).Msg("Sandbox instance deployed")
	return nil
}

// RootDescriptor returns a descriptor for the root account of addr
func RootDescriptor(addr instance.Address) instance.Descriptor {
	return instance.Descriptor{Host: addr.Host, Port: addr.Port, User: RootUser, Password: RootPassword}
}

// FullGrants returns ALL PRIVILEGES WITH GRANT OPTION on *.*
func FullGrants() *privileges.Grants {
	g := privileges.NewGrants()
	g.AddGlobal(privileges.AllPrivileges, privileges.GrantOption)
	return g
}

func (f *Farm) node(addr instance.Address) (*node, error) {
	n, ok := f.nodes.Load(addr)
	if !ok {
		return nil, fmt.Errorf("no sandbox instance at %s", addr)
	}
	return n, nil
}

func (f *Farm) with(addr instance.Address, fn func(n *node) error) error {
	n, err := f.node(addr)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return fn(n)
}

// CreateAccount adds an account with the given grants
func (f *Farm) CreateAccount(addr instance.Address, user, password string, grants *privileges.Grants) error {
	return f.with(addr, func(n *node) error {
		if grants == nil {
			grants = privileges.NewGrants()
		}
		n.accounts[user] = &account{password: password, grants: grants}
		return nil
	})
}

// CreateAlias adds a login that the server authenticates as another user
func (f *Farm) CreateAlias(addr instance.Address, user, password, as string) error {
	return f.with(addr, func(n *node) error {
		if _, ok := n.accounts[as]; !ok {
			return fmt.Errorf("account %s does not exist on %s", as, addr)
		}
		n.accounts[user] = &account{password: password, as: as}
		return nil
	})
}

// SetReadOnlyFlag sets super_read_only directly
func (f *Farm) SetReadOnlyFlag(addr instance.Address, on bool) error {
	return f.with(addr, func(n *node) error {
		n.readOnly = on
		return nil
	})
}

// ReadOnlyFlag returns the current super_read_only value
func (f *Farm) ReadOnlyFlag(addr instance.Address) bool {
	var on bool
	_ = f.with(addr, func(n *node) error {
		on = n.readOnly
		return nil
	})
	return on
}

// SetVariable overrides a global variable
func (f *Farm) SetVariable(addr instance.Address, name, value string) error {
	return f.with(addr, func(n *node) error {
		n.variables[name] = value
		return nil
	})
}

// RejectReadOnlyChanges makes every super_read_only change on addr fail with err.
// A nil err restores normal behavior.
func (f *Farm) RejectReadOnlyChanges(addr instance.Address, err error) error {
	return f.with(addr, func(n *node) error {
		n.rejectReadOnly = err
		return nil
	})
}

// CorruptMetadata flips bytes in the stored metadata document
func (f *Farm) CorruptMetadata(addr instance.Address, clusterName string) error {
	return f.with(addr, func(n *node) error {
		doc, ok := n.metadata[clusterName]
		if !ok {
			return fmt.Errorf("no metadata for %s on %s", clusterName, addr)
		}
		corrupt := append([]byte(nil), doc...)
		for i := len(corrupt) / 2; i < len(corrupt); i++ {
			corrupt[i] ^= 0xA5
		}
		n.metadata[clusterName] = corrupt
		return nil
	})
}

// MarkError makes the instance report ERROR in its group
func (f *Farm) MarkError(addr instance.Address, errored bool) error {
	return f.with(addr, func(n *node) error {
		n.errored = errored
		return nil
	})
}

// ReadOnlyWrites counts super_read_only changes issued through sessions
func (f *Farm) ReadOnlyWrites(addr instance.Address) int {
	var count int
	_ = f.with(addr, func(n *node) error {
		count = n.readOnlyWrites
		return nil
	})
	return count
}

// Mutations counts every state-changing statement issued through sessions
func (f *Farm) Mutations(addr instance.Address) int {
	var count int
	_ = f.with(addr, func(n *node) error {
		count = n.mutations
		return nil
	})
	return count
}

// Running reports whether the instance process is up
func (f *Farm) Running(addr instance.Address) bool {
	var running bool
	_ = f.with(addr, func(n *node) error {
		running = n.running
		return nil
	})
	return running
}

// Kill stops the instance abruptly. The group expels it.
func (f *Farm) Kill(addr instance.Address) error {
	return f.with(addr, func(n *node) error {
		n.running = false
		f.leaveGroupLocked(n)
		log.Debug().Str("address", addr.String()).Msg("Sandbox instance killed")
		return nil
	})
}

// Start implements instance.Lifecycle. A restarted instance is not in any group.
func (f *Farm) Start(_ context.Context, addr instance.Address) error {
	return f.with(addr, func(n *node) error {
		if n.running {
			return nil
		}
		n.running = true
		n.errored = false
		n.group = ""
		log.Debug().Str("address", addr.String()).Msg("Sandbox instance started")
		return nil
	})
}

// Stop implements instance.Lifecycle
func (f *Farm) Stop(_ context.Context, addr instance.Address) error {
	return f.Kill(addr)
}

// Dial implements instance.Dialer
func (f *Farm) Dial(_ context.Context, d instance.Descriptor) (instance.Session, error) {
	d = d.Normalized()
	if err := d.Validate(); err != nil {
		return nil, err
	}

	addr := d.Address()
	n, ok := f.nodes.Load(addr)
	if !ok {
		return nil, &instance.ConnectionError{Address: addr, Cause: ErrRefused}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if !n.running {
		return nil, &instance.ConnectionError{Address: addr, Cause: ErrRefused}
	}
	acct, ok := n.accounts[d.User]
	if !ok || acct.password != d.Password {
		return nil, &instance.ConnectionError{
			Address: addr,
			Cause:   fmt.Errorf("access denied for user '%s'@'%s' (using password: YES)", d.User, d.Host),
		}
	}

	user := d.User
	if acct.as != "" {
		user = acct.as
	}
	f.openSessions++
	return &session{farm: f, addr: addr, account: privileges.Account{User: user, Host: "%"}}, nil
}

// OpenSessions counts sessions that were dialed and not closed yet
func (f *Farm) OpenSessions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.openSessions
}

func (f *Farm) memberStateLocked(g *group, m member) (instance.MemberState, instance.Role) {
	n, _ := f.nodes.Load(m.addr)
	role := instance.RoleSecondary
	if m.addr == g.primary {
		role = instance.RolePrimary
	}
	if n != nil && n.errored {
		return instance.StateError, role
	}
	if f.now().Before(m.joinedAt.Add(f.recoveryDelay)) {
		return instance.StateRecovering, role
	}
	return instance.StateOnline, role
}

func (f *Farm) leaveGroupLocked(n *node) {
	if n.group == "" {
		return
	}
	g := f.groups[n.group]
	n.group = ""
	if g == nil {
		return
	}

	kept := g.members[:0]
	for _, m := range g.members {
		if m.addr != n.addr {
			kept = append(kept, m)
		}
	}
	g.members = kept

	if len(g.members) == 0 {
		delete(f.groups, g.name)
		return
	}
	if g.primary == n.addr {
		f.electLocked(g)
	}
}

// electLocked picks the first ONLINE member in join order, else the first member
func (f *Farm) electLocked(g *group) {
	next := g.members[0].addr
	for _, m := range g.members {
		if state, _ := f.memberStateLocked(g, m); state == instance.StateOnline {
			next = m.addr
			break
		}
	}
	g.primary = next
	if n, ok := f.nodes.Load(next); ok {
		n.readOnly = false
	}
	log.Debug().Str("group", g.name).Str("primary", next.String()).Msg("Sandbox group elected primary")
}
