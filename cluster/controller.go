package cluster

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/gradm/instance"
	"github.com/maxpert/gradm/metastore"
	"github.com/maxpert/gradm/monitor"
	"github.com/maxpert/gradm/notify"
	"github.com/maxpert/gradm/reconciler"
	"github.com/maxpert/gradm/telemetry"
	"github.com/maxpert/gradm/validator"
)

// CreateOptions controls Create
type CreateOptions struct {
	// ClearReadOnly clears super_read_only on the seed without further confirmation
	ClearReadOnly bool `json:"clear_read_only"`
	// FixVariables persists the required value of every mismatched variable
	FixVariables bool `json:"fix_variables"`
}

// AddOptions controls AddInstance
type AddOptions struct {
	FixVariables bool `json:"fix_variables"`
}

// RemoveOptions controls RemoveInstance
type RemoveOptions struct {
	// Force removes the member from the cluster even when it cannot be reached
	Force bool `json:"force"`
}

// RebootResult describes a cluster brought back from a complete outage
type RebootResult struct {
	Cluster  *Cluster           `json:"-"`
	Rejoined []instance.Address `json:"rejoined"`
	Missing  []instance.Address `json:"missing"`
	Failures map[string]string  `json:"failures,omitempty"` // keyed by address
}

// Config wires a Controller to its collaborators
type Config struct {
	Dialer      instance.Dialer
	Validator   *validator.Validator
	Reconciler  *reconciler.Reconciler
	Monitor     *monitor.Monitor
	Store       metastore.MetaStore
	Hub         *notify.Hub // nil discards events
	Policy      QuorumPolicy
	LockTimeout time.Duration
	Now         func() time.Time
}

// Controller owns cluster operations. Mutating operations on one cluster are
// serialized by its LockManager; Status and Get take no lock.
type Controller struct {
	dialer     instance.Dialer
	validator  *validator.Validator
	reconciler *reconciler.Reconciler
	monitor    *monitor.Monitor
	store      metastore.MetaStore
	hub        *notify.Hub
	policy     QuorumPolicy
	locks      *LockManager
	now        func() time.Time

	clusters *xsync.MapOf[string, *Cluster]
}

// NewController creates a controller
func NewController(conf Config) *Controller {
	if conf.Validator == nil {
		conf.Validator = validator.New(nil)
	}
	if conf.Reconciler == nil {
		conf.Reconciler = reconciler.New(conf.Validator)
	}
	if conf.Monitor == nil {
		conf.Monitor = monitor.New(conf.Dialer, 0, 0)
	}
	if conf.Now == nil {
		conf.Now = time.Now
	}
	return &Controller{
		dialer:     conf.Dialer,
		validator:  conf.Validator,
		reconciler: conf.Reconciler,
		monitor:    conf.Monitor,
		store:      conf.Store,
		hub:        conf.Hub,
		policy:     conf.Policy,
		locks:      NewLockManager(conf.LockTimeout),
		now:        conf.Now,
		clusters:   xsync.NewMapOf[string, *Cluster](),
	}
}

// Monitor returns the group state monitor used by the controller
func (c *Controller) Monitor() *monitor.Monitor {
	return c.monitor
}

// Validator returns the instance validator used by the controller
func (c *Controller) Validator() *validator.Validator {
	return c.validator
}

// Reconciler returns the configuration reconciler used by the controller
func (c *Controller) Reconciler() *reconciler.Reconciler {
	return c.reconciler
}

// Dialer returns the session dialer used by the controller
func (c *Controller) Dialer() instance.Dialer {
	return c.dialer
}

// Lookup returns the handle for a cluster created, fetched or rebooted by this controller
func (c *Controller) Lookup(name string) (*Cluster, error) {
	if cl, ok := c.clusters.Load(name); ok {
		return cl, nil
	}
	return nil, &MembershipError{Cluster: name, Reason: ReasonUnknownCluster}
}

// Records lists every cluster in the local registry
func (c *Controller) Records() ([]*metastore.ClusterRecord, error) {
	return c.store.ListClusters()
}

// Create bootstraps a new cluster on seed. Nothing is created when the seed
// fails validation.
func (c *Controller) Create(ctx context.Context, seed instance.Descriptor, name string, opts CreateOptions) (cl *Cluster, err error) {
	defer c.track("create_cluster", name)(&err)

	if !ValidName(name) {
		return nil, &instance.ConfigurationError{
			Setting: "cluster_name",
			Reason:  fmt.Sprintf("%q must be 1 to 40 letters, digits, '_' or '-' and start with a letter or '_'", name),
		}
	}
	seed = seed.Normalized()
	if err := seed.Validate(); err != nil {
		return nil, err
	}

	release, err := c.locks.Acquire(ctx, name)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := c.checkNameFree(name); err != nil {
		return nil, err
	}

	s, err := c.dialer.Dial(ctx, seed)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	report, err := c.admit(ctx, s, name)
	if err != nil {
		return nil, err
	}

	// Three ways forward on a read-only seed: already clear, cleared on request, or refuse
	if report.ReadOnly && !opts.ClearReadOnly {
		return nil, &instance.ConfigurationError{
			Address: seed.Address(),
			Setting: "super_read_only",
			Reason:  "instance is read-only and clearing it was not requested",
		}
	}
	if (report.ReadOnly && opts.ClearReadOnly) || opts.FixVariables {
		if _, err := c.reconciler.Reconcile(ctx, s, reconciler.Options{
			ClearReadOnly: opts.ClearReadOnly,
			FixVariables:  opts.FixVariables,
		}); err != nil {
			return nil, err
		}
	}

	groupName := uuid.NewString()
	if err := s.StartGroupReplication(ctx, instance.GroupSpec{GroupName: groupName, Bootstrap: true}); err != nil {
		return nil, instanceFailure(seed.Address(), "group_replication", "failed to bootstrap group", err)
	}

	now := c.now()
	cl = &Cluster{
		name:      name,
		groupName: groupName,
		state:     StateActive,
		primary:   seed.Address(),
		createdAt: now,
		members: []Member{{
			Descriptor: seed,
			Address:    seed.Address(),
			Role:       instance.RolePrimary,
			State:      instance.StateOnline,
			JoinedAt:   now,
		}},
	}

	if err := s.WriteMetadata(ctx, cl.metadata(now)); err != nil {
		return nil, instanceFailure(seed.Address(), "metadata", "failed to write cluster metadata", err)
	}
	if err := c.store.CreateCluster(cl.record(now)); err != nil {
		if errors.Is(err, metastore.ErrExists) {
			return nil, &MembershipError{Cluster: name, Reason: ReasonNameInUse}
		}
		return nil, fmt.Errorf("failed to register cluster %s: %w", name, err)
	}
	c.clusters.Store(name, cl)

	c.emit(notify.ClusterCreated, name, seed.Address(), map[string]string{"group_name": groupName})
	return cl, nil
}

// AddInstance starts group replication on d, joining through the current members.
// It returns as soon as the instance is accepted; callers poll the monitor for ONLINE.
func (c *Controller) AddInstance(ctx context.Context, cl *Cluster, d instance.Descriptor, opts AddOptions) (err error) {
	defer c.track("add_instance", cl.Name())(&err)

	d = d.Normalized()
	if err := d.Validate(); err != nil {
		return err
	}
	addr := d.Address()

	release, err := c.locks.Acquire(ctx, cl.Name())
	if err != nil {
		return err
	}
	defer release()

	if err := requireActive(cl); err != nil {
		return err
	}
	if _, ok := cl.Member(addr); ok {
		return &DuplicateMemberError{Cluster: cl.Name(), Address: addr}
	}

	s, err := c.dialer.Dial(ctx, d)
	if err != nil {
		return err
	}
	defer s.Close()

	if _, err := c.admit(ctx, s, cl.Name()); err != nil {
		return err
	}
	if opts.FixVariables {
		if _, err := c.reconciler.Reconcile(ctx, s, reconciler.Options{FixVariables: true}); err != nil {
			return err
		}
	}

	spec := instance.GroupSpec{GroupName: cl.GroupName(), Seeds: seedsExcept(cl, addr)}
	if err := s.StartGroupReplication(ctx, spec); err != nil {
		return instanceFailure(addr, "group_replication", "failed to join group", err)
	}

	now := c.now()
	cl.addMember(Member{
		Descriptor: d,
		Address:    addr,
		Role:       instance.RoleSecondary,
		State:      instance.StateRecovering,
		JoinedAt:   now,
	})
	if err := c.persist(ctx, cl, now); err != nil {
		return err
	}

	c.emit(notify.InstanceAdded, cl.Name(), addr, map[string]string{"role": string(instance.RoleSecondary)})
	return nil
}

// RejoinInstance restarts group replication on a former member that is no longer
// active. It never changes the instance's read-only flag; an active member is left as is.
func (c *Controller) RejoinInstance(ctx context.Context, cl *Cluster, d instance.Descriptor) (err error) {
	defer c.track("rejoin_instance", cl.Name())(&err)

	d = d.Normalized()
	if err := d.Validate(); err != nil {
		return err
	}
	addr := d.Address()

	release, err := c.locks.Acquire(ctx, cl.Name())
	if err != nil {
		return err
	}
	defer release()

	if cl.State() == StateDissolved {
		return &MembershipError{Cluster: cl.Name(), Reason: ReasonDissolved}
	}
	if _, ok := cl.Member(addr); !ok {
		return &MembershipError{Cluster: cl.Name(), Address: addr, Reason: ReasonNotFormerMember}
	}

	cl.applyObservations(c.monitor.Observe(ctx, cl))
	if m, _ := cl.Member(addr); m.State.Active() {
		log.Info().Str("cluster", cl.Name()).Str("address", addr.String()).Str("state", string(m.State)).
			Msg("Member is already active, nothing to rejoin")
		return nil
	}

	s, err := c.dialer.Dial(ctx, d)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := c.rejoin(ctx, s, cl.GroupName(), seedsExcept(cl, addr)); err != nil {
		return err
	}

	cl.updateMember(addr, func(m *Member) {
		m.Descriptor = d
		m.State = instance.StateRecovering
		m.Role = instance.RoleSecondary
	})
	if err := c.store.PutCluster(cl.record(c.now())); err != nil {
		return fmt.Errorf("failed to update cluster %s: %w", cl.Name(), err)
	}

	c.emit(notify.InstanceRejoined, cl.Name(), addr, nil)
	return nil
}

// RemoveInstance stops group replication on a member and drops it from the cluster.
// Removing the primary hands over to the first ONLINE secondary in join order.
func (c *Controller) RemoveInstance(ctx context.Context, cl *Cluster, d instance.Descriptor, opts RemoveOptions) (err error) {
	defer c.track("remove_instance", cl.Name())(&err)

	d = d.Normalized()
	if err := d.Validate(); err != nil {
		return err
	}
	addr := d.Address()

	release, err := c.locks.Acquire(ctx, cl.Name())
	if err != nil {
		return err
	}
	defer release()

	if cl.State() == StateDissolved {
		return &MembershipError{Cluster: cl.Name(), Reason: ReasonDissolved}
	}
	if _, ok := cl.Member(addr); !ok {
		return &MembershipError{Cluster: cl.Name(), Address: addr, Reason: ReasonNotMember}
	}
	members := cl.Members()
	if err := c.policy.CheckRemoval(cl.Name(), len(members)); err != nil {
		return err
	}

	cl.applyObservations(c.monitor.Observe(ctx, cl))
	wasPrimary := cl.Primary() == addr

	var successor instance.Descriptor
	if wasPrimary {
		for _, m := range cl.Members() {
			if m.Address != addr && m.State == instance.StateOnline {
				successor = m.Descriptor
				break
			}
		}
		if successor.Host == "" {
			return &QuorumError{
				Cluster:   cl.Name(),
				Members:   len(members),
				Remaining: len(members) - 1,
				Required:  max(c.policy.MinMembers, 1),
				Reason:    "no ONLINE secondary can take over as primary",
			}
		}
	}

	if err := c.leave(ctx, d); err != nil {
		if !opts.Force {
			return err
		}
		log.Warn().Err(err).Str("cluster", cl.Name()).Str("address", addr.String()).
			Msg("Could not stop group replication, removing anyway")
	}

	// The member stays listed until the successor accepts writes and its metadata is gone
	if wasPrimary {
		if err := c.promote(ctx, successor); err != nil {
			return err
		}
	}

	if err := c.forget(ctx, d, cl.Name()); err != nil {
		if !opts.Force {
			return err
		}
		log.Warn().Err(err).Str("cluster", cl.Name()).Str("address", addr.String()).
			Msg("Could not drop metadata on removed instance")
	}

	cl.removeMember(addr)
	if wasPrimary {
		cl.setPrimary(successor.Address())
		c.emit(notify.PrimaryChanged, cl.Name(), successor.Address(), map[string]string{"previous": addr.String()})
	}

	if err := c.persist(ctx, cl, c.now()); err != nil {
		return err
	}

	c.emit(notify.InstanceRemoved, cl.Name(), addr, map[string]string{"forced": strconv.FormatBool(opts.Force)})
	return nil
}

// RebootFromCompleteOutage rebuilds a cluster from the metadata held by seed after
// every member went down. Former members that cannot rejoin stay MISSING.
func (c *Controller) RebootFromCompleteOutage(ctx context.Context, name string, seed instance.Descriptor) (res *RebootResult, err error) {
	defer c.track("reboot_cluster", name)(&err)

	if !ValidName(name) {
		return nil, &instance.ConfigurationError{Setting: "cluster_name", Reason: fmt.Sprintf("%q is not a valid cluster name", name)}
	}
	seed = seed.Normalized()
	if err := seed.Validate(); err != nil {
		return nil, err
	}
	seedAddr := seed.Address()

	release, err := c.locks.Acquire(ctx, name)
	if err != nil {
		return nil, err
	}
	defer release()

	// The registry outranks metadata left behind on an instance removed by force
	rec, err := c.store.GetCluster(name)
	switch {
	case err == nil:
		if !slices.Contains(rec.Members, seedAddr) {
			return nil, &OutageRecoveryError{Cluster: name, Seed: seedAddr, Reason: ReasonSeedNotMember}
		}
	case !errors.Is(err, metastore.ErrNotFound):
		return nil, fmt.Errorf("failed to load cluster %s: %w", name, err)
	}

	s, err := c.dialer.Dial(ctx, seed)
	if err != nil {
		return nil, &OutageRecoveryError{Cluster: name, Seed: seedAddr, Reason: "seed is unreachable", Cause: err}
	}
	defer s.Close()

	md, err := s.ReadMetadata(ctx, name)
	if err != nil {
		reason := "metadata is unreadable"
		if errors.Is(err, instance.ErrMetadataNotFound) {
			reason = ReasonMetadataNotFound
		}
		return nil, &OutageRecoveryError{Cluster: name, Seed: seedAddr, Reason: reason, Cause: err}
	}
	if _, ok := md.Member(seedAddr); !ok {
		return nil, &OutageRecoveryError{Cluster: name, Seed: seedAddr, Reason: ReasonSeedNotMember}
	}

	cl := fromMetadata(md, seed, c.createdAt(name, md.UpdatedAt))
	cl.updateMember(seedAddr, func(m *Member) { m.Descriptor = seed })

	for addr, obs := range c.monitor.Observe(ctx, cl) {
		if obs.State == instance.StateOnline {
			return nil, &MembershipError{Cluster: name, Address: addr, Reason: ReasonLiveMember}
		}
	}

	if err := c.stopIfGrouped(ctx, s); err != nil {
		return nil, err
	}
	if _, err := c.reconciler.Reconcile(ctx, s, reconciler.Options{ClearReadOnly: true}); err != nil {
		return nil, err
	}
	if err := s.StartGroupReplication(ctx, instance.GroupSpec{GroupName: md.GroupName, Bootstrap: true}); err != nil {
		return nil, instanceFailure(seedAddr, "group_replication", "failed to bootstrap group", err)
	}

	cl.setPrimary(seedAddr)
	cl.updateMember(seedAddr, func(m *Member) { m.State = instance.StateOnline })
	cl.setState(StateActive)

	res = &RebootResult{Cluster: cl, Failures: map[string]string{}}
	for _, m := range cl.Members() {
		if m.Address == seedAddr {
			continue
		}
		if err := c.rejoinMember(ctx, cl, m); err != nil {
			log.Warn().Err(err).Str("cluster", name).Str("address", m.Address.String()).
				Msg("Former member did not rejoin")
			res.Missing = append(res.Missing, m.Address)
			res.Failures[m.Address.String()] = err.Error()
			continue
		}
		res.Rejoined = append(res.Rejoined, m.Address)
	}

	now := c.now()
	if err := s.WriteMetadata(ctx, cl.metadata(now)); err != nil {
		return nil, instanceFailure(seedAddr, "metadata", "failed to write cluster metadata", err)
	}
	if err := c.store.PutCluster(cl.record(now)); err != nil {
		return nil, fmt.Errorf("failed to register cluster %s: %w", name, err)
	}
	c.clusters.Store(name, cl)

	c.emit(notify.ClusterRebooted, name, seedAddr, map[string]string{
		"rejoined": strconv.Itoa(len(res.Rejoined)),
		"missing":  strconv.Itoa(len(res.Missing)),
	})
	return res, nil
}

// Status refreshes member states and roles with one monitor poll
func (c *Controller) Status(ctx context.Context, cl *Cluster) (snap Snapshot, err error) {
	defer c.track("status", cl.Name())(&err)

	before := cl.Snapshot()
	if before.State == StateDissolved {
		return before, &MembershipError{Cluster: cl.Name(), Reason: ReasonDissolved}
	}

	cl.applyObservations(c.monitor.Observe(ctx, cl))
	snap = cl.Snapshot()

	counts := map[instance.MemberState]int{}
	for _, m := range snap.Members {
		counts[m.State]++
	}
	for _, st := range []instance.MemberState{
		instance.StateOnline, instance.StateRecovering, instance.StateMissing,
		instance.StateError, instance.StateUnreachable,
	} {
		telemetry.ClusterMembers.With(snap.Name, string(st)).Set(float64(counts[st]))
	}

	if snap.State != before.State {
		c.emit(notify.StatusChanged, snap.Name, instance.Address{}, map[string]string{
			"from": string(before.State),
			"to":   string(snap.State),
		})
	}
	if !before.Primary.IsZero() && snap.Primary != before.Primary {
		c.emit(notify.PrimaryChanged, snap.Name, snap.Primary, map[string]string{"previous": before.Primary.String()})
	}
	return snap, nil
}

// WaitForState waits until addr is observed in the expected state
func (c *Controller) WaitForState(ctx context.Context, cl *Cluster, addr instance.Address, expected instance.MemberState, timeout time.Duration) (monitor.Observation, error) {
	return c.monitor.WaitForState(ctx, cl, addr, expected, timeout)
}

// Dissolve stops group replication on every reachable member, drops the cluster
// metadata and forgets the cluster.
func (c *Controller) Dissolve(ctx context.Context, cl *Cluster) (err error) {
	defer c.track("dissolve", cl.Name())(&err)

	release, err := c.locks.Acquire(ctx, cl.Name())
	if err != nil {
		return err
	}
	defer release()

	if cl.State() == StateDissolved {
		return &MembershipError{Cluster: cl.Name(), Reason: ReasonDissolved}
	}

	endpoints := cl.Endpoints()
	dropped := false
	for _, d := range endpoints {
		if err := c.withSession(ctx, d, func(s instance.Session) error {
			return s.DropMetadata(ctx, cl.Name())
		}); err != nil {
			log.Debug().Err(err).Str("cluster", cl.Name()).Str("address", d.Address().String()).Msg("Metadata not dropped here")
			continue
		}
		dropped = true
		break
	}
	if !dropped {
		log.Warn().Str("cluster", cl.Name()).Msg("Cluster metadata could not be dropped on any member")
	}

	// Secondaries first so the primary does not change hands on the way out
	for i := len(endpoints) - 1; i >= 0; i-- {
		if err := c.leave(ctx, endpoints[i]); err != nil {
			var connErr *instance.ConnectionError
			if !errors.As(err, &connErr) {
				return err
			}
			log.Warn().Err(err).Str("cluster", cl.Name()).Str("address", endpoints[i].Address().String()).
				Msg("Unreachable member left as is")
		}
	}

	if err := c.store.DeleteCluster(cl.Name()); err != nil && !errors.Is(err, metastore.ErrNotFound) {
		return fmt.Errorf("failed to unregister cluster %s: %w", cl.Name(), err)
	}

	cl.mu.Lock()
	cl.state = StateDissolved
	cl.members = nil
	cl.primary = instance.Address{}
	cl.mu.Unlock()
	c.clusters.Delete(cl.Name())

	c.emit(notify.ClusterDissolved, cl.Name(), instance.Address{}, nil)
	return nil
}

// Get rebuilds a cluster handle from the metadata stored on via
func (c *Controller) Get(ctx context.Context, name string, via instance.Descriptor) (cl *Cluster, err error) {
	defer c.track("get_cluster", name)(&err)

	via = via.Normalized()
	if err := via.Validate(); err != nil {
		return nil, err
	}

	var md *instance.Metadata
	if err := c.withSession(ctx, via, func(s instance.Session) error {
		var readErr error
		md, readErr = s.ReadMetadata(ctx, name)
		return readErr
	}); err != nil {
		if errors.Is(err, instance.ErrMetadataNotFound) {
			return nil, &MembershipError{Cluster: name, Address: via.Address(), Reason: ReasonMetadataNotFound}
		}
		return nil, err
	}

	cl = fromMetadata(md, via, c.createdAt(name, md.UpdatedAt))
	cl.updateMember(via.Address(), func(m *Member) { m.Descriptor = via })
	cl.applyObservations(c.monitor.Observe(ctx, cl))

	if _, err := c.store.GetCluster(name); errors.Is(err, metastore.ErrNotFound) {
		if err := c.store.PutCluster(cl.record(c.now())); err != nil {
			log.Warn().Err(err).Str("cluster", name).Msg("Failed to register fetched cluster")
		}
	}
	c.clusters.Store(name, cl)
	return cl, nil
}

// admit validates the instance and refuses one that already runs group replication
func (c *Controller) admit(ctx context.Context, s instance.Session, cluster string) (*validator.Report, error) {
	report, err := c.validator.Validate(ctx, s, nil)
	if err != nil {
		return nil, err
	}
	if err := report.Err(); err != nil {
		return nil, err
	}

	grouped, err := inGroup(ctx, s)
	if err != nil {
		return nil, err
	}
	if grouped {
		return nil, &MembershipError{Cluster: cluster, Address: s.Address(), Reason: ReasonAlreadyGrouped}
	}
	return report, nil
}

func (c *Controller) checkNameFree(name string) error {
	if _, ok := c.clusters.Load(name); ok {
		return &MembershipError{Cluster: name, Reason: ReasonNameInUse}
	}
	_, err := c.store.GetCluster(name)
	switch {
	case err == nil:
		return &MembershipError{Cluster: name, Reason: ReasonNameInUse}
	case errors.Is(err, metastore.ErrNotFound):
		return nil
	default:
		return fmt.Errorf("failed to look up cluster %s: %w", name, err)
	}
}

func (c *Controller) createdAt(name string, fallback time.Time) time.Time {
	if rec, err := c.store.GetCluster(name); err == nil {
		return rec.CreatedAt
	}
	return fallback
}

// rejoin restarts group replication through seeds, stopping a stale group first
func (c *Controller) rejoin(ctx context.Context, s instance.Session, groupName string, seeds []instance.Address) error {
	if err := c.stopIfGrouped(ctx, s); err != nil {
		return err
	}
	if err := s.StartGroupReplication(ctx, instance.GroupSpec{GroupName: groupName, Seeds: seeds}); err != nil {
		return instanceFailure(s.Address(), "group_replication", "failed to rejoin group", err)
	}
	return nil
}

func (c *Controller) rejoinMember(ctx context.Context, cl *Cluster, m Member) error {
	err := c.withSession(ctx, m.Descriptor, func(s instance.Session) error {
		return c.rejoin(ctx, s, cl.GroupName(), []instance.Address{cl.Primary()})
	})
	if err != nil {
		cl.updateMember(m.Address, func(m *Member) { m.State = instance.StateMissing })
		return err
	}
	cl.updateMember(m.Address, func(m *Member) { m.State = instance.StateRecovering })
	return nil
}

func (c *Controller) stopIfGrouped(ctx context.Context, s instance.Session) error {
	grouped, err := inGroup(ctx, s)
	if err != nil || !grouped {
		return err
	}
	if err := s.StopGroupReplication(ctx); err != nil {
		return instanceFailure(s.Address(), "group_replication", "failed to leave stale group", err)
	}
	return nil
}

// leave stops group replication on d
func (c *Controller) leave(ctx context.Context, d instance.Descriptor) error {
	return c.withSession(ctx, d, func(s instance.Session) error {
		if err := s.StopGroupReplication(ctx); err != nil {
			return instanceFailure(d.Address(), "group_replication", "failed to stop group replication", err)
		}
		return nil
	})
}

// forget drops the cluster metadata on an instance that already left the group.
// super_read_only is lifted for the drop and put back afterwards.
func (c *Controller) forget(ctx context.Context, d instance.Descriptor, name string) error {
	return c.withSession(ctx, d, func(s instance.Session) (err error) {
		ro, err := s.ReadOnly(ctx)
		if err != nil {
			return err
		}
		if ro {
			if err := s.SetReadOnly(ctx, false); err != nil {
				return instanceFailure(d.Address(), "super_read_only", "failed to clear super_read_only", err)
			}
			defer func() {
				if rerr := s.SetReadOnly(ctx, true); rerr != nil && err == nil {
					err = instanceFailure(d.Address(), "super_read_only", "failed to restore super_read_only", rerr)
				}
			}()
		}
		if err := s.DropMetadata(ctx, name); err != nil {
			return instanceFailure(d.Address(), "metadata", "failed to drop cluster metadata", err)
		}
		return nil
	})
}

// promote makes sure the new primary accepts writes
func (c *Controller) promote(ctx context.Context, d instance.Descriptor) error {
	return c.withSession(ctx, d, func(s instance.Session) error {
		_, err := c.reconciler.Reconcile(ctx, s, reconciler.Options{ClearReadOnly: true})
		return err
	})
}

// persist writes the metadata through the first member that accepts it, then the record
func (c *Controller) persist(ctx context.Context, cl *Cluster, now time.Time) error {
	md := cl.metadata(now)

	var lastErr error
	written := false
	for _, d := range cl.Endpoints() {
		if err := c.withSession(ctx, d, func(s instance.Session) error {
			return s.WriteMetadata(ctx, md)
		}); err != nil {
			lastErr = err
			continue
		}
		written = true
		break
	}
	if !written {
		return fmt.Errorf("failed to update metadata for cluster %s: %w", cl.Name(), lastErr)
	}

	if err := c.store.PutCluster(cl.record(now)); err != nil {
		return fmt.Errorf("failed to update cluster %s: %w", cl.Name(), err)
	}
	return nil
}

func (c *Controller) withSession(ctx context.Context, d instance.Descriptor, fn func(instance.Session) error) error {
	s, err := c.dialer.Dial(ctx, d)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

func (c *Controller) emit(typ notify.EventType, cluster string, addr instance.Address, detail map[string]string) {
	ev := notify.Event{Type: typ, Cluster: cluster, Detail: detail}
	if !addr.IsZero() {
		ev.Address = addr.String()
	}
	c.hub.Publish(ev)
}

// track records metrics and a log line for one operation
func (c *Controller) track(op, cluster string) func(*error) {
	start := time.Now()
	return func(errp *error) {
		err := *errp
		telemetry.OperationsTotal.With(op, telemetry.Result(err)).Inc()
		telemetry.OperationDurationSeconds.With(op).Observe(telemetry.Since(start))

		if err != nil {
			log.Warn().Err(err).Str("op", op).Str("cluster", cluster).Msg("Operation failed")
			return
		}
		log.Debug().Str("op", op).Str("cluster", cluster).Dur("elapsed", time.Since(start)).Msg("Operation completed")
	}
}

func requireActive(cl *Cluster) error {
	switch cl.State() {
	case StateActive:
		return nil
	case StateDissolved:
		return &MembershipError{Cluster: cl.Name(), Reason: ReasonDissolved}
	default:
		return &MembershipError{Cluster: cl.Name(), Reason: ReasonNotActive}
	}
}

// seedsExcept lists member addresses other than addr, primary first
func seedsExcept(cl *Cluster, addr instance.Address) []instance.Address {
	var seeds []instance.Address
	for _, d := range cl.Endpoints() {
		if d.Address() != addr {
			seeds = append(seeds, d.Address())
		}
	}
	return seeds
}

// inGroup reports whether the instance considers itself part of a group
func inGroup(ctx context.Context, s instance.Session) (bool, error) {
	members, err := s.GroupMembers(ctx)
	if err != nil {
		return false, err
	}
	for _, m := range members {
		if m.Address == s.Address() {
			return m.State != instance.StateOffline, nil
		}
	}
	return false, nil
}

// instanceFailure keeps connection errors and turns anything else into a ConfigurationError
func instanceFailure(addr instance.Address, setting, reason string, err error) error {
	var connErr *instance.ConnectionError
	if errors.As(err, &connErr) {
		return err
	}
	return &instance.ConfigurationError{Address: addr, Setting: setting, Reason: reason, Cause: err}
}
