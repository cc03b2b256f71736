// Package dba is the administrative operation surface. Instance checks and
// configuration run directly against one instance; cluster operations are
// delegated to the membership controller.
package dba

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/gradm/cluster"
	"github.com/maxpert/gradm/instance"
	"github.com/maxpert/gradm/privileges"
	"github.com/maxpert/gradm/reconciler"
	"github.com/maxpert/gradm/telemetry"
	"github.com/maxpert/gradm/validator"
)

// Dba runs administrative operations through a controller
type Dba struct {
	ctl *cluster.Controller
}

// New creates the operation surface over ctl
func New(ctl *cluster.Controller) *Dba {
	return &Dba{ctl: ctl}
}

// Controller returns the membership controller behind the surface
func (d *Dba) Controller() *cluster.Controller {
	return d.ctl
}

// CheckInstanceConfiguration validates the instance without changing it. account
// selects the account under test; nil checks the account the session authenticated
// as. On missing privileges both the report and an InsufficientPrivilegesError are
// returned.
func (d *Dba) CheckInstanceConfiguration(ctx context.Context, desc instance.Descriptor, account *privileges.Account) (report *validator.Report, err error) {
	defer track("check_instance_configuration")(&err)

	desc = desc.Normalized()
	if err := desc.Validate(); err != nil {
		return nil, err
	}

	err = d.withSession(ctx, desc, func(s instance.Session) error {
		var vErr error
		report, vErr = d.ctl.Validator().Validate(ctx, s, account)
		return vErr
	})
	if err != nil {
		return nil, err
	}

	if err := report.Err(); err != nil {
		log.Warn().
			Str("address", report.Address.String()).
			Str("account", report.Account.String()).
			Int("missing", report.Missing.Count()).
			Msg("Instance is missing privileges")
		return report, err
	}
	return report, nil
}

// ConfigureLocalInstance applies opts to a single instance. The account must hold
// every required privilege before anything is changed.
func (d *Dba) ConfigureLocalInstance(ctx context.Context, desc instance.Descriptor, opts reconciler.Options) (result *reconciler.Result, err error) {
	defer track("configure_local_instance")(&err)

	desc = desc.Normalized()
	if err := desc.Validate(); err != nil {
		return nil, err
	}

	err = d.withSession(ctx, desc, func(s instance.Session) error {
		report, vErr := d.ctl.Validator().Validate(ctx, s, nil)
		if vErr != nil {
			return vErr
		}
		if vErr := report.Err(); vErr != nil {
			return vErr
		}

		var rErr error
		result, rErr = d.ctl.Reconciler().Reconcile(ctx, s, opts)
		return rErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CreateCluster bootstraps a cluster on the instance behind desc
func (d *Dba) CreateCluster(ctx context.Context, desc instance.Descriptor, name string, opts cluster.CreateOptions) (*cluster.Cluster, error) {
	return d.ctl.Create(ctx, desc, name, opts)
}

// GetCluster returns the cluster handle for name. With a zero descriptor only
// clusters already known to the controller are returned; otherwise the handle is
// rebuilt from the metadata on desc. An empty name picks the cluster stored on desc.
func (d *Dba) GetCluster(ctx context.Context, name string, desc instance.Descriptor) (*cluster.Cluster, error) {
	if desc.Host == "" {
		return d.ctl.Lookup(name)
	}
	if name == "" {
		discovered, err := d.defaultCluster(ctx, desc)
		if err != nil {
			return nil, err
		}
		name = discovered
	}
	return d.ctl.Get(ctx, name, desc)
}

// RebootClusterFromCompleteOutage brings a cluster back through seed after every
// member went down. An empty name picks the cluster stored on seed.
func (d *Dba) RebootClusterFromCompleteOutage(ctx context.Context, name string, seed instance.Descriptor) (*cluster.RebootResult, error) {
	if name == "" {
		discovered, err := d.defaultCluster(ctx, seed)
		if err != nil {
			var connErr *instance.ConnectionError
			if errors.As(err, &connErr) {
				return nil, &cluster.OutageRecoveryError{Seed: seed.Address(), Reason: "seed is unreachable", Cause: err}
			}
			return nil, err
		}
		name = discovered
	}
	return d.ctl.RebootFromCompleteOutage(ctx, name, seed)
}

// defaultCluster names the cluster whose metadata is stored on desc
func (d *Dba) defaultCluster(ctx context.Context, desc instance.Descriptor) (string, error) {
	desc = desc.Normalized()
	if err := desc.Validate(); err != nil {
		return "", err
	}

	var name string
	err := d.withSession(ctx, desc, func(s instance.Session) error {
		md, err := s.ReadMetadata(ctx, "")
		if err != nil {
			return err
		}
		name = md.ClusterName
		return nil
	})
	switch {
	case errors.Is(err, instance.ErrMetadataNotFound):
		return "", &cluster.MembershipError{Address: desc.Address(), Reason: cluster.ReasonMetadataNotFound}
	case errors.Is(err, instance.ErrMetadataCorrupt):
		return "", &cluster.OutageRecoveryError{Seed: desc.Address(), Reason: "metadata is unreadable", Cause: err}
	case err != nil:
		return "", err
	}
	return name, nil
}

func (d *Dba) withSession(ctx context.Context, desc instance.Descriptor, fn func(instance.Session) error) error {
	s, err := d.ctl.Dialer().Dial(ctx, desc)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

func track(op string) func(*error) {
	start := time.Now()
	return func(errp *error) {
		telemetry.OperationsTotal.With(op, telemetry.Result(*errp)).Inc()
		telemetry.OperationDurationSeconds.With(op).Observe(telemetry.Since(start))
	}
}
