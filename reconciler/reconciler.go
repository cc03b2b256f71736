// Package reconciler applies corrective configuration to a single instance.
package reconciler

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/gradm/instance"
	"github.com/maxpert/gradm/telemetry"
	"github.com/maxpert/gradm/validator"
)

// Options selects which corrections to apply. The decision to apply them is made
// by the caller before Reconcile runs.
type Options struct {
	ClearReadOnly bool `json:"clear_read_only"`
	SetReadOnly   bool `json:"set_read_only"`
	FixVariables  bool `json:"fix_variables"`
}

// Result describes the instance after reconciliation. ReadOnly is always a value
// read back from the instance.
type Result struct {
	Address   instance.Address          `json:"address"`
	ReadOnly  bool                      `json:"read_only"`
	Changed   bool                      `json:"changed"`
	Persisted []validator.ConfigWarning `json:"persisted,omitempty"`
}

// Reconciler applies Options to an open session
type Reconciler struct {
	validator *validator.Validator
}

// New creates a reconciler. The validator supplies configuration warnings for
// FixVariables.
func New(v *validator.Validator) *Reconciler {
	if v == nil {
		v = validator.New(nil)
	}
	return &Reconciler{validator: v}
}

// Reconcile brings the instance in line with opts. A change the instance rejects
// is returned as ConfigurationError and is not retried.
func (r *Reconciler) Reconcile(ctx context.Context, s instance.Session, opts Options) (*Result, error) {
	addr := s.Address()
	if opts.ClearReadOnly && opts.SetReadOnly {
		return nil, &instance.ConfigurationError{
			Address: addr,
			Setting: "options",
			Reason:  "clear_read_only and set_read_only are mutually exclusive",
		}
	}

	readOnly, err := s.ReadOnly(ctx)
	if err != nil {
		return nil, connectionError(addr, err)
	}

	result := &Result{Address: addr, ReadOnly: readOnly}

	switch {
	case opts.ClearReadOnly && readOnly:
		if err := r.flipReadOnly(ctx, s, false, result); err != nil {
			return nil, err
		}
	case opts.SetReadOnly && !readOnly:
		if err := r.flipReadOnly(ctx, s, true, result); err != nil {
			return nil, err
		}
	}

	if opts.FixVariables {
		if err := r.fixVariables(ctx, s, result); err != nil {
			return nil, err
		}
	}

	return result, nil
}

func (r *Reconciler) flipReadOnly(ctx context.Context, s instance.Session, on bool, result *Result) error {
	addr := s.Address()
	if err := s.SetReadOnly(ctx, on); err != nil {
		var connErr *instance.ConnectionError
		if errors.As(err, &connErr) {
			return err
		}
		return &instance.ConfigurationError{
			Address: addr,
			Setting: "super_read_only",
			Reason:  "instance rejected the change",
			Cause:   err,
		}
	}

	confirmed, err := s.ReadOnly(ctx)
	if err != nil {
		return connectionError(addr, err)
	}
	if confirmed != on {
		return &instance.ConfigurationError{
			Address: addr,
			Setting: "super_read_only",
			Reason:  "instance did not apply the change",
		}
	}

	result.ReadOnly = confirmed
	result.Changed = true
	direction := "off"
	if on {
		direction = "on"
	}
	telemetry.ReadOnlyChangesTotal.With(direction).Inc()
	log.Info().
		Str("address", addr.String()).
		Bool("super_read_only", confirmed).
		Msg("Read-only flag changed")
	return nil
}

func (r *Reconciler) fixVariables(ctx context.Context, s instance.Session, result *Result) error {
	addr := s.Address()
	report, err := r.validator.Validate(ctx, s, nil)
	if err != nil {
		return err
	}

	for _, w := range report.ConfigWarnings {
		if err := s.PersistVariable(ctx, w.Variable, w.Required); err != nil {
			return &instance.ConfigurationError{
				Address: addr,
				Setting: w.Variable,
				Reason:  "instance rejected the change",
				Cause:   err,
			}
		}
		result.Persisted = append(result.Persisted, w)
		result.Changed = true
		log.Info().
			Str("address", addr.String()).
			Str("variable", w.Variable).
			Str("value", w.Required).
			Msg("Configuration variable persisted")
	}
	return nil
}

func connectionError(addr instance.Address, err error) error {
	var connErr *instance.ConnectionError
	if errors.As(err, &connErr) {
		return err
	}
	return &instance.ConnectionError{Address: addr, Cause: err}
}
