// Package validator checks whether an instance meets the prerequisites for group
// replication management: account privileges and configuration variables.
// Validation only reads instance state.
package validator

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/gradm/instance"
	"github.com/maxpert/gradm/privileges"
	"github.com/maxpert/gradm/telemetry"
)

// VariableRequirement is a global variable value group replication depends on
type VariableRequirement struct {
	Name     string
	Required string
}

// DefaultVariableRequirements lists the required configuration values
var DefaultVariableRequirements = []VariableRequirement{
	{Name: "gtid_mode", Required: "ON"},
	{Name: "enforce_gtid_consistency", Required: "ON"},
	{Name: "binlog_format", Required: "ROW"},
	{Name: "binlog_checksum", Required: "NONE"},
	{Name: "log_slave_updates", Required: "ON"},
	{Name: "master_info_repository", Required: "TABLE"},
	{Name: "relay_log_info_repository", Required: "TABLE"},
	{Name: "transaction_write_set_extraction", Required: "XXHASH64"},
}

// ConfigWarning is a non-fatal configuration mismatch
type ConfigWarning struct {
	Variable string `json:"variable"`
	Current  string `json:"current"`
	Required string `json:"required"`
}

// Report is the outcome of validating one instance
type Report struct {
	Address        instance.Address         `json:"address"`
	Account        privileges.Account       `json:"account"`
	Missing        privileges.MissingReport `json:"-"`
	ReadOnly       bool                     `json:"read_only"`
	ConfigWarnings []ConfigWarning          `json:"config_warnings,omitempty"`
}

// Compliant reports whether no privilege is missing
func (r *Report) Compliant() bool {
	return r.Missing.Compliant()
}

// Err returns InsufficientPrivilegesError when anything is missing
func (r *Report) Err() error {
	if r.Missing.Compliant() {
		return nil
	}
	return &privileges.InsufficientPrivilegesError{Account: r.Account, Missing: r.Missing}
}

// Validator evaluates instances against a privilege catalog and variable requirements
type Validator struct {
	catalog   *privileges.Catalog
	variables []VariableRequirement
}

// New creates a validator. A nil catalog uses the built-in one.
func New(catalog *privileges.Catalog) *Validator {
	if catalog == nil {
		catalog = privileges.DefaultCatalog()
	}
	return &Validator{catalog: catalog, variables: DefaultVariableRequirements}
}

// WithVariables returns a copy checking a different variable set
func (v *Validator) WithVariables(reqs []VariableRequirement) *Validator {
	cp := *v
	cp.variables = append([]VariableRequirement(nil), reqs...)
	return &cp
}

// Catalog returns the privilege catalog in use
func (v *Validator) Catalog() *privileges.Catalog {
	return v.catalog
}

// Validate reads the account's grants once and evaluates every requirement.
// A nil account validates the account the session authenticated as.
func (v *Validator) Validate(ctx context.Context, s instance.Session, account *privileges.Account) (*Report, error) {
	report := &Report{Address: s.Address()}

	if account != nil {
		report.Account = *account
	} else {
		current, err := s.CurrentAccount(ctx)
		if err != nil {
			return nil, asConnectionError(s.Address(), err)
		}
		report.Account = current
	}

	grants, err := s.Grants(ctx, report.Account)
	if err != nil {
		return nil, asConnectionError(s.Address(), err)
	}
	report.Missing = privileges.Missing(v.catalog, grants, report.Account)
	if report.Missing.Compliant() {
		telemetry.PrivilegeChecksTotal.With("compliant").Inc()
	} else {
		telemetry.PrivilegeChecksTotal.With("missing").Inc()
	}

	report.ReadOnly, err = s.ReadOnly(ctx)
	if err != nil {
		return nil, asConnectionError(s.Address(), err)
	}

	report.ConfigWarnings, err = v.checkVariables(ctx, s)
	if err != nil {
		return nil, asConnectionError(s.Address(), err)
	}

	log.Debug().
		Str("address", report.Address.String()).
		Str("account", report.Account.String()).
		Int("missing", report.Missing.Count()).
		Bool("read_only", report.ReadOnly).
		Int("config_warnings", len(report.ConfigWarnings)).
		Msg("Instance validated")

	return report, nil
}

func (v *Validator) checkVariables(ctx context.Context, s instance.Session) ([]ConfigWarning, error) {
	if len(v.variables) == 0 {
		return nil, nil
	}

	names := make([]string, 0, len(v.variables))
	for _, req := range v.variables {
		names = append(names, req.Name)
	}
	current, err := s.GlobalVariables(ctx, names...)
	if err != nil {
		return nil, err
	}

	var warnings []ConfigWarning
	for _, req := range v.variables {
		value, ok := current[strings.ToLower(req.Name)]
		if !ok {
			// Removed or renamed on this server version
			continue
		}
		if !valueMatches(value, req.Required) {
			warnings = append(warnings, ConfigWarning{Variable: req.Name, Current: value, Required: req.Required})
		}
	}
	return warnings, nil
}

func valueMatches(current, required string) bool {
	if strings.EqualFold(current, required) {
		return true
	}
	switch strings.ToUpper(required) {
	case "ON":
		return current == "1"
	case "OFF":
		return current == "0"
	}
	return false
}

func asConnectionError(addr instance.Address, err error) error {
	var connErr *instance.ConnectionError
	if errors.As(err, &connErr) {
		return err
	}
	return &instance.ConnectionError{Address: addr, Cause: err}
}
