package privileges

import (
	"fmt"
	"strings"
)

// ScopeMissing lists the privileges an account lacks at one scope, sorted
type ScopeMissing struct {
	Scope      Scope    `json:"-"`
	Privileges []string `json:"privileges"`
}

// MissingReport is the exhaustive per-scope list of missing privileges for one
// account. Entries are ordered global, schemas, tables, as enumerated by the catalog.
type MissingReport struct {
	Account Account
	Entries []ScopeMissing
}

// Missing evaluates every catalog requirement against the grants. It never stops at
// the first miss.
func Missing(catalog *Catalog, grants *Grants, account Account) MissingReport {
	report := MissingReport{Account: account}

	var current *ScopeMissing
	for _, req := range catalog.Requirements() {
		if grants.Has(req.Scope, req.Privilege) {
			continue
		}
		if current == nil || current.Scope != req.Scope {
			report.Entries = append(report.Entries, ScopeMissing{Scope: req.Scope})
			current = &report.Entries[len(report.Entries)-1]
		}
		current.Privileges = append(current.Privileges, req.Privilege)
	}

	return report
}

// Compliant reports whether nothing is missing
func (r MissingReport) Compliant() bool {
	return len(r.Entries) == 0
}

// Count returns the total number of missing (scope, privilege) pairs
func (r MissingReport) Count() int {
	n := 0
	for _, e := range r.Entries {
		n += len(e.Privileges)
	}
	return n
}

// For returns the missing privileges at one scope, or nil
func (r MissingReport) For(scope Scope) []string {
	for _, e := range r.Entries {
		if e.Scope == scope {
			return e.Privileges
		}
	}
	return nil
}

// Lines renders one line per scope followed by the summary line. Downstream tooling
// parses this text, so the format is fixed.
func (r MissingReport) Lines() []string {
	if r.Compliant() {
		return nil
	}
	lines := make([]string, 0, len(r.Entries)+1)
	for _, e := range r.Entries {
		lines = append(lines, scopeLine(e))
	}
	return append(lines, r.Summary()+".")
}

// Text joins Lines with newlines
func (r MissingReport) Text() string {
	return strings.Join(r.Lines(), "\n")
}

// Summary names the account without trailing punctuation
func (r MissingReport) Summary() string {
	return fmt.Sprintf("The account %s is missing privileges required to manage an InnoDB cluster", r.Account)
}

func scopeLine(e ScopeMissing) string {
	privs := strings.Join(e.Privileges, ", ")
	switch e.Scope.Kind {
	case ScopeSchema:
		return fmt.Sprintf("Missing privileges on schema '%s': %s.", e.Scope.Schema, privs)
	case ScopeTable:
		return fmt.Sprintf("Missing privileges on table '%s.%s': %s.", e.Scope.Schema, e.Scope.Table, privs)
	default:
		return fmt.Sprintf("Missing global privileges: %s.", privs)
	}
}

// InsufficientPrivilegesError carries the complete missing-privilege report
type InsufficientPrivilegesError struct {
	Account Account
	Missing MissingReport
}

func (e *InsufficientPrivilegesError) Error() string {
	return e.Missing.Summary()
}

// Report returns the verbatim report lines
func (e *InsufficientPrivilegesError) Report() []string {
	return e.Missing.Lines()
}
