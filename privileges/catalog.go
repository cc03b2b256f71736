// Package privileges models the grants an administration account needs on every
// instance of a cluster and reports, per scope, what an account is missing.
package privileges

import (
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// ScopeKind identifies the level a privilege is granted at
type ScopeKind int

const (
	ScopeGlobal ScopeKind = iota
	ScopeSchema
	ScopeTable
)

func (k ScopeKind) String() string {
	switch k {
	case ScopeGlobal:
		return "global"
	case ScopeSchema:
		return "schema"
	case ScopeTable:
		return "table"
	default:
		return fmt.Sprintf("ScopeKind(%d)", int(k))
	}
}

// Scope is a grant target: the whole server, one schema or one table
type Scope struct {
	Kind   ScopeKind
	Schema string
	Table  string
}

// GlobalScope returns the server-wide scope
func GlobalScope() Scope { return Scope{Kind: ScopeGlobal} }

// SchemaScope returns the scope of a single schema
func SchemaScope(schema string) Scope { return Scope{Kind: ScopeSchema, Schema: schema} }

// TableScope returns the scope of a single table
func TableScope(schema, table string) Scope {
	return Scope{Kind: ScopeTable, Schema: schema, Table: table}
}

// String renders the scope the way it appears in reports
func (s Scope) String() string {
	switch s.Kind {
	case ScopeSchema:
		return s.Schema
	case ScopeTable:
		return s.Schema + "." + s.Table
	default:
		return "*.*"
	}
}

// Requirement is one privilege required at one scope
type Requirement struct {
	Scope     Scope
	Privilege string
}

type scopeEntry struct {
	scope Scope
	privs []string
}

// Catalog is the immutable set of privileges an administration account must hold.
// Entries are normalized (upper case, deduplicated, sorted) on construction so that
// enumeration order is deterministic: global, then schemas, then tables, each sorted.
type Catalog struct {
	global  []string
	schemas []scopeEntry
	tables  []scopeEntry
}

// NewCatalog builds a catalog. Table keys are "schema.table".
func NewCatalog(global []string, schemas, tables map[string][]string) (*Catalog, error) {
	c := &Catalog{}

	var err error
	if c.global, err = normalizeList(global); err != nil {
		return nil, fmt.Errorf("global privileges: %w", err)
	}

	for _, name := range sortedKeys(schemas) {
		if strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("schema name cannot be empty")
		}
		privs, err := normalizeList(schemas[name])
		if err != nil {
			return nil, fmt.Errorf("schema %q: %w", name, err)
		}
		if len(privs) > 0 {
			c.schemas = append(c.schemas, scopeEntry{scope: SchemaScope(name), privs: privs})
		}
	}

	for _, key := range sortedKeys(tables) {
		schema, table, ok := strings.Cut(key, ".")
		if !ok || schema == "" || table == "" {
			return nil, fmt.Errorf("table key %q must be in schema.table form", key)
		}
		privs, err := normalizeList(tables[key])
		if err != nil {
			return nil, fmt.Errorf("table %q: %w", key, err)
		}
		if len(privs) > 0 {
			c.tables = append(c.tables, scopeEntry{scope: TableScope(schema, table), privs: privs})
		}
	}

	return c, nil
}

// Requirements enumerates every catalog entry in report order
func (c *Catalog) Requirements() []Requirement {
	reqs := make([]Requirement, 0, c.Len())
	for _, p := range c.global {
		reqs = append(reqs, Requirement{Scope: GlobalScope(), Privilege: p})
	}
	for _, group := range [][]scopeEntry{c.schemas, c.tables} {
		for _, e := range group {
			for _, p := range e.privs {
				reqs = append(reqs, Requirement{Scope: e.scope, Privilege: p})
			}
		}
	}
	return reqs
}

// Len returns the number of (scope, privilege) pairs in the catalog
func (c *Catalog) Len() int {
	n := len(c.global)
	for _, e := range c.schemas {
		n += len(e.privs)
	}
	for _, e := range c.tables {
		n += len(e.privs)
	}
	return n
}

// Schemas returns the schema names referenced by the catalog, sorted
func (c *Catalog) Schemas() []string {
	names := make([]string, 0, len(c.schemas))
	for _, e := range c.schemas {
		names = append(names, e.scope.Schema)
	}
	return names
}

// catalogFile is the on-disk TOML layout of an external catalog
type catalogFile struct {
	Global  []string            `toml:"global"`
	Schemas map[string][]string `toml:"schemas"`
	Tables  map[string][]string `toml:"tables"`
}

// LoadCatalog reads a catalog from a TOML file
func LoadCatalog(path string) (*Catalog, error) {
	var f catalogFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("failed to decode privilege catalog %s: %w", path, err)
	}
	c, err := NewCatalog(f.Global, f.Schemas, f.Tables)
	if err != nil {
		return nil, fmt.Errorf("invalid privilege catalog %s: %w", path, err)
	}
	if c.Len() == 0 {
		return nil, fmt.Errorf("privilege catalog %s is empty", path)
	}
	return c, nil
}

var performanceSchemaTables = []string{
	"replication_applier_configuration",
	"replication_applier_status",
	"replication_applier_status_by_coordinator",
	"replication_applier_status_by_worker",
	"replication_connection_configuration",
	"replication_connection_status",
	"replication_group_member_stats",
	"replication_group_members",
	"threads",
}

// DefaultCatalog returns the catalog required by the supported server release
func DefaultCatalog() *Catalog {
	tables := make(map[string][]string, len(performanceSchemaTables))
	for _, t := range performanceSchemaTables {
		tables["performance_schema."+t] = []string{"SELECT"}
	}

	c, err := NewCatalog(
		[]string{
			"CREATE USER", "FILE", "GRANT OPTION", "PROCESS", "RELOAD",
			"REPLICATION CLIENT", "REPLICATION SLAVE", "SHUTDOWN", "SUPER",
		},
		map[string][]string{
			"mysql": {"DELETE", "INSERT", "SELECT", "UPDATE"},
			"mysql_innodb_cluster_metadata": {
				"ALTER", "ALTER ROUTINE", "CREATE", "CREATE ROUTINE", "CREATE TEMPORARY TABLES",
				"CREATE VIEW", "DELETE", "DROP", "EVENT", "EXECUTE", "INDEX", "INSERT",
				"LOCK TABLES", "REFERENCES", "SELECT", "SHOW VIEW", "TRIGGER", "UPDATE",
			},
			"sys": {"SELECT"},
		},
		tables,
	)
	if err != nil {
		panic(fmt.Sprintf("built-in privilege catalog is invalid: %v", err))
	}
	return c
}

// NormalizePrivilege upper-cases a privilege name and collapses inner whitespace
func NormalizePrivilege(p string) string {
	p = strings.Join(strings.Fields(strings.ToUpper(p)), " ")
	if p == "ALL" {
		return AllPrivileges
	}
	return p
}

func normalizeList(privs []string) ([]string, error) {
	seen := make(map[string]bool, len(privs))
	out := make([]string, 0, len(privs))
	for _, p := range privs {
		n := NormalizePrivilege(p)
		if n == "" {
			return nil, fmt.Errorf("privilege name cannot be empty")
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
