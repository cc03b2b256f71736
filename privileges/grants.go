package privileges

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

const (
	// AllPrivileges covers every static privilege except GRANT OPTION
	AllPrivileges = "ALL PRIVILEGES"
	GrantOption   = "GRANT OPTION"
)

// Account identifies a MySQL account as 'user'@'host'
type Account struct {
	User string `json:"user"`
	Host string `json:"host"`
}

// String renders the account in the quoted form used by the server
func (a Account) String() string {
	return fmt.Sprintf("'%s'@'%s'", a.User, a.Host)
}

// ParseAccount accepts user@host with or without quotes. A missing host means '%'.
func ParseAccount(s string) (Account, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Account{}, fmt.Errorf("account cannot be empty")
	}

	user, host, found := cutLastAt(s)
	if !found {
		host = "%"
	}
	user = unquote(user)
	host = unquote(host)
	if user == "" {
		return Account{}, fmt.Errorf("account %q has an empty user name", s)
	}
	if host == "" {
		host = "%"
	}
	return Account{User: user, Host: host}, nil
}

func cutLastAt(s string) (string, string, bool) {
	i := strings.LastIndex(s, "@")
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+1:], true
}

func unquote(s string) string {
	if len(s) >= 2 {
		switch s[0] {
		case '\'', '"', '`':
			if s[len(s)-1] == s[0] {
				return s[1 : len(s)-1]
			}
		}
	}
	return s
}

type schemaGrant struct {
	pattern string
	match   glob.Glob
	privs   map[string]bool
}

// Grants is the effective set of privileges held by one account
type Grants struct {
	global  map[string]bool
	schemas []*schemaGrant
	tables  map[string]map[string]bool
}

// NewGrants returns an empty grant set
func NewGrants() *Grants {
	return &Grants{
		global: make(map[string]bool),
		tables: make(map[string]map[string]bool),
	}
}

// AddGlobal records privileges granted ON *.*
func (g *Grants) AddGlobal(privs ...string) {
	for _, p := range privs {
		g.global[NormalizePrivilege(p)] = true
	}
}

// AddSchema records privileges granted ON `pattern`.*, where pattern may use the
// server's % and _ wildcards (escaped with a backslash to be literal).
func (g *Grants) AddSchema(pattern string, privs ...string) error {
	var sg *schemaGrant
	for _, existing := range g.schemas {
		if existing.pattern == pattern {
			sg = existing
			break
		}
	}
	if sg == nil {
		m, err := glob.Compile(schemaPatternToGlob(pattern))
		if err != nil {
			return fmt.Errorf("invalid schema pattern %q: %w", pattern, err)
		}
		sg = &schemaGrant{pattern: pattern, match: m, privs: make(map[string]bool)}
		g.schemas = append(g.schemas, sg)
	}
	for _, p := range privs {
		sg.privs[NormalizePrivilege(p)] = true
	}
	return nil
}

// AddTable records privileges granted ON schema.table
func (g *Grants) AddTable(schema, table string, privs ...string) {
	key := schema + "." + table
	set, ok := g.tables[key]
	if !ok {
		set = make(map[string]bool)
		g.tables[key] = set
	}
	for _, p := range privs {
		set[NormalizePrivilege(p)] = true
	}
}

// Has reports whether the privilege is effective at the given scope. Broader
// grants cover narrower scopes.
func (g *Grants) Has(scope Scope, priv string) bool {
	priv = NormalizePrivilege(priv)

	if covers(g.global, priv) {
		return true
	}
	if scope.Kind == ScopeGlobal {
		return false
	}

	for _, sg := range g.schemas {
		if sg.match.Match(scope.Schema) && covers(sg.privs, priv) {
			return true
		}
	}
	if scope.Kind == ScopeSchema {
		return false
	}

	return covers(g.tables[scope.Schema+"."+scope.Table], priv)
}

func covers(set map[string]bool, priv string) bool {
	if set[priv] {
		return true
	}
	return priv != GrantOption && set[AllPrivileges]
}

// schemaPatternToGlob translates a grant schema pattern into glob syntax
func schemaPatternToGlob(pattern string) string {
	var b strings.Builder
	escaped := false
	for _, r := range pattern {
		if escaped {
			writeLiteral(&b, r)
			escaped = false
			continue
		}
		switch r {
		case '\\':
			escaped = true
		case '%':
			b.WriteRune('*')
		case '_':
			b.WriteRune('?')
		default:
			writeLiteral(&b, r)
		}
	}
	if escaped {
		writeLiteral(&b, '\\')
	}
	return b.String()
}

func writeLiteral(b *strings.Builder, r rune) {
	switch r {
	case '*', '?', '[', ']', '{', '}', '\\', '!':
		b.WriteRune('\\')
	}
	b.WriteRune(r)
}
