package instance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	"github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/gradm/privileges"
)

const (
	// MetadataSchema holds the replicated cluster metadata on every instance
	MetadataSchema = "mysql_innodb_cluster_metadata"
	metadataTable  = "gradm_clusters"

	errNoSuchTable = 1146
)

var (
	dialect = goqu.Dialect("mysql")

	// validVariableName guards names spliced into SET statements
	validVariableName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)
)

// MySQLDialer opens sessions against real MySQL servers
type MySQLDialer struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// NewMySQLDialer creates a dialer with the given timeouts
func NewMySQLDialer(connect, read, write time.Duration) *MySQLDialer {
	return &MySQLDialer{ConnectTimeout: connect, ReadTimeout: read, WriteTimeout: write}
}

// Config builds the driver configuration for a descriptor
func (d *MySQLDialer) Config(desc Descriptor) *mysql.Config {
	mc := mysql.NewConfig()
	mc.User = desc.User
	mc.Passwd = desc.Password
	mc.Net = "tcp"
	mc.Addr = desc.Address().String()
	mc.Timeout = d.ConnectTimeout
	mc.ReadTimeout = d.ReadTimeout
	mc.WriteTimeout = d.WriteTimeout
	mc.InterpolateParams = true
	mc.ParseTime = true
	return mc
}

// Dial validates the descriptor and opens a dedicated connection
func (d *MySQLDialer) Dial(ctx context.Context, desc Descriptor) (Session, error) {
	desc = desc.Normalized()
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if desc.Scheme == SchemeX {
		return nil, &ConfigurationError{
			Address: desc.Address(),
			Setting: "scheme",
			Reason:  "X protocol sessions are not supported by the MySQL dialer",
		}
	}

	connector, err := mysql.NewConnector(d.Config(desc))
	if err != nil {
		return nil, &ConfigurationError{Address: desc.Address(), Setting: "descriptor", Cause: err}
	}

	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(1)

	// A single pinned connection keeps session state (SET statements) together
	conn, err := db.Conn(ctx)
	if err == nil {
		err = conn.PingContext(ctx)
	}
	if err != nil {
		if conn != nil {
			conn.Close()
		}
		db.Close()
		return nil, &ConnectionError{Address: desc.Address(), Cause: err}
	}

	log.Debug().Str("address", desc.Address().String()).Str("user", desc.User).Msg("Session opened")
	return &mysqlSession{addr: desc.Address(), db: db, conn: conn}, nil
}

type mysqlSession struct {
	addr Address
	db   *sql.DB
	conn *sql.Conn
}

func (s *mysqlSession) Address() Address {
	return s.addr
}

func (s *mysqlSession) exec(ctx context.Context, query string, args ...interface{}) error {
	if _, err := s.conn.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("%s: %w", firstWords(query), err)
	}
	return nil
}

func (s *mysqlSession) CurrentAccount(ctx context.Context) (privileges.Account, error) {
	var current string
	if err := s.conn.QueryRowContext(ctx, "SELECT CURRENT_USER()").Scan(&current); err != nil {
		return privileges.Account{}, fmt.Errorf("read current user: %w", err)
	}
	return privileges.ParseAccount(current)
}

// Grants reads the account's effective privileges from information_schema
func (s *mysqlSession) Grants(ctx context.Context, account privileges.Account) (*privileges.Grants, error) {
	grants := privileges.NewGrants()
	grantee := account.String()

	query, args, err := GlobalGrantsQuery(grantee)
	if err != nil {
		return nil, err
	}
	err = s.scanRows(ctx, query, args, func(rows *sql.Rows) error {
		var priv, grantable string
		if err := rows.Scan(&priv, &grantable); err != nil {
			return err
		}
		grants.AddGlobal(priv)
		if grantable == "YES" {
			grants.AddGlobal(privileges.GrantOption)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read global grants for %s: %w", grantee, err)
	}

	query, args, err = SchemaGrantsQuery(grantee)
	if err != nil {
		return nil, err
	}
	err = s.scanRows(ctx, query, args, func(rows *sql.Rows) error {
		var schema, priv, grantable string
		if err := rows.Scan(&schema, &priv, &grantable); err != nil {
			return err
		}
		if grantable == "YES" {
			return grants.AddSchema(schema, priv, privileges.GrantOption)
		}
		return grants.AddSchema(schema, priv)
	})
	if err != nil {
		return nil, fmt.Errorf("read schema grants for %s: %w", grantee, err)
	}

	query, args, err = TableGrantsQuery(grantee)
	if err != nil {
		return nil, err
	}
	err = s.scanRows(ctx, query, args, func(rows *sql.Rows) error {
		var schema, table, priv, grantable string
		if err := rows.Scan(&schema, &table, &priv, &grantable); err != nil {
			return err
		}
		grants.AddTable(schema, table, priv)
		if grantable == "YES" {
			grants.AddTable(schema, table, privileges.GrantOption)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read table grants for %s: %w", grantee, err)
	}

	return grants, nil
}

func (s *mysqlSession) scanRows(ctx context.Context, query string, args []interface{}, fn func(*sql.Rows) error) error {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *mysqlSession) ReadOnly(ctx context.Context) (bool, error) {
	var on int
	if err := s.conn.QueryRowContext(ctx, "SELECT @@GLOBAL.super_read_only").Scan(&on); err != nil {
		return false, fmt.Errorf("read super_read_only: %w", err)
	}
	return on != 0, nil
}

func (s *mysqlSession) SetReadOnly(ctx context.Context, on bool) error {
	value := "OFF"
	if on {
		value = "ON"
	}
	return s.exec(ctx, "SET GLOBAL super_read_only = "+value)
}

func (s *mysqlSession) GlobalVariables(ctx context.Context, names ...string) (map[string]string, error) {
	out := make(map[string]string, len(names))
	if len(names) == 0 {
		return out, nil
	}

	query, args, err := GlobalVariablesQuery(names)
	if err != nil {
		return nil, err
	}
	err = s.scanRows(ctx, query, args, func(rows *sql.Rows) error {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return err
		}
		out[strings.ToLower(name)] = value
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read global variables: %w", err)
	}
	return out, nil
}

func (s *mysqlSession) PersistVariable(ctx context.Context, name, value string) error {
	name = strings.ToLower(name)
	if !validVariableName.MatchString(name) {
		return fmt.Errorf("invalid variable name %q", name)
	}
	return s.exec(ctx, "SET PERSIST "+name+" = ?", value)
}

func (s *mysqlSession) GroupMembers(ctx context.Context) ([]GroupMember, error) {
	var self string
	if err := s.conn.QueryRowContext(ctx, "SELECT @@server_uuid").Scan(&self); err != nil {
		return nil, fmt.Errorf("read server uuid: %w", err)
	}

	query, args, err := GroupMembersQuery()
	if err != nil {
		return nil, err
	}

	var members []GroupMember
	err = s.scanRows(ctx, query, args, func(rows *sql.Rows) error {
		var id, host, state, role sql.NullString
		var port sql.NullInt64
		if err := rows.Scan(&id, &host, &port, &state, &role); err != nil {
			return err
		}
		m := GroupMember{
			Address: Address{Host: host.String, Port: int(port.Int64)},
			State:   ParseMemberState(state.String),
			Role:    ParseRole(role.String),
		}
		// Members report their hostname; the session's own row is keyed by how we reached it
		if id.String == self || m.Address.Host == "" {
			m.Address = s.addr
		}
		members = append(members, m)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read group members: %w", err)
	}

	if len(members) == 0 {
		members = append(members, GroupMember{Address: s.addr, State: StateOffline, Role: RoleUnknown})
	}
	return members, nil
}

func (s *mysqlSession) StartGroupReplication(ctx context.Context, spec GroupSpec) (err error) {
	seeds := make([]string, 0, len(spec.Seeds))
	for _, seed := range spec.Seeds {
		seeds = append(seeds, GroupAddress(seed).String())
	}
	local := spec.LocalAddress
	if local.IsZero() {
		local = GroupAddress(s.addr)
	}

	stmts := []struct {
		query string
		args  []interface{}
	}{
		{"SET GLOBAL group_replication_group_name = ?", []interface{}{spec.GroupName}},
		{"SET GLOBAL group_replication_local_address = ?", []interface{}{local.String()}},
		{"SET GLOBAL group_replication_group_seeds = ?", []interface{}{strings.Join(seeds, ",")}},
		{"SET GLOBAL group_replication_single_primary_mode = ON", nil},
	}
	for _, st := range stmts {
		if err := s.exec(ctx, st.query, st.args...); err != nil {
			return err
		}
	}

	if spec.Bootstrap {
		if err := s.exec(ctx, "SET GLOBAL group_replication_bootstrap_group = ON"); err != nil {
			return err
		}
		defer func() {
			if resetErr := s.exec(ctx, "SET GLOBAL group_replication_bootstrap_group = OFF"); resetErr != nil && err == nil {
				err = resetErr
			}
		}()
	}

	return s.exec(ctx, "START GROUP_REPLICATION")
}

func (s *mysqlSession) StopGroupReplication(ctx context.Context) error {
	return s.exec(ctx, "STOP GROUP_REPLICATION")
}

func (s *mysqlSession) ReadMetadata(ctx context.Context, clusterName string) (*Metadata, error) {
	query, args, err := ReadMetadataQuery(clusterName)
	if err != nil {
		return nil, err
	}

	var doc []byte
	if err := s.conn.QueryRowContext(ctx, query, args...).Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) || isMySQLError(err, errNoSuchTable) {
			return nil, ErrMetadataNotFound
		}
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	return DecodeMetadata(doc)
}

func (s *mysqlSession) WriteMetadata(ctx context.Context, md *Metadata) error {
	doc, err := EncodeMetadata(md)
	if err != nil {
		return err
	}

	for _, ddl := range metadataDDL {
		if err := s.exec(ctx, ddl); err != nil {
			return err
		}
	}

	query, args, err := WriteMetadataQuery(md.ClusterName, md.GroupName, doc, md.UpdatedAt)
	if err != nil {
		return err
	}
	return s.exec(ctx, query, args...)
}

func (s *mysqlSession) DropMetadata(ctx context.Context, clusterName string) error {
	query, args, err := dialect.Delete(metadataIdent()).
		Where(goqu.C("cluster_name").Eq(clusterName)).
		Prepared(true).ToSQL()
	if err != nil {
		return err
	}
	if err := s.exec(ctx, query, args...); err != nil && !isMySQLError(err, errNoSuchTable) {
		return err
	}
	return nil
}

func (s *mysqlSession) Close() error {
	connErr := s.conn.Close()
	dbErr := s.db.Close()
	if connErr != nil {
		return connErr
	}
	return dbErr
}

var metadataDDL = []string{
	"CREATE SCHEMA IF NOT EXISTS " + MetadataSchema,
	"CREATE TABLE IF NOT EXISTS " + MetadataSchema + "." + metadataTable + ` (
		cluster_name VARCHAR(40) NOT NULL PRIMARY KEY,
		group_name CHAR(36) NOT NULL,
		document BLOB NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
}

func metadataIdent() interface{} {
	return goqu.S(MetadataSchema).Table(metadataTable)
}

// GlobalGrantsQuery selects an account's global privileges
func GlobalGrantsQuery(grantee string) (string, []interface{}, error) {
	return dialect.From(goqu.S("information_schema").Table("USER_PRIVILEGES")).
		Select("PRIVILEGE_TYPE", "IS_GRANTABLE").
		Where(goqu.C("GRANTEE").Eq(grantee)).
		Prepared(true).ToSQL()
}

// SchemaGrantsQuery selects an account's schema-level privileges
func SchemaGrantsQuery(grantee string) (string, []interface{}, error) {
	return dialect.From(goqu.S("information_schema").Table("SCHEMA_PRIVILEGES")).
		Select("TABLE_SCHEMA", "PRIVILEGE_TYPE", "IS_GRANTABLE").
		Where(goqu.C("GRANTEE").Eq(grantee)).
		Prepared(true).ToSQL()
}

// TableGrantsQuery selects an account's table-level privileges
func TableGrantsQuery(grantee string) (string, []interface{}, error) {
	return dialect.From(goqu.S("information_schema").Table("TABLE_PRIVILEGES")).
		Select("TABLE_SCHEMA", "TABLE_NAME", "PRIVILEGE_TYPE", "IS_GRANTABLE").
		Where(goqu.C("GRANTEE").Eq(grantee)).
		Prepared(true).ToSQL()
}

// GlobalVariablesQuery selects the named global variables
func GlobalVariablesQuery(names []string) (string, []interface{}, error) {
	lowered := make([]string, 0, len(names))
	for _, n := range names {
		lowered = append(lowered, strings.ToLower(n))
	}
	return dialect.From(goqu.S("performance_schema").Table("global_variables")).
		Select("VARIABLE_NAME", "VARIABLE_VALUE").
		Where(goqu.C("VARIABLE_NAME").In(lowered)).
		Prepared(true).ToSQL()
}

// GroupMembersQuery selects the instance's view of its replication group
func GroupMembersQuery() (string, []interface{}, error) {
	return dialect.From(goqu.S("performance_schema").Table("replication_group_members")).
		Select("MEMBER_ID", "MEMBER_HOST", "MEMBER_PORT", "MEMBER_STATE", "MEMBER_ROLE").
		Order(goqu.C("MEMBER_HOST").Asc(), goqu.C("MEMBER_PORT").Asc()).
		Prepared(true).ToSQL()
}

// ReadMetadataQuery selects the stored metadata document for a cluster
func ReadMetadataQuery(clusterName string) (string, []interface{}, error) {
	ds := dialect.From(metadataIdent()).Select("document")
	if clusterName != "" {
		ds = ds.Where(goqu.C("cluster_name").Eq(clusterName))
	}
	return ds.Order(goqu.C("updated_at").Desc()).Limit(1).Prepared(true).ToSQL()
}

// WriteMetadataQuery upserts a metadata document
func WriteMetadataQuery(clusterName, groupName string, doc []byte, updated time.Time) (string, []interface{}, error) {
	row := goqu.Record{
		"cluster_name": clusterName,
		"group_name":   groupName,
		"document":     doc,
		"updated_at":   updated.UnixNano(),
	}
	return dialect.Insert(metadataIdent()).
		Rows(row).
		OnConflict(goqu.DoUpdate("", goqu.Record{
			"group_name": groupName,
			"document":   doc,
			"updated_at": updated.UnixNano(),
		})).
		Prepared(true).ToSQL()
}

func isMySQLError(err error, number uint16) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == number
}

func firstWords(query string) string {
	fields := strings.Fields(query)
	if len(fields) > 3 {
		fields = fields[:3]
	}
	return strings.Join(fields, " ")
}
