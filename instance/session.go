package instance

import (
	"context"

	"github.com/maxpert/gradm/privileges"
)

// Session is an open administrative connection to one instance. Sessions are
// opened per operation and closed when it completes.
type Session interface {
	Address() Address

	// CurrentAccount returns the account the server authenticated the session as
	CurrentAccount(ctx context.Context) (privileges.Account, error)
	// Grants returns the effective privileges held by account
	Grants(ctx context.Context, account privileges.Account) (*privileges.Grants, error)

	ReadOnly(ctx context.Context) (bool, error)
	SetReadOnly(ctx context.Context, on bool) error

	// GlobalVariables returns lower-cased variable names mapped to their values.
	// Unknown variables are absent from the result.
	GlobalVariables(ctx context.Context, names ...string) (map[string]string, error)
	PersistVariable(ctx context.Context, name, value string) error

	// GroupMembers returns the instance's current view of its group. An instance
	// outside any group reports exactly itself as StateOffline.
	GroupMembers(ctx context.Context) ([]GroupMember, error)
	StartGroupReplication(ctx context.Context, spec GroupSpec) error
	StopGroupReplication(ctx context.Context) error

	// ReadMetadata returns ErrMetadataNotFound when nothing is stored for
	// clusterName, or ErrMetadataCorrupt when the stored document fails
	// verification. An empty clusterName reads whichever cluster is stored.
	ReadMetadata(ctx context.Context, clusterName string) (*Metadata, error)
	WriteMetadata(ctx context.Context, md *Metadata) error
	DropMetadata(ctx context.Context, clusterName string) error

	Close() error
}

// Dialer opens sessions. Failures to reach or authenticate are ConnectionError.
type Dialer interface {
	Dial(ctx context.Context, d Descriptor) (Session, error)
}

// Lifecycle starts and stops instance processes. Supplied by the environment.
type Lifecycle interface {
	Start(ctx context.Context, addr Address) error
	Stop(ctx context.Context, addr Address) error
}
