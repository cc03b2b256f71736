package cluster

import (
	"errors"
	"fmt"

	"github.com/maxpert/gradm/instance"
)

// Membership error reasons
const (
	ReasonNameInUse        = "cluster name already in use"
	ReasonNotActive        = "cluster is not active"
	ReasonNotFormerMember  = "not a recognized former member"
	ReasonNotMember        = "instance is not a member of the cluster"
	ReasonLiveMember       = "cluster still has a live member"
	ReasonAlreadyGrouped   = "instance already belongs to a replication group"
	ReasonDissolved        = "cluster has been dissolved"
	ReasonUnknownCluster   = "cluster is not known to this orchestrator"
	ReasonSeedNotMember    = "seed instance is not a member of the cluster"
	ReasonMetadataNotFound = "no metadata for the cluster on the instance"
)

// ErrLockTimeout is returned when the per-cluster lock cannot be acquired in time
var ErrLockTimeout = errors.New("timed out waiting for cluster lock")

// DuplicateMemberError means the instance is already a member of the cluster
type DuplicateMemberError struct {
	Cluster string
	Address instance.Address
}

func (e *DuplicateMemberError) Error() string {
	return fmt.Sprintf("instance %s is already a member of cluster %s", e.Address, e.Cluster)
}

// MembershipError means the operation is not valid for the cluster's current membership
type MembershipError struct {
	Cluster string
	Address instance.Address
	Reason  string
}

func (e *MembershipError) Error() string {
	if e.Address.IsZero() {
		return fmt.Sprintf("cluster %s: %s", e.Cluster, e.Reason)
	}
	return fmt.Sprintf("cluster %s: %s: %s", e.Cluster, e.Address, e.Reason)
}

// QuorumError means the operation would leave the cluster below its viable size
type QuorumError struct {
	Cluster   string
	Members   int // Members before the operation
	Remaining int // Members that would remain
	Required  int
	Reason    string
}

func (e *QuorumError) Error() string {
	msg := fmt.Sprintf("cluster %s would keep %d of %d members, at least %d required",
		e.Cluster, e.Remaining, e.Members, e.Required)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// OutageRecoveryError means a reboot could not use its seed instance
type OutageRecoveryError struct {
	Cluster string
	Seed    instance.Address
	Reason  string
	Cause   error
}

func (e *OutageRecoveryError) Error() string {
	msg := fmt.Sprintf("cannot reboot cluster %s from %s", e.Cluster, e.Seed)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *OutageRecoveryError) Unwrap() error {
	return e.Cause
}
