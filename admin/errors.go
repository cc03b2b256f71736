package admin

import (
	"context"
	"errors"
	"net/http"

	"github.com/maxpert/gradm/cluster"
	"github.com/maxpert/gradm/instance"
	"github.com/maxpert/gradm/monitor"
	"github.com/maxpert/gradm/privileges"
)

// writeOperationError maps a typed operation failure to a status code and a
// structured body. Callers never need to parse the message.
func writeOperationError(w http.ResponseWriter, err error) {
	status, body := describeError(err)
	writeErrorBody(w, status, body)
}

func describeError(err error) (int, map[string]interface{}) {
	body := map[string]interface{}{"message": err.Error()}

	var (
		outageErr *cluster.OutageRecoveryError
		privErr   *privileges.InsufficientPrivilegesError
		connErr   *instance.ConnectionError
		cfgErr    *instance.ConfigurationError
		dupErr    *cluster.DuplicateMemberError
		memErr    *cluster.MembershipError
		quorumErr *cluster.QuorumError
		timeErr   *monitor.TimeoutError
	)

	switch {
	case errors.As(err, &outageErr):
		body["kind"] = "outage_recovery"
		body["cluster"] = outageErr.Cluster
		body["seed"] = outageErr.Seed.String()
		body["reason"] = outageErr.Reason
		return http.StatusConflict, body

	case errors.As(err, &privErr):
		body["kind"] = "insufficient_privileges"
		body["account"] = privErr.Account.String()
		body["report"] = privErr.Report()
		missing := make(map[string][]string, len(privErr.Missing.Entries))
		for _, e := range privErr.Missing.Entries {
			missing[e.Scope.String()] = e.Privileges
		}
		body["missing"] = missing
		return http.StatusForbidden, body

	case errors.As(err, &timeErr):
		body["kind"] = "timeout"
		body["address"] = timeErr.Address.String()
		body["expected"] = timeErr.Expected
		body["last_observed"] = timeErr.LastObserved
		body["elapsed_ms"] = timeErr.Elapsed.Milliseconds()
		return http.StatusGatewayTimeout, body

	case errors.As(err, &connErr):
		body["kind"] = "connection"
		body["address"] = connErr.Address.String()
		return http.StatusBadGateway, body

	case errors.As(err, &cfgErr):
		body["kind"] = "configuration"
		body["setting"] = cfgErr.Setting
		body["reason"] = cfgErr.Reason
		if !cfgErr.Address.IsZero() {
			body["address"] = cfgErr.Address.String()
		}
		return http.StatusBadRequest, body

	case errors.As(err, &dupErr):
		body["kind"] = "duplicate_member"
		body["cluster"] = dupErr.Cluster
		body["address"] = dupErr.Address.String()
		return http.StatusConflict, body

	case errors.As(err, &memErr):
		body["kind"] = "membership"
		body["cluster"] = memErr.Cluster
		body["reason"] = memErr.Reason
		if !memErr.Address.IsZero() {
			body["address"] = memErr.Address.String()
		}
		switch memErr.Reason {
		case cluster.ReasonUnknownCluster, cluster.ReasonMetadataNotFound:
			return http.StatusNotFound, body
		}
		return http.StatusConflict, body

	case errors.As(err, &quorumErr):
		body["kind"] = "quorum"
		body["cluster"] = quorumErr.Cluster
		body["members"] = quorumErr.Members
		body["remaining"] = quorumErr.Remaining
		body["required"] = quorumErr.Required
		if quorumErr.Reason != "" {
			body["reason"] = quorumErr.Reason
		}
		return http.StatusConflict, body

	case errors.Is(err, cluster.ErrLockTimeout):
		body["kind"] = "lock_timeout"
		return http.StatusConflict, body

	case errors.Is(err, monitor.ErrUnknownMember):
		body["kind"] = "membership"
		body["reason"] = cluster.ReasonNotMember
		return http.StatusNotFound, body

	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		body["kind"] = "canceled"
		return http.StatusServiceUnavailable, body
	}

	body["kind"] = "internal"
	return http.StatusInternalServerError, body
}
