package instance

import (
	"errors"
	"fmt"
)

var (
	// ErrMetadataNotFound is returned when an instance holds no metadata for a cluster
	ErrMetadataNotFound = errors.New("cluster metadata not found")

	// ErrMetadataCorrupt is returned when stored metadata fails its integrity check
	ErrMetadataCorrupt = errors.New("cluster metadata is corrupt")
)

// ConnectionError means the endpoint was unreachable or rejected authentication.
// It is never retried automatically.
type ConnectionError struct {
	Address Address
	Cause   error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("cannot connect to %s: %v", e.Address, e.Cause)
}

func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// ConfigurationError means an instance rejected a required configuration change,
// or an input (descriptor, cluster name, option set) was malformed.
type ConfigurationError struct {
	Address Address
	Setting string
	Reason  string
	Cause   error
}

func (e *ConfigurationError) Error() string {
	msg := fmt.Sprintf("configuration error on %s", e.Setting)
	if !e.Address.IsZero() {
		msg = fmt.Sprintf("configuration error on %s (%s)", e.Setting, e.Address)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error {
	return e.Cause
}
