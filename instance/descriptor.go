// Package instance describes a single MySQL server as seen by the orchestrator:
// how to reach it, what it reports about its group membership, and the session and
// lifecycle capabilities the environment provides for it.
package instance

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

const (
	SchemeClassic = "mysql"
	SchemeX       = "mysqlx"
)

var validate = validator.New()

// Address is the identity of an instance
type Address struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// IsZero reports whether the address is unset
func (a Address) IsZero() bool {
	return a.Host == "" && a.Port == 0
}

// ParseAddress parses host:port
func ParseAddress(s string) (Address, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(s))
	if err != nil {
		return Address{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return Address{}, fmt.Errorf("invalid port in address %q", s)
	}
	if host == "" {
		return Address{}, fmt.Errorf("invalid address %q: empty host", s)
	}
	return Address{Host: host, Port: port}, nil
}

// GroupAddress returns the group communication endpoint conventionally paired with
// an instance: the SQL port times ten plus one, or the SQL port plus 10000 when that
// would overflow.
func GroupAddress(a Address) Address {
	port := a.Port*10 + 1
	if port > 65535 {
		port = a.Port + 10000
	}
	return Address{Host: a.Host, Port: port}
}

// Descriptor is a validated connection descriptor for one instance
type Descriptor struct {
	Scheme   string `json:"scheme,omitempty" validate:"omitempty,oneof=mysql mysqlx"`
	Host     string `json:"host" validate:"required,hostname_rfc1123|ip"`
	Port     int    `json:"port" validate:"required,min=1,max=65535"`
	User     string `json:"user" validate:"required,max=32"`
	Password string `json:"password" validate:"required"`
}

// Address returns the identity of the described instance
func (d Descriptor) Address() Address {
	return Address{Host: d.Host, Port: d.Port}
}

// String renders the descriptor without its password
func (d Descriptor) String() string {
	return fmt.Sprintf("%s://%s@%s", d.scheme(), d.User, d.Address())
}

func (d Descriptor) scheme() string {
	if d.Scheme == "" {
		return SchemeClassic
	}
	return d.Scheme
}

// Normalized returns a copy with defaults applied
func (d Descriptor) Normalized() Descriptor {
	d.Scheme = d.scheme()
	d.Host = strings.TrimSpace(d.Host)
	return d
}

// WithDefaultScheme fills in the scheme when the caller left it empty
func (d Descriptor) WithDefaultScheme(scheme string) Descriptor {
	if d.Scheme == "" {
		d.Scheme = scheme
	}
	return d
}

// Validate checks the descriptor before any network I/O. Failures are reported as
// ConfigurationError.
func (d Descriptor) Validate() error {
	if err := validate.Struct(d); err != nil {
		return &ConfigurationError{
			Address: d.Address(),
			Setting: "descriptor",
			Reason:  formatValidationError(err),
		}
	}
	return nil
}

func formatValidationError(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			parts = append(parts, fmt.Sprintf("%s is required", strings.ToLower(fe.Field())))
		case "oneof":
			parts = append(parts, fmt.Sprintf("%s must be one of [%s]", strings.ToLower(fe.Field()), fe.Param()))
		case "min", "max":
			parts = append(parts, fmt.Sprintf("%s is out of range", strings.ToLower(fe.Field())))
		default:
			parts = append(parts, fmt.Sprintf("%s is invalid", strings.ToLower(fe.Field())))
		}
	}
	return strings.Join(parts, "; ")
}
