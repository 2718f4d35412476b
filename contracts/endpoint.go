package contracts

import (
	"fmt"
	"strings"
)

// EndpointIdentity addresses an endpoint. The logical name selects the queue, the instance name
// distinguishes processes sharing that queue.
type EndpointIdentity struct {
	LogicalName  string `json:"logicalName"`
	InstanceName string `json:"instanceName"`
}

// NewEndpointIdentity creates an endpoint identity.
func NewEndpointIdentity(logicalName, instanceName string) EndpointIdentity {
	return EndpointIdentity{LogicalName: logicalName, InstanceName: instanceName}
}

// IsZero reports whether the identity is unset.
func (e EndpointIdentity) IsZero() bool {
	return e.LogicalName == "" && e.InstanceName == ""
}

// Validate checks that the logical name is present and neither name contains the separator.
func (e EndpointIdentity) Validate() error {
	if e.LogicalName == "" {
		return fmt.Errorf("%w: logical name is required", ErrInvalidEndpoint)
	}
	if strings.Contains(e.LogicalName, "/") || strings.Contains(e.InstanceName, "/") {
		return fmt.Errorf("%w: %q must not contain '/'", ErrInvalidEndpoint, e.String())
	}
	return nil
}

func (e EndpointIdentity) String() string {
	if e.InstanceName == "" {
		return e.LogicalName
	}
	return e.LogicalName + "/" + e.InstanceName
}

// ParseEndpointIdentity parses the "logical/instance" form produced by String.
func ParseEndpointIdentity(s string) (EndpointIdentity, error) {
	if s == "" {
		return EndpointIdentity{}, fmt.Errorf("%w: empty identity", ErrInvalidEndpoint)
	}
	logical, instance, _ := strings.Cut(s, "/")
	id := EndpointIdentity{LogicalName: logical, InstanceName: instance}
	if err := id.Validate(); err != nil {
		return EndpointIdentity{}, err
	}
	return id, nil
}
