// Package serverset implements service publication and discovery over a
// group.Group, per spec.md §4.5: a joiner publishes a ServiceInstance, and
// watchers observe the full live set, rebuilt wholesale on session
// expiration and incrementally on ordinary membership churn.
package serverset

import "fmt"

// Endpoint is a (host, port) pair, the unit the wire format encodes.
type Endpoint struct {
	Host string
	Port int
}

// Status is a service instance's published liveness. Only Alive is ever
// serialized; a Dead transition is modeled by leaving the group instead.
type Status string

// Alive is the only status ServerSet ever publishes.
const Alive Status = "ALIVE"

// ServiceInstance is the tuple spec.md §3 calls the "service instance
// record": a primary endpoint, named auxiliary endpoints, a status, and an
// optional shard id.
type ServiceInstance struct {
	ServiceEndpoint     Endpoint
	AdditionalEndpoints map[string]Endpoint
	Status              Status
	Shard               *int
}

// Equal reports whether two instances have identical field values,
// including auxiliary endpoint contents.
func (s ServiceInstance) Equal(other ServiceInstance) bool {
	if s.ServiceEndpoint != other.ServiceEndpoint || s.Status != other.Status {
		return false
	}
	if (s.Shard == nil) != (other.Shard == nil) {
		return false
	}
	if s.Shard != nil && *s.Shard != *other.Shard {
		return false
	}
	if len(s.AdditionalEndpoints) != len(other.AdditionalEndpoints) {
		return false
	}
	for k, v := range s.AdditionalEndpoints {
		if ov, ok := other.AdditionalEndpoints[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}
