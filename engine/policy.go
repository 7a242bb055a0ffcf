package engine

import (
	"time"

	"github.com/jonwraymond/querysync/endpoint"
)

// Policy configures cache retention defaults. Retention starts when an
// entry's last subscriber leaves; endpoints override it per descriptor.
type Policy struct {
	// QueryKeepAlive is the default retention for query results.
	// If zero, 60 seconds.
	QueryKeepAlive time.Duration

	// MutationKeepAlive is the default retention for mutation results
	// after the handle closes. If zero, 5 minutes.
	MutationKeepAlive time.Duration
}

// DefaultPolicy returns the default retention policy.
// QueryKeepAlive: 60 seconds, MutationKeepAlive: 5 minutes.
func DefaultPolicy() Policy {
	return Policy{
		QueryKeepAlive:    60 * time.Second,
		MutationKeepAlive: 5 * time.Minute,
	}
}

// KeepAlive returns the retention window for an endpoint, applying the
// kind-specific default when the descriptor leaves it unset.
func (p Policy) KeepAlive(d endpoint.Descriptor) time.Duration {
	if d.KeepAlive > 0 {
		return d.KeepAlive
	}
	if d.Kind == endpoint.KindMutation {
		return p.MutationKeepAlive
	}
	return p.QueryKeepAlive
}

// withDefaults fills zero fields with the default values.
func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.QueryKeepAlive <= 0 {
		p.QueryKeepAlive = def.QueryKeepAlive
	}
	if p.MutationKeepAlive <= 0 {
		p.MutationKeepAlive = def.MutationKeepAlive
	}
	return p
}
