package compound

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/segmentfault/zkrecipes/serverset"
)

// StaticServerSet is a fixed set of instance records backed by no store.
// Watch delivers the fixed set exactly once; Join is accepted for source
// compatibility but is a no-op beyond logging.
type StaticServerSet struct {
	instances []serverset.ServiceInstance
	log       logrus.FieldLogger
}

// NewStatic constructs a StaticServerSet over instances.
func NewStatic(instances []serverset.ServiceInstance, opts ...StaticOption) *StaticServerSet {
	s := &StaticServerSet{instances: instances, log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StaticOption configures a StaticServerSet at construction.
type StaticOption func(*StaticServerSet)

// WithStaticLogger overrides the logger used for the join-warning and
// not-a-member diagnostics.
func WithStaticLogger(log logrus.FieldLogger) StaticOption {
	return func(s *StaticServerSet) {
		if log != nil {
			s.log = log
		}
	}
}

type staticHandle struct{}

func (staticHandle) Leave(ctx context.Context) error                       { return nil }
func (staticHandle) Update(ctx context.Context, status serverset.Status) error { return nil }

// Join logs a warning and returns a no-op handle. If the joiner's instance
// (primary, aux, shard, Alive status) is not equal to one in the fixed set,
// it logs loudly: joining a static set never actually publishes anything.
func (s *StaticServerSet) Join(ctx context.Context, primary serverset.Endpoint, aux map[string]serverset.Endpoint, shard *int) (Handle, error) {
	s.log.WithField("endpoint", primary.String()).Warn("compound: join called on a static server set; it is a no-op")

	member := serverset.ServiceInstance{ServiceEndpoint: primary, AdditionalEndpoints: aux, Status: serverset.Alive, Shard: shard}
	found := false
	for _, candidate := range s.instances {
		if candidate.Equal(member) {
			found = true
			break
		}
	}
	if !found {
		s.log.WithField("endpoint", primary.String()).Error("compound: joiner is not a member of the static server set")
	}
	return staticHandle{}, nil
}

// Watch calls monitor once with the fixed instance set and returns a no-op
// stop function.
func (s *StaticServerSet) Watch(ctx context.Context, monitor serverset.Monitor) (func(), error) {
	monitor(append([]serverset.ServiceInstance(nil), s.instances...))
	return func() {}, nil
}
