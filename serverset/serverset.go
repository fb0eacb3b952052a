package serverset

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/segmentfault/zkrecipes/group"
)

// Monitor receives the full live instance set on every change.
type Monitor func(instances []ServiceInstance)

// Handle is returned by Join: leave withdraws the instance, update acts
// only when transitioning to Dead (by leaving), per spec.md §4.5.
type Handle struct {
	member *group.Membership
}

// Leave cancels the underlying membership, removing the published instance.
func (h *Handle) Leave(ctx context.Context) error {
	return h.member.Cancel(ctx)
}

// Update is retained for source compatibility: it only acts on a
// transition to Dead, which it implements by leaving.
func (h *Handle) Update(ctx context.Context, status Status) error {
	if status != Alive {
		return h.Leave(ctx)
	}
	return nil
}

// ServerSet publishes service instances to, and discovers them from, a
// group.Group.
type ServerSet struct {
	g     *group.Group
	codec Codec
	log   logrus.FieldLogger
}

// Option configures a ServerSet at construction.
type Option func(*ServerSet)

// WithCodec overrides the default DefaultCodec (JSON-encode, dispatch-decode).
func WithCodec(c Codec) Option {
	return func(s *ServerSet) {
		if c != nil {
			s.codec = c
		}
	}
}

// WithLogger overrides the logger used for watch diagnostics.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *ServerSet) {
		if log != nil {
			s.log = log
		}
	}
}

// New constructs a ServerSet bound to g.
func New(g *group.Group, opts ...Option) *ServerSet {
	s := &ServerSet{
		g:     g,
		codec: DefaultCodec{},
		log:   logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Join publishes a service instance built from primary, aux, and an
// optional shard id, and returns a handle to manage it.
func (s *ServerSet) Join(ctx context.Context, primary Endpoint, aux map[string]Endpoint, shard *int) (*Handle, error) {
	instance := ServiceInstance{
		ServiceEndpoint:     primary,
		AdditionalEndpoints: aux,
		Status:              Alive,
		Shard:               shard,
	}

	supplier := func() []byte {
		data, err := s.codec.Encode(instance)
		if err != nil {
			// Encode of a fixed-shape, already-validated struct never
			// fails under either codec; the supplier contract has no
			// error return.
			return nil
		}
		return data
	}

	member, err := s.g.Join(ctx, supplier, nil)
	if err != nil {
		return nil, fmt.Errorf("serverset: join: %w", err)
	}
	return &Handle{member: member}, nil
}

// Watch delivers the full live instance set to monitor on every change,
// starting with an initial delivery (which may be empty) before returning.
// The returned stop function unregisters the watch; it does not affect the
// underlying group.
func (s *ServerSet) Watch(ctx context.Context, monitor Monitor) (stop func(), err error) {
	cache, err := lru.New[group.MemberID, ServiceInstance](4096)
	if err != nil {
		return nil, fmt.Errorf("serverset: watch: %w", err)
	}

	handlerName := fmt.Sprintf("serverset-watch:%s:%p", s.g.Path(), cache)
	unregister := s.g.RegisterExpirationHandler(handlerName, func() {
		cache.Purge()
	})

	var mu sync.Mutex
	var delivered bool
	var lastInstances map[group.MemberID]ServiceInstance

	deliverIfChanged := func(ctx context.Context, ids group.Snapshot) error {
		mu.Lock()
		defer mu.Unlock()

		idSet := make(map[group.MemberID]struct{}, len(ids))
		for _, id := range ids {
			idSet[id] = struct{}{}
		}
		for _, key := range cache.Keys() {
			if _, ok := idSet[key]; !ok {
				cache.Remove(key)
			}
		}

		// A member id listed a moment ago can have its node deleted before
		// its data is fetched; such ids are dropped rather than delivered
		// with a stale or zero-value instance, per spec.md §4.5.
		instancesByID := make(map[group.MemberID]ServiceInstance, len(ids))
		instances := make([]ServiceInstance, 0, len(ids))
		for _, id := range ids {
			instance, ok := cache.Get(id)
			if !ok {
				fetched, err := s.fetchAndDecode(ctx, id)
				if err != nil {
					return err
				}
				if fetched == nil {
					continue
				}
				instance = *fetched
				cache.Add(id, instance)
			}
			instancesByID[id] = instance
			instances = append(instances, instance)
		}

		if delivered && sameInstanceSet(lastInstances, instancesByID) {
			return nil
		}

		delivered = true
		lastInstances = instancesByID
		monitor(instances)
		return nil
	}

	groupStop, err := s.g.Watch(ctx, func(ids group.Snapshot) {
		if err := deliverIfChanged(ctx, ids); err != nil {
			s.log.WithError(err).WithField("path", s.g.Path()).Error("serverset: watch failed, abandoning")
		}
	})
	if err != nil {
		unregister()
		return nil, fmt.Errorf("serverset: watch: %w", err)
	}

	return func() {
		groupStop()
		unregister()
	}, nil
}

func (s *ServerSet) fetchAndDecode(ctx context.Context, id group.MemberID) (*ServiceInstance, error) {
	data, err := s.g.GetMemberData(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("serverset: fetch member %s: %w", id, err)
	}
	if data == nil {
		return nil, nil
	}
	instance, err := s.codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("serverset: decode member %s: %w", id, err)
	}
	return &instance, nil
}

// sameInstanceSet reports whether a and b hold the same instances, compared
// by value regardless of which member id each is stored under: per
// spec.md §4.5 property 5, two consecutively delivered sets must never be
// set-equal, so the comparison that decides delivery has to look past the
// member-id set to the actual published data.
func sameInstanceSet(a, b map[group.MemberID]ServiceInstance) bool {
	if len(a) != len(b) {
		return false
	}
	matched := make(map[group.MemberID]bool, len(b))
	for _, v := range a {
		found := false
		for k, ov := range b {
			if !matched[k] && v.Equal(ov) {
				matched[k] = true
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
