// Package compound implements spec.md §4.6–§4.7: a CompoundServerSet that
// treats N server sets as one, and a StaticServerSet for a fixed instance
// list with no backing store.
package compound

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/segmentfault/zkrecipes/serverset"
)

// Set is the subset of serverset.ServerSet's surface CompoundServerSet and
// StaticServerSet both need to present identically.
type Set interface {
	Join(ctx context.Context, primary serverset.Endpoint, aux map[string]serverset.Endpoint, shard *int) (Handle, error)
	Watch(ctx context.Context, monitor serverset.Monitor) (stop func(), err error)
}

// Handle is the joined-instance handle both set kinds return.
type Handle interface {
	Leave(ctx context.Context) error
	Update(ctx context.Context, status serverset.Status) error
}

// realSet adapts a *serverset.ServerSet to Set.
type realSet struct{ inner *serverset.ServerSet }

// Wrap adapts a concrete *serverset.ServerSet into the Set interface
// CompoundServerSet composes over.
func Wrap(s *serverset.ServerSet) Set { return realSet{inner: s} }

func (r realSet) Join(ctx context.Context, primary serverset.Endpoint, aux map[string]serverset.Endpoint, shard *int) (Handle, error) {
	return r.inner.Join(ctx, primary, aux, shard)
}

func (r realSet) Watch(ctx context.Context, monitor serverset.Monitor) (func(), error) {
	return r.inner.Watch(ctx, monitor)
}

// compoundHandle aggregates Leave/Update failures across constituents
// without short-circuiting, per spec.md §4.6.
type compoundHandle struct {
	handles []Handle
}

func (h *compoundHandle) Leave(ctx context.Context) error {
	var result *multierror.Error
	for _, inner := range h.handles {
		if err := inner.Leave(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (h *compoundHandle) Update(ctx context.Context, status serverset.Status) error {
	var result *multierror.Error
	for _, inner := range h.handles {
		if err := inner.Update(ctx, status); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// CompoundServerSet composes N server sets so callers can join and watch
// them as one.
type CompoundServerSet struct {
	sets []Set
}

// New constructs a CompoundServerSet over sets, in the order given; Join
// joins every constituent in that order.
func New(sets ...Set) *CompoundServerSet {
	return &CompoundServerSet{sets: sets}
}

// Join joins every constituent in order, aggregating join failures. If any
// constituent fails to join, every constituent that did join is left again
// and no handle is returned; the aggregated failures are the error.
func (c *CompoundServerSet) Join(ctx context.Context, primary serverset.Endpoint, aux map[string]serverset.Endpoint, shard *int) (Handle, error) {
	handles := make([]Handle, 0, len(c.sets))
	var result *multierror.Error
	for _, s := range c.sets {
		h, err := s.Join(ctx, primary, aux, shard)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		handles = append(handles, h)
	}
	if err := result.ErrorOrNil(); err != nil {
		for _, h := range handles {
			_ = h.Leave(context.Background())
		}
		return nil, fmt.Errorf("compound: join: %w", err)
	}
	return &compoundHandle{handles: handles}, nil
}

// Watch installs one inner watch per constituent, dispatching the union of
// all constituents' cached instance sets to monitor whenever any
// constituent changes. If any constituent's watch call fails, already
// installed watches are left in place (not unwound) and the error is
// returned to the caller — a documented partial-failure behavior carried
// over unchanged from the source recipe.
func (c *CompoundServerSet) Watch(ctx context.Context, monitor serverset.Monitor) (stop func(), err error) {
	var mu sync.Mutex
	cached := make([][]serverset.ServiceInstance, len(c.sets))
	stops := make([]func(), 0, len(c.sets))

	dispatch := func() {
		mu.Lock()
		defer mu.Unlock()
		union := make([]serverset.ServiceInstance, 0)
		for _, instances := range cached {
			union = append(union, instances...)
		}
		monitor(union)
	}

	for i, s := range c.sets {
		idx := i
		stopInner, werr := s.Watch(ctx, func(instances []serverset.ServiceInstance) {
			mu.Lock()
			cached[idx] = instances
			mu.Unlock()
			dispatch()
		})
		if werr != nil {
			stopAll := compose(stops)
			return stopAll, fmt.Errorf("compound: watch constituent %d: %w", idx, werr)
		}
		stops = append(stops, stopInner)
	}

	return compose(stops), nil
}

func compose(stops []func()) func() {
	return func() {
		for _, stop := range stops {
			stop()
		}
	}
}
