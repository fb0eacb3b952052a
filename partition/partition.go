// Package partition implements the key-space partitioner from spec.md §4.4:
// a process joins a group, is assigned a volatile (index, size) pair derived
// from its position in the current membership snapshot, and answers
// membership queries against a caller-supplied key.
package partition

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/segmentfault/zkrecipes/group"
)

// Partitioner answers "is key mine?" against a volatile (index, size) pair
// that tracks this process's position among a group's current members.
// Index and size change any time the group's membership changes; callers
// must not assume stability across calls.
type Partitioner struct {
	g      *group.Group
	member *group.Membership
	stop   func()

	index atomic.Int64
	size  atomic.Int64
}

// Join joins g and starts tracking this process's partition assignment.
// dataSupplier is published on the member node exactly as in group.Join; it
// plays no role in partition assignment, which is positional.
func Join(ctx context.Context, g *group.Group, dataSupplier group.DataSupplier) (*Partitioner, error) {
	member, err := g.Join(ctx, dataSupplier, nil)
	if err != nil {
		return nil, fmt.Errorf("partition: join: %w", err)
	}

	p := &Partitioner{g: g, member: member}
	p.size.Store(1)

	stop, err := g.Watch(ctx, func(snapshot group.Snapshot) {
		p.recompute(snapshot)
	})
	if err != nil {
		_ = member.Cancel(context.Background())
		return nil, fmt.Errorf("partition: watch: %w", err)
	}
	p.stop = stop
	return p, nil
}

func (p *Partitioner) recompute(snapshot group.Snapshot) {
	sorted := snapshot.Sorted()
	size := len(sorted)
	if size == 0 {
		// This process's own node has not yet appeared in a watch
		// delivery; leave the previous assignment in place.
		return
	}
	self := p.member.MemberID()
	idx := sort.Search(size, func(i int) bool { return sorted[i] >= self })
	if idx == size || sorted[idx] != self {
		// Between this process's member node being deleted and its
		// re-join completing, it is not assigned any partition.
		return
	}
	p.index.Store(int64(idx))
	p.size.Store(int64(size))
}

// Index returns this process's current position among the group's sorted
// member ids.
func (p *Partitioner) Index() int { return int(p.index.Load()) }

// NumPartitions returns the group's current member count.
func (p *Partitioner) NumPartitions() int { return int(p.size.Load()) }

// IsMember reports whether key belongs to this process's current partition,
// using the convention (key mod size) == index.
func (p *Partitioner) IsMember(key int64) bool {
	size := p.size.Load()
	if size <= 0 {
		return false
	}
	mod := key % size
	if mod < 0 {
		mod += size
	}
	return mod == p.index.Load()
}

// MemberID returns the underlying membership's current member id.
func (p *Partitioner) MemberID() group.MemberID { return p.member.MemberID() }

// Leave withdraws from the group and stops tracking partition changes.
func (p *Partitioner) Leave(ctx context.Context) error {
	if p.stop != nil {
		p.stop()
	}
	return p.member.Cancel(ctx)
}
