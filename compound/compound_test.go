package compound_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/segmentfault/zkrecipes/compound"
	"github.com/segmentfault/zkrecipes/group"
	"github.com/segmentfault/zkrecipes/internal/fakezk"
	"github.com/segmentfault/zkrecipes/serverset"
)

type unionCollector struct {
	mu   sync.Mutex
	sets [][]serverset.ServiceInstance
}

func (u *unionCollector) onChange(instances []serverset.ServiceInstance) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.sets = append(u.sets, instances)
}

func (u *unionCollector) get() [][]serverset.ServiceInstance {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([][]serverset.ServiceInstance(nil), u.sets...)
}

func newServerSet(cluster *fakezk.Cluster, path string) *serverset.ServerSet {
	return serverset.New(group.New(cluster.NewClient(), path, nil, "member_"))
}

func TestCompoundWatchDeliversUnionOfConstituents(t *testing.T) {
	cluster := fakezk.NewCluster()
	set1 := newServerSet(cluster, "/services/a")
	set2 := newServerSet(cluster, "/services/b")
	c := compound.New(compound.Wrap(set1), compound.Wrap(set2))

	var collector unionCollector
	stop, err := c.Watch(context.Background(), collector.onChange)
	require.NoError(t, err)
	defer stop()

	require.Eventually(t, func() bool { return len(collector.get()) >= 2 }, time.Second, 5*time.Millisecond)

	joiner := newServerSet(cluster, "/services/a")
	_, err = joiner.Join(context.Background(), serverset.Endpoint{Host: "foo", Port: 1}, nil, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		sets := collector.get()
		return len(sets[len(sets)-1]) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestCompoundJoinAggregatesHandlesAndLeaveIsAggregate(t *testing.T) {
	cluster := fakezk.NewCluster()
	set1 := newServerSet(cluster, "/services/a")
	set2 := newServerSet(cluster, "/services/b")
	c := compound.New(compound.Wrap(set1), compound.Wrap(set2))

	handle, err := c.Join(context.Background(), serverset.Endpoint{Host: "foo", Port: 1}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, handle.Leave(context.Background()))
}

func TestStaticServerSetDeliversFixedSetOnce(t *testing.T) {
	fixed := []serverset.ServiceInstance{
		{ServiceEndpoint: serverset.Endpoint{Host: "foo", Port: 1}, Status: serverset.Alive},
		{ServiceEndpoint: serverset.Endpoint{Host: "bar", Port: 2}, Status: serverset.Alive},
	}
	s := compound.NewStatic(fixed)

	var got []serverset.ServiceInstance
	calls := 0
	stop, err := s.Watch(context.Background(), func(instances []serverset.ServiceInstance) {
		calls++
		got = instances
	})
	require.NoError(t, err)
	stop()

	assert.Equal(t, 1, calls)
	assert.Len(t, got, 2)
}

func TestStaticServerSetJoinIsNoOp(t *testing.T) {
	fixed := []serverset.ServiceInstance{
		{ServiceEndpoint: serverset.Endpoint{Host: "foo", Port: 1}, Status: serverset.Alive},
	}
	s := compound.NewStatic(fixed)

	handle, err := s.Join(context.Background(), serverset.Endpoint{Host: "foo", Port: 1}, nil, nil)
	require.NoError(t, err)
	assert.NoError(t, handle.Leave(context.Background()))
	assert.NoError(t, handle.Update(context.Background(), serverset.Alive))
}
