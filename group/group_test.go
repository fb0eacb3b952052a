package group_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/segmentfault/zkrecipes/group"
	"github.com/segmentfault/zkrecipes/internal/fakezk"
)

func newTestGroup(t *testing.T, client *fakezk.Client, path string) *group.Group {
	t.Helper()
	return group.New(client, path, nil, "member_")
}

func TestJoinCreatesEphemeralSequentialMember(t *testing.T) {
	cluster := fakezk.NewCluster()
	client := cluster.NewClient()
	g := newTestGroup(t, client, "/services/foo")

	m, err := g.Join(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Regexp(t, `^member_\d{10}$`, string(m.MemberID()))

	ids, err := g.GetMemberIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, group.Snapshot{m.MemberID()}, ids)
}

func TestGetMemberIDsIgnoresNonMatchingChildren(t *testing.T) {
	cluster := fakezk.NewCluster()
	client := cluster.NewClient()
	g := newTestGroup(t, client, "/services/foo")

	_, err := g.Join(context.Background(), nil, nil)
	require.NoError(t, err)

	conn, err := client.Get(context.Background())
	require.NoError(t, err)
	_, err = conn.Create("/services/foo/unrelated", "", 0, nil)
	require.NoError(t, err)

	ids, err := g.GetMemberIDs(context.Background())
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestCancelDeletesNodeAndDisablesRejoin(t *testing.T) {
	cluster := fakezk.NewCluster()
	client := cluster.NewClient()
	g := newTestGroup(t, client, "/services/foo")

	m, err := g.Join(context.Background(), nil, nil)
	require.NoError(t, err)

	require.NoError(t, m.Cancel(context.Background()))
	assert.True(t, m.IsCancelled())

	ids, err := g.GetMemberIDs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)

	// cancelling twice is a no-op
	require.NoError(t, m.Cancel(context.Background()))
}

func TestSessionExpirationRejoinsWithNewMemberID(t *testing.T) {
	cluster := fakezk.NewCluster()
	client := cluster.NewClient()
	g := newTestGroup(t, client, "/services/foo")

	m, err := g.Join(context.Background(), nil, nil)
	require.NoError(t, err)
	oldID := m.MemberID()

	lost := make(chan struct{}, 1)
	m2, err := g.Join(context.Background(), nil, func() { lost <- struct{}{} })
	require.NoError(t, err)
	_ = m2

	client.ExpireSession()

	select {
	case <-lost:
	case <-time.After(time.Second):
		t.Fatal("onLoseMembership was not called")
	}

	require.Eventually(t, func() bool {
		return m.MemberID() != oldID && m.MemberID() != ""
	}, 2*time.Second, 5*time.Millisecond)

	ids, err := g.GetMemberIDs(context.Background())
	require.NoError(t, err)
	assert.Contains(t, ids, m.MemberID())
	assert.NotContains(t, ids, oldID)
}

func TestWatchDeliversInitialThenChanges(t *testing.T) {
	cluster := fakezk.NewCluster()
	client := cluster.NewClient()
	g := newTestGroup(t, client, "/services/foo")

	var collector chanCollector
	stop, err := g.Watch(context.Background(), collector.collect)
	require.NoError(t, err)
	defer stop()

	require.Eventually(t, func() bool { return len(collector.get()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, collector.get()[0])

	_, err = g.Join(context.Background(), nil, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(collector.get()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Len(t, collector.get()[1], 1)
}

func TestCancelDuringConcurrentRejoinDoesNotDoubleClose(t *testing.T) {
	cluster := fakezk.NewCluster()
	client := cluster.NewClient()
	g := newTestGroup(t, client, "/services/foo")

	for i := 0; i < 50; i++ {
		m, err := g.Join(context.Background(), nil, nil)
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			client.ExpireSession()
		}()
		go func() {
			defer wg.Done()
			_ = m.Cancel(context.Background())
		}()
		wg.Wait()

		assert.True(t, m.IsCancelled())
	}
}

type chanCollector struct {
	mu        sync.Mutex
	snapshots [][]group.MemberID
}

func (c *chanCollector) collect(s group.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots = append(c.snapshots, append([]group.MemberID(nil), s...))
}

func (c *chanCollector) get() [][]group.MemberID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]group.MemberID(nil), c.snapshots...)
}
