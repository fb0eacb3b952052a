package candidate_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/segmentfault/zkrecipes/candidate"
	"github.com/segmentfault/zkrecipes/group"
	"github.com/segmentfault/zkrecipes/internal/fakezk"
)

type transitions struct {
	mu       sync.Mutex
	elected  int
	defeated int
}

func (t *transitions) leader() candidate.Leader {
	return candidate.Leader{
		OnElected: func(abdicate func()) {
			t.mu.Lock()
			t.elected++
			t.mu.Unlock()
		},
		OnDefeated: func() {
			t.mu.Lock()
			t.defeated++
			t.mu.Unlock()
		},
	}
}

func (t *transitions) counts() (elected, defeated int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.elected, t.defeated
}

func TestFirstCandidateIsElected(t *testing.T) {
	cluster := fakezk.NewCluster()
	client := cluster.NewClient()
	g := group.New(client, "/election", nil, "candidate_")
	c := candidate.New(g)

	var tr transitions
	isLeader, stop, err := c.OfferLeadership(context.Background(), tr.leader(), nil)
	require.NoError(t, err)
	defer stop(context.Background())

	require.Eventually(t, isLeader, time.Second, 5*time.Millisecond)
	elected, defeated := tr.counts()
	assert.Equal(t, 1, elected)
	assert.Equal(t, 0, defeated)
}

func TestSecondCandidateIsDefeatedUntilFirstWithdraws(t *testing.T) {
	cluster := fakezk.NewCluster()
	client1 := cluster.NewClient()
	client2 := cluster.NewClient()
	g1 := group.New(client1, "/election", nil, "candidate_")
	g2 := group.New(client2, "/election", nil, "candidate_")
	c1 := candidate.New(g1)
	c2 := candidate.New(g2)

	var tr1, tr2 transitions
	isLeader1, stop1, err := c1.OfferLeadership(context.Background(), tr1.leader(), nil)
	require.NoError(t, err)
	defer stop1(context.Background())

	require.Eventually(t, isLeader1, time.Second, 5*time.Millisecond)

	isLeader2, stop2, err := c2.OfferLeadership(context.Background(), tr2.leader(), nil)
	require.NoError(t, err)
	defer stop2(context.Background())

	require.Never(t, isLeader2, 200*time.Millisecond, 10*time.Millisecond)

	require.NoError(t, stop1(context.Background()))

	require.Eventually(t, isLeader2, time.Second, 5*time.Millisecond)
	elected, _ := tr2.counts()
	assert.Equal(t, 1, elected)
}

func TestAbdicateIsTerminalAndLetsAnotherCandidateWin(t *testing.T) {
	cluster := fakezk.NewCluster()
	client1 := cluster.NewClient()
	client2 := cluster.NewClient()
	g1 := group.New(client1, "/election", nil, "candidate_")
	g2 := group.New(client2, "/election", nil, "candidate_")
	c1 := candidate.New(g1)
	c2 := candidate.New(g2)

	var abdicate func()
	tr1 := candidate.Leader{
		OnElected:  func(a func()) { abdicate = a },
		OnDefeated: func() {},
	}
	var tr2 transitions

	isLeader1, stop1, err := c1.OfferLeadership(context.Background(), tr1, nil)
	require.NoError(t, err)
	defer stop1(context.Background())
	require.Eventually(t, isLeader1, time.Second, 5*time.Millisecond)

	isLeader2, stop2, err := c2.OfferLeadership(context.Background(), tr2.leader(), nil)
	require.NoError(t, err)
	defer stop2(context.Background())

	require.Eventually(t, func() bool { return abdicate != nil }, time.Second, 5*time.Millisecond)
	abdicate()

	assert.False(t, isLeader1())
	require.Eventually(t, isLeader2, time.Second, 5*time.Millisecond)
	assert.False(t, isLeader1())
}

func TestLeaderDataReturnsCurrentLeaderPayload(t *testing.T) {
	cluster := fakezk.NewCluster()
	client := cluster.NewClient()
	g := group.New(client, "/election", nil, "candidate_")
	c := candidate.New(g)

	var tr transitions
	isLeader, stop, err := c.OfferLeadership(context.Background(), tr.leader(), func() []byte { return []byte("host:1234") })
	require.NoError(t, err)
	defer stop(context.Background())

	require.Eventually(t, isLeader, time.Second, 5*time.Millisecond)

	data, err := c.LeaderData(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "host:1234", string(data))
}

func TestLeaderDataWithNoCandidatesIsNil(t *testing.T) {
	cluster := fakezk.NewCluster()
	client := cluster.NewClient()
	g := group.New(client, "/election", nil, "candidate_")
	c := candidate.New(g)

	data, err := c.LeaderData(context.Background())
	require.NoError(t, err)
	assert.Nil(t, data)
}
