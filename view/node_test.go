package view_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/segmentfault/zkrecipes/internal/fakezk"
	"github.com/segmentfault/zkrecipes/view"
)

func decodeString(data []byte) (string, error) { return string(data), nil }

func TestNodeReadsExistingValue(t *testing.T) {
	cluster := fakezk.NewCluster()
	client := cluster.NewClient()
	conn, err := client.Get(context.Background())
	require.NoError(t, err)
	_, err = conn.Create("/config", "v1", 0, nil)
	require.NoError(t, err)

	n, err := view.NewNode(context.Background(), client, "/config", decodeString)
	require.NoError(t, err)
	defer n.Close()

	require.NotNil(t, n.Get())
	assert.Equal(t, "v1", *n.Get())
}

func TestNodeMissingInitiallyIsNil(t *testing.T) {
	cluster := fakezk.NewCluster()
	client := cluster.NewClient()

	n, err := view.NewNode(context.Background(), client, "/config", decodeString)
	require.NoError(t, err)
	defer n.Close()

	assert.Nil(t, n.Get())
}

func TestNodeUpdatesAfterChange(t *testing.T) {
	cluster := fakezk.NewCluster()
	client := cluster.NewClient()
	conn, err := client.Get(context.Background())
	require.NoError(t, err)
	_, err = conn.Create("/config", "v1", 0, nil)
	require.NoError(t, err)

	n, err := view.NewNode(context.Background(), client, "/config", decodeString)
	require.NoError(t, err)
	defer n.Close()

	_, err = conn.Set("/config", "v2", -1)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		v := n.Get()
		return v != nil && *v == "v2"
	}, time.Second, 5*time.Millisecond)
}

func TestNodeObservesLateCreation(t *testing.T) {
	cluster := fakezk.NewCluster()
	client := cluster.NewClient()

	n, err := view.NewNode(context.Background(), client, "/config", decodeString)
	require.NoError(t, err)
	defer n.Close()
	require.Nil(t, n.Get())

	conn, err := client.Get(context.Background())
	require.NoError(t, err)
	_, err = conn.Create("/config", "v1", 0, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		v := n.Get()
		return v != nil && *v == "v1"
	}, time.Second, 5*time.Millisecond)
}
