package session_test

import (
	"context"
	"errors"
	"testing"

	zookeeper "github.com/Shopify/gozk"
	"github.com/stretchr/testify/assert"

	"github.com/segmentfault/zkrecipes/session"
)

func TestShouldRetryClassification(t *testing.T) {
	assert.True(t, session.ShouldRetry(zookeeper.ZCONNECTIONLOSS))
	assert.True(t, session.ShouldRetry(zookeeper.ZOPERATIONTIMEOUT))
	assert.True(t, session.ShouldRetry(zookeeper.ZSESSIONEXPIRED))

	assert.False(t, session.ShouldRetry(zookeeper.ZNONODE))
	assert.False(t, session.ShouldRetry(zookeeper.ZBADVERSION))
	assert.False(t, session.ShouldRetry(zookeeper.ZNOAUTH))
	assert.False(t, session.ShouldRetry(zookeeper.ZINVALIDACL))
	assert.False(t, session.ShouldRetry(zookeeper.ZAUTHFAILED))

	assert.False(t, session.ShouldRetry(nil))
	assert.False(t, session.ShouldRetry(context.Canceled))
	assert.False(t, session.ShouldRetry(context.DeadlineExceeded))
	assert.False(t, session.ShouldRetry(errors.New("some other error")))
}

func TestIsNoNodeAndIsNodeExists(t *testing.T) {
	assert.True(t, session.IsNoNode(zookeeper.ZNONODE))
	assert.False(t, session.IsNoNode(zookeeper.ZNODEEXISTS))

	assert.True(t, session.IsNodeExists(zookeeper.ZNODEEXISTS))
	assert.False(t, session.IsNodeExists(zookeeper.ZNONODE))

	assert.True(t, session.IsSessionExpired(zookeeper.ZSESSIONEXPIRED))
	assert.False(t, session.IsSessionExpired(zookeeper.ZNONODE))
}
