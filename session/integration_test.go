//go:build zk_integration

package session_test

import (
	"testing"
	"time"

	toxiproxyclient "github.com/Shopify/toxiproxy/v2/client"
	"github.com/stretchr/testify/require"

	"github.com/segmentfault/zkrecipes/session"
)

// These tests exercise the real STATE_EXPIRED_SESSION/reconnect path against
// a live ZooKeeper ensemble reached through a toxiproxy proxy, so they can
// inject the network cuts that no fake can honestly simulate. They expect a
// toxiproxy control API at 127.0.0.1:8474 and a ZooKeeper server at
// 127.0.0.1:2181 (proxied on 127.0.0.1:2182), and are excluded from normal
// test runs by the zk_integration build tag.

func dialToxiproxy(t *testing.T) (*toxiproxyclient.Client, *toxiproxyclient.Proxy) {
	t.Helper()
	client := toxiproxyclient.NewClient("http://127.0.0.1:8474")
	proxy, err := client.CreateProxy("zkrecipes-zk", "127.0.0.1:2182", "127.0.0.1:2181")
	require.NoError(t, err)
	t.Cleanup(func() { _ = proxy.Delete() })
	return client, proxy
}

// TestSessionSurvivesConnectionLoss exercises SessionDisconnected then
// SessionReconnected (not expiration) by cutting the link briefly.
func TestSessionSurvivesConnectionLoss(t *testing.T) {
	_, proxy := dialToxiproxy(t)

	sess, err := session.NewSessionWithOpts(
		session.WithZookeepers([]string{"127.0.0.1:2182"}),
		session.WithRecvTimeout(10*time.Second),
	)
	require.NoError(t, err)
	defer sess.Close()

	events := make(chan session.ZKSessionEvent, 8)
	sess.Subscribe(events)

	require.NoError(t, proxy.Disable())
	time.Sleep(500 * time.Millisecond)
	require.NoError(t, proxy.Enable())

	deadline := time.After(15 * time.Second)
	sawReconnected := false
	for !sawReconnected {
		select {
		case evt := <-events:
			if evt == session.SessionReconnected {
				sawReconnected = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for SessionReconnected")
		}
	}
}

// TestSessionExpirationRunsHandlersBeforeReconnect holds the link down past
// the negotiated session timeout and asserts that the expiration handler
// runs and that the session then reports SessionExpiredReconnected.
func TestSessionExpirationRunsHandlersBeforeReconnect(t *testing.T) {
	_, proxy := dialToxiproxy(t)

	sess, err := session.NewSessionWithOpts(
		session.WithZookeepers([]string{"127.0.0.1:2182"}),
		session.WithRecvTimeout(2*time.Second),
	)
	require.NoError(t, err)
	defer sess.Close()

	handlerRan := make(chan struct{}, 1)
	sess.RegisterExpirationHandler("integration-test", func() {
		handlerRan <- struct{}{}
	})

	events := make(chan session.ZKSessionEvent, 8)
	sess.Subscribe(events)

	require.NoError(t, proxy.Disable())
	defer proxy.Enable()

	select {
	case <-handlerRan:
	case <-time.After(20 * time.Second):
		t.Fatal("expiration handler never ran")
	}

	require.NoError(t, proxy.Enable())

	deadline := time.After(15 * time.Second)
	for {
		select {
		case evt := <-events:
			if evt == session.SessionExpiredReconnected {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for SessionExpiredReconnected")
		}
	}
}
