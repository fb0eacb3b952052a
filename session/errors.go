package session

import (
	"context"
	"errors"

	zookeeper "github.com/Shopify/gozk"
)

// ShouldRetry classifies err per spec: connection-loss and operation-timeout
// class errors are retryable; no-node, bad-version, and authorization
// failures are not. Session-expired is treated as retryable by the caller
// after Close forces a fresh connection — ShouldRetry itself reports true for
// it so callers don't special-case it, but the Session already closes on
// expiration internally via manage().
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var zkErr zookeeper.Error
	if errors.As(err, &zkErr) {
		switch zkErr {
		case zookeeper.ZCONNECTIONLOSS, zookeeper.ZOPERATIONTIMEOUT, zookeeper.ZSESSIONEXPIRED:
			return true
		case zookeeper.ZNONODE, zookeeper.ZBADVERSION, zookeeper.ZNOAUTH, zookeeper.ZINVALIDACL, zookeeper.ZAUTHFAILED:
			return false
		}
	}

	// Anything else (marshalling, bad arguments, invalid state) is treated
	// as fatal: retrying cannot help.
	return false
}

// IsNoNode reports whether err is (or wraps) ZNONODE.
func IsNoNode(err error) bool {
	var zkErr zookeeper.Error
	return errors.As(err, &zkErr) && zkErr == zookeeper.ZNONODE
}

// IsNodeExists reports whether err is (or wraps) ZNODEEXISTS.
func IsNodeExists(err error) bool {
	var zkErr zookeeper.Error
	return errors.As(err, &zkErr) && zkErr == zookeeper.ZNODEEXISTS
}

// IsSessionExpired reports whether err is (or wraps) ZSESSIONEXPIRED.
func IsSessionExpired(err error) bool {
	var zkErr zookeeper.Error
	return errors.As(err, &zkErr) && zkErr == zookeeper.ZSESSIONEXPIRED
}
