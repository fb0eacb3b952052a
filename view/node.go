// Package view implements the read-only Node and Map views from spec.md
// §4.8: materialized mirrors of a single data node and of a subtree's
// children, kept current by re-arming watches as they fire.
package view

import (
	"context"
	"sync"

	zookeeper "github.com/Shopify/gozk"
	"github.com/sirupsen/logrus"

	"github.com/segmentfault/zkrecipes/backoff"
	"github.com/segmentfault/zkrecipes/session"
)

// Decoder turns a raw node payload into a T. It is called on every change;
// it must be pure and side-effect free.
type Decoder[T any] func([]byte) (T, error)

// Node is a readonly supplier mirroring a single ZooKeeper data node. A
// freshly constructed Node blocks until its first read (or NoNode
// determination) completes.
type Node[T any] struct {
	client   session.Client
	path     string
	decode   Decoder[T]
	schedule backoff.Schedule
	log      logrus.FieldLogger

	mu      sync.RWMutex
	value   *T
	closed  bool
	stopped chan struct{}
}

// NodeOption configures a Node at construction.
type NodeOption[T any] func(*Node[T])

// WithNodeLogger overrides the logger used for watch-rearm diagnostics.
func WithNodeLogger[T any](log logrus.FieldLogger) NodeOption[T] {
	return func(n *Node[T]) {
		if log != nil {
			n.log = log
		}
	}
}

// NewNode constructs and initializes a Node mirroring path, blocking until
// the first value (or absence) is determined.
func NewNode[T any](ctx context.Context, client session.Client, path string, decode Decoder[T], opts ...NodeOption[T]) (*Node[T], error) {
	n := &Node[T]{
		client:   client,
		path:     path,
		decode:   decode,
		schedule: backoff.DefaultSchedule,
		log:      logrus.StandardLogger(),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	if err := n.armDataWatch(ctx); err != nil {
		return nil, err
	}
	return n, nil
}

// Get returns the current value, or nil if the node does not exist.
func (n *Node[T]) Get() *T {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.value
}

// Close stops the Node's background watch goroutines. A closed Node's Get
// keeps returning its last observed value.
func (n *Node[T]) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.mu.Unlock()
	close(n.stopped)
}

func (n *Node[T]) armDataWatch(ctx context.Context) error {
	conn, err := n.client.Get(ctx)
	if err != nil {
		return err
	}

	var data string
	var ch <-chan zookeeper.Event
	err = backoff.Retry(ctx, n.schedule, session.ShouldRetry, func() error {
		var e error
		data, _, ch, e = conn.GetW(n.path)
		return e
	})
	if session.IsNoNode(err) {
		n.setValue(nil)
		return n.armExistsWatch(ctx)
	}
	if err != nil {
		return err
	}

	v, err := n.decode([]byte(data))
	if err != nil {
		return err
	}
	n.setValue(&v)
	go n.watchData(ch)
	return nil
}

func (n *Node[T]) armExistsWatch(ctx context.Context) error {
	conn, err := n.client.Get(ctx)
	if err != nil {
		return err
	}
	var ch <-chan zookeeper.Event
	err = backoff.Retry(ctx, n.schedule, session.ShouldRetry, func() error {
		_, existCh, e := conn.ExistsW(n.path)
		ch = existCh
		return e
	})
	if err != nil {
		return err
	}
	go n.watchExists(ch)
	return nil
}

func (n *Node[T]) watchData(ch <-chan zookeeper.Event) {
	select {
	case <-n.stopped:
		return
	case evt, ok := <-ch:
		if !ok {
			return
		}
		if evt.State == zookeeper.STATE_CONNECTED || evt.Type == zookeeper.EVENT_CHANGED || evt.Type == zookeeper.EVENT_DELETED {
			if err := n.armDataWatch(context.Background()); err != nil {
				n.log.WithError(err).WithField("path", n.path).Error("view: node re-arm failed")
			}
		}
	}
}

func (n *Node[T]) watchExists(ch <-chan zookeeper.Event) {
	select {
	case <-n.stopped:
		return
	case evt, ok := <-ch:
		if !ok {
			return
		}
		if evt.Type == zookeeper.EVENT_CREATED || evt.State == zookeeper.STATE_CONNECTED {
			if err := n.armDataWatch(context.Background()); err != nil {
				n.log.WithError(err).WithField("path", n.path).Error("view: node re-arm failed")
			}
		}
	}
}

func (n *Node[T]) setValue(v *T) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.value = v
}
