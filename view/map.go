package view

import (
	"context"
	"errors"
	"sync"

	zookeeper "github.com/Shopify/gozk"
	"github.com/sirupsen/logrus"

	"github.com/segmentfault/zkrecipes/backoff"
	"github.com/segmentfault/zkrecipes/internal/recipepath"
	"github.com/segmentfault/zkrecipes/session"
)

// ErrUnsupported is returned by every mutating Map operation: the exposed
// view is readonly, materialized entirely from the underlying subtree.
var ErrUnsupported = errors.New("view: map is readonly")

// MapListener receives incremental notifications as a Map's contents
// change. Both callbacks may be nil.
type MapListener[K comparable, V any] struct {
	NodeChanged func(key K, value V)
	NodeRemoved func(key K)
}

// KeyDecoder turns a child node's leaf name into a map key.
type KeyDecoder[K comparable] func(name string) (K, error)

// Map is a readonly materialized view of a ZooKeeper subtree: keys are
// child names (through KeyDecoder), values are decoded child payloads.
type Map[K comparable, V any] struct {
	client    session.Client
	path      string
	decodeKey KeyDecoder[K]
	decodeVal Decoder[V]
	listener  MapListener[K, V]
	schedule  backoff.Schedule
	log       logrus.FieldLogger

	mu      sync.RWMutex
	entries map[K]V
	byName  map[string]K
	closed  bool
	stopped chan struct{}
}

// MapOption configures a Map at construction.
type MapOption[K comparable, V any] func(*Map[K, V])

// WithMapListener installs callbacks fired on every entry change.
func WithMapListener[K comparable, V any](l MapListener[K, V]) MapOption[K, V] {
	return func(m *Map[K, V]) { m.listener = l }
}

// WithMapLogger overrides the logger used for watch-rearm diagnostics.
func WithMapLogger[K comparable, V any](log logrus.FieldLogger) MapOption[K, V] {
	return func(m *Map[K, V]) {
		if log != nil {
			m.log = log
		}
	}
}

// NewMap constructs and initializes a Map mirroring the children of path,
// blocking until the initial contents are loaded.
func NewMap[K comparable, V any](ctx context.Context, client session.Client, path string, decodeKey KeyDecoder[K], decodeVal Decoder[V], opts ...MapOption[K, V]) (*Map[K, V], error) {
	m := &Map[K, V]{
		client:    client,
		path:      path,
		decodeKey: decodeKey,
		decodeVal: decodeVal,
		schedule:  backoff.DefaultSchedule,
		log:       logrus.StandardLogger(),
		entries:   make(map[K]V),
		byName:    make(map[string]K),
		stopped:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.armChildrenWatch(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// Get returns the value for key and whether it is present.
func (m *Map[K, V]) Get(key K) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.entries[key]
	return v, ok
}

// Snapshot returns a copy of the current contents.
func (m *Map[K, V]) Snapshot() map[K]V {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[K]V, len(m.entries))
	for k, v := range m.entries {
		out[k] = v
	}
	return out
}

// Set always fails: the view is readonly.
func (m *Map[K, V]) Set(K, V) error { return ErrUnsupported }

// Delete always fails: the view is readonly.
func (m *Map[K, V]) Delete(K) error { return ErrUnsupported }

// Close stops the Map's background watch goroutines.
func (m *Map[K, V]) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()
	close(m.stopped)
}

func (m *Map[K, V]) armChildrenWatch(ctx context.Context) error {
	conn, err := m.client.Get(ctx)
	if err != nil {
		return err
	}

	var children []string
	var ch <-chan zookeeper.Event
	err = backoff.Retry(ctx, m.schedule, session.ShouldRetry, func() error {
		var e error
		children, _, ch, e = conn.ChildrenW(m.path)
		return e
	})
	if session.IsNoNode(err) {
		m.clear()
		return m.armExistsWatch(ctx)
	}
	if err != nil {
		return err
	}

	if err := m.reconcile(ctx, conn, children); err != nil {
		return err
	}
	go m.watchChildren(ch)
	return nil
}

func (m *Map[K, V]) armExistsWatch(ctx context.Context) error {
	conn, err := m.client.Get(ctx)
	if err != nil {
		return err
	}
	var ch <-chan zookeeper.Event
	err = backoff.Retry(ctx, m.schedule, session.ShouldRetry, func() error {
		_, existCh, e := conn.ExistsW(m.path)
		ch = existCh
		return e
	})
	if err != nil {
		return err
	}
	go m.watchExists(ch)
	return nil
}

func (m *Map[K, V]) reconcile(ctx context.Context, conn session.Conn, children []string) error {
	wanted := make(map[string]struct{}, len(children))
	for _, c := range children {
		wanted[c] = struct{}{}
	}

	m.mu.Lock()
	gone := make([]string, 0)
	for name := range m.byName {
		if _, ok := wanted[name]; !ok {
			gone = append(gone, name)
		}
	}
	m.mu.Unlock()

	for _, name := range gone {
		m.removeChild(name)
	}

	// Children already tracked in byName have their own data watch
	// (armed below, in armChildDataWatch) keeping them current; only
	// newly seen children need an initial fetch-and-arm here.
	for _, name := range children {
		m.mu.Lock()
		_, alreadyArmed := m.byName[name]
		m.mu.Unlock()
		if alreadyArmed {
			continue
		}
		key, err := m.decodeKey(name)
		if err != nil {
			continue
		}
		if err := m.armChildDataWatch(ctx, conn, name, key); err != nil {
			return err
		}
	}
	return nil
}

// armChildDataWatch fetches name's current data, installs it, fires
// NodeChanged, and arms a one-shot data watch on it per spec.md §4.8 ("one
// data watch per child"). The node may already be gone by the time the
// fetch runs; that is not an error, just nothing to arm.
func (m *Map[K, V]) armChildDataWatch(ctx context.Context, conn session.Conn, name string, key K) error {
	childPath := recipepath.Join(m.path, name)
	var data string
	var ch <-chan zookeeper.Event
	err := backoff.Retry(ctx, m.schedule, session.ShouldRetry, func() error {
		var e error
		data, _, ch, e = conn.GetW(childPath)
		if session.IsNoNode(e) {
			ch = nil
			return nil
		}
		return e
	})
	if err != nil {
		return err
	}
	if ch == nil {
		return nil
	}

	value, err := m.decodeVal([]byte(data))
	if err != nil {
		return nil
	}

	m.mu.Lock()
	m.entries[key] = value
	m.byName[name] = key
	m.mu.Unlock()
	if m.listener.NodeChanged != nil {
		m.listener.NodeChanged(key, value)
	}

	go m.watchChildData(name, key, ch)
	return nil
}

func (m *Map[K, V]) removeChild(name string) {
	m.mu.Lock()
	key, ok := m.byName[name]
	if ok {
		delete(m.byName, name)
		delete(m.entries, key)
	}
	m.mu.Unlock()
	if ok && m.listener.NodeRemoved != nil {
		m.listener.NodeRemoved(key)
	}
}

func (m *Map[K, V]) watchChildData(name string, key K, ch <-chan zookeeper.Event) {
	select {
	case <-m.stopped:
		return
	case evt, ok := <-ch:
		if !ok {
			return
		}
		if evt.Type == zookeeper.EVENT_DELETED {
			m.removeChild(name)
			return
		}
		conn, err := m.client.Get(context.Background())
		if err != nil {
			m.log.WithError(err).WithField("path", name).Error("view: map child re-arm failed")
			return
		}
		if err := m.armChildDataWatch(context.Background(), conn, name, key); err != nil {
			m.log.WithError(err).WithField("path", name).Error("view: map child re-arm failed")
		}
	}
}

func (m *Map[K, V]) clear() {
	m.mu.Lock()
	removed := make([]K, 0, len(m.entries))
	for k := range m.entries {
		removed = append(removed, k)
	}
	m.entries = make(map[K]V)
	m.byName = make(map[string]K)
	m.mu.Unlock()
	for _, k := range removed {
		if m.listener.NodeRemoved != nil {
			m.listener.NodeRemoved(k)
		}
	}
}

func (m *Map[K, V]) watchChildren(ch <-chan zookeeper.Event) {
	select {
	case <-m.stopped:
		return
	case evt, ok := <-ch:
		if !ok {
			return
		}
		if evt.Type == zookeeper.EVENT_DELETED {
			m.clear()
			if err := m.armExistsWatch(context.Background()); err != nil {
				m.log.WithError(err).WithField("path", m.path).Error("view: map re-arm failed")
			}
			return
		}
		if err := m.armChildrenWatch(context.Background()); err != nil {
			m.log.WithError(err).WithField("path", m.path).Error("view: map re-arm failed")
		}
	}
}

func (m *Map[K, V]) watchExists(ch <-chan zookeeper.Event) {
	select {
	case <-m.stopped:
		return
	case evt, ok := <-ch:
		if !ok {
			return
		}
		if evt.Type == zookeeper.EVENT_CREATED || evt.State == zookeeper.STATE_CONNECTED {
			if err := m.armChildrenWatch(context.Background()); err != nil {
				m.log.WithError(err).WithField("path", m.path).Error("view: map re-arm failed")
			}
		}
	}
}
