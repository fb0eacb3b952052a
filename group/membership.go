package group

import (
	"context"
	"fmt"
	"sync"

	zookeeper "github.com/Shopify/gozk"

	"github.com/segmentfault/zkrecipes/backoff"
	"github.com/segmentfault/zkrecipes/internal/recipepath"
	"github.com/segmentfault/zkrecipes/session"
)

// DataSupplier returns the payload a Membership should publish. It is
// called once at join time and again by UpdateMemberData; the group never
// caches its return value across calls.
type DataSupplier func() []byte

// Membership is a handle bound to a single ephemeral sequential child. Its
// state machine (spec.md §4.2) is: idle -> joining -> member, re-joining on
// expiry/delete, or member -> cancelling -> cancelled (terminal).
type Membership struct {
	group *Group

	mu               sync.Mutex
	nodePath         string
	memberID         MemberID
	cancelled        bool
	dataSupplier     DataSupplier
	onLoseMembership func()
	unregisterExpiry func()
	stopExists       chan struct{}

	handlerName string
}

// Join creates an ephemeral sequential child under g.path and returns a
// handle to it. dataSupplier may be nil (published payload is empty);
// onLoseMembership, if non-nil, is invoked once just before the automatic
// re-join that follows each session expiration. The automatic re-join after
// an external deletion of the member node does not invoke it.
func (g *Group) Join(ctx context.Context, dataSupplier DataSupplier, onLoseMembership func()) (*Membership, error) {
	m := &Membership{
		group:            g,
		dataSupplier:     dataSupplier,
		onLoseMembership: onLoseMembership,
	}
	m.handlerName = fmt.Sprintf("group-join:%s:%p", g.path, m)

	if err := m.joinOnce(ctx); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrJoin, g.path, err)
	}
	return m, nil
}

// GroupPath returns the owning group's path.
func (m *Membership) GroupPath() string { return m.group.path }

// MemberID returns the current member id. It changes across a re-join.
func (m *Membership) MemberID() MemberID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.memberID
}

// MemberPath returns the current member node's full path.
func (m *Membership) MemberPath() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nodePath
}

// IsCancelled reports whether Cancel has completed (or is in progress).
func (m *Membership) IsCancelled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelled
}

func (m *Membership) joinOnce(ctx context.Context) error {
	g := m.group
	conn, err := g.client.Get(ctx)
	if err != nil {
		return err
	}

	if err := g.ensurePath(ctx, conn); err != nil {
		return err
	}

	var payload []byte
	if m.dataSupplier != nil {
		payload = m.dataSupplier()
	}

	var createdPath string
	err = backoff.Retry(ctx, g.schedule, session.ShouldRetry, func() error {
		p, e := conn.Create(recipepath.Join(g.path, g.prefix), string(payload), zookeeper.EPHEMERAL|zookeeper.SEQUENCE, g.acl)
		if e == nil {
			createdPath = p
		}
		return e
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.cancelled {
		// Cancel ran while this (re-)join was in flight: drop the node
		// just created instead of resurrecting the membership.
		m.mu.Unlock()
		_ = conn.Delete(createdPath, -1)
		return nil
	}
	m.nodePath = createdPath
	m.memberID = MemberID(recipepath.Leaf(createdPath))
	m.mu.Unlock()

	if m.unregisterExpiry == nil {
		m.unregisterExpiry = g.client.RegisterExpirationHandler(m.handlerName, m.onExpired)
	}

	m.armExistsWatch(conn)
	return nil
}

func (m *Membership) onExpired() {
	m.mu.Lock()
	cancelled := m.cancelled
	m.mu.Unlock()
	if cancelled {
		return
	}
	if m.onLoseMembership != nil {
		m.onLoseMembership()
	}
	m.rejoinInBackground()
}

func (m *Membership) armExistsWatch(conn session.Conn) {
	m.mu.Lock()
	if m.cancelled {
		m.mu.Unlock()
		return
	}
	path := m.nodePath
	if m.stopExists != nil {
		close(m.stopExists)
	}
	stopCh := make(chan struct{})
	m.stopExists = stopCh
	m.mu.Unlock()

	_, events, err := conn.ExistsW(path)
	if err != nil {
		return
	}

	go func() {
		select {
		case <-stopCh:
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if evt.Type != zookeeper.EVENT_DELETED {
				return
			}
			m.mu.Lock()
			cancelled := m.cancelled
			m.mu.Unlock()
			if cancelled {
				return
			}
			m.rejoinInBackground()
		}
	}()
}

func (m *Membership) rejoinInBackground() {
	go func() {
		_ = backoff.Retry(context.Background(), m.group.schedule, session.ShouldRetry, func() error {
			m.mu.Lock()
			cancelled := m.cancelled
			m.mu.Unlock()
			if cancelled {
				return nil
			}
			return m.joinOnce(context.Background())
		})
	}()
}

// UpdateMemberData re-invokes the data supplier and writes the result only
// if it differs byte-for-byte from the currently stored payload.
func (m *Membership) UpdateMemberData(ctx context.Context) error {
	if m.dataSupplier == nil {
		return nil
	}
	m.mu.Lock()
	path := m.nodePath
	m.mu.Unlock()

	conn, err := m.group.client.Get(ctx)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrUpdate, path, err)
	}

	next := m.dataSupplier()
	current, _, err := conn.Get(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrUpdate, path, err)
	}
	if current == string(next) {
		return nil
	}

	err = backoff.Retry(ctx, m.group.schedule, session.ShouldRetry, func() error {
		_, e := conn.Set(path, string(next), -1)
		return e
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrUpdate, path, err)
	}
	return nil
}

// Cancel deletes the member node and permanently disables re-join. It is
// idempotent.
func (m *Membership) Cancel(ctx context.Context) error {
	m.mu.Lock()
	if m.cancelled {
		m.mu.Unlock()
		return nil
	}
	m.cancelled = true
	path := m.nodePath
	unregister := m.unregisterExpiry
	stopExists := m.stopExists
	m.stopExists = nil
	if stopExists != nil {
		close(stopExists)
	}
	m.mu.Unlock()

	if unregister != nil {
		unregister()
	}

	conn, err := m.group.client.Get(ctx)
	if err != nil {
		return err
	}

	err = backoff.Retry(ctx, m.group.schedule, session.ShouldRetry, func() error {
		e := conn.Delete(path, -1)
		if session.IsNoNode(e) {
			return nil
		}
		return e
	})
	return err
}
