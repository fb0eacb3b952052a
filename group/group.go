// Package group implements membership over a persistent ZooKeeper path whose
// ephemeral sequential children are its members, per spec.md §4.2.
package group

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	zookeeper "github.com/Shopify/gozk"
	"github.com/sirupsen/logrus"

	"github.com/segmentfault/zkrecipes/backoff"
	"github.com/segmentfault/zkrecipes/internal/recipepath"
	"github.com/segmentfault/zkrecipes/session"
)

// MemberID is the leaf name of a group child: prefix plus the
// ZooKeeper-assigned sequence number, e.g. "member_0000000042".
type MemberID string

// Snapshot is an unordered set of member ids, as delivered to change
// listeners. Two snapshots are compared by set equality, not by order.
type Snapshot []MemberID

// Equal reports whether s and other contain exactly the same member ids.
func (s Snapshot) Equal(other Snapshot) bool {
	if len(s) != len(other) {
		return false
	}
	set := make(map[MemberID]struct{}, len(s))
	for _, id := range s {
		set[id] = struct{}{}
	}
	for _, id := range other {
		if _, ok := set[id]; !ok {
			return false
		}
	}
	return true
}

// Sorted returns a copy of s sorted ascending by member id string, which for
// a fixed-width zero-padded sequence is also ascending by sequence number.
func (s Snapshot) Sorted() Snapshot {
	out := append(Snapshot(nil), s...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Group is the tuple (path, acl, prefix) from spec.md §3: path must be a
// persistent node; every direct child matching "^prefix[0-9]+$" is a member.
type Group struct {
	client session.Client
	path   string
	acl    []zookeeper.ACL
	prefix string

	schedule backoff.Schedule
	log      logrus.FieldLogger
}

// Option configures a Group at construction.
type Option func(*Group)

// WithBackoff overrides the default truncated-binary backoff schedule used
// for every retryable operation.
func WithBackoff(s backoff.Schedule) Option {
	return func(g *Group) { g.schedule = s }
}

// WithLogger overrides the logger used for join/watch diagnostics.
func WithLogger(log logrus.FieldLogger) Option {
	return func(g *Group) {
		if log != nil {
			g.log = log
		}
	}
}

// New constructs a Group. client is typically a *session.Session; acl is
// applied to the persistent group path and to every member node this
// process creates; prefix defaults to "member_" if empty.
func New(client session.Client, path string, acl []zookeeper.ACL, prefix string, opts ...Option) *Group {
	if prefix == "" {
		prefix = "member_"
	}
	g := &Group{
		client:   client,
		path:     path,
		acl:      acl,
		prefix:   prefix,
		schedule: backoff.DefaultSchedule,
		log:      logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Path returns the group's persistent root path.
func (g *Group) Path() string { return g.path }

// Prefix returns the member-id prefix this group matches children against.
func (g *Group) Prefix() string { return g.prefix }

// MemberPath returns the full path of the member node for id.
func (g *Group) MemberPath(id MemberID) string {
	return recipepath.Join(g.path, string(id))
}

// RegisterExpirationHandler registers fn to run when the underlying
// client's session expires, for components (e.g. serverset's cached
// loader) that need to react to expiration independently of any single
// membership. The returned function unregisters it.
func (g *Group) RegisterExpirationHandler(name string, fn func()) func() {
	return g.client.RegisterExpirationHandler(name, fn)
}

// GetMemberIDs returns a snapshot of current member ids, filtered by the
// prefix regex; children that don't match are silently ignored (forward
// compatibility, per spec.md §4.2).
func (g *Group) GetMemberIDs(ctx context.Context) (Snapshot, error) {
	conn, err := g.client.Get(ctx)
	if err != nil {
		return nil, err
	}
	var children []string
	err = backoff.Retry(ctx, g.schedule, session.ShouldRetry, func() error {
		var e error
		children, _, e = conn.Children(g.path)
		return e
	})
	if err != nil {
		return nil, fmt.Errorf("group: listing %s: %w", g.path, err)
	}
	return filterMembers(children, g.prefix), nil
}

// GetMemberData returns the payload of the given member's node, or nil if
// the member does not exist.
func (g *Group) GetMemberData(ctx context.Context, id MemberID) ([]byte, error) {
	conn, err := g.client.Get(ctx)
	if err != nil {
		return nil, err
	}
	var data string
	err = backoff.Retry(ctx, g.schedule, session.ShouldRetry, func() error {
		var e error
		data, _, e = conn.Get(g.MemberPath(id))
		if session.IsNoNode(e) {
			return nil
		}
		return e
	})
	if err != nil {
		return nil, fmt.Errorf("group: reading member %s: %w", id, err)
	}
	if data == "" {
		if exists, e := g.memberExists(ctx, conn, id); e == nil && !exists {
			return nil, nil
		}
	}
	return []byte(data), nil
}

func (g *Group) memberExists(ctx context.Context, conn session.Conn, id MemberID) (bool, error) {
	stat, err := conn.Exists(g.MemberPath(id))
	return stat != nil, err
}

func filterMembers(children []string, prefix string) Snapshot {
	pattern := recipepath.MemberPattern(prefix)
	out := make(Snapshot, 0, len(children))
	for _, c := range children {
		if pattern.MatchString(c) {
			out = append(out, MemberID(c))
		}
	}
	return out
}

// ensurePath makes g.path exist as a persistent node, creating parents as
// needed, retrying only connection-loss class errors.
func (g *Group) ensurePath(ctx context.Context, conn session.Conn) error {
	return backoff.Retry(ctx, g.schedule, session.ShouldRetry, func() error {
		return g.mkdirAll(conn, g.path)
	})
}

func (g *Group) mkdirAll(conn session.Conn, path string) error {
	if stat, err := conn.Exists(path); err != nil {
		return err
	} else if stat != nil {
		return nil
	}

	parentPath := parentOf(path)
	if parentPath != "" && parentPath != path {
		if err := g.mkdirAll(conn, parentPath); err != nil {
			return err
		}
	}

	_, err := conn.Create(path, "", 0, g.acl)
	if err != nil && !session.IsNodeExists(err) {
		return err
	}
	return nil
}

func parentOf(path string) string {
	leaf := recipepath.Leaf(path)
	if len(path) <= len(leaf)+1 {
		return ""
	}
	return path[:len(path)-len(leaf)-1]
}

// Watch blocks until the initial member-id snapshot is retrieved and
// delivered to onChange, then delivers subsequent changes asynchronously.
// The returned stop function halts delivery; it does not affect other
// watchers.
func (g *Group) Watch(ctx context.Context, onChange func(Snapshot)) (stop func(), err error) {
	conn, err := g.client.Get(ctx)
	if err != nil {
		return nil, err
	}
	if err := g.ensurePath(ctx, conn); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrWatch, g.path, err)
	}

	var last Snapshot
	var childrenCh <-chan zookeeper.Event
	err = backoff.Retry(ctx, g.schedule, session.ShouldRetry, func() error {
		raw, _, ch, e := conn.ChildrenW(g.path)
		if e != nil {
			return e
		}
		last = filterMembers(raw, g.prefix)
		childrenCh = ch
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrWatch, g.path, err)
	}
	onChange(last)

	stopped := make(chan struct{})
	go func() {
		for {
			select {
			case <-stopped:
				return
			case evt, ok := <-childrenCh:
				if !ok {
					return
				}
				var raw []string
				rerr := backoff.Retry(context.Background(), g.schedule, session.ShouldRetry, func() error {
					c, connErr := g.client.Get(context.Background())
					if connErr != nil {
						return connErr
					}
					var e error
					var newCh <-chan zookeeper.Event
					raw, _, newCh, e = c.ChildrenW(g.path)
					if e == nil {
						childrenCh = newCh
					}
					return e
				})
				if rerr != nil {
					g.log.WithError(rerr).WithField("path", g.path).Error("group watch: giving up re-arming children watch")
					return
				}
				next := filterMembers(raw, g.prefix)
				if !next.Equal(last) {
					last = next
					onChange(next)
				}
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(stopped) }) }, nil
}

// Errors returned by Join/Watch/Update wrap the underlying cause with the
// path involved, per spec.md §7.
var (
	// ErrJoin wraps failures from Group.Join.
	ErrJoin = errors.New("group: join failed")
	// ErrWatch wraps failures from Group.Watch.
	ErrWatch = errors.New("group: watch failed")
	// ErrUpdate wraps failures from Membership.UpdateMemberData.
	ErrUpdate = errors.New("group: update failed")
)
