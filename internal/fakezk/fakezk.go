// Package fakezk is an in-memory double for github.com/Shopify/gozk, used by
// every package's unit tests in place of a real ZooKeeper ensemble. It
// implements session.Conn and a minimal session.Client so tests can drive
// session expiration, node deletion, and watch firing deterministically.
package fakezk

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	zookeeper "github.com/Shopify/gozk"
	"github.com/segmentfault/zkrecipes/session"
)

type znode struct {
	data      string
	version   int32
	ephemeral bool
	sessionID int64
}

// Cluster is the shared in-memory ZooKeeper tree backing any number of
// Conn/Client handles, the way a real ensemble backs any number of TCP
// sessions.
type Cluster struct {
	mu          sync.Mutex
	nodes       map[string]*znode
	seqCounters map[string]int64

	childWatches  map[string][]chan zookeeper.Event
	existsWatches map[string][]chan zookeeper.Event
	dataWatches   map[string][]chan zookeeper.Event

	nextSessionID int64
}

// NewCluster returns an empty tree with the root node present.
func NewCluster() *Cluster {
	c := &Cluster{
		nodes:         map[string]*znode{"/": {}},
		seqCounters:   map[string]int64{},
		childWatches:  map[string][]chan zookeeper.Event{},
		existsWatches: map[string][]chan zookeeper.Event{},
		dataWatches:   map[string][]chan zookeeper.Event{},
	}
	return c
}

// NewClient returns a fresh session.Client-compatible handle bound to a new
// fake session id.
func (c *Cluster) NewClient() *Client {
	cl := &Client{cluster: c}
	cl.conn = c.newConn()
	return cl
}

func (c *Cluster) newConn() *Conn {
	c.mu.Lock()
	c.nextSessionID++
	id := c.nextSessionID
	c.mu.Unlock()
	return &Conn{cluster: c, sessionID: id}
}

func parent(path string) string {
	idx := strings.LastIndex(strings.TrimSuffix(path, "/"), "/")
	if idx <= 0 {
		return "/"
	}
	return path[:idx]
}

func (c *Cluster) fireChildren(path string) {
	for _, ch := range c.childWatches[path] {
		ch <- zookeeper.Event{Type: zookeeper.EVENT_CHILD, Path: path, State: zookeeper.STATE_CONNECTED}
	}
	delete(c.childWatches, path)
}

func (c *Cluster) fireExists(path string, created bool) {
	evtType := zookeeper.EVENT_DELETED
	if created {
		evtType = zookeeper.EVENT_CREATED
	}
	for _, ch := range c.existsWatches[path] {
		ch <- zookeeper.Event{Type: evtType, Path: path, State: zookeeper.STATE_CONNECTED}
	}
	delete(c.existsWatches, path)
}

func (c *Cluster) fireData(path string, deleted bool) {
	evtType := zookeeper.EVENT_CHANGED
	if deleted {
		evtType = zookeeper.EVENT_DELETED
	}
	for _, ch := range c.dataWatches[path] {
		ch <- zookeeper.Event{Type: evtType, Path: path, State: zookeeper.STATE_CONNECTED}
	}
	delete(c.dataWatches, path)
}

// create implements zookeeper.Conn.Create's semantics against the tree.
func (c *Cluster) create(path, value string, flags int, sessionID int64) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if flags&zookeeper.SEQUENCE != 0 {
		n := c.seqCounters[path]
		c.seqCounters[path] = n + 1
		path = fmt.Sprintf("%s%010d", path, n)
	}

	if _, exists := c.nodes[path]; exists {
		return "", zookeeper.ZNODEEXISTS
	}
	if _, exists := c.nodes[parent(path)]; !exists {
		return "", zookeeper.ZNONODE
	}

	c.nodes[path] = &znode{
		data:      value,
		ephemeral: flags&zookeeper.EPHEMERAL != 0,
		sessionID: sessionID,
	}

	p := parent(path)
	c.fireChildren(p)
	c.fireExists(path, true)
	return path, nil
}

func (c *Cluster) exists(path string) (bool, int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[path]
	if !ok {
		return false, 0
	}
	return true, n.version
}

func (c *Cluster) get(path string) (string, int32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[path]
	if !ok {
		return "", 0, zookeeper.ZNONODE
	}
	return n.data, n.version, nil
}

func (c *Cluster) set(path, value string, version int) (int32, error) {
	c.mu.Lock()
	n, ok := c.nodes[path]
	if !ok {
		c.mu.Unlock()
		return 0, zookeeper.ZNONODE
	}
	if version != -1 && int32(version) != n.version {
		c.mu.Unlock()
		return 0, zookeeper.ZBADVERSION
	}
	n.data = value
	n.version++
	v := n.version
	c.mu.Unlock()

	c.mu.Lock()
	c.fireData(path, false)
	c.mu.Unlock()
	return v, nil
}

func (c *Cluster) delete(path string, version int) error {
	c.mu.Lock()
	n, ok := c.nodes[path]
	if !ok {
		c.mu.Unlock()
		return zookeeper.ZNONODE
	}
	if version != -1 && int32(version) != n.version {
		c.mu.Unlock()
		return zookeeper.ZBADVERSION
	}
	delete(c.nodes, path)
	c.mu.Unlock()

	c.mu.Lock()
	c.fireExists(path, false)
	c.fireData(path, true)
	c.fireChildren(parent(path))
	c.mu.Unlock()
	return nil
}

func (c *Cluster) children(path string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.nodes[path]; !ok {
		return nil, zookeeper.ZNONODE
	}
	prefix := strings.TrimSuffix(path, "/") + "/"
	var out []string
	for p := range c.nodes {
		if p == path {
			continue
		}
		if strings.HasPrefix(p, prefix) && !strings.Contains(strings.TrimPrefix(p, prefix), "/") {
			out = append(out, strings.TrimPrefix(p, prefix))
		}
	}
	sort.Strings(out)
	return out, nil
}

// ExpireSession deletes every ephemeral node owned by sessionID and fires
// the corresponding watches, simulating what a real ensemble does when a
// session's negotiated timeout elapses.
func (c *Cluster) ExpireSession(sessionID int64) {
	c.mu.Lock()
	var dead []string
	for p, n := range c.nodes {
		if n.ephemeral && n.sessionID == sessionID {
			dead = append(dead, p)
		}
	}
	c.mu.Unlock()

	for _, p := range dead {
		_ = c.delete(p, -1)
	}
}

// Conn implements session.Conn against a Cluster, scoped to one fake
// session id.
type Conn struct {
	cluster   *Cluster
	sessionID int64
	closed    bool
}

func (c *Conn) Create(path, value string, flags int, aclv []zookeeper.ACL) (string, error) {
	return c.cluster.create(path, value, flags, c.sessionID)
}

func (c *Conn) Delete(path string, version int) error {
	return c.cluster.delete(path, version)
}

func (c *Conn) Exists(path string) (*session.Stat, error) {
	ok, version := c.cluster.exists(path)
	if !ok {
		return nil, nil
	}
	return &session.Stat{Version: version}, nil
}

func (c *Conn) ExistsW(path string) (*session.Stat, <-chan zookeeper.Event, error) {
	ch := make(chan zookeeper.Event, 1)
	c.cluster.mu.Lock()
	c.cluster.existsWatches[path] = append(c.cluster.existsWatches[path], ch)
	c.cluster.mu.Unlock()
	ok, version := c.cluster.exists(path)
	var stat *session.Stat
	if ok {
		stat = &session.Stat{Version: version}
	}
	return stat, ch, nil
}

func (c *Conn) Get(path string) (string, *session.Stat, error) {
	data, version, err := c.cluster.get(path)
	if err != nil {
		return "", nil, err
	}
	return data, &session.Stat{Version: version}, nil
}

func (c *Conn) GetW(path string) (string, *session.Stat, <-chan zookeeper.Event, error) {
	data, version, err := c.cluster.get(path)
	if err != nil {
		return "", nil, nil, err
	}
	ch := make(chan zookeeper.Event, 1)
	c.cluster.mu.Lock()
	c.cluster.dataWatches[path] = append(c.cluster.dataWatches[path], ch)
	c.cluster.mu.Unlock()
	return data, &session.Stat{Version: version}, ch, nil
}

func (c *Conn) Set(path, value string, version int) (*session.Stat, error) {
	v, err := c.cluster.set(path, value, version)
	if err != nil {
		return nil, err
	}
	return &session.Stat{Version: v}, nil
}

func (c *Conn) Children(path string) ([]string, *session.Stat, error) {
	kids, err := c.cluster.children(path)
	if err != nil {
		return nil, nil, err
	}
	return kids, &session.Stat{}, nil
}

func (c *Conn) ChildrenW(path string) ([]string, *session.Stat, <-chan zookeeper.Event, error) {
	kids, err := c.cluster.children(path)
	if err != nil {
		return nil, nil, nil, err
	}
	ch := make(chan zookeeper.Event, 1)
	c.cluster.mu.Lock()
	c.cluster.childWatches[path] = append(c.cluster.childWatches[path], ch)
	c.cluster.mu.Unlock()
	return kids, &session.Stat{}, ch, nil
}

func (c *Conn) ACL(path string) ([]zookeeper.ACL, *session.Stat, error) {
	return nil, &session.Stat{}, nil
}

func (c *Conn) SetACL(path string, aclv []zookeeper.ACL, version int) error {
	return nil
}

func (c *Conn) AddAuth(scheme, cert string) error { return nil }

func (c *Conn) ClientId() *zookeeper.ClientId { return &zookeeper.ClientId{} }

func (c *Conn) Close() error {
	c.closed = true
	c.cluster.ExpireSession(c.sessionID)
	return nil
}

// Client implements session.Client, standing in for a *session.Session in
// tests. It exposes ExpireSession to simulate spec.md's STATE_EXPIRED_SESSION
// handling without a real ZooKeeper ensemble.
type Client struct {
	cluster *Cluster

	mu         sync.Mutex
	conn       *Conn
	handlers   map[string]func()
	handlerSeq []string

	// failNextGet, when > 0, makes the next N calls to Get return err
	// instead of a connection — used to simulate an interrupted connect.
	failNextGet int
	failErr     error
}

// Get implements session.Client.
func (cl *Client) Get(ctx context.Context) (session.Conn, error) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.failNextGet > 0 {
		cl.failNextGet--
		return nil, cl.failErr
	}
	return cl.conn, nil
}

func (cl *Client) RegisterExpirationHandler(name string, fn func()) func() {
	cl.mu.Lock()
	if _, ok := cl.handlers[name]; !ok {
		if cl.handlers == nil {
			cl.handlers = map[string]func(){}
		}
		cl.handlerSeq = append(cl.handlerSeq, name)
	}
	cl.handlers[name] = fn
	cl.mu.Unlock()

	return func() {
		cl.mu.Lock()
		delete(cl.handlers, name)
		cl.mu.Unlock()
	}
}

// FailNextGet causes the next n calls to Get to return err.
func (cl *Client) FailNextGet(n int, err error) {
	cl.mu.Lock()
	cl.failNextGet = n
	cl.failErr = err
	cl.mu.Unlock()
}

// ExpireSession purges this client's ephemeral nodes, runs every registered
// expiration handler in order (mirroring session.Session.manage()), then
// installs a fresh fake session id/connection.
func (cl *Client) ExpireSession() {
	cl.mu.Lock()
	old := cl.conn
	names := append([]string(nil), cl.handlerSeq...)
	handlers := make([]func(), 0, len(names))
	for _, name := range names {
		if fn, ok := cl.handlers[name]; ok {
			handlers = append(handlers, fn)
		}
	}
	cl.mu.Unlock()

	cl.cluster.ExpireSession(old.sessionID)

	for _, fn := range handlers {
		fn()
	}

	cl.mu.Lock()
	cl.conn = cl.cluster.newConn()
	cl.mu.Unlock()
}

// SessionID returns the current fake session id, for asserting re-join
// produces a different one.
func (cl *Client) SessionID() int64 {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.conn.sessionID
}
