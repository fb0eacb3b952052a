// Package session wraps a github.com/Shopify/gozk connection with the
// lazy-connect, session-reusing, expiration-broadcasting behavior that every
// recipe in this module depends on.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	zookeeper "github.com/Shopify/gozk"
	"github.com/sirupsen/logrus"
)

// Stat is the subset of a ZooKeeper node's metadata this module uses. It is
// a plain struct (rather than *zookeeper.Stat, whose fields are opaque)
// expressly so that fakes can construct one for tests.
type Stat struct {
	Version int32
}

// Conn is the subset of *zookeeper.Conn this module depends on, expressed in
// terms of Stat and error rather than zookeeper's opaque Stat type. Recipes
// program against this interface, never against *zookeeper.Conn directly, so
// that tests can substitute an in-memory fake. gozkConn (adapter.go) is the
// production implementation.
type Conn interface {
	Create(path string, value string, flags int, aclv []zookeeper.ACL) (string, error)
	Delete(path string, version int) error
	Exists(path string) (*Stat, error)
	ExistsW(path string) (*Stat, <-chan zookeeper.Event, error)
	Get(path string) (string, *Stat, error)
	GetW(path string) (string, *Stat, <-chan zookeeper.Event, error)
	Set(path string, value string, version int) (*Stat, error)
	Children(path string) ([]string, *Stat, error)
	ChildrenW(path string) ([]string, *Stat, <-chan zookeeper.Event, error)
	ACL(path string) ([]zookeeper.ACL, *Stat, error)
	SetACL(path string, aclv []zookeeper.ACL, version int) error
	AddAuth(scheme, cert string) error
	ClientId() *zookeeper.ClientId
	Close() error
}

// Client is the capability group recipes depend on: enough to get a live
// connection and to be notified just before a re-join following session
// expiration. *Session implements it; tests may substitute a fake.
type Client interface {
	Get(ctx context.Context) (Conn, error)
	RegisterExpirationHandler(name string, fn func()) (unregister func())
}

// ZKSessionEvent is broadcast to every subscriber registered with Subscribe.
type ZKSessionEvent uint

const (
	// SessionClosed is only delivered as a direct result of Close(). Terminal.
	SessionClosed ZKSessionEvent = iota
	// SessionDisconnected means the TCP connection dropped; a reconnect with
	// the same session id/password is in progress.
	SessionDisconnected
	// SessionReconnected means the connection came back before the session
	// timed out; ephemeral nodes created under the old connection still exist.
	SessionReconnected
	// SessionExpiredReconnected means the session timed out before
	// reconnecting; all ephemeral nodes created under it were purged by the
	// ensemble and every registered expiration handler has already run.
	SessionExpiredReconnected
	// SessionFailed means the session failed unrecoverably (bad auth, no
	// reachable server, etc). Terminal.
	SessionFailed

	// DefaultRecvTimeout is used when no WithRecvTimeout option is given.
	DefaultRecvTimeout = 5 * time.Second
)

// ErrNotConnected is returned by Get when the deadline/context expires before
// a connection reaches STATE_CONNECTED.
var ErrNotConnected = fmt.Errorf("session: timed out waiting for zookeeper connection")

// Session is a lazy-connecting, session-reusing wrapper around a
// *zookeeper.Conn. The zero value is not usable; construct with
// NewSessionWithOpts.
type Session struct {
	opts Options

	mu         sync.Mutex
	cond       *sync.Cond
	conn       Conn
	events     <-chan zookeeper.Event
	connected  bool
	closed     bool
	clientID   *zookeeper.ClientId
	handlers   map[string]func()
	handlerSeq []string // preserves registration order

	subscriptions []chan<- ZKSessionEvent

	log logrus.FieldLogger
}

// NewSessionWithOpts builds and starts a Session. It blocks until the
// initial dial attempt either succeeds or fails fatally; once returned the
// session manages reconnects/expirations on a background goroutine.
func NewSessionWithOpts(opts ...Option) (*Session, error) {
	o := defaultOptions()
	for _, opt := range opts {
		o = opt(o)
	}

	s := &Session{
		opts:     o,
		handlers: make(map[string]func()),
		log:      o.logger,
	}
	s.cond = sync.NewCond(&s.mu)

	conn, events, err := o.dial()
	if err != nil {
		return nil, fmt.Errorf("session: connecting to zookeeper: %w", err)
	}

	s.conn = conn
	s.events = events
	s.clientID = conn.ClientId()

	go s.manage()

	return s, nil
}

// Get returns a live connection, blocking until one is available or ctx is
// done. A context cancellation while a connection is mid-creation forces the
// nascent connection closed before the error is returned.
func (s *Session) Get(ctx context.Context) (Conn, error) {
	s.mu.Lock()
	for !s.connected && !s.closed {
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				s.cond.Broadcast()
			case <-done:
			}
		}()
		s.cond.Wait()
		close(done)
		if err := ctx.Err(); err != nil {
			conn := s.conn
			s.mu.Unlock()
			if conn != nil {
				_ = conn.Close()
			}
			return nil, fmt.Errorf("session: %w: %v", ErrNotConnected, err)
		}
	}
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("session: closed")
	}
	return s.conn, nil
}

// RegisterExpirationHandler registers fn to run, in registration order, after
// the session has closed a just-expired connection but before reconnecting.
// It returns a function that unregisters it; unregister is idempotent.
func (s *Session) RegisterExpirationHandler(name string, fn func()) (unregister func()) {
	s.mu.Lock()
	if _, exists := s.handlers[name]; !exists {
		s.handlerSeq = append(s.handlerSeq, name)
	}
	s.handlers[name] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.handlers, name)
			s.mu.Unlock()
		})
	}
}

// Subscribe registers ch to receive every session lifecycle event. The
// caller must keep draining ch; the session blocks delivering to subscribers.
func (s *Session) Subscribe(ch chan<- ZKSessionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions = append(s.subscriptions, ch)
}

// HasCredentials reports whether this session was configured with a
// non-empty auth scheme and token.
func (s *Session) HasCredentials() bool {
	return s.opts.authScheme != "" && s.opts.authToken != ""
}

// Chroot returns the path prefix this session applies to every operation, or
// the empty string if none was configured.
func (s *Session) Chroot() string {
	return s.opts.chroot
}

// ACL returns the access-control list configured for nodes this session
// creates.
func (s *Session) ACL() []zookeeper.ACL {
	return s.opts.acl
}

// ClientID returns the current session's (session_id, session_password)
// handle, suitable for passing to a future NewSessionWithOpts via
// WithZookeeperClientID to resume this session.
func (s *Session) ClientID() *zookeeper.ClientId {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientID
}

// Close is idempotent. It drops the current connection and clears the saved
// client id so a subsequent reconnect starts a fresh session.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.connected = false
	s.clientID = nil
	s.cond.Broadcast()
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (s *Session) notifySubscribers(event ZKSessionEvent) {
	s.mu.Lock()
	subs := append([]chan<- ZKSessionEvent(nil), s.subscriptions...)
	s.mu.Unlock()
	for _, sub := range subs {
		sub <- event
	}
}

func (s *Session) runExpirationHandlers() {
	s.mu.Lock()
	names := append([]string(nil), s.handlerSeq...)
	handlers := make([]func(), 0, len(names))
	for _, name := range names {
		if fn, ok := s.handlers[name]; ok {
			handlers = append(handlers, fn)
		}
	}
	s.mu.Unlock()

	for _, fn := range handlers {
		fn()
	}
}

func (s *Session) manage() {
	expired := false
	for {
		event, ok := <-s.events
		if !ok {
			s.notifySubscribers(SessionClosed)
			return
		}

		switch event.State {
		case zookeeper.STATE_EXPIRED_SESSION:
			s.log.WithField("component", "session").Warn("got STATE_EXPIRED_SESSION, closing and redialing")
			expired = true

			s.mu.Lock()
			s.connected = false
			old := s.conn
			s.mu.Unlock()
			if old != nil {
				_ = old.Close()
			}

			// Expiration handlers (typically re-join calls) must see a
			// closed, not-yet-reconnected session so they retry against the
			// fresh one installed below.
			s.runExpirationHandlers()

			conn, events, err := s.opts.redial(s.clientID)
			if err != nil {
				s.log.WithField("component", "session").WithError(err).Error("redial after expiration failed, session terminated")
				s.notifySubscribers(SessionFailed)
				return
			}

			s.mu.Lock()
			s.conn = conn
			s.events = events
			s.clientID = conn.ClientId()
			s.mu.Unlock()
			s.log.WithField("component", "session").Info("session re-established after expiration")

		case zookeeper.STATE_AUTH_FAILED:
			s.log.WithField("component", "session").Error("STATE_AUTH_FAILED, session terminated")
			s.notifySubscribers(SessionFailed)
			return

		case zookeeper.STATE_CONNECTING:
			s.mu.Lock()
			s.connected = false
			s.mu.Unlock()
			s.notifySubscribers(SessionDisconnected)

		case zookeeper.STATE_ASSOCIATING:
			// transient, no action.

		case zookeeper.STATE_CONNECTED:
			s.mu.Lock()
			s.connected = true
			s.cond.Broadcast()
			s.mu.Unlock()

			if expired {
				s.notifySubscribers(SessionExpiredReconnected)
				expired = false
			} else {
				s.notifySubscribers(SessionReconnected)
			}

		case zookeeper.STATE_CLOSED:
			s.mu.Lock()
			s.connected = false
			s.cond.Broadcast()
			s.mu.Unlock()
			s.notifySubscribers(SessionClosed)
			return
		}
	}
}
