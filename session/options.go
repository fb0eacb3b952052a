package session

import (
	"strings"
	"time"

	zookeeper "github.com/Shopify/gozk"
	"github.com/sirupsen/logrus"
)

// Options holds the resolved configuration for a Session, built up by
// applying a list of Option functions over defaultOptions().
type Options struct {
	servers     []string
	recvTimeout time.Duration
	logger      logrus.FieldLogger
	clientID    *zookeeper.ClientId

	authScheme string
	authToken  string
	acl        []zookeeper.ACL
	chroot     string
}

// Option configures a Session under construction.
type Option func(Options) Options

func defaultOptions() Options {
	return Options{
		recvTimeout: DefaultRecvTimeout,
		logger:      logrus.StandardLogger(),
		acl:         []zookeeper.ACL{{Perms: zookeeper.PERM_ALL, Scheme: "world", Id: "anyone"}},
	}
}

// WithZookeepers sets the ensemble's server list.
func WithZookeepers(servers []string) Option {
	return func(o Options) Options {
		o.servers = servers
		return o
	}
}

// WithRecvTimeout sets the ZooKeeper session timeout negotiated at connect.
func WithRecvTimeout(d time.Duration) Option {
	return func(o Options) Options {
		o.recvTimeout = d
		return o
	}
}

// WithLogger overrides the logger used for session lifecycle messages.
func WithLogger(log logrus.FieldLogger) Option {
	return func(o Options) Options {
		if log != nil {
			o.logger = log
		}
		return o
	}
}

// WithZookeeperClientID resumes an existing session by (session_id,
// session_password) instead of dialing a fresh one.
func WithZookeeperClientID(id *zookeeper.ClientId) Option {
	return func(o Options) Options {
		o.clientID = id
		return o
	}
}

// WithCredentials installs a digest-style (scheme, token) credential, added
// to the connection with AddAuth immediately after every successful dial.
func WithCredentials(scheme, token string) Option {
	return func(o Options) Options {
		o.authScheme = scheme
		o.authToken = token
		return o
	}
}

// WithACL overrides the default (world, anyone, all) ACL reported by
// Session.ACL. The recipes do not read it: a group.Group applies the ACL
// passed to group.New to the nodes it creates.
func WithACL(acl []zookeeper.ACL) Option {
	return func(o Options) Options {
		o.acl = acl
		return o
	}
}

// WithChroot prefixes every path this session's recipes operate on. The
// prefix is invisible to callers: paths are stripped of it before being
// returned from Create/Children/etc.
func WithChroot(path string) Option {
	return func(o Options) Options {
		o.chroot = strings.TrimSuffix(path, "/")
		return o
	}
}

func (o Options) serverString() string {
	return strings.Join(o.servers, ",")
}

// dial performs the initial connect, resuming o.clientID if set, and applies
// configured credentials.
func (o Options) dial() (Conn, <-chan zookeeper.Event, error) {
	var conn *zookeeper.Conn
	var events <-chan zookeeper.Event
	var err error

	if o.clientID != nil {
		conn, events, err = zookeeper.Redial(o.serverString(), o.recvTimeout, o.clientID)
	} else {
		conn, events, err = zookeeper.Connect(o.serverString(), o.recvTimeout)
	}
	if err != nil {
		return nil, nil, err
	}
	if o.authScheme != "" {
		if err := conn.AddAuth(o.authScheme, o.authToken); err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
	}
	return wrap(conn, o.chroot), events, nil
}

// redial reconnects an expired session using the stored server list and
// client id, the way the teacher's manage() loop does on
// STATE_EXPIRED_SESSION.
func (o Options) redial(id *zookeeper.ClientId) (Conn, <-chan zookeeper.Event, error) {
	conn, events, err := zookeeper.Redial(o.serverString(), o.recvTimeout, id)
	if err != nil {
		return nil, nil, err
	}
	if o.authScheme != "" {
		if err := conn.AddAuth(o.authScheme, o.authToken); err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
	}
	return wrap(conn, o.chroot), events, nil
}
