package session

import (
	"strings"

	zookeeper "github.com/Shopify/gozk"
)

// gozkConn adapts a real *zookeeper.Conn to the Conn interface, converting
// zookeeper's opaque *Stat into our own plain Stat. When chroot is set,
// every path a caller passes is prefixed with it before reaching the
// underlying connection, and stripped back off any path the underlying
// connection hands back, so recipe code never sees the chroot prefix.
type gozkConn struct {
	conn   *zookeeper.Conn
	chroot string
}

func wrap(conn *zookeeper.Conn, chroot string) Conn {
	return gozkConn{conn: conn, chroot: chroot}
}

func toStat(s *zookeeper.Stat) *Stat {
	if s == nil {
		return nil
	}
	return &Stat{Version: s.Version()}
}

func (c gozkConn) full(path string) string {
	if c.chroot == "" {
		return path
	}
	if path == "/" {
		return c.chroot
	}
	return c.chroot + path
}

func (c gozkConn) strip(path string) string {
	if c.chroot == "" {
		return path
	}
	trimmed := strings.TrimPrefix(path, c.chroot)
	if trimmed == "" {
		return "/"
	}
	return trimmed
}

func (c gozkConn) Create(path, value string, flags int, aclv []zookeeper.ACL) (string, error) {
	created, err := c.conn.Create(c.full(path), value, flags, aclv)
	if err != nil {
		return "", err
	}
	return c.strip(created), nil
}

func (c gozkConn) Delete(path string, version int) error {
	return c.conn.Delete(c.full(path), version)
}

func (c gozkConn) Exists(path string) (*Stat, error) {
	s, err := c.conn.Exists(c.full(path))
	return toStat(s), err
}

func (c gozkConn) ExistsW(path string) (*Stat, <-chan zookeeper.Event, error) {
	s, ch, err := c.conn.ExistsW(c.full(path))
	return toStat(s), ch, err
}

func (c gozkConn) Get(path string) (string, *Stat, error) {
	data, s, err := c.conn.Get(c.full(path))
	return data, toStat(s), err
}

func (c gozkConn) GetW(path string) (string, *Stat, <-chan zookeeper.Event, error) {
	data, s, ch, err := c.conn.GetW(c.full(path))
	return data, toStat(s), ch, err
}

func (c gozkConn) Set(path, value string, version int) (*Stat, error) {
	s, err := c.conn.Set(c.full(path), value, version)
	return toStat(s), err
}

func (c gozkConn) Children(path string) ([]string, *Stat, error) {
	kids, s, err := c.conn.Children(c.full(path))
	return kids, toStat(s), err
}

func (c gozkConn) ChildrenW(path string) ([]string, *Stat, <-chan zookeeper.Event, error) {
	kids, s, ch, err := c.conn.ChildrenW(c.full(path))
	return kids, toStat(s), ch, err
}

func (c gozkConn) ACL(path string) ([]zookeeper.ACL, *Stat, error) {
	acl, s, err := c.conn.ACL(c.full(path))
	return acl, toStat(s), err
}

func (c gozkConn) SetACL(path string, aclv []zookeeper.ACL, version int) error {
	return c.conn.SetACL(c.full(path), aclv, version)
}

func (c gozkConn) AddAuth(scheme, cert string) error {
	return c.conn.AddAuth(scheme, cert)
}

func (c gozkConn) ClientId() *zookeeper.ClientId {
	return c.conn.ClientId()
}

func (c gozkConn) Close() error {
	return c.conn.Close()
}
