package mdns

import (
	"errors"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/holoplot/go-avahi"
)

const avahiCollisionError = "org.freedesktop.Avahi.CollisionError"

// entryGroup is the part of *avahi.EntryGroup used here.
type entryGroup interface {
	AddService(iface, protocol int32, flags uint32, name, serviceType, domain, host string, port uint16, txt [][]byte) error
	Commit() error
	Reset() error
}

type avahiServer interface {
	newGroup() (entryGroup, error)
	freeGroup(entryGroup)
	close()
}

// Avahi hands registrations to the system avahi-daemon over D-Bus. The daemon
// does its own conflict detection, reported back as CollisionError.
type Avahi struct {
	server avahiServer
	groups *registry[entryGroup]
}

func NewAvahi() (*Avahi, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("%w: connect system bus: %v", ErrUnavailable, err)
	}
	srv, err := avahi.ServerNew(conn)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: avahi server: %v", ErrUnavailable, err)
	}
	return &Avahi{server: &dbusAvahi{conn: conn, srv: srv}, groups: newRegistry[entryGroup]()}, nil
}

func (a *Avahi) Register(svc Service) (Handle, error) {
	if err := svc.validate(); err != nil {
		return "", err
	}
	h, err := a.groups.reserve(svc)
	if err != nil {
		return "", err
	}
	g, err := a.server.newGroup()
	if err != nil {
		a.groups.release(h)
		return "", fmt.Errorf("%w: entry group: %v", ErrUnavailable, err)
	}
	txt := make([][]byte, 0, len(svc.Text))
	for _, t := range svc.Text {
		txt = append(txt, []byte(t))
	}
	domain := strings.TrimSuffix(ensureDot(svc.Domain), ".")
	host := strings.TrimSuffix(svc.Host, ".")
	err = g.AddService(avahi.InterfaceUnspec, avahi.ProtoUnspec, 0, svc.Instance, svc.Type, domain, host, uint16(svc.Port), txt)
	if err == nil {
		err = g.Commit()
	}
	if err != nil {
		a.server.freeGroup(g)
		a.groups.release(h)
		if isCollision(err) {
			return "", fmt.Errorf("%w: %s", ErrNameInUse, svc.FullName())
		}
		return "", fmt.Errorf("%w: add %s: %v", ErrUnavailable, svc.FullName(), err)
	}
	a.groups.commit(h, g)
	return h, nil
}

func (a *Avahi) Unregister(h Handle) error {
	g, ok := a.groups.release(h)
	if !ok {
		return ErrNotRegistered
	}
	if g == nil {
		return nil
	}
	err := g.Reset()
	a.server.freeGroup(g)
	return err
}

func (a *Avahi) Close() error {
	for _, g := range a.groups.drain() {
		if g == nil {
			continue
		}
		_ = g.Reset()
		a.server.freeGroup(g)
	}
	a.server.close()
	return nil
}

func isCollision(err error) bool {
	var derr dbus.Error
	if errors.As(err, &derr) {
		return derr.Name == avahiCollisionError
	}
	var perr *dbus.Error
	if errors.As(err, &perr) && perr != nil {
		return perr.Name == avahiCollisionError
	}
	return false
}

type dbusAvahi struct {
	conn *dbus.Conn
	srv  *avahi.Server
}

func (d *dbusAvahi) newGroup() (entryGroup, error) {
	return d.srv.EntryGroupNew()
}

func (d *dbusAvahi) freeGroup(g entryGroup) {
	if eg, ok := g.(*avahi.EntryGroup); ok {
		d.srv.EntryGroupFree(eg)
	}
}

func (d *dbusAvahi) close() {
	d.srv.Close()
	_ = d.conn.Close()
}
