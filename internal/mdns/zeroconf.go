package mdns

import (
	"fmt"
	"net"
	"strings"

	"github.com/grandcat/zeroconf"
)

// registerProxy is swapped out in tests.
var registerProxy = func(instance, service, domain string, port int, host string, ips, text []string, ifaces []net.Interface) (shutdowner, error) {
	return zeroconf.RegisterProxy(instance, service, domain, port, host, ips, text, ifaces)
}

type shutdowner interface{ Shutdown() }

// Zeroconf announces each service with its own grandcat/zeroconf proxy
// server, pointing at the shared host name and addresses.
type Zeroconf struct {
	ips     []string
	ifaces  []net.Interface
	servers *registry[shutdowner]
}

func NewZeroconf(interfaces []string) (*Zeroconf, error) {
	addrs, err := LocalIPs(interfaces)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	z := &Zeroconf{servers: newRegistry[shutdowner]()}
	for _, ip := range addrs {
		z.ips = append(z.ips, ip.String())
	}
	if len(interfaces) > 0 {
		if z.ifaces, err = selectInterfaces(interfaces); err != nil {
			return nil, err
		}
	}
	return z, nil
}

func (z *Zeroconf) Register(svc Service) (Handle, error) {
	if err := svc.validate(); err != nil {
		return "", err
	}
	h, err := z.servers.reserve(svc)
	if err != nil {
		return "", err
	}
	// zeroconf expects the domain without its root dot and only appends the
	// domain to the host when the host does not already end in it.
	domain := strings.TrimSuffix(ensureDot(svc.Domain), ".")
	srv, err := registerProxy(svc.Instance, svc.Type, domain, svc.Port, svc.Host, z.ips, svc.Text, z.ifaces)
	if err != nil {
		z.servers.release(h)
		return "", fmt.Errorf("%w: register %s: %v", ErrUnavailable, svc.FullName(), err)
	}
	z.servers.commit(h, srv)
	return h, nil
}

func (z *Zeroconf) Unregister(h Handle) error {
	srv, ok := z.servers.release(h)
	if !ok {
		return ErrNotRegistered
	}
	if srv != nil {
		srv.Shutdown()
	}
	return nil
}

func (z *Zeroconf) Close() error {
	for _, srv := range z.servers.drain() {
		if srv != nil {
			srv.Shutdown()
		}
	}
	return nil
}
