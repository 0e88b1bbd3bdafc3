package mdns

import (
	"fmt"
	"net"

	hmdns "github.com/hashicorp/mdns"
)

// Hashicorp runs one hashicorp/mdns server per registered service.
type Hashicorp struct {
	ips     []net.IP
	iface   *net.Interface
	servers *registry[*hmdns.Server]
	serve   func(*hmdns.Config) (*hmdns.Server, error)
}

func NewHashicorp(interfaces []string) (*Hashicorp, error) {
	ips, err := LocalIPs(interfaces)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	h := &Hashicorp{ips: ips, servers: newRegistry[*hmdns.Server](), serve: hmdns.NewServer}
	// hashicorp/mdns binds a single interface at most
	if len(interfaces) > 0 {
		ifaces, err := selectInterfaces(interfaces[:1])
		if err != nil {
			return nil, err
		}
		h.iface = &ifaces[0]
	}
	return h, nil
}

func (h *Hashicorp) Register(svc Service) (Handle, error) {
	if err := svc.validate(); err != nil {
		return "", err
	}
	zone, err := hmdns.NewMDNSService(svc.Instance, svc.Type, ensureDot(svc.Domain), ensureDot(svc.Host), svc.Port, h.ips, svc.Text)
	if err != nil {
		return "", fmt.Errorf("build zone for %s: %w", svc.FullName(), err)
	}
	handle, err := h.servers.reserve(svc)
	if err != nil {
		return "", err
	}
	srv, err := h.serve(&hmdns.Config{Zone: zone, Iface: h.iface, LogEmptyResponses: false})
	if err != nil {
		h.servers.release(handle)
		return "", fmt.Errorf("%w: serve %s: %v", ErrUnavailable, svc.FullName(), err)
	}
	h.servers.commit(handle, srv)
	return handle, nil
}

func (h *Hashicorp) Unregister(handle Handle) error {
	srv, ok := h.servers.release(handle)
	if !ok {
		return ErrNotRegistered
	}
	if srv == nil {
		return nil
	}
	return srv.Shutdown()
}

func (h *Hashicorp) Close() error {
	var firstErr error
	for _, srv := range h.servers.drain() {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
