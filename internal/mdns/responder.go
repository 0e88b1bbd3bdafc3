// Package mdns registers DNS-SD service records on the local link. The
// Responder interface hides which mDNS implementation does the multicast work:
// an in-process responder (zeroconf, hashicorp) or the system avahi-daemon.
package mdns

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
)

var (
	// ErrNameInUse is returned by Register when the full service instance
	// name is already registered.
	ErrNameInUse = errors.New("service name already in use")
	// ErrNotRegistered is returned by Unregister for an unknown handle.
	ErrNotRegistered = errors.New("service not registered")
	// ErrUnavailable wraps failures of the underlying transport.
	ErrUnavailable = errors.New("mdns responder unavailable")
)

// Backend names accepted by New.
const (
	BackendZeroconf  = "zeroconf"
	BackendHashicorp = "hashicorp"
	BackendAvahi     = "avahi"
)

const DefaultDomain = "local."

// Service is one DNS-SD record set: an instance of Type in Domain, served by
// Host on Port.
type Service struct {
	Instance string
	Type     string // e.g. "_web._tcp"
	Domain   string // e.g. "local."
	Host     string // FQDN, e.g. "box.local."
	Port     int
	Text     []string
}

// FullName is the fully qualified instance name, "<instance>.<type>.<domain>".
func (s Service) FullName() string {
	return fmt.Sprintf("%s.%s.%s", s.Instance, s.Type, ensureDot(s.Domain))
}

func (s Service) validate() error {
	switch {
	case s.Instance == "":
		return errors.New("missing instance name")
	case s.Type == "":
		return errors.New("missing service type")
	case s.Host == "":
		return errors.New("missing host name")
	case s.Port <= 0 || s.Port > 65535:
		return fmt.Errorf("invalid port %d", s.Port)
	}
	return nil
}

// Handle identifies a registration returned by Register.
type Handle string

// Responder publishes and withdraws service records.
type Responder interface {
	Register(svc Service) (Handle, error)
	Unregister(h Handle) error
	Close() error
}

// Options configures New.
type Options struct {
	Backend string
	// Interfaces restricts announcements to the named interfaces; empty means all.
	Interfaces []string
}

// New creates the responder for the requested backend.
func New(opts Options) (Responder, error) {
	switch strings.ToLower(opts.Backend) {
	case "", BackendZeroconf:
		return NewZeroconf(opts.Interfaces)
	case BackendHashicorp:
		return NewHashicorp(opts.Interfaces)
	case BackendAvahi:
		return NewAvahi()
	default:
		return nil, fmt.Errorf("unknown mdns backend %q", opts.Backend)
	}
}

// SplitType splits a fully qualified service type such as "_web._tcp.local."
// into the service part ("_web._tcp") and the domain ("local."). The service
// part is always the first two labels.
func SplitType(fqType string) (service, domain string, err error) {
	labels := strings.Split(strings.TrimSuffix(fqType, "."), ".")
	if len(labels) < 2 || !strings.HasPrefix(labels[0], "_") || !strings.HasPrefix(labels[1], "_") {
		return "", "", fmt.Errorf("malformed service type %q", fqType)
	}
	service = labels[0] + "." + labels[1]
	domain = DefaultDomain
	if len(labels) > 2 {
		domain = strings.Join(labels[2:], ".") + "."
	}
	return service, domain, nil
}

// LocalHost returns "<hostname>.local.", the name every advertised service
// points at.
func LocalHost() (string, error) {
	h, err := os.Hostname()
	if err != nil {
		return "", err
	}
	h = strings.TrimSuffix(h, ".")
	if i := strings.IndexByte(h, '.'); i > 0 {
		h = h[:i]
	}
	return h + "." + DefaultDomain, nil
}

// LocalIPs returns the IPv4 addresses of the up, non-loopback interfaces,
// optionally restricted to the named ones.
func LocalIPs(names []string) ([]net.IP, error) {
	ifaces, err := selectInterfaces(names)
	if err != nil {
		return nil, err
	}
	var ips []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
				ips = append(ips, ipnet.IP)
			}
		}
	}
	if len(ips) == 0 {
		return nil, errors.New("no usable IPv4 address found")
	}
	return ips, nil
}

func selectInterfaces(names []string) ([]net.Interface, error) {
	if len(names) == 0 {
		return net.Interfaces()
	}
	out := make([]net.Interface, 0, len(names))
	for _, n := range names {
		iface, err := net.InterfaceByName(n)
		if err != nil {
			return nil, fmt.Errorf("interface %q: %w", n, err)
		}
		out = append(out, *iface)
	}
	return out, nil
}

func ensureDot(s string) string {
	if s == "" {
		return DefaultDomain
	}
	if !strings.HasSuffix(s, ".") {
		return s + "."
	}
	return s
}

// registry tracks the names held by an in-process responder. Those libraries
// answer for whatever they are given, so duplicate detection happens here.
type registry[T any] struct {
	mu      sync.Mutex
	entries map[Handle]T
}

func newRegistry[T any]() *registry[T] {
	return &registry[T]{entries: make(map[Handle]T)}
}

func (r *registry[T]) reserve(svc Service) (Handle, error) {
	h := Handle(strings.ToLower(svc.FullName()))
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.entries[h]; taken {
		return "", fmt.Errorf("%w: %s", ErrNameInUse, svc.FullName())
	}
	var zero T
	r.entries[h] = zero
	return h, nil
}

func (r *registry[T]) commit(h Handle, v T) {
	r.mu.Lock()
	r.entries[h] = v
	r.mu.Unlock()
}

func (r *registry[T]) release(h Handle) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.entries[h]
	delete(r.entries, h)
	return v, ok
}

func (r *registry[T]) drain() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, 0, len(r.entries))
	for h, v := range r.entries {
		out = append(out, v)
		delete(r.entries, h)
	}
	return out
}
