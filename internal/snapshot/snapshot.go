package snapshot

import (
	"fmt"
	"sort"
)

// Port is a single host port mapping of a container.
type Port struct {
	HostPort int    `json:"host_port"`
	Protocol string `json:"protocol"`
}

func (p Port) String() string {
	return fmt.Sprintf("%d/%s", p.HostPort, p.Protocol)
}

// Container is the state of one container as observed during a single poll.
// Ports are always kept sorted by (HostPort, Protocol) so two snapshots of the
// same container can be compared element by element.
type Container struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Running bool   `json:"running"`
	Ports   []Port `json:"ports"`
}

// HasPorts reports whether the container exposes at least one host port.
func (c Container) HasPorts() bool {
	return len(c.Ports) > 0
}

// FirstPort returns the lowest (HostPort, Protocol) mapping.
func (c Container) FirstPort() (Port, bool) {
	if len(c.Ports) == 0 {
		return Port{}, false
	}
	return c.Ports[0], true
}

// NormalizePorts returns a sorted copy of ports with duplicate pairs removed.
// The input slice is not modified. A nil or empty input yields an empty,
// non-nil slice.
func NormalizePorts(ports []Port) []Port {
	out := make([]Port, 0, len(ports))
	out = append(out, ports...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].HostPort != out[j].HostPort {
			return out[i].HostPort < out[j].HostPort
		}
		return out[i].Protocol < out[j].Protocol
	})
	// collapse adjacent duplicates
	n := 0
	for i, p := range out {
		if i > 0 && p == out[n-1] {
			continue
		}
		out[n] = p
		n++
	}
	return out[:n]
}

// PortsEqual compares two normalized port sequences element by element.
func PortsEqual(a, b []Port) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
