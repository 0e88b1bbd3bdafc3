package advertise

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mdnsync/mdnsync/internal/snapshot"
)

// maxLabelLen is the DNS-SD limit for the service name part of a type.
const maxLabelLen = 15

var errNoPorts = errors.New("container exposes no host ports")

// Identity is everything needed to announce one container: the service type
// and instance name, the advertised port and the target host.
type Identity struct {
	Type string // "_<label>._<proto>.local."
	Name string // "<container name>.<Type>"
	Port int
	Host string // "<hostname>.local."
}

// Instance is the instance label of Name, i.e. the container name.
func (id Identity) Instance() string {
	return strings.TrimSuffix(id.Name, "."+id.Type)
}

// Protocol is the transport label of Type, e.g. "tcp".
func (id Identity) Protocol() string {
	t := strings.TrimSuffix(id.Type, ".local.")
	i := strings.LastIndex(t, "._")
	if i < 0 {
		return ""
	}
	return t[i+2:]
}

// Derive builds the identity of c from its id, name and lowest port.
func Derive(c snapshot.Container, host string) (Identity, error) {
	first, ok := c.FirstPort()
	if !ok {
		return Identity{}, errNoPorts
	}
	svcType := fmt.Sprintf("_%s._%s.local.", ServiceLabel(c.ID), first.Protocol)
	return Identity{
		Type: svcType,
		Name: c.Name + "." + svcType,
		Port: first.HostPort,
		Host: host,
	}, nil
}

// ServiceLabel shortens a container id into a legal service label. Spaces
// become underscores; if the result is too long underscores are dropped,
// then hyphens, and as a last step it is cut to maxLabelLen runes.
func ServiceLabel(id string) string {
	label := strings.ReplaceAll(id, " ", "_")
	if runeLen(label) > maxLabelLen {
		label = strings.ReplaceAll(label, "_", "")
	}
	if runeLen(label) > maxLabelLen {
		label = strings.ReplaceAll(label, "-", "")
	}
	if runeLen(label) > maxLabelLen {
		label = string([]rune(label)[:maxLabelLen])
	}
	return label
}

func runeLen(s string) int { return len([]rune(s)) }
