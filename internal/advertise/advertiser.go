// Package advertise applies reconcile actions to mDNS: it derives a service
// identity for each container, keeps one registration per container id and
// withdraws it again when the container goes away.
package advertise

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/mdnsync/mdnsync/internal/logging"
	"github.com/mdnsync/mdnsync/internal/mdns"
	"github.com/mdnsync/mdnsync/internal/metrics"
	"github.com/mdnsync/mdnsync/internal/reconcile"
	"github.com/mdnsync/mdnsync/internal/snapshot"
)

// ErrNameCollision is returned when a container's derived service name is
// already registered. The container stays unadvertised.
var ErrNameCollision = errors.New("service name collision")

type entry struct {
	identity Identity
	handle   mdns.Handle
}

// Advertiser owns the container id -> identity cache. An identity is pinned
// from the first successful publish until the container is unpublished; only
// its port follows later republishes.
type Advertiser struct {
	responder mdns.Responder
	host      string
	text      []string

	mu      sync.Mutex
	entries map[string]entry
}

// New creates an advertiser announcing services that point at host
// (e.g. "box.local.") with the given TXT records.
func New(responder mdns.Responder, host string, text []string) *Advertiser {
	return &Advertiser{responder: responder, host: host, text: text, entries: make(map[string]entry)}
}

// Apply carries out one reconcile action.
func (a *Advertiser) Apply(act reconcile.Action) error {
	switch act.Intent {
	case reconcile.Publish:
		return a.publish(act.Container)
	case reconcile.Unpublish:
		a.unpublish(act.Container.ID)
		return nil
	default:
		return fmt.Errorf("unknown intent %v for container %s", act.Intent, act.Container.ID)
	}
}

func (a *Advertiser) publish(c snapshot.Container) error {
	if !c.HasPorts() {
		logging.Get().Debug().Str("container", c.ID).Msg("nothing to advertise, container has no host ports")
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if e, ok := a.entries[c.ID]; ok {
		return a.refreshLocked(c, e)
	}

	id, err := Derive(c, a.host)
	if err != nil {
		return err
	}
	h, err := a.register(c.ID, id)
	if err != nil {
		return err
	}
	a.entries[c.ID] = entry{identity: id, handle: h}
	metrics.SetAdvertised(len(a.entries))
	logging.Get().Info().Str("container", c.ID).Str("service", id.Name).Int("port", id.Port).Msg("service published")
	return nil
}

// refreshLocked re-announces a pinned identity when the container's lowest
// port moved. The name stays pinned while the protocol is unchanged; a
// protocol change re-derives the whole identity, since the service type
// carries the protocol. Caller holds a.mu.
func (a *Advertiser) refreshLocked(c snapshot.Container, e entry) error {
	first, _ := c.FirstPort()
	sameProto := e.identity.Protocol() == first.Protocol
	if sameProto && first.HostPort == e.identity.Port {
		logging.Get().Debug().Str("container", c.ID).Str("service", e.identity.Name).Msg("service already published")
		return nil
	}

	id := e.identity
	id.Port = first.HostPort
	if !sameProto {
		var err error
		if id, err = Derive(c, a.host); err != nil {
			return err
		}
	}

	if err := a.responder.Unregister(e.handle); err != nil {
		logging.Get().Debug().Err(err).Str("container", c.ID).Msg("withdrawing previous registration failed")
	}
	delete(a.entries, c.ID)

	h, err := a.register(c.ID, id)
	if err != nil {
		metrics.SetAdvertised(len(a.entries))
		return err
	}
	a.entries[c.ID] = entry{identity: id, handle: h}
	logging.Get().Info().Str("container", c.ID).Str("service", id.Name).Int("old_port", e.identity.Port).Int("port", id.Port).Str("old_service", e.identity.Name).Msg("service republished")
	return nil
}

func (a *Advertiser) register(containerID string, id Identity) (mdns.Handle, error) {
	svcType, domain, err := mdns.SplitType(id.Type)
	if err != nil {
		return "", err
	}
	h, err := a.responder.Register(mdns.Service{
		Instance: id.Instance(),
		Type:     svcType,
		Domain:   domain,
		Host:     id.Host,
		Port:     id.Port,
		Text:     a.text,
	})
	if errors.Is(err, mdns.ErrNameInUse) {
		metrics.IncCollision()
		logging.Get().Warn().Str("container", containerID).Str("service", id.Name).Msg("service name is already registered")
		return "", fmt.Errorf("%w: %s: %w", ErrNameCollision, id.Name, err)
	}
	if err != nil {
		return "", fmt.Errorf("register %s: %w", id.Name, err)
	}
	metrics.IncPublished()
	return h, nil
}

func (a *Advertiser) unpublish(containerID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[containerID]
	if !ok {
		return
	}
	if err := a.responder.Unregister(e.handle); err != nil {
		logging.Get().Debug().Err(err).Str("container", containerID).Msg("service was not registered")
	}
	delete(a.entries, containerID)
	metrics.IncUnpublished()
	metrics.SetAdvertised(len(a.entries))
	logging.Get().Info().Str("container", containerID).Str("service", e.identity.Name).Int("port", e.identity.Port).Msg("service unpublished")
}

// Identity returns the cached identity of a container.
func (a *Advertiser) Identity(containerID string) (Identity, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[containerID]
	return e.identity, ok
}

// Identities returns a copy of the cache keyed by container id.
func (a *Advertiser) Identities() map[string]Identity {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]Identity, len(a.entries))
	for id, e := range a.entries {
		out[id] = e.identity
	}
	return out
}

// Close withdraws every remaining registration and shuts the responder down.
func (a *Advertiser) Close() error {
	a.mu.Lock()
	ids := make([]string, 0, len(a.entries))
	for id := range a.entries {
		ids = append(ids, id)
	}
	a.mu.Unlock()
	sort.Strings(ids)
	for _, id := range ids {
		a.unpublish(id)
	}
	return a.responder.Close()
}
