// Package reconcile turns two consecutive container snapshots into the list of
// publish/unpublish actions needed to bring mDNS advertisements in line with
// the containers that are running right now.
package reconcile

import (
	"errors"
	"fmt"
	"sort"

	"github.com/mdnsync/mdnsync/internal/snapshot"
)

// ErrInvalidSnapshot is returned when a poll result cannot be diffed, e.g.
// because the same container id appears twice.
var ErrInvalidSnapshot = errors.New("invalid snapshot")

// Intent is what should happen to a container's advertisement.
type Intent int

const (
	Publish Intent = iota + 1
	Unpublish
)

func (i Intent) String() string {
	switch i {
	case Publish:
		return "publish"
	case Unpublish:
		return "unpublish"
	default:
		return fmt.Sprintf("intent(%d)", int(i))
	}
}

// Action pairs a container snapshot with the intent computed for it.
type Action struct {
	Container snapshot.Container
	Intent    Intent
}

// Reconciler remembers the previous poll and diffs every new poll against it.
// It is not safe for concurrent use; the daemon drives it from one goroutine.
type Reconciler struct {
	previous map[string]snapshot.Container
}

func New() *Reconciler {
	return &Reconciler{previous: make(map[string]snapshot.Container)}
}

// Reconcile computes the actions for the current poll and then replaces the
// tracked state with it. On error the tracked state is left untouched.
//
// Actions come out grouped as appeared, disappeared, changed; ids are sorted
// within each group. Each container id gets at most one action.
func (r *Reconciler) Reconcile(current []snapshot.Container) ([]Action, error) {
	next := make(map[string]snapshot.Container, len(current))
	for _, c := range current {
		if _, dup := next[c.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate container id %q", ErrInvalidSnapshot, c.ID)
		}
		next[c.ID] = c
	}

	added, removed, common := partition(r.previous, next)

	actions := make([]Action, 0, len(added)+len(removed))
	for _, id := range added {
		actions = append(actions, Action{Container: next[id], Intent: Publish})
	}
	for _, id := range removed {
		actions = append(actions, Action{Container: r.previous[id], Intent: Unpublish})
	}
	for _, id := range common {
		if a, ok := transition(r.previous[id], next[id]); ok {
			actions = append(actions, a)
		}
	}

	r.previous = next
	return actions, nil
}

// transition decides the action for a container present in both polls.
func transition(old, cur snapshot.Container) (Action, bool) {
	switch {
	case cur.Running && !old.Running:
		// just started: the current poll carries the ports it was started with
		return Action{Container: cur, Intent: Publish}, true
	case cur.Running && !snapshot.PortsEqual(old.Ports, cur.Ports):
		if cur.HasPorts() {
			return Action{Container: cur, Intent: Publish}, true
		}
		return Action{Container: old, Intent: Unpublish}, true
	case !cur.Running && old.Running:
		return Action{Container: old, Intent: Unpublish}, true
	}
	return Action{}, false
}

// partition splits the ids into current∖previous, previous∖current and the
// intersection, each sorted.
func partition(previous, current map[string]snapshot.Container) (added, removed, common []string) {
	for id := range current {
		if _, ok := previous[id]; ok {
			common = append(common, id)
		} else {
			added = append(added, id)
		}
	}
	for id := range previous {
		if _, ok := current[id]; !ok {
			removed = append(removed, id)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	sort.Strings(common)
	return added, removed, common
}

// Tracked returns the ids of every container seen in the last accepted poll,
// sorted. The slice is a copy and may be iterated while the reconciler changes.
func (r *Reconciler) Tracked() []string {
	ids := make([]string, 0, len(r.previous))
	for id := range r.previous {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Lookup returns the last snapshot recorded for id.
func (r *Reconciler) Lookup(id string) (snapshot.Container, bool) {
	c, ok := r.previous[id]
	return c, ok
}

// Len returns the number of tracked containers.
func (r *Reconciler) Len() int { return len(r.previous) }

// Reset forgets all tracked containers.
func (r *Reconciler) Reset() {
	r.previous = make(map[string]snapshot.Container)
}
