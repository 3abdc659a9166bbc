package engine

import (
	"slices"

	"github.com/google/uuid"
)

// EventKind identifies a registry lifecycle event.
type EventKind int

const (
	Added EventKind = iota
	AboutToRemove
	Removed
	Renamed
)

func (k EventKind) String() string {
	switch k {
	case Added:
		return "added"
	case AboutToRemove:
		return "about-to-remove"
	case Removed:
		return "removed"
	case Renamed:
		return "renamed"
	default:
		return "unknown"
	}
}

// Event describes a change to the registry. OldName is set for Renamed.
type Event struct {
	Kind    EventKind
	ID      uuid.UUID
	Name    string
	OldName string
}

// Subscribe registers fn for every subsequent event and returns a function
// that unregisters it.
func (r *Registry) Subscribe(fn func(Event)) (unsubscribe func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs, id)
	}
}

// emit must be called without r.mu held.
func (r *Registry) emit(ev Event) {
	r.mu.Lock()
	ids := make([]int, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	fns := make([]func(Event), 0, len(ids))
	// Deliver in subscription order.
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, r.subs[id])
	}
	r.mu.Unlock()

	r.log.V(1).Info("event", "kind", ev.Kind.String(), "engine", ev.Name)
	for _, fn := range fns {
		fn(ev)
	}
}
