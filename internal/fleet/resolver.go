package fleet

import (
	"context"
	"fmt"
	"sync"
)

// Resolver maps human-friendly shelf and location names to robot ids without
// touching the vendor SDK. Resolution tries a name match first, then an id
// match, and finally passes the input through unchanged so that callers can
// always hand the result to the robot (which will reject a genuinely unknown
// id with a domain code).
//
// The caches refresh from ListShelves/ListLocations; a failed refresh keeps
// the previous (possibly stale) tables, which is acceptable for display names
// and resolution fallbacks.
type Resolver struct {
	mu              sync.RWMutex
	shelvesByName   map[string]string
	shelvesByID     map[string]Shelf
	locationsByName map[string]string
	locationsByID   map[string]Location
}

// NewResolver returns an empty resolver; call Refresh to fill it.
func NewResolver() *Resolver {
	return &Resolver{
		shelvesByName:   map[string]string{},
		shelvesByID:     map[string]Shelf{},
		locationsByName: map[string]string{},
		locationsByID:   map[string]Location{},
	}
}

// Refresh rebuilds both name tables from the robot. Returns an error when
// either query fails; the tables updated before the failure are kept.
func (r *Resolver) Refresh(ctx context.Context, g *Gateway) error {
	if res := g.ListShelves(ctx); res.OK {
		shelves, _ := res.Data["shelves"].([]Shelf)
		r.setShelves(shelves)
	} else {
		return fmt.Errorf("fleet: resolver: list shelves: %s", res.Error)
	}
	if res := g.ListLocations(ctx); res.OK {
		locations, _ := res.Data["locations"].([]Location)
		r.setLocations(locations)
	} else {
		return fmt.Errorf("fleet: resolver: list locations: %s", res.Error)
	}
	return nil
}

func (r *Resolver) setShelves(shelves []Shelf) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shelvesByName = make(map[string]string, len(shelves))
	r.shelvesByID = make(map[string]Shelf, len(shelves))
	for _, s := range shelves {
		r.shelvesByName[s.Name] = s.ID
		r.shelvesByID[s.ID] = s
	}
}

func (r *Resolver) setLocations(locations []Location) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locationsByName = make(map[string]string, len(locations))
	r.locationsByID = make(map[string]Location, len(locations))
	for _, l := range locations {
		r.locationsByName[l.Name] = l.ID
		r.locationsByID[l.ID] = l
	}
}

// ResolveShelf turns a shelf name or id into a shelf id.
func (r *Resolver) ResolveShelf(nameOrID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id, ok := r.shelvesByName[nameOrID]; ok {
		return id
	}
	if _, ok := r.shelvesByID[nameOrID]; ok {
		return nameOrID
	}
	return nameOrID
}

// ResolveLocation turns a location name or id into a location id.
func (r *Resolver) ResolveLocation(nameOrID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id, ok := r.locationsByName[nameOrID]; ok {
		return id
	}
	if _, ok := r.locationsByID[nameOrID]; ok {
		return nameOrID
	}
	return nameOrID
}

// ShelfName returns the display name for a shelf id, falling back to the id.
func (r *Resolver) ShelfName(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.shelvesByID[id]; ok && s.Name != "" {
		return s.Name
	}
	return id
}

// LocationName returns the display name for a location id, falling back to
// the id.
func (r *Resolver) LocationName(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if l, ok := r.locationsByID[id]; ok && l.Name != "" {
		return l.Name
	}
	return id
}
