// Package identity reconciles body ids across consecutive frames and reports
// which bodies entered and which left the view.
package identity

import (
	"slices"
	"sync"
)

// Set is an unordered set of body ids. Ids are compared for equality only.
type Set map[uint32]struct{}

// NewSet builds a set from ids. Duplicates collapse.
func NewSet(ids ...uint32) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has reports whether id is in the set.
func (s Set) Has(id uint32) bool {
	_, ok := s[id]
	return ok
}

// Len returns the number of ids.
func (s Set) Len() int { return len(s) }

// Minus returns the ids in s that are not in other.
func (s Set) Minus(other Set) Set {
	out := make(Set)
	for id := range s {
		if !other.Has(id) {
			out[id] = struct{}{}
		}
	}
	return out
}

// Clone returns an independent copy.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

// Equal reports whether both sets hold the same ids.
func (s Set) Equal(other Set) bool {
	if len(s) != len(other) {
		return false
	}
	for id := range s {
		if !other.Has(id) {
			return false
		}
	}
	return true
}

// Sorted returns the ids in ascending order, for stable output.
func (s Set) Sorted() []uint32 {
	ids := make([]uint32, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Tracker remembers the id set of the previous frame.
// The zero value is ready to use and starts with an empty previous set.
type Tracker struct {
	mu       sync.Mutex
	previous Set
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{previous: make(Set)}
}

// Update compares current against the previous frame's ids and then replaces
// the previous set with a copy of current.
func (t *Tracker) Update(current Set) (entered, exited Set) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.previous == nil {
		t.previous = make(Set)
	}
	if current == nil {
		current = make(Set)
	}

	exited = t.previous.Minus(current)
	entered = current.Minus(t.previous)
	t.previous = current.Clone()
	return entered, exited
}

// Previous returns a copy of the ids seen in the last Update.
func (t *Tracker) Previous() Set {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.previous.Clone()
}

// Reset forgets the previous frame, so the next Update reports every id as entered.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.previous = make(Set)
}
