// Package rooms tracks which sessions are members of which room.
package rooms

import "sync"

// Registry is a bidirectional session<->room map. M is whatever the caller
// uses to identify a session (typically a connection pointer); it only needs
// to be comparable.
//
// All operations are O(1) amortized and safe for concurrent use. A member
// belongs to at most one room at a time: joining a second room implicitly
// leaves the first.
type Registry[M comparable] struct {
	mu      sync.Mutex
	roomOf  map[M]string
	members map[string]map[M]struct{}
}

func NewRegistry[M comparable]() *Registry[M] {
	return &Registry[M]{
		roomOf:  make(map[M]string),
		members: make(map[string]map[M]struct{}),
	}
}

// Join attaches m to room, detaching it from any previous room first.
func (r *Registry[M]) Join(m M, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detachLocked(m)
	set := r.members[room]
	if set == nil {
		set = make(map[M]struct{})
		r.members[room] = set
	}
	set[m] = struct{}{}
	r.roomOf[m] = room
}

// Leave detaches m from its room, if any. It returns the room m was in and
// whether m was in one at all. Leave is idempotent.
func (r *Registry[M]) Leave(m M) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.roomOf[m]
	if !ok {
		return "", false
	}
	r.detachLocked(m)
	return room, true
}

func (r *Registry[M]) detachLocked(m M) {
	room, ok := r.roomOf[m]
	if !ok {
		return
	}
	delete(r.roomOf, m)
	set := r.members[room]
	delete(set, m)
	if len(set) == 0 {
		delete(r.members, room)
	}
}

// RoomOf returns m's current room.
func (r *Registry[M]) RoomOf(m M) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.roomOf[m]
	return room, ok
}

// Members returns a snapshot of room's member set. The slice is freshly
// allocated; callers may hold it across lock-free broadcast loops.
func (r *Registry[M]) Members(room string) []M {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.members[room]
	out := make([]M, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	return out
}

// Len returns the number of members currently in room.
func (r *Registry[M]) Len(room string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members[room])
}
