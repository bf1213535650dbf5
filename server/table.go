package server

import (
	"sync"

	"github.com/cyberinferno/mmoserver/command"
	"github.com/cyberinferno/mmoserver/session"
)

type tableSlot struct {
	generation uint32
	sess       *session.Session
}

// sessionTable is the registry of live sessions. Each session occupies a slot
// addressed by a (slot, generation) ConnID handle; removing a session bumps
// the slot's generation, so stale handles held by queued commands fail closed
// instead of resolving to a recycled connection.
type sessionTable struct {
	mu    sync.Mutex
	slots []tableSlot
	free  []uint32
	count int
}

func newSessionTable() *sessionTable {
	return &sessionTable{}
}

// Add allocates a slot, builds the session through create with the slot's
// handle, and registers the result. On create failure the slot is returned
// to the free list.
func (t *sessionTable) Add(create func(command.ConnID) (*session.Session, error)) (*session.Session, error) {
	t.mu.Lock()

	var slot uint32
	if n := len(t.free); n > 0 {
		slot = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		// Generation starts at 1 so no handle ever collides with NoConn.
		t.slots = append(t.slots, tableSlot{generation: 1})
		slot = uint32(len(t.slots) - 1)
	}

	id := command.MakeConnID(slot, t.slots[slot].generation)
	t.mu.Unlock()

	sess, err := create(id)

	t.mu.Lock()
	defer t.mu.Unlock()

	if err != nil {
		t.free = append(t.free, slot)
		return nil, err
	}

	t.slots[slot].sess = sess
	t.count++
	return sess, nil
}

// Get resolves a handle to its live session. It fails closed: a recycled
// generation, an empty slot, or an offline session all read as "gone".
func (t *sessionTable) Get(id command.ConnID) (*session.Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	slot := id.Slot()
	if int(slot) >= len(t.slots) {
		return nil, false
	}

	entry := t.slots[slot]
	if entry.sess == nil || entry.generation != id.Generation() || !entry.sess.Online() {
		return nil, false
	}

	return entry.sess, true
}

// Remove frees a handle's slot and bumps its generation. Removing an already
// recycled handle is a no-op.
func (t *sessionTable) Remove(id command.ConnID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	slot := id.Slot()
	if int(slot) >= len(t.slots) {
		return
	}

	if t.slots[slot].sess == nil || t.slots[slot].generation != id.Generation() {
		return
	}

	t.slots[slot].sess = nil
	t.slots[slot].generation++
	t.free = append(t.free, slot)
	t.count--
}

// Prune drops every registered session that is no longer online and returns
// how many were removed.
func (t *sessionTable) Prune() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for slot := range t.slots {
		sess := t.slots[slot].sess
		if sess == nil || sess.Online() {
			continue
		}

		t.slots[slot].sess = nil
		t.slots[slot].generation++
		t.free = append(t.free, uint32(slot))
		t.count--
		removed++
	}

	return removed
}

// Len returns the number of registered sessions.
func (t *sessionTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Range calls fn for every live session until fn returns false. The snapshot
// is taken under the lock; fn runs outside it.
func (t *sessionTable) Range(fn func(*session.Session) bool) {
	t.mu.Lock()
	live := make([]*session.Session, 0, t.count)
	for _, entry := range t.slots {
		if entry.sess != nil && entry.sess.Online() {
			live = append(live, entry.sess)
		}
	}
	t.mu.Unlock()

	for _, sess := range live {
		if !fn(sess) {
			return
		}
	}
}
