package flow

import "sync"

// conversationLocks serializes event handling per conversation so two
// near-simultaneous inbound events cannot race on the continuation record.
// Entries are refcounted and dropped once uncontended, keeping the map
// proportional to in-flight conversations rather than all conversations seen.
type conversationLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newConversationLocks() *conversationLocks {
	return &conversationLocks{entries: make(map[string]*lockEntry)}
}

// lock acquires the mutex for the given conversation id and returns its
// release function.
func (l *conversationLocks) lock(id string) func() {
	l.mu.Lock()
	e, ok := l.entries[id]
	if !ok {
		e = &lockEntry{}
		l.entries[id] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.entries, id)
		}
		l.mu.Unlock()
	}
}
