package ingest

import (
	"container/list"
	"sync"
	"time"
)

// recentKey identifies one emitted event.
type recentKey struct {
	sourceRef string
	messageID int
}

// recentLRU remembers the tuples recently emitted on a session so chain
// forwarding cannot loop. Entries expire after ttl; capacity is bounded.
type recentLRU struct {
	mu    sync.Mutex
	cap   int
	ttl   time.Duration
	order *list.List // front = oldest
	items map[recentKey]*list.Element
	now   func() time.Time
}

type recentEntry struct {
	key recentKey
	at  time.Time
}

func newRecentLRU(capacity int, ttl time.Duration) *recentLRU {
	return &recentLRU{
		cap:   capacity,
		ttl:   ttl,
		order: list.New(),
		items: make(map[recentKey]*list.Element),
		now:   time.Now,
	}
}

// Remember records the tuple, evicting expired and overflow entries.
func (l *recentLRU) Remember(sourceRef string, messageID int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune()
	k := recentKey{sourceRef, messageID}
	if el, ok := l.items[k]; ok {
		el.Value.(*recentEntry).at = l.now()
		l.order.MoveToBack(el)
		return
	}
	for l.order.Len() >= l.cap {
		oldest := l.order.Front()
		delete(l.items, oldest.Value.(*recentEntry).key)
		l.order.Remove(oldest)
	}
	l.items[k] = l.order.PushBack(&recentEntry{key: k, at: l.now()})
}

// Seen reports whether the tuple was emitted within the ttl.
func (l *recentLRU) Seen(sourceRef string, messageID int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune()
	_, ok := l.items[recentKey{sourceRef, messageID}]
	return ok
}

// prune drops expired entries from the front. Caller holds the lock.
func (l *recentLRU) prune() {
	cutoff := l.now().Add(-l.ttl)
	for el := l.order.Front(); el != nil; {
		e := el.Value.(*recentEntry)
		if e.at.After(cutoff) {
			break
		}
		next := el.Next()
		delete(l.items, e.key)
		l.order.Remove(el)
		el = next
	}
}
