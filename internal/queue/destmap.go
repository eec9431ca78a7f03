package queue

import (
	"container/list"
	"sync"
)

// destKey identifies one delivered source message within a pair.
type destKey struct {
	pairID      string
	sourceMsgID int
}

// destMap remembers which destination message a source message became, so
// edit and delete events can be replicated best-effort. Bounded; oldest
// mappings fall off first. A miss just means the event is skipped.
type destMap struct {
	mu    sync.Mutex
	cap   int
	order *list.List
	items map[destKey]*list.Element
}

type destEntry struct {
	key    destKey
	destID int
}

func newDestMap(capacity int) *destMap {
	return &destMap{
		cap:   capacity,
		order: list.New(),
		items: make(map[destKey]*list.Element),
	}
}

func (m *destMap) Put(pairID string, sourceMsgID, destMsgID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := destKey{pairID, sourceMsgID}
	if el, ok := m.items[k]; ok {
		el.Value.(*destEntry).destID = destMsgID
		m.order.MoveToBack(el)
		return
	}
	for m.order.Len() >= m.cap {
		oldest := m.order.Front()
		delete(m.items, oldest.Value.(*destEntry).key)
		m.order.Remove(oldest)
	}
	m.items[k] = m.order.PushBack(&destEntry{key: k, destID: destMsgID})
}

func (m *destMap) Get(pairID string, sourceMsgID int) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.items[destKey{pairID, sourceMsgID}]
	if !ok {
		return 0, false
	}
	return el.Value.(*destEntry).destID, true
}

func (m *destMap) Delete(pairID string, sourceMsgID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := destKey{pairID, sourceMsgID}
	if el, ok := m.items[k]; ok {
		delete(m.items, k)
		m.order.Remove(el)
	}
}
