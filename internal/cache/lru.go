package cache

import (
	"container/list"
	"time"
)

// lru is a size-bounded map whose entries also expire. Callers serialise access.
type lru[V any] struct {
	max   int
	items map[string]*list.Element
	order *list.List
}

type lruEntry[V any] struct {
	key       string
	val       V
	expiresAt time.Time
}

func newLRU[V any](max int) *lru[V] {
	return &lru[V]{
		max:   max,
		items: make(map[string]*list.Element),
		order: list.New(),
	}
}

// get returns the live value for key and marks it recently used.
func (l *lru[V]) get(key string, now time.Time) (V, bool) {
	var zero V
	elem, ok := l.items[key]
	if !ok {
		return zero, false
	}
	e := elem.Value.(*lruEntry[V])
	if now.After(e.expiresAt) {
		l.drop(elem)
		return zero, false
	}
	l.order.MoveToFront(elem)
	return e.val, true
}

// put stores val until expiresAt, evicting the least recently used entries
// beyond capacity.
func (l *lru[V]) put(key string, val V, expiresAt time.Time) {
	if elem, ok := l.items[key]; ok {
		e := elem.Value.(*lruEntry[V])
		e.val, e.expiresAt = val, expiresAt
		l.order.MoveToFront(elem)
		return
	}
	l.items[key] = l.order.PushFront(&lruEntry[V]{key: key, val: val, expiresAt: expiresAt})
	for l.order.Len() > l.max {
		l.drop(l.order.Back())
	}
}

func (l *lru[V]) remove(key string) {
	if elem, ok := l.items[key]; ok {
		l.drop(elem)
	}
}

func (l *lru[V]) drop(elem *list.Element) {
	l.order.Remove(elem)
	delete(l.items, elem.Value.(*lruEntry[V]).key)
}

func (l *lru[V]) len() int { return l.order.Len() }

func (l *lru[V]) reset() {
	l.items = make(map[string]*list.Element)
	l.order.Init()
}
