package coordinator

import (
	"container/list"
	"sync"

	"github.com/MrWong99/presencegate/pkg/protocol"
)

// replayCache remembers the acknowledgement of recent request ids so a
// command resent after a reconnect is answered without running it again.
// Least recently used entries are evicted once size is reached.
type replayCache struct {
	mu    sync.Mutex
	size  int
	order *list.List
	items map[string]*list.Element
}

type replayEntry struct {
	id  string
	ack protocol.Ack
}

func newReplayCache(size int) *replayCache {
	return &replayCache{
		size:  size,
		order: list.New(),
		items: make(map[string]*list.Element, size),
	}
}

func (c *replayCache) get(id string) (protocol.Ack, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[id]
	if !ok {
		return protocol.Ack{}, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*replayEntry).ack, true
}

func (c *replayCache) put(id string, ack protocol.Ack) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[id]; ok {
		el.Value.(*replayEntry).ack = ack
		c.order.MoveToFront(el)
		return
	}
	c.items[id] = c.order.PushFront(&replayEntry{id: id, ack: ack})
	for c.order.Len() > c.size {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*replayEntry).id)
	}
}

func (c *replayCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
