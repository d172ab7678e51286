package server

import (
	"sync"

	"livetable/internal/table"
)

// Change is one row mutation inside a published transaction. Old carries
// the previous row version for updates so streams can filter on both
// sides of the change; it is not part of what clients apply.
type Change struct {
	Op  table.Op  `json:"op"`
	Row table.Row `json:"row"`
	Old table.Row `json:"old,omitempty"`
}

// Event is one transaction's worth of row changes, published as a unit.
// A transaction must reach a subscriber whole: clients apply all of its
// changes in a single cache transaction, and their views deduplicate
// recomputation on the transaction identity.
type Event struct {
	Tx      table.TxID `json:"tx"`
	Changes []Change   `json:"changes"`
}

// Broker fans row change events out to stream subscribers, one topic per
// table. Publish never blocks: a subscriber whose buffer is full misses
// the event rather than stalling the write path.
type Broker struct {
	mu     sync.RWMutex
	topics map[string]map[int]chan *Event
	next   int
}

func NewBroker() *Broker {
	return &Broker{topics: make(map[string]map[int]chan *Event)}
}

// Subscribe registers a buffered delivery channel for one table and
// returns its id alongside the channel.
func (b *Broker) Subscribe(tbl string, buf int) (int, <-chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.topics[tbl] == nil {
		b.topics[tbl] = make(map[int]chan *Event)
	}
	id := b.next
	b.next++
	ch := make(chan *Event, buf)
	b.topics[tbl][id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel. Idempotent.
func (b *Broker) Unsubscribe(tbl string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.topics[tbl]
	if subs == nil {
		return
	}
	if ch, ok := subs[id]; ok {
		delete(subs, id)
		close(ch)
	}
	if len(subs) == 0 {
		delete(b.topics, tbl)
	}
}

// Publish delivers an event to every subscriber of the table. A
// subscriber whose buffer is full is evicted and its channel closed:
// silently skipping an event would leave that stream permanently out of
// sync with no signal, so the stream ends instead and the consumer sees
// the failure.
func (b *Broker) Publish(tbl string, ev *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.topics[tbl]
	for id, ch := range subs {
		select {
		case ch <- ev:
		default:
			delete(subs, id)
			close(ch)
		}
	}
	if subs != nil && len(subs) == 0 {
		delete(b.topics, tbl)
	}
}

// SubscriberCount returns the number of subscribers for a table.
func (b *Broker) SubscriberCount(tbl string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[tbl])
}
