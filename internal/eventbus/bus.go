package eventbus

import "sync"

// BlockIndexed is published by the ingester after each successful height
// commit. Subscribers (the websocket feed, an embedding supervisor) receive
// it on their own channel.
type BlockIndexed struct {
	Height  int64  `json:"height"`
	Time    string `json:"time"`
	TxCount int    `json:"tx_count"`
}

// Bus fans BlockIndexed notifications out to subscribers. Delivery is
// best-effort: a subscriber whose channel is full misses the notification
// rather than stalling the ingester.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan BlockIndexed
	nextID int
	closed bool
}

func New() *Bus {
	return &Bus{subs: make(map[int]chan BlockIndexed)}
}

// Subscribe returns a receive channel with the given buffer capacity and a
// cancel func that removes the subscription and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan BlockIndexed, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan BlockIndexed, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
		})
	}
	return ch, cancel
}

// Publish delivers the notification to every live subscriber, dropping it for
// subscribers that are not keeping up. No-op after Close.
func (b *Bus) Publish(evt BlockIndexed) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
