package notifications

import (
	"context"
	"sync"
	"time"
)

// Wakeup tells a subscriber that new notifications may be waiting.
type Wakeup struct {
	UserID int64
	At     time.Time
}

// Dispatcher fans wake-ups out to per-user subscribers. Slow subscribers miss
// wake-ups rather than block publishers; they catch up on their next poll.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Wakeup
}

// NewDispatcher constructs an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[int64]map[int64]*subscriber),
		bufferSize:  8,
	}
}

// Subscribe registers a stream for the user until ctx is done or cleanup runs.
func (d *Dispatcher) Subscribe(ctx context.Context, userID int64) (<-chan Wakeup, func()) {
	if userID <= 0 {
		ch := make(chan Wakeup)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan Wakeup, d.bufferSize),
	}
	d.register(userID, sub)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregister(userID, sub.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish delivers the wake-up to every subscriber of its user.
func (d *Dispatcher) Publish(wakeup Wakeup) {
	if wakeup.UserID <= 0 {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[wakeup.UserID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*subscriber, 0, len(subscribers))
	for _, sub := range subscribers {
		copies = append(copies, sub)
	}
	d.mu.RUnlock()
	for _, sub := range copies {
		select {
		case sub.stream <- wakeup:
		default:
		}
	}
}

// SubscriberCount reports the number of live subscribers for a user.
func (d *Dispatcher) SubscriberCount(userID int64) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[userID])
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(userID int64, sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[userID]; !ok {
		d.subscribers[userID] = make(map[int64]*subscriber)
	}
	d.subscribers[userID][sub.id] = sub
}

func (d *Dispatcher) unregister(userID int64, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[userID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, userID)
		}
	}
	d.mu.Unlock()
}
