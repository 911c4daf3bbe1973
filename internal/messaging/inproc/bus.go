package inproc

import (
	"errors"
	"sync"

	"stackyard/internal/domain"
)

var (
	ErrSubscriberNotRegistered = errors.New("subscriber is not registered in bus")
	ErrSubscriberQueueFull     = errors.New("subscriber queue is full")
)

// Bus fans events out to registered subscribers. A subscriber whose queue is
// full misses the event instead of stalling the publisher.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]chan domain.Event
	buffer int

	dropMu  sync.Mutex
	dropped map[string]uint64
}

func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:    make(map[string]chan domain.Event),
		buffer:  buffer,
		dropped: make(map[string]uint64),
	}
}

func (b *Bus) Register(subscriberID string) <-chan domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[subscriberID]; ok {
		return ch
	}
	ch := make(chan domain.Event, b.buffer)
	b.subs[subscriberID] = ch
	return ch
}

func (b *Bus) Unregister(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subs[subscriberID]
	if !ok {
		return
	}
	delete(b.subs, subscriberID)
	close(ch)

	b.dropMu.Lock()
	delete(b.dropped, subscriberID)
	b.dropMu.Unlock()
}

// Publish delivers evt to every subscriber. It never blocks.
func (b *Bus) Publish(evt domain.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var full []string
	for id, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			full = append(full, id)
		}
	}
	if len(full) == 0 {
		return nil
	}
	b.dropMu.Lock()
	for _, id := range full {
		b.dropped[id]++
	}
	b.dropMu.Unlock()
	return ErrSubscriberQueueFull
}

// Send delivers evt to one subscriber.
func (b *Bus) Send(subscriberID string, evt domain.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ch, ok := b.subs[subscriberID]
	if !ok {
		return ErrSubscriberNotRegistered
	}
	select {
	case ch <- evt:
		return nil
	default:
		return ErrSubscriberQueueFull
	}
}

// Dropped reports how many broadcast events subscriberID has missed.
func (b *Bus) Dropped(subscriberID string) uint64 {
	b.dropMu.Lock()
	defer b.dropMu.Unlock()
	return b.dropped[subscriberID]
}

func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
