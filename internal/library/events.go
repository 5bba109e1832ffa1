package library

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// EventKind names one kind of change event.
type EventKind string

const (
	EventBookAdded        EventKind = "book_added"
	EventBookRemoved      EventKind = "book_removed"
	EventMetadataChanged  EventKind = "metadata_changed"
	EventFormatAdded      EventKind = "format_added"
	EventNotesChanged     EventKind = "notes_changed"
	EventIndexingProgress EventKind = "indexing_progress_changed"
)

// Event is one post-commit change notification.
type Event struct {
	Kind     EventKind
	Field    string  // set for metadata_changed
	IDs      []int64 // affected book ids (or item ids for notes)
	Category string  // set for notes_changed
	Progress [2]int  // (remaining, total) for indexing progress
}

// Handler receives events. Handlers run synchronously on the
// writer's goroutine after commit and must not block.
type Handler func(Event)

// Bus is the in-process change-event bus. Delivery is in commit
// order; a panicking subscriber is logged and does not affect other
// subscribers.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[EventKind]map[int]Handler
	log    *logrus.Logger
}

func NewBus(log *logrus.Logger) *Bus {
	if log == nil {
		log = logrus.New()
	}
	return &Bus{subs: make(map[EventKind]map[int]Handler), log: log}
}

// Subscribe registers a handler for one event kind and returns an
// unsubscribe function.
func (b *Bus) Subscribe(kind EventKind, fn Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[kind] == nil {
		b.subs[kind] = make(map[int]Handler)
	}
	id := b.nextID
	b.nextID++
	b.subs[kind][id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[kind], id)
	}
}

// Publish delivers an event to all subscribers of its kind.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[ev.Kind]))
	for _, h := range b.subs[ev.Kind] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(ev, h)
	}
}

func (b *Bus) deliver(ev Event, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.log.WithFields(logrus.Fields{
				"kind": ev.Kind, "panic": r,
			}).Error("event subscriber panicked")
		}
	}()
	h(ev)
}
