package event

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Type identifies a structural event published by one of the engines.
type Type string

const (
	ACLCreated        Type = "acl.created"
	ACLDeleted        Type = "acl.deleted"
	RuleAdded         Type = "rule.added"
	RuleUpdated       Type = "rule.updated"
	RuleRemoved       Type = "rule.removed"
	ConnectionNew     Type = "connection.new"
	ConnectionExpired Type = "connection.expired"
	NATCreated        Type = "nat.created"
	NATExpired        Type = "nat.expired"
	AlertNew          Type = "alert.new"
	ActionExecuted    Type = "action.executed"
	ActionExpired     Type = "action.expired"
	SourceBlocked     Type = "source.blocked"
	SourceUnblocked   Type = "source.unblocked"
)

// Event is a structural notification for observers such as a UI layer.
type Event struct {
	Type Type
	Time time.Time
	Data interface{}
}

// Handler receives published events. Handlers run synchronously on the
// publisher's goroutine.
type Handler func(Event)

// Bus is a listener registry. Engines publish into it without caring
// whether anyone is subscribed.
type Bus struct {
	mu       sync.RWMutex
	handlers map[int]Handler
	nextID   int
	logger   *logrus.Logger
}

func NewBus(logger *logrus.Logger) *Bus {
	return &Bus{
		handlers: make(map[int]Handler),
		logger:   logger,
	}
}

// Subscribe registers a handler and returns an id for Unsubscribe.
func (b *Bus) Subscribe(h Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = h
	return id
}

func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

// Publish delivers ev to every subscriber. A panicking handler is
// recovered and logged; it must never take down packet processing.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(h, ev)
	}
}

func (b *Bus) deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil && b.logger != nil {
			b.logger.WithFields(logrus.Fields{
				"event": ev.Type,
				"panic": r,
			}).Warn("event handler panicked")
		}
	}()
	h(ev)
}
