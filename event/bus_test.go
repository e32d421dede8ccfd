package event

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestPublishWithoutSubscribers(t *testing.T) {
	b := NewBus(logrus.New())
	// Must be a no-op, not a panic.
	b.Publish(Event{Type: AlertNew})
}

func TestSubscribeUnsubscribe(t *testing.T) {
	b := NewBus(logrus.New())

	var got []Type
	id := b.Subscribe(func(ev Event) {
		got = append(got, ev.Type)
	})

	b.Publish(Event{Type: ConnectionNew})
	b.Publish(Event{Type: ConnectionExpired})
	b.Unsubscribe(id)
	b.Publish(Event{Type: AlertNew})

	assert.Equal(t, []Type{ConnectionNew, ConnectionExpired}, got)
}

func TestPanickingHandlerIsIsolated(t *testing.T) {
	b := NewBus(logrus.New())

	b.Subscribe(func(Event) { panic("bad handler") })

	delivered := false
	b.Subscribe(func(Event) { delivered = true })

	b.Publish(Event{Type: RuleAdded})
	assert.True(t, delivered, "second handler must still run")
}

func TestEventTimestampDefault(t *testing.T) {
	b := NewBus(logrus.New())

	var got Event
	b.Subscribe(func(ev Event) { got = ev })
	b.Publish(Event{Type: NATCreated})

	assert.False(t, got.Time.IsZero())
}
