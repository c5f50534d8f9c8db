package feed

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPublishRoutesByKind(t *testing.T) {
	b := NewBroker()
	var notes, all []Change
	b.Subscribe("notes", func(c Change) { notes = append(notes, c) })
	b.Subscribe("", func(c Change) { all = append(all, c) })

	b.Publish(Change{Type: Create, Kind: "notes", ID: "n1"})
	b.Publish(Change{Type: Update, Kind: "tasks", ID: "t1"})

	assert.Len(t, notes, 1)
	assert.Equal(t, "n1", notes[0].ID)
	assert.Len(t, all, 2)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroker()
	calls := 0
	unsubscribe := b.Subscribe("workers", func(Change) { calls++ })
	b.Publish(Change{Kind: "workers"})
	unsubscribe()
	unsubscribe()
	b.Publish(Change{Kind: "workers"})

	assert.Equal(t, 1, calls)
	assert.Zero(t, b.Subscribers("workers"))
}

func TestNilBrokerPublishIsNoop(t *testing.T) {
	var b *Broker
	assert.NotPanics(t, func() { b.Publish(Change{Kind: "notes"}) })
}
