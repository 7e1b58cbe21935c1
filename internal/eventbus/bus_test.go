package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFiltersByPrefix(t *testing.T) {
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	deliveries, unsub := b.Subscribe(4, "delivery.")
	defer unsub()

	b.Publish(Event{Type: TypeRefreshDone})
	b.Publish(Event{Type: TypeDeliverySent, Data: "k"})

	require.Len(t, all, 2)
	require.Len(t, deliveries, 1)
	e := <-deliveries
	assert.Equal(t, TypeDeliverySent, e.Type)
	assert.False(t, e.Time.IsZero())
}

func TestPublishDropsWhenFull(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	assert.Equal(t, uint64(1), b.Dropped())
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	_, ok := <-ch
	assert.False(t, ok)
	b.Publish(Event{Type: "after"})
}
