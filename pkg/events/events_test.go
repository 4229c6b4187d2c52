package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerDeliversToSubscriber(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)
	assert.Equal(t, 1, b.SubscriberCount())

	b.Publish(&Event{Kind: KindRoleChanged, Message: "leader"})

	select {
	case ev := <-sub:
		assert.Equal(t, KindRoleChanged, ev.Kind)
		assert.Equal(t, "leader", ev.Message)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishWithNoSubscribersDoesNotBlock(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	done := make(chan struct{})
	go func() {
		b.Publish(&Event{Kind: KindSessionExpired})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked with no subscribers")
	}
	require.Equal(t, 0, b.SubscriberCount())
}
