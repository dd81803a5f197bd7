package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub Subscriber) *Event {
	t.Helper()
	select {
	case event := <-sub:
		return event
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return nil
	}
}

func TestBroker_PublishSubscribe(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Publish(&Event{Type: EventAppStatus, Namespace: "dev", App: "api", Status: "RUNNING"})

	event := receive(t, sub)
	assert.Equal(t, EventAppStatus, event.Type)
	assert.Equal(t, "api", event.App)
	assert.NotEmpty(t, event.ID)
	assert.False(t, event.Timestamp.IsZero())
}

func TestBroker_NamespaceFilter(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	dev := b.SubscribeNamespace("dev")
	all := b.Subscribe()

	b.Publish(&Event{Type: EventNamespaceStatus, Namespace: "qa", Status: "RUNNING"})
	b.Publish(&Event{Type: EventNamespaceStatus, Namespace: "dev", Status: "STARTING"})

	assert.Equal(t, "qa", receive(t, all).Namespace)
	assert.Equal(t, "dev", receive(t, all).Namespace)

	event := receive(t, dev)
	assert.Equal(t, "dev", event.Namespace)
	assert.Equal(t, "STARTING", event.Status)
}

func TestBroker_Unsubscribe(t *testing.T) {
	b := NewBroker()

	sub := b.Subscribe()
	require.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-sub
	assert.False(t, open)
}

func TestBroker_PublishNeverBlocks(t *testing.T) {
	b := NewBroker()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish(&Event{Type: EventAppProgress})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked without a running broker")
	}

	b.Stop()
	b.Stop()
	b.Publish(&Event{Type: EventAppProgress})
}
