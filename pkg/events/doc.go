/*
Package events provides the in-memory broker that notifies observers of
namespace and application state changes.

Namespace runtimes publish an event whenever an application changes status,
reports pull progress or is added or removed, and whenever the aggregate
namespace status changes. The CLI subscribes to render progress.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.SubscribeNamespace("dev")
	defer broker.Unsubscribe(sub)

	for event := range sub {
		fmt.Printf("%s %s %s\n", event.App, event.Status, event.Message)
	}

Publish never blocks the caller. Events are queued and fanned out by the
broker goroutine; a full queue or a slow subscriber drops events, so
observers must treat them as hints and read authoritative state from the
runtime accessors.
*/
package events
