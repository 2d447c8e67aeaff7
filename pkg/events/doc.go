/*
Package events provides an in-memory event broker for knobd.

The tuner, the policy switcher, the canary runner and the reconciler publish
what they did to a Broker. A subscriber receives every event on a buffered
channel, or only the types it names:

	drift := broker.Subscribe(events.EventPolicyDrift)

Publishing never blocks the publisher. The broker queues up to 100 events;
each subscriber buffers 50. When a buffer is full the event is dropped for
that subscriber only and counted in Dropped.

LogEvents writes each event to the structured log; aborts and drift are
logged at warn level.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	go events.LogEvents(ctx, broker)

	ctrl, err := tuner.NewController(tuner.Config{Events: broker, ...})

Any type with a Publish(*Event) method satisfies Publisher, which is what
producers accept; tests use a recording slice.
*/
package events
