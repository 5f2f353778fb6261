/*
Package events provides an in-memory event broker for a heron node.

Components publish notable transitions (a node winning or losing mastership,
the watchdog re-seeding a dead loop, a task failing, a scan finishing) and
subscribers receive them asynchronously over buffered channels. The monitor
keeps the most recent events in a ring for the events endpoint.

Publishing never blocks. If the broker or a subscriber falls behind, events
are dropped rather than stalling workers or the scheduler.

	broker := events.NewBroker(nodeAddr)
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	go func() {
		for ev := range sub {
			fmt.Println(ev.Type, ev.Message)
		}
	}()

	broker.Emit(events.EventEntityReseeded, "loop restarted", "entity", "600519")

Events are local to the node; they are not replicated through Redis.
*/
package events
