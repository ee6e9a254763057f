package bus

import "time"

// Event is a named event routed through the dispatcher. Inbound server events
// carry their normalized payload; internal notifications use dotted names
// ("connection.status_changed", "message.queued").
type Event struct {
	Name      string
	Timestamp time.Time
	Payload   any
}

// Handler receives events synchronously on the dispatching goroutine.
type Handler func(Event)
