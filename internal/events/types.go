package events

import "time"

// Event enumerates telemetry topics inside the engine.
type Event string

const (
	EventMonitorStatus   Event = "monitor.status"
	EventScheduleFired   Event = "schedule.fired"
	EventExecutionResult Event = "execution.result"

	// EventAll subscribes to every topic.
	EventAll Event = "*"
)

// Message is what subscribers receive.
type Message struct {
	Topic   Event     `json:"topic"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}
