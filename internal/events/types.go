package events

// Event names a topic on the in-process bus.
type Event string

const (
	// EventExecutionQueued fires when a request is accepted by the processor.
	EventExecutionQueued Event = "execution.queued"
	// EventExecutionCompleted carries the aggregated per-broker outcome of one signal.
	EventExecutionCompleted Event = "execution.completed"
	// EventBrokerFailed fires once per broker that failed for a signal.
	EventBrokerFailed Event = "execution.broker_failed"
	// EventExecutionSkipped fires when a signal is not sizeable.
	EventExecutionSkipped Event = "execution.skipped"
)

// All lists every topic, used by subscribers that relay the whole stream.
var All = []Event{
	EventExecutionQueued,
	EventExecutionCompleted,
	EventBrokerFailed,
	EventExecutionSkipped,
}
