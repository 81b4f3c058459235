package kafka

// Topic layout for the orchestration runtime.
//
//	agents.pending             task submissions accepted by the gateway
//	agents.dispatch.<cap>      tasks dispatched to workers of one capability
//	agents.results             task lifecycle events reported by workers
//	agents.heartbeats          worker heartbeats feeding the health registry
//	agents.dlq                 submissions and tasks beyond recovery
const (
	TopicPending    = "agents.pending"
	TopicResults    = "agents.results"
	TopicHeartbeats = "agents.heartbeats"
	TopicDeadLetter = "agents.dlq"

	dispatchPrefix = "agents.dispatch."
)

// DispatchTopic returns the per-capability dispatch topic. Workers of one
// capability share a consumer group on it.
func DispatchTopic(capability string) string {
	return dispatchPrefix + capability
}
