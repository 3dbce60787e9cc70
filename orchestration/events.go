package orchestration

import (
	"context"
	"fmt"
	"time"
)

// EventType identifies the kind of status notification.
type EventType string

const (
	EventExecutionStarted   EventType = "execution:started"
	EventExecutionCompleted EventType = "execution:completed"
	EventExecutionFailed    EventType = "execution:failed"
	EventStepUpdate         EventType = "step:update"
)

// Event is a status notification published while an execution runs.
// Step outputs ride inside the event so a subscriber that sees a COMPLETED
// update can use the output without a follow-up store read.
type Event struct {
	ID          string                 `json:"id"`
	Topic       string                 `json:"topic"`
	Type        EventType              `json:"type"`
	AgentID     string                 `json:"agent_id"`
	ExecutionID string                 `json:"execution_id"`
	StepID      string                 `json:"step_id,omitempty"`
	Status      string                 `json:"status,omitempty"`
	Attempts    int                    `json:"attempts,omitempty"`
	Output      map[string]interface{} `json:"output,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// Topic builders. Subscribers key off the agent id; execution and step
// details live in the payload.

// TopicExecutionStarted returns agent:<agentId>:execution:started.
func TopicExecutionStarted(agentID string) string {
	return fmt.Sprintf("agent:%s:execution:started", agentID)
}

// TopicExecutionCompleted returns agent:<agentId>:execution:completed.
func TopicExecutionCompleted(agentID string) string {
	return fmt.Sprintf("agent:%s:execution:completed", agentID)
}

// TopicExecutionFailed returns agent:<agentId>:execution:failed.
func TopicExecutionFailed(agentID string) string {
	return fmt.Sprintf("agent:%s:execution:failed", agentID)
}

// TopicStepUpdate returns agent:<agentId>:step:update.
func TopicStepUpdate(agentID string) string {
	return fmt.Sprintf("agent:%s:step:update", agentID)
}

// TopicAgentAll returns the pattern matching every topic of one agent.
func TopicAgentAll(agentID string) string {
	return fmt.Sprintf("agent:%s:*", agentID)
}

// EventBus delivers execution status notifications to subscribers.
//
// Implementations must preserve publish order per topic: two events
// published for the same execution arrive at every subscriber in the order
// Publish was called. Subscribe accepts an exact topic or a trailing-star
// pattern such as "agent:a1:*". The returned cancel function releases the
// subscription; after it returns the channel is closed.
type EventBus interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context, pattern string) (<-chan Event, func(), error)
}

// topicMatches reports whether a topic satisfies a subscription pattern.
// Only a single trailing "*" wildcard is supported.
func topicMatches(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	n := len(pattern)
	if n > 0 && pattern[n-1] == '*' {
		return len(topic) >= n-1 && topic[:n-1] == pattern[:n-1]
	}
	return false
}
