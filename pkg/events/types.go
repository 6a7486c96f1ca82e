package events

import "time"

// Event types the hub emits. The set is closed: anything else is rejected
// at broadcast time.
const (
	EventTaskCreated       = "task-created"
	EventTaskAssigned      = "task-assigned"
	EventTaskStarted       = "task-started"
	EventTaskProgress      = "task-progress"
	EventTaskCompleted     = "task-completed"
	EventTaskFailed        = "task-failed"
	EventAgentSpawned      = "agent-spawned"
	EventAgentIdle         = "agent-idle"
	EventAgentTerminated   = "agent-terminated"
	EventConflictPotential = "conflict-potential"
	EventConflictDetected  = "conflict-detected"
	EventConflictResolved  = "conflict-resolved"
	EventBudgetWarning     = "budget-warning"
	EventBudgetPaused      = "budget-paused"
	EventSystemHealth      = "system-health"
)

var knownTypes = map[string]bool{
	EventTaskCreated:       true,
	EventTaskAssigned:      true,
	EventTaskStarted:       true,
	EventTaskProgress:      true,
	EventTaskCompleted:     true,
	EventTaskFailed:        true,
	EventAgentSpawned:      true,
	EventAgentIdle:         true,
	EventAgentTerminated:   true,
	EventConflictPotential: true,
	EventConflictDetected:  true,
	EventConflictResolved:  true,
	EventBudgetWarning:     true,
	EventBudgetPaused:      true,
	EventSystemHealth:      true,
}

// KnownType reports whether t belongs to the closed event-type set.
func KnownType(t string) bool {
	return knownTypes[t]
}

// Event is the wire shape of one notification.
type Event struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Filter narrows which events a client receives. Matching is conjunctive:
// every set field must match.
type Filter struct {
	Types    []string `json:"types,omitempty"`
	TaskIDs  []string `json:"taskIds,omitempty"`
	AgentIDs []string `json:"agentIds,omitempty"`
}

// Matches reports whether the event passes the filter. TaskIDs and AgentIDs
// compare against the event's data.taskId / data.agentId fields.
func (f *Filter) Matches(evt *Event) bool {
	if f == nil {
		return true
	}
	if len(f.Types) > 0 && !containsString(f.Types, evt.Type) {
		return false
	}
	if len(f.TaskIDs) > 0 {
		taskID, _ := evt.Data["taskId"].(string)
		if !containsString(f.TaskIDs, taskID) {
			return false
		}
	}
	if len(f.AgentIDs) > 0 {
		agentID, _ := evt.Data["agentId"].(string)
		if !containsString(f.AgentIDs, agentID) {
			return false
		}
	}
	return true
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// ClientMessage is what subscribers send over the socket.
type ClientMessage struct {
	Action string  `json:"action"` // subscribe | unsubscribe | history
	Filter *Filter `json:"filter,omitempty"`
}
