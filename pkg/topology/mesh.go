package topology

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/swarmops/swarmd/pkg/models"
	"github.com/swarmops/swarmd/pkg/scheduler"
	"github.com/swarmops/swarmd/pkg/store"
)

// DefaultPeerTimeout bounds how long a mesh request waits for its response.
const DefaultPeerTimeout = 30 * time.Second

// meshQueueLimit caps each agent's inbox.
const meshQueueLimit = 256

// MessageKind classifies mesh traffic.
type MessageKind string

const (
	MessageBroadcast MessageKind = "broadcast"
	MessageRequest   MessageKind = "request"
	MessageResponse  MessageKind = "response"
)

// Message is one unit of agent-to-agent traffic.
type Message struct {
	ID        string      `json:"id"`
	Kind      MessageKind `json:"kind"`
	From      string      `json:"from"`
	To        string      `json:"to,omitempty"`
	TaskID    string      `json:"taskId,omitempty"`
	RequestID string      `json:"requestId,omitempty"`
	Payload   any         `json:"payload,omitempty"`
	SentAt    time.Time   `json:"sentAt"`
}

// Mesh adds per-agent FIFO inboxes and request/response correlation on top
// of the hub flow.
type Mesh struct {
	scheduler *scheduler.Scheduler
	store     store.Store
	logger    *slog.Logger

	peerTimeout time.Duration

	inboxes map[string][]Message    // agent → queued messages
	pending map[string]chan Message // request ID → waiter
	mu      sync.Mutex
}

// NewMesh creates the mesh handler with the default peer timeout.
func NewMesh(s *scheduler.Scheduler, st store.Store, logger *slog.Logger) *Mesh {
	return &Mesh{
		scheduler:   s,
		store:       st,
		logger:      logger.With("component", "topology", "mode", "mesh"),
		peerTimeout: DefaultPeerTimeout,
		inboxes:     make(map[string][]Message),
		pending:     make(map[string]chan Message),
	}
}

func (m *Mesh) Name() string { return "mesh" }

// SubmitTask registers the task like the hub does.
func (m *Mesh) SubmitTask(ctx context.Context, task *models.Task) error {
	if err := m.scheduler.RegisterTask(ctx, task); err != nil {
		return err
	}
	m.scheduler.Wake()
	return nil
}

// OnTaskComplete runs the pipeline and clears the finishing agent's inbox.
func (m *Mesh) OnTaskComplete(ctx context.Context, taskID string, result *models.Result) ([]*models.Task, error) {
	ready, err := m.scheduler.CompleteTask(ctx, taskID, result)
	if result != nil && result.AgentID != "" {
		m.mu.Lock()
		delete(m.inboxes, result.AgentID)
		m.mu.Unlock()
	}
	return ready, err
}

// Broadcast delivers the payload to every agent currently working the same
// task, excluding the sender. No peers means a silent no-op.
func (m *Mesh) Broadcast(ctx context.Context, fromAgent, taskID string, payload any) (int, error) {
	agents, err := m.store.ListAgents(ctx)
	if err != nil {
		return 0, fmt.Errorf("list agents: %w", err)
	}

	msg := Message{
		ID:      uuid.NewString(),
		Kind:    MessageBroadcast,
		From:    fromAgent,
		TaskID:  taskID,
		Payload: payload,
		SentAt:  time.Now(),
	}

	delivered := 0
	m.mu.Lock()
	for _, agent := range agents {
		if agent.ID == fromAgent || agent.TaskID != taskID || !agent.Status.Active() {
			continue
		}
		m.enqueueLocked(agent.ID, msg)
		delivered++
	}
	m.mu.Unlock()
	return delivered, nil
}

// SendRequest queues a request in the peer's inbox and blocks until the
// matching response arrives or the peer timeout fires.
func (m *Mesh) SendRequest(ctx context.Context, fromAgent, toAgent string, payload any) (*Message, error) {
	msg := Message{
		ID:      uuid.NewString(),
		Kind:    MessageRequest,
		From:    fromAgent,
		To:      toAgent,
		Payload: payload,
		SentAt:  time.Now(),
	}

	waiter := make(chan Message, 1)
	m.mu.Lock()
	m.pending[msg.ID] = waiter
	m.enqueueLocked(toAgent, msg)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.pending, msg.ID)
		m.mu.Unlock()
	}()

	timer := time.NewTimer(m.peerTimeout)
	defer timer.Stop()

	select {
	case resp := <-waiter:
		return &resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: no response from %s within %s", ErrPeerTimeout, toAgent, m.peerTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Respond resolves the pending request, or queues the response in the
// requester's inbox when the waiter is already gone.
func (m *Mesh) Respond(requestID, fromAgent, toAgent string, payload any) {
	resp := Message{
		ID:        uuid.NewString(),
		Kind:      MessageResponse,
		From:      fromAgent,
		To:        toAgent,
		RequestID: requestID,
		Payload:   payload,
		SentAt:    time.Now(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if waiter, ok := m.pending[requestID]; ok {
		select {
		case waiter <- resp:
			return
		default:
		}
	}
	m.enqueueLocked(toAgent, resp)
}

// Poll drains the agent's inbox in FIFO order.
func (m *Mesh) Poll(agentID string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.inboxes[agentID]
	delete(m.inboxes, agentID)
	return msgs
}

// enqueueLocked appends under m.mu, dropping the oldest entry when the
// inbox is full.
func (m *Mesh) enqueueLocked(agentID string, msg Message) {
	queue := m.inboxes[agentID]
	if len(queue) >= meshQueueLimit {
		queue = queue[1:]
	}
	m.inboxes[agentID] = append(queue, msg)
}
