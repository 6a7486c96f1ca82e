package store

import (
	"context"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/swarmops/swarmd/pkg/models"
)

// cacheSweepInterval is how often expired entries are purged from the
// in-memory caches.
const cacheSweepInterval = 10 * time.Minute

// MemoryStore is the ephemeral backend. Each record kind lives in its own
// TTL cache so the retention intervals match the durable backend's.
type MemoryStore struct {
	tasks   *gocache.Cache
	results *gocache.Cache
	agents  *gocache.Cache
	depFwd  *gocache.Cache
	depRev  *gocache.Cache

	// budget is a single process-wide record; guarded separately because
	// AddSpend must read-modify-write atomically.
	budget   *models.BudgetState
	budgetMu sync.Mutex

	depMu sync.Mutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:   gocache.New(TaskTTL, cacheSweepInterval),
		results: gocache.New(ResultTTL, cacheSweepInterval),
		agents:  gocache.New(AgentTTL, cacheSweepInterval),
		depFwd:  gocache.New(DepTTL, cacheSweepInterval),
		depRev:  gocache.New(DepTTL, cacheSweepInterval),
	}
}

func (s *MemoryStore) GetTask(_ context.Context, id string) (*models.Task, error) {
	v, ok := s.tasks.Get(id)
	if !ok {
		return nil, nil
	}
	return cloneTask(v.(*models.Task)), nil
}

func (s *MemoryStore) PutTask(_ context.Context, task *models.Task) error {
	s.tasks.Set(task.ID, cloneTask(task), gocache.DefaultExpiration)
	return nil
}

func (s *MemoryStore) DeleteTask(_ context.Context, id string) error {
	s.tasks.Delete(id)
	return nil
}

func (s *MemoryStore) ListTasks(_ context.Context, filter TaskFilter) ([]*models.Task, error) {
	items := s.tasks.Items()
	tasks := make([]*models.Task, 0, len(items))
	for _, item := range items {
		t := item.Object.(*models.Task)
		if filter.Matches(t) {
			tasks = append(tasks, cloneTask(t))
		}
	}
	// Newest first; ID breaks creation-time ties deterministically.
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
	return paginate(tasks, filter.Offset, filter.Limit), nil
}

func (s *MemoryStore) GetResult(_ context.Context, taskID string) (*models.Result, error) {
	v, ok := s.results.Get(taskID)
	if !ok {
		return nil, nil
	}
	r := *v.(*models.Result)
	return &r, nil
}

func (s *MemoryStore) PutResult(_ context.Context, result *models.Result) error {
	r := *result
	s.results.Set(result.TaskID, &r, gocache.DefaultExpiration)
	return nil
}

func (s *MemoryStore) GetAgent(_ context.Context, id string) (*models.Agent, error) {
	v, ok := s.agents.Get(id)
	if !ok {
		return nil, nil
	}
	a := *v.(*models.Agent)
	return &a, nil
}

func (s *MemoryStore) PutAgent(_ context.Context, agent *models.Agent) error {
	a := *agent
	s.agents.Set(agent.ID, &a, gocache.DefaultExpiration)
	return nil
}

func (s *MemoryStore) DeleteAgent(_ context.Context, id string) error {
	s.agents.Delete(id)
	return nil
}

func (s *MemoryStore) ListAgents(_ context.Context) ([]*models.Agent, error) {
	items := s.agents.Items()
	agents := make([]*models.Agent, 0, len(items))
	for _, item := range items {
		a := *item.Object.(*models.Agent)
		agents = append(agents, &a)
	}
	sort.Slice(agents, func(i, j int) bool {
		if !agents[i].StartedAt.Equal(agents[j].StartedAt) {
			return agents[i].StartedAt.After(agents[j].StartedAt)
		}
		return agents[i].ID < agents[j].ID
	})
	return agents, nil
}

func (s *MemoryStore) CountActiveAgents(ctx context.Context) (int, error) {
	agents, err := s.ListAgents(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, a := range agents {
		if a.Status.Active() {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) GetBudget(_ context.Context) (*models.BudgetState, error) {
	s.budgetMu.Lock()
	defer s.budgetMu.Unlock()
	if s.budget == nil {
		return nil, nil
	}
	b := *s.budget
	return &b, nil
}

func (s *MemoryStore) PutBudget(_ context.Context, b *models.BudgetState) error {
	s.budgetMu.Lock()
	defer s.budgetMu.Unlock()
	cp := *b
	s.budget = &cp
	return nil
}

func (s *MemoryStore) AddSpend(_ context.Context, cents int) (*models.BudgetState, error) {
	s.budgetMu.Lock()
	defer s.budgetMu.Unlock()
	if s.budget == nil {
		s.budget = &models.BudgetState{Config: models.DefaultBudgetConfig()}
	}
	s.budget.DailyUsedCents += cents
	s.budget.WeeklyUsedCents += cents
	s.budget.UpdatedAt = time.Now().UTC()
	b := *s.budget
	return &b, nil
}

func (s *MemoryStore) ResetDaily(_ context.Context) error {
	s.budgetMu.Lock()
	defer s.budgetMu.Unlock()
	if s.budget == nil {
		return nil
	}
	s.budget.DailyUsedCents = 0
	s.budget.Paused = false
	s.budget.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ResetWeekly(_ context.Context) error {
	s.budgetMu.Lock()
	defer s.budgetMu.Unlock()
	if s.budget == nil {
		return nil
	}
	s.budget.WeeklyUsedCents = 0
	s.budget.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) AddDependency(_ context.Context, taskID, dependsOn string) error {
	s.depMu.Lock()
	defer s.depMu.Unlock()
	addEdge(s.depFwd, taskID, dependsOn)
	addEdge(s.depRev, dependsOn, taskID)
	return nil
}

func (s *MemoryStore) RemoveDependency(_ context.Context, taskID, dependsOn string) error {
	s.depMu.Lock()
	defer s.depMu.Unlock()
	removeEdge(s.depFwd, taskID, dependsOn)
	removeEdge(s.depRev, dependsOn, taskID)
	return nil
}

func (s *MemoryStore) Dependencies(_ context.Context, taskID string) ([]string, error) {
	s.depMu.Lock()
	defer s.depMu.Unlock()
	return edgeList(s.depFwd, taskID), nil
}

func (s *MemoryStore) Dependents(_ context.Context, taskID string) ([]string, error) {
	s.depMu.Lock()
	defer s.depMu.Unlock()
	return edgeList(s.depRev, taskID), nil
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

// addEdge inserts target into the string slice cached under key, preserving
// insertion order and skipping duplicates. Caller holds depMu.
func addEdge(c *gocache.Cache, key, target string) {
	list := edgeList(c, key)
	for _, v := range list {
		if v == target {
			return
		}
	}
	c.Set(key, append(list, target), gocache.DefaultExpiration)
}

func removeEdge(c *gocache.Cache, key, target string) {
	list := edgeList(c, key)
	out := list[:0]
	for _, v := range list {
		if v != target {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		c.Delete(key)
		return
	}
	c.Set(key, out, gocache.DefaultExpiration)
}

// edgeList copies the slice cached under key so callers never alias the
// backing array a later removeEdge would compact in place.
func edgeList(c *gocache.Cache, key string) []string {
	v, ok := c.Get(key)
	if !ok {
		return nil
	}
	return append([]string(nil), v.([]string)...)
}

func cloneTask(t *models.Task) *models.Task {
	cp := *t
	cp.Context.Files = append([]string(nil), t.Context.Files...)
	cp.Context.Dependencies = append([]string(nil), t.Context.Dependencies...)
	return &cp
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
