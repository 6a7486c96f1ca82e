package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/swarmops/swarmd/pkg/models"
)

var (
	bucketTasks      = []byte("tasks")
	bucketResults    = []byte("results")
	bucketAgents     = []byte("agents")
	bucketBudget     = []byte("budget")
	bucketDepForward = []byte("dep_forward")
	bucketDepReverse = []byte("dep_reverse")
)

// budgetKey is the fixed key for the single process-wide budget record.
var budgetKey = []byte("budget")

// envelope wraps every stored value with its expiry. A zero ExpiresAt means
// the record never expires (budget).
type envelope struct {
	ExpiresAt time.Time       `json:"expiresAt,omitempty"`
	Data      json.RawMessage `json:"data"`
}

func (e *envelope) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// BoltStore is the durable backend. Records are JSON envelopes in per-kind
// buckets; TTLs are enforced lazily on read and by the periodic Sweep.
type BoltStore struct {
	db *bolt.DB

	// now is swappable for TTL tests.
	now func() time.Time
}

// NewBoltStore opens (or creates) the database file at dbPath, creating
// parent directories as needed.
func NewBoltStore(dbPath string) (*BoltStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{
			bucketTasks, bucketResults, bucketAgents,
			bucketBudget, bucketDepForward, bucketDepReverse,
		} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, now: time.Now}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

// Ping verifies the database file is still readable.
func (s *BoltStore) Ping(_ context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketTasks) == nil {
			return fmt.Errorf("tasks bucket missing")
		}
		return nil
	})
}

func (s *BoltStore) put(bucket []byte, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	env := envelope{Data: data}
	if ttl > 0 {
		env.ExpiresAt = s.now().Add(ttl)
	}
	raw, err := json.Marshal(&env)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), raw)
	})
}

// get unmarshals the record at key into out. Returns false when the record
// is absent or past its TTL.
func (s *BoltStore) get(bucket []byte, key string, out any) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucket).Get([]byte(key))
		if raw == nil {
			return nil
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return err
		}
		if env.expired(s.now()) {
			return nil
		}
		found = true
		return json.Unmarshal(env.Data, out)
	})
	return found, err
}

func (s *BoltStore) delete(bucket []byte, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

func (s *BoltStore) GetTask(_ context.Context, id string) (*models.Task, error) {
	var task models.Task
	found, err := s.get(bucketTasks, id, &task)
	if err != nil || !found {
		return nil, err
	}
	return &task, nil
}

func (s *BoltStore) PutTask(_ context.Context, task *models.Task) error {
	return s.put(bucketTasks, task.ID, task, TaskTTL)
}

func (s *BoltStore) DeleteTask(_ context.Context, id string) error {
	return s.delete(bucketTasks, id)
}

func (s *BoltStore) ListTasks(_ context.Context, filter TaskFilter) ([]*models.Task, error) {
	now := s.now()
	var tasks []*models.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(_, raw []byte) error {
			var env envelope
			if err := json.Unmarshal(raw, &env); err != nil {
				return err
			}
			if env.expired(now) {
				return nil
			}
			var task models.Task
			if err := json.Unmarshal(env.Data, &task); err != nil {
				return err
			}
			if filter.Matches(&task) {
				tasks = append(tasks, &task)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
	return paginate(tasks, filter.Offset, filter.Limit), nil
}

func (s *BoltStore) GetResult(_ context.Context, taskID string) (*models.Result, error) {
	var result models.Result
	found, err := s.get(bucketResults, taskID, &result)
	if err != nil || !found {
		return nil, err
	}
	return &result, nil
}

func (s *BoltStore) PutResult(_ context.Context, result *models.Result) error {
	return s.put(bucketResults, result.TaskID, result, ResultTTL)
}

func (s *BoltStore) GetAgent(_ context.Context, id string) (*models.Agent, error) {
	var agent models.Agent
	found, err := s.get(bucketAgents, id, &agent)
	if err != nil || !found {
		return nil, err
	}
	return &agent, nil
}

func (s *BoltStore) PutAgent(_ context.Context, agent *models.Agent) error {
	return s.put(bucketAgents, agent.ID, agent, AgentTTL)
}

func (s *BoltStore) DeleteAgent(_ context.Context, id string) error {
	return s.delete(bucketAgents, id)
}

func (s *BoltStore) ListAgents(_ context.Context) ([]*models.Agent, error) {
	now := s.now()
	var agents []*models.Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgents).ForEach(func(_, raw []byte) error {
			var env envelope
			if err := json.Unmarshal(raw, &env); err != nil {
				return err
			}
			if env.expired(now) {
				return nil
			}
			var agent models.Agent
			if err := json.Unmarshal(env.Data, &agent); err != nil {
				return err
			}
			agents = append(agents, &agent)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(agents, func(i, j int) bool {
		if !agents[i].StartedAt.Equal(agents[j].StartedAt) {
			return agents[i].StartedAt.After(agents[j].StartedAt)
		}
		return agents[i].ID < agents[j].ID
	})
	return agents, nil
}

func (s *BoltStore) CountActiveAgents(ctx context.Context) (int, error) {
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

func (s *BoltStore) GetBudget(_ context.Context) (*models.BudgetState, error) {
	var budget models.BudgetState
	found, err := s.get(bucketBudget, string(budgetKey), &budget)
	if err != nil || !found {
		return nil, err
	}
	return &budget, nil
}

func (s *BoltStore) PutBudget(_ context.Context, b *models.BudgetState) error {
	return s.put(bucketBudget, string(budgetKey), b, 0)
}

// AddSpend increments both counters inside a single write transaction so the
// update is atomic even across processes sharing the file.
func (s *BoltStore) AddSpend(_ context.Context, cents int) (*models.BudgetState, error) {
	var updated models.BudgetState
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBudget)
		budget := models.BudgetState{Config: models.DefaultBudgetConfig()}
		if raw := b.Get(budgetKey); raw != nil {
			var env envelope
			if err := json.Unmarshal(raw, &env); err != nil {
				return err
			}
			if err := json.Unmarshal(env.Data, &budget); err != nil {
				return err
			}
		}
		budget.DailyUsedCents += cents
		budget.WeeklyUsedCents += cents
		budget.UpdatedAt = s.now().UTC()
		updated = budget
		data, err := json.Marshal(&budget)
		if err != nil {
			return err
		}
		raw, err := json.Marshal(&envelope{Data: data})
		if err != nil {
			return err
		}
		return b.Put(budgetKey, raw)
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (s *BoltStore) ResetDaily(ctx context.Context) error {
	return s.mutateBudget(func(b *models.BudgetState) {
		b.DailyUsedCents = 0
		b.Paused = false
	})
}

func (s *BoltStore) ResetWeekly(ctx context.Context) error {
	return s.mutateBudget(func(b *models.BudgetState) {
		b.WeeklyUsedCents = 0
	})
}

func (s *BoltStore) mutateBudget(mutate func(*models.BudgetState)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBudget)
		raw := b.Get(budgetKey)
		if raw == nil {
			return nil
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return err
		}
		var budget models.BudgetState
		if err := json.Unmarshal(env.Data, &budget); err != nil {
			return err
		}
		mutate(&budget)
		budget.UpdatedAt = s.now().UTC()
		data, err := json.Marshal(&budget)
		if err != nil {
			return err
		}
		out, err := json.Marshal(&envelope{Data: data})
		if err != nil {
			return err
		}
		return b.Put(budgetKey, out)
	})
}

func (s *BoltStore) AddDependency(_ context.Context, taskID, dependsOn string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := s.addEdgeTx(tx, bucketDepForward, taskID, dependsOn); err != nil {
			return err
		}
		return s.addEdgeTx(tx, bucketDepReverse, dependsOn, taskID)
	})
}

func (s *BoltStore) RemoveDependency(_ context.Context, taskID, dependsOn string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := s.removeEdgeTx(tx, bucketDepForward, taskID, dependsOn); err != nil {
			return err
		}
		return s.removeEdgeTx(tx, bucketDepReverse, dependsOn, taskID)
	})
}

func (s *BoltStore) Dependencies(_ context.Context, taskID string) ([]string, error) {
	return s.edges(bucketDepForward, taskID)
}

func (s *BoltStore) Dependents(_ context.Context, taskID string) ([]string, error) {
	return s.edges(bucketDepReverse, taskID)
}

func (s *BoltStore) edges(bucket []byte, key string) ([]string, error) {
	var list []string
	found, err := s.get(bucket, key, &list)
	if err != nil || !found {
		return nil, err
	}
	return list, nil
}

func (s *BoltStore) addEdgeTx(tx *bolt.Tx, bucket []byte, key, target string) error {
	list, err := s.edgeListTx(tx, bucket, key)
	if err != nil {
		return err
	}
	for _, v := range list {
		if v == target {
			return nil
		}
	}
	return s.putEdgeListTx(tx, bucket, key, append(list, target))
}

func (s *BoltStore) removeEdgeTx(tx *bolt.Tx, bucket []byte, key, target string) error {
	list, err := s.edgeListTx(tx, bucket, key)
	if err != nil {
		return err
	}
	out := list[:0]
	for _, v := range list {
		if v != target {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return tx.Bucket(bucket).Delete([]byte(key))
	}
	return s.putEdgeListTx(tx, bucket, key, out)
}

func (s *BoltStore) edgeListTx(tx *bolt.Tx, bucket []byte, key string) ([]string, error) {
	raw := tx.Bucket(bucket).Get([]byte(key))
	if raw == nil {
		return nil, nil
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	if env.expired(s.now()) {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal(env.Data, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (s *BoltStore) putEdgeListTx(tx *bolt.Tx, bucket []byte, key string, list []string) error {
	data, err := json.Marshal(list)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(&envelope{ExpiresAt: s.now().Add(DepTTL), Data: data})
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put([]byte(key), raw)
}

// Sweep deletes every expired record. Called periodically by the owner; the
// lazy expiry on read keeps correctness independent of sweep frequency.
func (s *BoltStore) Sweep(_ context.Context) (int, error) {
	now := s.now()
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{
			bucketTasks, bucketResults, bucketAgents,
			bucketDepForward, bucketDepReverse,
		} {
			b := tx.Bucket(bucket)
			c := b.Cursor()
			var stale [][]byte
			for k, v := c.First(); k != nil; k, v = c.Next() {
				var env envelope
				if err := json.Unmarshal(v, &env); err != nil {
					continue
				}
				if env.expired(now) {
					stale = append(stale, append([]byte(nil), k...))
				}
			}
			for _, k := range stale {
				if err := b.Delete(k); err != nil {
					return err
				}
				removed++
			}
		}
		return nil
	})
	return removed, err
}
