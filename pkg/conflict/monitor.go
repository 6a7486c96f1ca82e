// Package conflict tracks file locks across concurrent agents and grades
// the risk when two agents touch the same path. Locks are in-process: a
// single orchestrator instance owns authoritative scheduling state.
package conflict

import (
	"path"
	"strings"
	"sync"
	"time"
)

// Severity grades a conflict's risk.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// staleLockAge is the age past which a lock's holder is suspected of having
// gone away.
const staleLockAge = 30 * time.Minute

// historyLimit bounds the conflict history ring.
const historyLimit = 500

// Lock records which agent holds a file path.
type Lock struct {
	AgentID  string    `json:"agentId"`
	TaskID   string    `json:"taskId"`
	Branch   string    `json:"branch"`
	LockedAt time.Time `json:"lockedAt"`
}

// Conflict describes two agents overlapping on files.
type Conflict struct {
	Type           string    `json:"type"` // always "potential" at detection time
	Files          []string  `json:"files"`
	Agents         []string  `json:"agents"`
	Severity       Severity  `json:"severity"`
	Recommendation string    `json:"recommendation"`
	DetectedAt     time.Time `json:"detectedAt"`
}

// AssignmentCheck is the result of the pre-dispatch gate.
type AssignmentCheck struct {
	Safe               bool       `json:"safe"`
	PotentialConflicts []Conflict `json:"potentialConflicts,omitempty"`
}

// Overlap reports a directory where more than one agent is active.
type Overlap struct {
	Directory string   `json:"directory"`
	Agents    []string `json:"agents"`
	Files     []string `json:"files"`
}

// Monitor owns the lock table. Safe for concurrent use.
type Monitor struct {
	locks      map[string]Lock            // path → lock
	agentPaths map[string]map[string]bool // agent → set of paths
	history    []Conflict
	mu         sync.Mutex

	now func() time.Time
}

// NewMonitor creates an empty monitor.
func NewMonitor() *Monitor {
	return &Monitor{
		locks:      make(map[string]Lock),
		agentPaths: make(map[string]map[string]bool),
		now:        time.Now,
	}
}

// RegisterFileActivity locks every path not held by another agent to the
// caller and returns a conflict for every path that is. Paths the caller
// already holds are refreshed, not conflicting.
func (m *Monitor) RegisterFileActivity(agentID, taskID string, files []string, branch string) []Conflict {
	m.mu.Lock()
	defer m.mu.Unlock()

	var conflicts []Conflict
	for _, file := range files {
		existing, held := m.locks[file]
		if held && existing.AgentID != agentID {
			c := m.buildConflict(file, existing, agentID, branch)
			conflicts = append(conflicts, c)
			m.appendHistory(c)
			continue
		}
		m.locks[file] = Lock{
			AgentID:  agentID,
			TaskID:   taskID,
			Branch:   branch,
			LockedAt: m.now(),
		}
		paths := m.agentPaths[agentID]
		if paths == nil {
			paths = make(map[string]bool)
			m.agentPaths[agentID] = paths
		}
		paths[file] = true
	}
	return conflicts
}

func (m *Monitor) buildConflict(file string, existing Lock, newcomer, branch string) Conflict {
	return Conflict{
		Type:           "potential",
		Files:          []string{file},
		Agents:         []string{existing.AgentID, newcomer},
		Severity:       severityFor(file, existing.Branch, branch),
		Recommendation: m.recommendationFor(file, existing),
		DetectedAt:     m.now(),
	}
}

func (m *Monitor) appendHistory(c Conflict) {
	m.history = append(m.history, c)
	if len(m.history) > historyLimit {
		m.history = m.history[len(m.history)-historyLimit:]
	}
}

// criticalPatterns are file names whose concurrent modification is always
// high risk regardless of branch.
var criticalPatterns = []string{
	"package.json", "package-lock.json", ".env", "config.", "schema.", "migration",
}

// severityFor applies the grading rules: same branch or a critical file is
// high; test files are low; everything else is medium.
func severityFor(file, holderBranch, newcomerBranch string) Severity {
	if holderBranch == newcomerBranch || isCriticalFile(file) {
		return SeverityHigh
	}
	if isTestFile(file) {
		return SeverityLow
	}
	return SeverityMedium
}

func isCriticalFile(file string) bool {
	base := strings.ToLower(path.Base(file))
	for _, pattern := range criticalPatterns {
		if base == pattern || strings.HasPrefix(base, pattern) {
			return true
		}
	}
	return false
}

func isTestFile(file string) bool {
	base := strings.ToLower(path.Base(file))
	for _, marker := range []string{".test.", ".spec.", "_test."} {
		if strings.Contains(base, marker) {
			return true
		}
	}
	return false
}

// recommendationFor picks advice for the newcomer: chase a stale holder,
// serialise work on entry-point files, or simply wait.
func (m *Monitor) recommendationFor(file string, existing Lock) string {
	if m.now().Sub(existing.LockedAt) > staleLockAge {
		return "lock held over 30 minutes; check whether agent " + existing.AgentID + " is still active"
	}
	base := strings.ToLower(path.Base(file))
	if strings.Contains(base, "index") || strings.Contains(base, "main") {
		return "entry-point file; sequentialise the two tasks instead of running them in parallel"
	}
	return "wait for agent " + existing.AgentID + " to release the file"
}

// ReleaseAgentLocks drops every lock the agent holds. Idempotent: releasing
// an unknown agent is a no-op.
func (m *Monitor) ReleaseAgentLocks(agentID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	paths := m.agentPaths[agentID]
	released := 0
	for p := range paths {
		if lock, ok := m.locks[p]; ok && lock.AgentID == agentID {
			delete(m.locks, p)
			released++
		}
	}
	delete(m.agentPaths, agentID)
	return released
}

// CheckTaskAssignment is the pre-dispatch gate: it compares the task's
// in-scope files against locks held by agents other than the candidate and
// reports whether the assignment is conflict-free.
func (m *Monitor) CheckTaskAssignment(files []string, branch, candidateAgent string) AssignmentCheck {
	m.mu.Lock()
	defer m.mu.Unlock()

	var conflicts []Conflict
	for _, file := range files {
		existing, held := m.locks[file]
		if held && existing.AgentID != candidateAgent {
			conflicts = append(conflicts, m.buildConflict(file, existing, candidateAgent, branch))
		}
	}
	return AssignmentCheck{Safe: len(conflicts) == 0, PotentialConflicts: conflicts}
}

// Locks returns a snapshot of the current lock table.
func (m *Monitor) Locks() map[string]Lock {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Lock, len(m.locks))
	for p, l := range m.locks {
		out[p] = l
	}
	return out
}

// DetectFeatureOverlap groups locked paths by parent directory and returns
// the directories where more than one agent is active.
func (m *Monitor) DetectFeatureOverlap() []Overlap {
	m.mu.Lock()
	defer m.mu.Unlock()

	type dirState struct {
		agents map[string]bool
		files  []string
	}
	dirs := make(map[string]*dirState)
	for file, lock := range m.locks {
		dir := path.Dir(file)
		st := dirs[dir]
		if st == nil {
			st = &dirState{agents: make(map[string]bool)}
			dirs[dir] = st
		}
		st.agents[lock.AgentID] = true
		st.files = append(st.files, file)
	}

	var overlaps []Overlap
	for dir, st := range dirs {
		if len(st.agents) < 2 {
			continue
		}
		agents := make([]string, 0, len(st.agents))
		for a := range st.agents {
			agents = append(agents, a)
		}
		overlaps = append(overlaps, Overlap{Directory: dir, Agents: agents, Files: st.files})
	}
	return overlaps
}

// FileStats counts historical conflicts per file path.
func (m *Monitor) FileStats() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := make(map[string]int)
	for _, c := range m.history {
		for _, f := range c.Files {
			stats[f]++
		}
	}
	return stats
}

// PairStats counts historical conflicts per unordered agent pair, keyed
// "a|b" with the IDs sorted.
func (m *Monitor) PairStats() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := make(map[string]int)
	for _, c := range m.history {
		if len(c.Agents) != 2 {
			continue
		}
		a, b := c.Agents[0], c.Agents[1]
		if a > b {
			a, b = b, a
		}
		stats[a+"|"+b]++
	}
	return stats
}

// History returns a copy of the bounded conflict history.
func (m *Monitor) History() []Conflict {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Conflict(nil), m.history...)
}
