package conflict

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterFileActivityLocksFreePaths(t *testing.T) {
	m := NewMonitor()

	conflicts := m.RegisterFileActivity("a1", "t1", []string{"src/auth.go", "src/db.go"}, "feature/auth")
	assert.Empty(t, conflicts)

	locks := m.Locks()
	require.Len(t, locks, 2)
	assert.Equal(t, "a1", locks["src/auth.go"].AgentID)
	assert.Equal(t, "feature/auth", locks["src/auth.go"].Branch)
}

func TestRegisterFileActivityRefreshOwnLock(t *testing.T) {
	m := NewMonitor()
	m.RegisterFileActivity("a1", "t1", []string{"src/auth.go"}, "feature/auth")

	// Touching your own lock again is not a conflict.
	conflicts := m.RegisterFileActivity("a1", "t1", []string{"src/auth.go"}, "feature/auth")
	assert.Empty(t, conflicts)
	assert.Empty(t, m.History())
}

func TestConflictSeverityGrading(t *testing.T) {
	cases := []struct {
		name           string
		file           string
		holderBranch   string
		newcomerBranch string
		want           Severity
	}{
		{"same branch is high", "src/service.go", "main", "main", SeverityHigh},
		{"package.json is high", "package.json", "feat/a", "feat/b", SeverityHigh},
		{"lockfile is high", "web/package-lock.json", "feat/a", "feat/b", SeverityHigh},
		{"env file is high", "deploy/.env", "feat/a", "feat/b", SeverityHigh},
		{"config prefix is high", "src/config.yaml", "feat/a", "feat/b", SeverityHigh},
		{"schema prefix is high", "db/schema.sql", "feat/a", "feat/b", SeverityHigh},
		{"migration is high", "db/migration_0042.sql", "feat/a", "feat/b", SeverityHigh},
		{"ts test file is low", "src/auth.test.ts", "feat/a", "feat/b", SeverityLow},
		{"spec file is low", "src/auth.spec.ts", "feat/a", "feat/b", SeverityLow},
		{"go test file is low", "pkg/auth_test.go", "feat/a", "feat/b", SeverityLow},
		{"ordinary cross-branch is medium", "src/service.go", "feat/a", "feat/b", SeverityMedium},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := NewMonitor()
			m.RegisterFileActivity("a1", "t1", []string{tc.file}, tc.holderBranch)
			conflicts := m.RegisterFileActivity("a2", "t2", []string{tc.file}, tc.newcomerBranch)
			require.Len(t, conflicts, 1)
			assert.Equal(t, tc.want, conflicts[0].Severity)
			assert.Equal(t, []string{"a1", "a2"}, conflicts[0].Agents)
		})
	}
}

func TestStaleLockRecommendation(t *testing.T) {
	m := NewMonitor()
	start := time.Now()
	m.now = func() time.Time { return start }
	m.RegisterFileActivity("a1", "t1", []string{"src/service.go"}, "feat/a")

	m.now = func() time.Time { return start.Add(staleLockAge + time.Minute) }
	conflicts := m.RegisterFileActivity("a2", "t2", []string{"src/service.go"}, "feat/b")
	require.Len(t, conflicts, 1)
	assert.Contains(t, conflicts[0].Recommendation, "still active")
	assert.Contains(t, conflicts[0].Recommendation, "a1")
}

func TestEntryPointRecommendation(t *testing.T) {
	m := NewMonitor()
	m.RegisterFileActivity("a1", "t1", []string{"cmd/main.go"}, "feat/a")

	conflicts := m.RegisterFileActivity("a2", "t2", []string{"cmd/main.go"}, "feat/b")
	require.Len(t, conflicts, 1)
	assert.Contains(t, conflicts[0].Recommendation, "sequentialise")
}

func TestReleaseAgentLocksIdempotent(t *testing.T) {
	m := NewMonitor()
	m.RegisterFileActivity("a1", "t1", []string{"a.go", "b.go"}, "main")

	assert.Equal(t, 2, m.ReleaseAgentLocks("a1"))
	assert.Equal(t, 0, m.ReleaseAgentLocks("a1"))
	assert.Empty(t, m.Locks())

	// Released paths are lockable again.
	conflicts := m.RegisterFileActivity("a2", "t2", []string{"a.go"}, "main")
	assert.Empty(t, conflicts)
}

func TestCheckTaskAssignment(t *testing.T) {
	m := NewMonitor()
	m.RegisterFileActivity("a1", "t1", []string{"src/auth.go"}, "main")

	unsafe := m.CheckTaskAssignment([]string{"src/auth.go", "src/new.go"}, "main", "a2")
	assert.False(t, unsafe.Safe)
	require.Len(t, unsafe.PotentialConflicts, 1)
	assert.Equal(t, SeverityHigh, unsafe.PotentialConflicts[0].Severity)

	// The candidate's own locks do not block it.
	safe := m.CheckTaskAssignment([]string{"src/auth.go"}, "main", "a1")
	assert.True(t, safe.Safe)

	// The gate only inspects; it never locks or records history.
	assert.Empty(t, m.History())
	before := len(m.Locks())
	m.CheckTaskAssignment([]string{"src/other.go"}, "main", "a2")
	assert.Len(t, m.Locks(), before)
}

func TestDetectFeatureOverlap(t *testing.T) {
	m := NewMonitor()
	m.RegisterFileActivity("a1", "t1", []string{"src/auth/login.go"}, "feat/a")
	m.RegisterFileActivity("a2", "t2", []string{"src/auth/logout.go"}, "feat/b")
	m.RegisterFileActivity("a3", "t3", []string{"src/billing/invoice.go"}, "feat/c")

	overlaps := m.DetectFeatureOverlap()
	require.Len(t, overlaps, 1)
	assert.Equal(t, "src/auth", overlaps[0].Directory)
	assert.ElementsMatch(t, []string{"a1", "a2"}, overlaps[0].Agents)
	assert.ElementsMatch(t, []string{"src/auth/login.go", "src/auth/logout.go"}, overlaps[0].Files)
}

func TestHistoryStats(t *testing.T) {
	m := NewMonitor()
	m.RegisterFileActivity("a1", "t1", []string{"hot.go"}, "main")
	m.RegisterFileActivity("a2", "t2", []string{"hot.go"}, "main")
	m.RegisterFileActivity("a3", "t3", []string{"hot.go"}, "main")
	m.RegisterFileActivity("a2", "t4", []string{"hot.go"}, "main")

	files := m.FileStats()
	assert.Equal(t, 3, files["hot.go"])

	pairs := m.PairStats()
	assert.Equal(t, 2, pairs["a1|a2"], "pair key is sorted and unordered")
	assert.Equal(t, 1, pairs["a1|a3"])
}

func TestHistoryBounded(t *testing.T) {
	m := NewMonitor()
	m.RegisterFileActivity("a1", "t1", []string{"hot.go"}, "main")
	for i := 0; i < historyLimit+25; i++ {
		m.RegisterFileActivity("a2", "t2", []string{"hot.go"}, "main")
	}
	assert.Len(t, m.History(), historyLimit)
}
