package model

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to JobStatus
		want     bool
	}{
		{StatusPending, StatusPlanning, true},
		{StatusPlanning, StatusValidating, true},
		{StatusPlanning, StatusFailed, true},
		{StatusValidating, StatusExecuting, true},
		{StatusValidating, StatusAwaitingApproval, true},
		{StatusValidating, StatusFailed, true},
		{StatusValidating, StatusPlanning, true}, // revision loop
		{StatusAwaitingApproval, StatusExecuting, true},
		{StatusAwaitingApproval, StatusFailed, true},
		{StatusExecuting, StatusCompleted, true},
		{StatusExecuting, StatusFailed, true},

		// any non-terminal → cancelled
		{StatusPending, StatusCancelled, true},
		{StatusPlanning, StatusCancelled, true},
		{StatusValidating, StatusCancelled, true},
		{StatusAwaitingApproval, StatusCancelled, true},
		{StatusExecuting, StatusCancelled, true},

		// skips and reversals
		{StatusPending, StatusExecuting, false},
		{StatusPending, StatusValidating, false},
		{StatusPlanning, StatusExecuting, false},
		{StatusPlanning, StatusAwaitingApproval, false},
		{StatusValidating, StatusCompleted, false},
		{StatusExecuting, StatusPending, false},
		{StatusAwaitingApproval, StatusPlanning, false},

		// terminal → anything is fatal
		{StatusCompleted, StatusPending, false},
		{StatusCompleted, StatusCancelled, false},
		{StatusFailed, StatusExecuting, false},
		{StatusCancelled, StatusPending, false},
	}

	for _, tc := range tests {
		got := ValidTransition(tc.from, tc.to)
		assert.Equal(t, tc.want, got, "%s → %s", tc.from, tc.to)
	}
}

func TestJobStatusTerminal(t *testing.T) {
	terminal := []JobStatus{StatusCompleted, StatusFailed, StatusCancelled}
	live := []JobStatus{StatusPending, StatusPlanning, StatusValidating, StatusAwaitingApproval, StatusExecuting}

	for _, s := range terminal {
		assert.True(t, s.Terminal(), "%s", s)
	}
	for _, s := range live {
		assert.False(t, s.Terminal(), "%s", s)
	}
}

func TestPriorityRank(t *testing.T) {
	assert.Greater(t, PriorityCritical.Rank(), PriorityHigh.Rank())
	assert.Greater(t, PriorityHigh.Rank(), PriorityNormal.Rank())
	assert.Greater(t, PriorityNormal.Rank(), PriorityLow.Rank())
	assert.Equal(t, PriorityNormal.Rank(), JobPriority("").Rank())
}

func TestNewJobIDSortable(t *testing.T) {
	const n = 1000
	ids := make([]string, n)
	for i := range ids {
		ids[i] = NewJobID()
	}

	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	require.Equal(t, ids, sorted, "lexicographic order must match creation order")

	seen := make(map[string]struct{}, n)
	for _, id := range ids {
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
}

func TestPlanStrip(t *testing.T) {
	p := &Plan{
		ID:        "plan-1",
		JobID:     "job-1",
		Reasoning: "because the user asked",
		Metadata:  map[string]any{"source": "planner-v2"},
		Steps: []Step{
			{
				ID:          "step-1",
				Gear:        "file-manager",
				Action:      "read_file",
				Parameters:  map[string]any{"path": "notes.txt"},
				RiskLevel:   RiskLow,
				Description: "read the notes file",
				Metadata:    map[string]any{"hint": "small file"},
			},
		},
	}

	stripped := p.Strip()
	require.Len(t, stripped.Steps, 1)
	assert.Equal(t, "plan-1", stripped.ID)
	assert.Equal(t, "job-1", stripped.JobID)
	assert.Equal(t, "file-manager", stripped.Steps[0].Gear)
	assert.Equal(t, "read_file", stripped.Steps[0].Action)
	assert.Equal(t, RiskLow, stripped.Steps[0].RiskLevel)
}

func TestMaxRisk(t *testing.T) {
	assert.Equal(t, RiskCritical, MaxRisk(RiskLow, RiskCritical))
	assert.Equal(t, RiskHigh, MaxRisk(RiskHigh, RiskMedium))
	assert.Equal(t, RiskMedium, MaxRisk(RiskMedium, RiskLow))
}
