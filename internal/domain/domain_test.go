package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInterpretTotalBoundaries(t *testing.T) {
	cases := map[int]Interpretation{
		0: AntiPattern, 3: AntiPattern,
		4: Patch, 7: Patch,
		8: Promote, 10: Promote,
	}
	for total, want := range cases {
		assert.Equal(t, want, InterpretTotal(total), "total %d", total)
	}
}

func TestScorecardJSONDerivesTotal(t *testing.T) {
	card := Scorecard{Dimensions{ScopeControl: 2, BehaviorFidelity: 2, EvidenceOrientation: 1, Actionability: 2, RiskAwareness: 1}}
	data, err := json.Marshal(card)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"total":8`)
	assert.Contains(t, string(data), `"interpretation":"promote"`)

	var decoded Scorecard
	require.NoError(t, json.Unmarshal([]byte(`{"scope_control":1,"behavior_fidelity":1,"evidence_orientation":1,"actionability":1,"risk_awareness":1,"total":10,"interpretation":"promote"}`), &decoded))
	assert.Equal(t, 5, decoded.Total())
	assert.Equal(t, Patch, decoded.Interpretation())
}

func TestScorecardValidate(t *testing.T) {
	require.NoError(t, Scorecard{}.Validate())
	require.Error(t, Scorecard{Dimensions{RiskAwareness: 3}}.Validate())
	require.Error(t, Scorecard{Dimensions{ScopeControl: -1}}.Validate())
}

func TestRecycleDisjoint(t *testing.T) {
	assert.True(t, RecycleOutput{Kept: []string{"a", "a"}, Reused: []string{"b"}, Banned: []string{"c"}}.Disjoint())
	assert.False(t, RecycleOutput{Kept: []string{"a"}, Banned: []string{"a"}}.Disjoint())
}

func TestIssueTerminal(t *testing.T) {
	for _, s := range []string{IssuePending, IssueInProgress, IssueReview, IssueQA} {
		assert.False(t, IssueTerminal(s), s)
	}
	assert.True(t, Issue{Status: IssueDone}.Terminal())
	assert.True(t, Issue{Status: IssueEscalated}.Terminal())
}
