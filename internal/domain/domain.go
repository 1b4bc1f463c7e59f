package domain

import (
	"encoding/json"
	"fmt"
)

// Epic statuses.
const (
	EpicPending    = "pending"
	EpicInProgress = "in_progress"
	EpicComplete   = "complete"
	EpicFailed     = "failed"
)

// Controller phases persisted on the epic.
const (
	PhasePending    = "pending"
	PhasePlanning   = "planning"
	PhaseDesigning  = "designing"
	PhaseIssueLoop  = "issue_loop"
	PhaseCompleting = "completing"
	PhaseComplete   = "complete"
	PhaseFailed     = "failed"
)

// Issue statuses.
const (
	IssuePending    = "pending"
	IssueInProgress = "in_progress"
	IssueReview     = "review"
	IssueQA         = "qa"
	IssueDone       = "done"
	IssueEscalated  = "escalated"
)

type Epic struct {
	ID            string  `json:"id" yaml:"id"`
	Status        string  `json:"status" yaml:"status" enum:"pending,in_progress,complete,failed"`
	Phase         string  `json:"phase" yaml:"phase" enum:"pending,planning,designing,issue_loop,completing,complete,failed"`
	Prompt        string  `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	StopRequested bool    `json:"stop_requested" yaml:"stop_requested"`
	LastError     string  `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	Issues        []Issue `json:"issues" yaml:"issues"`
	CreatedAt     string  `json:"created_at" yaml:"created_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" yaml:"updated_at" format:"date-time"`
}

// Issue returns the issue with the given id, if present.
func (e Epic) Issue(id string) (Issue, bool) {
	for _, is := range e.Issues {
		if is.ID == id {
			return is, true
		}
	}
	return Issue{}, false
}

type Issue struct {
	ID               string         `json:"id" yaml:"id"`
	Position         int            `json:"position" yaml:"position"`
	Title            string         `json:"title,omitempty" yaml:"title,omitempty"`
	Status           string         `json:"status" yaml:"status" enum:"pending,in_progress,review,qa,done,escalated"`
	AssignedAgent    string         `json:"assigned_agent,omitempty" yaml:"assigned_agent,omitempty"`
	ExternalRef      string         `json:"external_ref,omitempty" yaml:"external_ref,omitempty"`
	ReviewCycles     int            `json:"review_cycle_count" yaml:"review_cycle_count"`
	QACycles         int            `json:"qa_cycle_count" yaml:"qa_cycle_count"`
	LatestScore      *Scorecard     `json:"latest_score,omitempty" yaml:"latest_score,omitempty"`
	Recycle          *RecycleOutput `json:"recycle,omitempty" yaml:"recycle,omitempty"`
	EscalationReason string         `json:"escalation_reason,omitempty" yaml:"escalation_reason,omitempty"`
	CycleHistory     []CycleRecord  `json:"cycle_history" yaml:"cycle_history"`
	CreatedAt        string         `json:"created_at" yaml:"created_at" format:"date-time"`
	UpdatedAt        string         `json:"updated_at" yaml:"updated_at" format:"date-time"`
}

// Terminal reports whether automation may no longer advance the issue.
func (i Issue) Terminal() bool {
	return IssueTerminal(i.Status)
}

func IssueTerminal(status string) bool {
	return status == IssueDone || status == IssueEscalated
}

// IssuePatch carries the fields to merge into an issue. Nil fields are left
// untouched.
type IssuePatch struct {
	Title            *string
	Status           *string
	AssignedAgent    *string
	ExternalRef      *string
	ReviewCycles     *int
	QACycles         *int
	LatestScore      *Scorecard
	Recycle          *RecycleOutput
	EscalationReason *string
}

func (p IssuePatch) Empty() bool {
	return p.Title == nil && p.Status == nil && p.AssignedAgent == nil && p.ExternalRef == nil &&
		p.ReviewCycles == nil && p.QACycles == nil && p.LatestScore == nil && p.Recycle == nil &&
		p.EscalationReason == nil
}

type CycleRecord struct {
	Seq       int    `json:"seq" yaml:"seq"`
	FromRole  string `json:"from_role" yaml:"from_role"`
	ToRole    string `json:"to_role" yaml:"to_role"`
	Action    string `json:"action" yaml:"action"`
	Result    string `json:"result" yaml:"result"`
	Timestamp string `json:"timestamp" yaml:"timestamp" format:"date-time"`
}

// Cycle is an unsequenced hand-off; the store assigns Seq and Timestamp.
type Cycle struct {
	FromRole string
	ToRole   string
	Action   string
	Result   string
}

type Interpretation string

const (
	Promote     Interpretation = "promote"
	Patch       Interpretation = "patch"
	AntiPattern Interpretation = "anti-pattern"
)

// Dimensions are the raw per-dimension scores, each expected in [0,2].
type Dimensions struct {
	ScopeControl        int `json:"scope_control" yaml:"scope_control"`
	BehaviorFidelity    int `json:"behavior_fidelity" yaml:"behavior_fidelity"`
	EvidenceOrientation int `json:"evidence_orientation" yaml:"evidence_orientation"`
	Actionability       int `json:"actionability" yaml:"actionability"`
	RiskAwareness       int `json:"risk_awareness" yaml:"risk_awareness"`
}

const MaxDimension = 2

// Scorecard is a five-dimension rubric. Total and interpretation are
// derived and never stored independently.
type Scorecard struct {
	Dimensions
}

func (s Scorecard) Total() int {
	d := s.Dimensions
	return d.ScopeControl + d.BehaviorFidelity + d.EvidenceOrientation + d.Actionability + d.RiskAwareness
}

func (s Scorecard) Interpretation() Interpretation {
	return InterpretTotal(s.Total())
}

// InterpretTotal maps a total in [0,10] onto a disposition.
func InterpretTotal(total int) Interpretation {
	switch {
	case total >= 8:
		return Promote
	case total >= 4:
		return Patch
	default:
		return AntiPattern
	}
}

// Validate reports an error for any dimension outside [0,2].
func (s Scorecard) Validate() error {
	d := s.Dimensions
	for name, v := range map[string]int{
		"scope_control":        d.ScopeControl,
		"behavior_fidelity":    d.BehaviorFidelity,
		"evidence_orientation": d.EvidenceOrientation,
		"actionability":        d.Actionability,
		"risk_awareness":       d.RiskAwareness,
	} {
		if v < 0 || v > MaxDimension {
			return fmt.Errorf("%s out of range: %d", name, v)
		}
	}
	return nil
}

type scorecardJSON struct {
	Dimensions
	Total          int            `json:"total"`
	Interpretation Interpretation `json:"interpretation"`
}

func (s Scorecard) MarshalJSON() ([]byte, error) {
	return json.Marshal(scorecardJSON{Dimensions: s.Dimensions, Total: s.Total(), Interpretation: s.Interpretation()})
}

func (s *Scorecard) UnmarshalJSON(data []byte) error {
	var raw scorecardJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.Dimensions = raw.Dimensions
	return nil
}

func (s Scorecard) MarshalYAML() (any, error) {
	return struct {
		Dimensions     `yaml:",inline"`
		Total          int            `yaml:"total"`
		Interpretation Interpretation `yaml:"interpretation"`
	}{s.Dimensions, s.Total(), s.Interpretation()}, nil
}

// RecycleOutput partitions artifact refs after an evaluation. The three
// sets are disjoint.
type RecycleOutput struct {
	Kept   []string `json:"kept" yaml:"kept"`
	Reused []string `json:"reused" yaml:"reused"`
	Banned []string `json:"banned" yaml:"banned"`
}

// Disjoint reports whether no artifact appears in more than one set.
func (r RecycleOutput) Disjoint() bool {
	seen := map[string]bool{}
	for _, set := range [][]string{r.Kept, r.Reused, r.Banned} {
		local := map[string]bool{}
		for _, a := range set {
			if local[a] {
				continue
			}
			local[a] = true
			if seen[a] {
				return false
			}
			seen[a] = true
		}
	}
	return true
}

type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	EpicID  string `json:"epic_id"`
	IssueID string `json:"issue_id,omitempty"`
	Role    string `json:"role"`
	Payload string `json:"payload_json"`
}

// ScoreRecord is one persisted evaluation.
type ScoreRecord struct {
	ID        int64          `json:"id"`
	EpicID    string         `json:"epic_id"`
	IssueID   string         `json:"issue_id"`
	Role      string         `json:"role"`
	Card      Scorecard      `json:"scorecard"`
	Recycle   *RecycleOutput `json:"recycle,omitempty"`
	CreatedAt string         `json:"created_at" format:"date-time"`
}
