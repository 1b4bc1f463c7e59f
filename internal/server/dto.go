package server

import (
	"encoding/json"

	"sprintline/internal/domain"
)

// Request payloads

type ResolveRequest struct {
	Action string `json:"action" enum:"retry,accept" doc:"retry resets the cycle budgets and requeues the issue; accept marks it done"`
	Note   string `json:"note,omitempty" maxLength:"2000"`
}

// Response payloads

type EpicSummary struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	Phase         string         `json:"phase"`
	StopRequested bool           `json:"stop_requested"`
	LastError     string         `json:"last_error,omitempty"`
	IssueCounts   map[string]int `json:"issue_counts"`
	UpdatedAt     string         `json:"updated_at" format:"date-time"`
}

type EpicResponse struct {
	ID            string          `json:"id"`
	Status        string          `json:"status"`
	Phase         string          `json:"phase"`
	Prompt        string          `json:"prompt,omitempty"`
	StopRequested bool            `json:"stop_requested"`
	LastError     string          `json:"last_error,omitempty"`
	Issues        []IssueResponse `json:"issues"`
	CreatedAt     string          `json:"created_at" format:"date-time"`
	UpdatedAt     string          `json:"updated_at" format:"date-time"`
}

type ScoreResponse struct {
	domain.Dimensions
	Total          int    `json:"total"`
	Interpretation string `json:"interpretation" enum:"promote,patch,anti-pattern"`
}

type IssueResponse struct {
	ID               string                `json:"id"`
	Title            string                `json:"title,omitempty"`
	Status           string                `json:"status"`
	AssignedAgent    string                `json:"assigned_agent,omitempty"`
	ExternalRef      string                `json:"external_ref,omitempty"`
	ReviewCycles     int                   `json:"review_cycle_count"`
	QACycles         int                   `json:"qa_cycle_count"`
	LatestScore      *ScoreResponse        `json:"latest_score,omitempty"`
	Recycle          *domain.RecycleOutput `json:"recycle,omitempty"`
	EscalationReason string                `json:"escalation_reason,omitempty"`
	CycleHistory     []domain.CycleRecord  `json:"cycle_history"`
	UpdatedAt        string                `json:"updated_at" format:"date-time"`
}

type EventResponse struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts" format:"date-time"`
	Type    string         `json:"type"`
	EpicID  string         `json:"epic_id"`
	IssueID string         `json:"issue_id,omitempty"`
	Role    string         `json:"role"`
	Payload map[string]any `json:"payload"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func epicSummary(ep domain.Epic) EpicSummary {
	counts := map[string]int{}
	for _, is := range ep.Issues {
		counts[is.Status]++
	}
	return EpicSummary{
		ID:            ep.ID,
		Status:        ep.Status,
		Phase:         ep.Phase,
		StopRequested: ep.StopRequested,
		LastError:     ep.LastError,
		IssueCounts:   counts,
		UpdatedAt:     ep.UpdatedAt,
	}
}

func epicResponse(ep domain.Epic) EpicResponse {
	issues := make([]IssueResponse, 0, len(ep.Issues))
	for _, is := range ep.Issues {
		issues = append(issues, issueResponse(is))
	}
	return EpicResponse{
		ID:            ep.ID,
		Status:        ep.Status,
		Phase:         ep.Phase,
		Prompt:        ep.Prompt,
		StopRequested: ep.StopRequested,
		LastError:     ep.LastError,
		Issues:        issues,
		CreatedAt:     ep.CreatedAt,
		UpdatedAt:     ep.UpdatedAt,
	}
}

func issueResponse(is domain.Issue) IssueResponse {
	out := IssueResponse{
		ID:               is.ID,
		Title:            is.Title,
		Status:           is.Status,
		AssignedAgent:    is.AssignedAgent,
		ExternalRef:      is.ExternalRef,
		ReviewCycles:     is.ReviewCycles,
		QACycles:         is.QACycles,
		Recycle:          is.Recycle,
		EscalationReason: is.EscalationReason,
		CycleHistory:     is.CycleHistory,
		UpdatedAt:        is.UpdatedAt,
	}
	if out.CycleHistory == nil {
		out.CycleHistory = []domain.CycleRecord{}
	}
	if is.LatestScore != nil {
		out.LatestScore = &ScoreResponse{
			Dimensions:     is.LatestScore.Dimensions,
			Total:          is.LatestScore.Total(),
			Interpretation: string(is.LatestScore.Interpretation()),
		}
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:      e.ID,
		TS:      e.TS,
		Type:    e.Type,
		EpicID:  e.EpicID,
		IssueID: e.IssueID,
		Role:    e.Role,
		Payload: decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}
