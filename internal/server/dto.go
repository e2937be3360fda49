package server

import (
	"encoding/json"

	"intakeline/internal/domain"
)

// Request payloads

type CreateClientRequest struct {
	Email    string `json:"email" format:"email"`
	Name     string `json:"name,omitempty"`
	Company  string `json:"company,omitempty"`
	Country  string `json:"country,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

type BlacklistClientRequest struct {
	Blacklisted bool   `json:"blacklisted"`
	Reason      string `json:"reason,omitempty"`
}

type CreateProjectRequest struct {
	ClientID        int64  `json:"client_id"`
	Title           string `json:"title"`
	Description     string `json:"description,omitempty"`
	Category        string `json:"category,omitempty"`
	SourceChannel   string `json:"source_channel,omitempty"`
	SourceMessageID string `json:"source_message_id,omitempty"`
}

type TransitionRequest struct {
	ToState  string         `json:"to_state"`
	Reason   string         `json:"reason,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type FlagScamRequest struct {
	ScamScore float64 `json:"scam_score" minimum:"0" maximum:"1"`
	IsIllegal bool    `json:"is_illegal,omitempty"`
	Reason    string  `json:"reason,omitempty"`
}

type UpdateAnalysisRequest struct {
	Title           *string  `json:"title,omitempty"`
	Description     *string  `json:"description,omitempty"`
	Category        *string  `json:"category,omitempty"`
	Complexity      *string  `json:"complexity,omitempty" enum:"MICRO,SMALL,MEDIUM,LARGE,RND"`
	TechStack       []string `json:"tech_stack,omitempty"`
	IsFamiliarStack *bool    `json:"is_familiar_stack,omitempty"`
	BudgetMin       *float64 `json:"budget_min,omitempty"`
	BudgetMax       *float64 `json:"budget_max,omitempty"`
	EstimatedHours  *float64 `json:"estimated_hours,omitempty"`
	QuotedPrice     *float64 `json:"quoted_price,omitempty"`
	FinalPrice      *float64 `json:"final_price,omitempty"`
	RequirementsDoc *string  `json:"requirements_doc,omitempty"`
	SpecDoc         *string  `json:"spec_doc,omitempty"`
}

type CreateTaskRequest struct {
	Title          string   `json:"title"`
	Description    string   `json:"description,omitempty"`
	EstimatedHours *float64 `json:"estimated_hours,omitempty"`
	Priority       int      `json:"priority,omitempty"`
}

type UpdateTaskStatusRequest struct {
	Status string `json:"status" enum:"pending,in_progress,completed,blocked"`
}

type AppendMessageRequest struct {
	Direction      string         `json:"direction" enum:"inbound,outbound"`
	SenderEmail    string         `json:"sender_email,omitempty"`
	RecipientEmail string         `json:"recipient_email,omitempty"`
	Subject        string         `json:"subject,omitempty"`
	Body           string         `json:"body,omitempty"`
	BodyHTML       string         `json:"body_html,omitempty"`
	MessageID      string         `json:"message_id,omitempty"`
	InReplyTo      *int64         `json:"in_reply_to,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

type CreateAgentLogRequest struct {
	AgentName       string         `json:"agent_name"`
	ProjectID       *int64         `json:"project_id,omitempty"`
	Action          string         `json:"action"`
	Input           map[string]any `json:"input,omitempty"`
	Output          map[string]any `json:"output,omitempty"`
	Success         bool           `json:"success"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	ExecutionTimeMS *int64         `json:"execution_time_ms,omitempty"`
	TokensUsed      *int64         `json:"tokens_used,omitempty"`
	Cost            *float64       `json:"cost,omitempty"`
}

type SetSettingRequest struct {
	Value       string `json:"value"`
	ValueType   string `json:"value_type" enum:"string,integer,float,boolean,json"`
	Description string `json:"description,omitempty"`
}

type CreateAgentRequest struct {
	AgentName       string `json:"agent_name"`
	InstructionText string `json:"instruction_text,omitempty"`
	SystemPrompt    string `json:"system_prompt,omitempty"`
	IsActive        bool   `json:"is_active"`
}

type UpdateAgentRequest struct {
	InstructionText string `json:"instruction_text,omitempty"`
	SystemPrompt    string `json:"system_prompt,omitempty"`
}

type ToggleAgentRequest struct {
	IsActive bool `json:"is_active"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Response payloads. The *_json columns come back as decoded objects on the
// wire.

type TransitionResponse struct {
	ID        int64          `json:"id"`
	ProjectID int64          `json:"project_id"`
	FromState *string        `json:"from_state,omitempty"`
	ToState   string         `json:"to_state"`
	ChangedBy string         `json:"changed_by"`
	Reason    string         `json:"reason,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt string         `json:"created_at" format:"date-time"`
}

func transitionResponse(t domain.StateTransition) TransitionResponse {
	return TransitionResponse{
		ID:        t.ID,
		ProjectID: t.ProjectID,
		FromState: t.FromState,
		ToState:   t.ToState,
		ChangedBy: t.ChangedBy,
		Reason:    t.Reason,
		Metadata:  decodeJSONMap(t.MetadataJSON),
		CreatedAt: t.CreatedAt,
	}
}

func mapTransitions(items []domain.StateTransition) []TransitionResponse {
	res := make([]TransitionResponse, 0, len(items))
	for _, t := range items {
		res = append(res, transitionResponse(t))
	}
	return res
}

type ProjectResponse struct {
	domain.Project
	TechStack []string `json:"tech_stack,omitempty"`
}

func projectResponse(p domain.Project) ProjectResponse {
	r := ProjectResponse{Project: p}
	if p.TechStackJSON != nil && *p.TechStackJSON != "" {
		_ = json.Unmarshal([]byte(*p.TechStackJSON), &r.TechStack)
	}
	r.TechStackJSON = nil
	return r
}

func mapProjects(items []domain.Project) []ProjectResponse {
	res := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		res = append(res, projectResponse(p))
	}
	return res
}

type MessageResponse struct {
	domain.Message
	Metadata map[string]any `json:"metadata,omitempty"`
}

func messageResponse(m domain.Message) MessageResponse {
	r := MessageResponse{Message: m, Metadata: decodeJSONMap(m.MetadataJSON)}
	r.MetadataJSON = ""
	return r
}

func mapMessages(items []domain.Message) []MessageResponse {
	res := make([]MessageResponse, 0, len(items))
	for _, m := range items {
		res = append(res, messageResponse(m))
	}
	return res
}

type AgentLogResponse struct {
	domain.AgentLog
	Input  map[string]any `json:"input,omitempty"`
	Output map[string]any `json:"output,omitempty"`
}

func agentLogResponse(l domain.AgentLog) AgentLogResponse {
	r := AgentLogResponse{
		AgentLog: l,
		Input:    decodeJSONMap(l.InputJSON),
		Output:   decodeJSONMap(l.OutputJSON),
	}
	r.InputJSON = ""
	r.OutputJSON = ""
	return r
}

func mapAgentLogs(items []domain.AgentLog) []AgentLogResponse {
	res := make([]AgentLogResponse, 0, len(items))
	for _, l := range items {
		res = append(res, agentLogResponse(l))
	}
	return res
}

type paginatedProjects struct {
	Items      []ProjectResponse `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type PipelineStageResponse struct {
	State string `json:"state"`
	Agent string `json:"agent,omitempty"`
	Next  string `json:"next,omitempty"`
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	if len(m) == 0 {
		return nil
	}
	return m
}
