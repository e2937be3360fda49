package domain

// Project lifecycle states. The store accepts any recognized value as a
// transition target; ordering and legality are workflow policy.
const (
	StateNew                    = "NEW"
	StateAnalyzed               = "ANALYZED"
	StateNegotiation            = "NEGOTIATION"
	StateRequirementsCollection = "REQUIREMENTS_COLLECTION"
	StateEstimationReady        = "ESTIMATION_READY"
	StateOfferSent              = "OFFER_SENT"
	StateAgreed                 = "AGREED"
	StateFunded                 = "FUNDED"
	StateExecutionReady         = "EXECUTION_READY"
	StateClosed                 = "CLOSED"
	StateRejected               = "REJECTED"
)

// States lists every recognized project state.
func States() []string {
	return []string{
		StateNew, StateAnalyzed, StateNegotiation, StateRequirementsCollection,
		StateEstimationReady, StateOfferSent, StateAgreed, StateFunded,
		StateExecutionReady, StateClosed, StateRejected,
	}
}

// ValidState reports whether s is a recognized project state.
func ValidState(s string) bool {
	for _, v := range States() {
		if v == s {
			return true
		}
	}
	return false
}

// TerminalState reports whether s is an absorbing outcome.
func TerminalState(s string) bool {
	return s == StateClosed || s == StateRejected
}

type Client struct {
	ID                 int64   `json:"id"`
	Email              string  `json:"email"`
	Name               string  `json:"name,omitempty"`
	Company            string  `json:"company,omitempty"`
	Country            string  `json:"country,omitempty"`
	Timezone           string  `json:"timezone,omitempty"`
	TotalProjects      int     `json:"total_projects"`
	SuccessfulProjects int     `json:"successful_projects"`
	TotalPaid          float64 `json:"total_paid"`
	ReputationScore    float64 `json:"reputation_score"`
	IsBlacklisted      bool    `json:"is_blacklisted"`
	BlacklistReason    string  `json:"blacklist_reason,omitempty"`
	CreatedAt          string  `json:"created_at" format:"date-time"`
	UpdatedAt          string  `json:"updated_at" format:"date-time"`
}

type Project struct {
	ID              int64    `json:"id"`
	ClientID        int64    `json:"client_id"`
	Title           string   `json:"title"`
	Description     string   `json:"description,omitempty"`
	Category        string   `json:"category,omitempty"`
	Complexity      string   `json:"complexity,omitempty" enum:"MICRO,SMALL,MEDIUM,LARGE,RND"`
	TechStackJSON   *string  `json:"tech_stack_json,omitempty"`
	IsFamiliarStack bool     `json:"is_familiar_stack"`
	BudgetMin       *float64 `json:"budget_min,omitempty"`
	BudgetMax       *float64 `json:"budget_max,omitempty"`
	EstimatedHours  *float64 `json:"estimated_hours,omitempty"`
	QuotedPrice     *float64 `json:"quoted_price,omitempty"`
	FinalPrice      *float64 `json:"final_price,omitempty"`
	CurrentState    string   `json:"current_state"`
	IsScam          bool     `json:"is_scam"`
	IsIllegal       bool     `json:"is_illegal"`
	ScamScore       *float64 `json:"scam_score,omitempty"`
	RejectionReason string   `json:"rejection_reason,omitempty"`
	RequirementsDoc string   `json:"requirements_doc,omitempty"`
	SpecDoc         string   `json:"spec_doc,omitempty"`
	SourceChannel   string   `json:"source_channel,omitempty"`
	SourceMessageID string   `json:"source_message_id,omitempty"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
	UpdatedAt       string   `json:"updated_at" format:"date-time"`
}

type Task struct {
	ID             int64    `json:"id"`
	ProjectID      int64    `json:"project_id"`
	Title          string   `json:"title"`
	Description    string   `json:"description,omitempty"`
	EstimatedHours *float64 `json:"estimated_hours,omitempty"`
	Priority       int      `json:"priority"`
	Status         string   `json:"status" enum:"pending,in_progress,completed,blocked"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
	UpdatedAt      string   `json:"updated_at" format:"date-time"`
}

// StateTransition is one immutable row of the project history log. FromState
// is nil only for the row written when the project is created.
type StateTransition struct {
	ID           int64   `json:"id"`
	ProjectID    int64   `json:"project_id"`
	FromState    *string `json:"from_state,omitempty"`
	ToState      string  `json:"to_state"`
	ChangedBy    string  `json:"changed_by"`
	Reason       string  `json:"reason,omitempty"`
	MetadataJSON string  `json:"metadata_json,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

type Message struct {
	ID             int64  `json:"id"`
	ProjectID      int64  `json:"project_id"`
	Direction      string `json:"direction" enum:"inbound,outbound"`
	SenderEmail    string `json:"sender_email,omitempty"`
	RecipientEmail string `json:"recipient_email,omitempty"`
	Subject        string `json:"subject,omitempty"`
	Body           string `json:"body,omitempty"`
	BodyHTML       string `json:"body_html,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
	InReplyTo      *int64 `json:"in_reply_to,omitempty"`
	IsProcessed    bool   `json:"is_processed"`
	MetadataJSON   string `json:"metadata_json,omitempty"`
	CreatedAt      string `json:"created_at" format:"date-time"`
}

// AgentLog records one automated decision. ProjectID is nullable so the log
// outlives project deletion.
type AgentLog struct {
	ID              int64    `json:"id"`
	AgentName       string   `json:"agent_name"`
	ProjectID       *int64   `json:"project_id,omitempty"`
	Action          string   `json:"action"`
	InputJSON       string   `json:"input_json,omitempty"`
	OutputJSON      string   `json:"output_json,omitempty"`
	Success         bool     `json:"success"`
	ErrorMessage    string   `json:"error_message,omitempty"`
	ExecutionTimeMS *int64   `json:"execution_time_ms,omitempty"`
	TokensUsed      *int64   `json:"tokens_used,omitempty"`
	Cost            *float64 `json:"cost,omitempty"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
}

type Setting struct {
	ID          int64  `json:"id"`
	Key         string `json:"key"`
	Value       string `json:"value"`
	ValueType   string `json:"value_type" enum:"string,integer,float,boolean,json"`
	Description string `json:"description,omitempty"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

type AgentInstruction struct {
	ID              int64  `json:"id"`
	AgentName       string `json:"agent_name"`
	InstructionText string `json:"instruction_text,omitempty"`
	SystemPrompt    string `json:"system_prompt,omitempty"`
	Version         int    `json:"version"`
	IsActive        bool   `json:"is_active"`
	CreatedAt       string `json:"created_at" format:"date-time"`
	UpdatedAt       string `json:"updated_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// DashboardRow is the derived per-project reporting view.
type DashboardRow struct {
	ProjectID       int64   `json:"project_id"`
	Title           string  `json:"title"`
	CurrentState    string  `json:"current_state"`
	ClientName      string  `json:"client_name,omitempty"`
	ClientEmail     string  `json:"client_email"`
	ReputationScore float64 `json:"reputation_score"`
	MessageCount    int     `json:"message_count"`
	TaskCount       int     `json:"task_count"`
	UpdatedAt       string  `json:"updated_at" format:"date-time"`
}

// AgentCost aggregates agent_logs per agent for cost accounting.
type AgentCost struct {
	AgentName  string  `json:"agent_name"`
	Calls      int     `json:"calls"`
	Failures   int     `json:"failures"`
	TokensUsed int64   `json:"tokens_used"`
	TotalCost  float64 `json:"total_cost"`
}
