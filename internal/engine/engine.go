package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"intakeline/internal/config"
	"intakeline/internal/domain"
	"intakeline/internal/repo"
	"intakeline/internal/transitions"
)

type Engine struct {
	DB          *sql.DB
	Repo        repo.Repo
	Transitions transitions.Writer
	Config      *config.Config
	Now         func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:          db,
		Repo:        repo.Repo{DB: db},
		Transitions: transitions.Writer{DB: db},
		Config:      cfg,
		Now:         time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

// ClientCreateOptions are parameters for registering a client.
type ClientCreateOptions struct {
	Email    string
	Name     string
	Company  string
	Country  string
	Timezone string
}

func (e Engine) CreateClient(ctx context.Context, opts ClientCreateOptions) (domain.Client, error) {
	if opts.Email == "" {
		return domain.Client{}, errors.New("email is required")
	}
	now := e.nowStr()
	c := domain.Client{
		Email:           opts.Email,
		Name:            opts.Name,
		Company:         opts.Company,
		Country:         opts.Country,
		Timezone:        opts.Timezone,
		ReputationScore: 5.0,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	id, err := e.Repo.InsertClient(ctx, c)
	if err != nil {
		return domain.Client{}, err
	}
	c.ID = id
	return c, nil
}

// EnsureClient returns the client with the given email, creating it on first
// contact.
func (e Engine) EnsureClient(ctx context.Context, opts ClientCreateOptions) (domain.Client, error) {
	c, err := e.Repo.GetClientByEmail(ctx, opts.Email)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Client{}, err
	}
	return e.CreateClient(ctx, opts)
}

func (e Engine) SetClientBlacklist(ctx context.Context, clientID int64, blacklisted bool, reason string) (domain.Client, error) {
	if err := e.Repo.SetClientBlacklist(ctx, clientID, blacklisted, reason, e.nowStr()); err != nil {
		return domain.Client{}, err
	}
	return e.Repo.GetClient(ctx, clientID)
}

// ProjectCreateOptions are parameters for opening a project from an inbound
// inquiry.
type ProjectCreateOptions struct {
	ClientID        int64
	Title           string
	Description     string
	Category        string
	SourceChannel   string
	SourceMessageID string
	ActorID         string
}

// CreateProject inserts the project in its initial state and writes the first
// history row in the same transaction, so the cache-equals-latest-transition
// invariant holds from birth.
func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	if opts.Title == "" {
		return domain.Project{}, errors.New("title is required")
	}
	if _, err := e.Repo.GetClient(ctx, opts.ClientID); err != nil {
		return domain.Project{}, fmt.Errorf("client %d: %w", opts.ClientID, err)
	}
	now := e.nowStr()
	p := domain.Project{
		ClientID:        opts.ClientID,
		Title:           opts.Title,
		Description:     opts.Description,
		Category:        opts.Category,
		CurrentState:    domain.StateNew,
		SourceChannel:   opts.SourceChannel,
		SourceMessageID: opts.SourceMessageID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	id, err := e.Repo.InsertProjectTx(ctx, tx, p)
	if err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	p.ID = id
	if err := e.Transitions.Append(ctx, tx, id, nil, domain.StateNew, actorOrSystem(opts.ActorID), "project created", nil); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// TransitionOptions carry the caller-supplied actor identity required for
// every state change.
type TransitionOptions struct {
	ProjectID int64
	ToState   string
	ActorID   string
	Reason    string
	Metadata  transitions.Metadata
}

// Transition appends a history row and updates the cached current_state in
// one transaction. The from-state is read inside the write transaction, so
// racing callers serialize on the store and each sees the other's result.
// When the target state is terminal the owning client's aggregates are
// recomputed in the same transaction.
func (e Engine) Transition(ctx context.Context, opts TransitionOptions) (domain.Project, error) {
	if !domain.ValidState(opts.ToState) {
		return domain.Project{}, fmt.Errorf("unknown state %q", opts.ToState)
	}
	if opts.ActorID == "" {
		return domain.Project{}, errors.New("actor is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, opts.ProjectID)
	if err != nil {
		return domain.Project{}, err
	}
	from := p.CurrentState
	now := e.nowStr()
	if err := e.Transitions.Append(ctx, tx, p.ID, &from, opts.ToState, opts.ActorID, opts.Reason, opts.Metadata); err != nil {
		return domain.Project{}, fmt.Errorf("append transition: %w", err)
	}
	if err := e.Repo.SetProjectStateTx(ctx, tx, p.ID, opts.ToState, now); err != nil {
		return domain.Project{}, fmt.Errorf("update current state: %w", err)
	}
	if domain.TerminalState(opts.ToState) {
		if err := e.Repo.RecomputeClientCounters(ctx, tx, p.ClientID, now); err != nil {
			return domain.Project{}, fmt.Errorf("recompute client counters: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	p.CurrentState = opts.ToState
	p.UpdatedAt = now
	return p, nil
}

// FlagScamOptions describe a scam/illegality finding.
type FlagScamOptions struct {
	ProjectID int64
	ScamScore float64
	IsIllegal bool
	Reason    string
	ActorID   string
}

// FlagScam records the finding and moves the project to its rejected terminal
// state in one transaction.
func (e Engine) FlagScam(ctx context.Context, opts FlagScamOptions) (domain.Project, error) {
	if opts.ActorID == "" {
		return domain.Project{}, errors.New("actor is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, opts.ProjectID)
	if err != nil {
		return domain.Project{}, err
	}
	now := e.nowStr()
	score := opts.ScamScore
	if err := e.Repo.SetProjectFlagsTx(ctx, tx, p.ID, true, opts.IsIllegal, &score, opts.Reason, now); err != nil {
		return domain.Project{}, err
	}
	from := p.CurrentState
	meta := transitions.Metadata{"scam_score": opts.ScamScore, "is_illegal": opts.IsIllegal}
	if err := e.Transitions.Append(ctx, tx, p.ID, &from, domain.StateRejected, opts.ActorID, opts.Reason, meta); err != nil {
		return domain.Project{}, err
	}
	if err := e.Repo.SetProjectStateTx(ctx, tx, p.ID, domain.StateRejected, now); err != nil {
		return domain.Project{}, err
	}
	if err := e.Repo.RecomputeClientCounters(ctx, tx, p.ClientID, now); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return e.Repo.GetProject(ctx, p.ID)
}

// UpdateProjectAnalysis validates and persists agent-produced analysis
// fields. Lifecycle state is not touched here.
func (e Engine) UpdateProjectAnalysis(ctx context.Context, p domain.Project) (domain.Project, error) {
	if p.Complexity != "" {
		switch p.Complexity {
		case "MICRO", "SMALL", "MEDIUM", "LARGE", "RND":
		default:
			return domain.Project{}, fmt.Errorf("unknown complexity %q", p.Complexity)
		}
	}
	if p.TechStackJSON != nil && *p.TechStackJSON != "" {
		var tmp []string
		if err := json.Unmarshal([]byte(*p.TechStackJSON), &tmp); err != nil {
			return domain.Project{}, fmt.Errorf("tech stack JSON: %w", err)
		}
	}
	p.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateProjectAnalysis(ctx, p); err != nil {
		return domain.Project{}, err
	}
	return e.Repo.GetProject(ctx, p.ID)
}

// History returns the transition log for a project, newest first by default.
func (e Engine) History(ctx context.Context, projectID int64, desc bool, limit int) ([]domain.StateTransition, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return e.Repo.ListTransitions(ctx, projectID, desc, limit)
}

// TaskCreateOptions are parameters for adding a decomposition unit.
type TaskCreateOptions struct {
	ProjectID      int64
	Title          string
	Description    string
	EstimatedHours *float64
	Priority       int
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.Title == "" {
		return domain.Task{}, errors.New("title is required")
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Task{}, err
	}
	now := e.nowStr()
	t := domain.Task{
		ProjectID:      opts.ProjectID,
		Title:          opts.Title,
		Description:    opts.Description,
		EstimatedHours: opts.EstimatedHours,
		Priority:       opts.Priority,
		Status:         "pending",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	id, err := e.Repo.InsertTask(ctx, t)
	if err != nil {
		return domain.Task{}, err
	}
	t.ID = id
	return t, nil
}

func (e Engine) UpdateTaskStatus(ctx context.Context, taskID int64, status string) (domain.Task, error) {
	switch status {
	case "pending", "in_progress", "completed", "blocked":
	default:
		return domain.Task{}, fmt.Errorf("unknown task status %q", status)
	}
	if err := e.Repo.UpdateTaskStatus(ctx, taskID, status, e.nowStr()); err != nil {
		return domain.Task{}, err
	}
	return e.Repo.GetTask(ctx, taskID)
}

// MessageAppendOptions are parameters for recording correspondence.
type MessageAppendOptions struct {
	ProjectID      int64
	Direction      string
	SenderEmail    string
	RecipientEmail string
	Subject        string
	Body           string
	BodyHTML       string
	MessageID      string
	InReplyTo      *int64
	Metadata       map[string]any
}

// AppendMessage records one inbound or outbound message. An external message
// id is generated when the channel did not supply one.
func (e Engine) AppendMessage(ctx context.Context, opts MessageAppendOptions) (domain.Message, error) {
	if opts.Direction != "inbound" && opts.Direction != "outbound" {
		return domain.Message{}, fmt.Errorf("direction must be inbound or outbound, got %q", opts.Direction)
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Message{}, err
	}
	if opts.InReplyTo != nil {
		parent, err := e.Repo.GetMessage(ctx, *opts.InReplyTo)
		if err != nil {
			return domain.Message{}, fmt.Errorf("in-reply-to message: %w", err)
		}
		if parent.ProjectID != opts.ProjectID {
			return domain.Message{}, errors.New("in-reply-to message belongs to a different project")
		}
	}
	messageID := opts.MessageID
	if messageID == "" {
		messageID = uuid.New().String()
	}
	metadataJSON := ""
	if opts.Metadata != nil {
		data, err := json.Marshal(opts.Metadata)
		if err != nil {
			return domain.Message{}, fmt.Errorf("marshal message metadata: %w", err)
		}
		metadataJSON = string(data)
	}
	m := domain.Message{
		ProjectID:      opts.ProjectID,
		Direction:      opts.Direction,
		SenderEmail:    opts.SenderEmail,
		RecipientEmail: opts.RecipientEmail,
		Subject:        opts.Subject,
		Body:           opts.Body,
		BodyHTML:       opts.BodyHTML,
		MessageID:      messageID,
		InReplyTo:      opts.InReplyTo,
		MetadataJSON:   metadataJSON,
		CreatedAt:      e.nowStr(),
	}
	id, err := e.Repo.InsertMessage(ctx, m)
	if err != nil {
		return domain.Message{}, err
	}
	m.ID = id
	return m, nil
}

// AgentLogOptions are parameters for recording one automated decision.
type AgentLogOptions struct {
	AgentName       string
	ProjectID       *int64
	Action          string
	Input           map[string]any
	Output          map[string]any
	Success         bool
	ErrorMessage    string
	ExecutionTimeMS *int64
	TokensUsed      *int64
	Cost            *float64
}

// LogAgentAction appends an observability record. The core records external
// activity; it never performs it.
func (e Engine) LogAgentAction(ctx context.Context, opts AgentLogOptions) (domain.AgentLog, error) {
	if opts.AgentName == "" {
		return domain.AgentLog{}, errors.New("agent name is required")
	}
	if opts.Action == "" {
		return domain.AgentLog{}, errors.New("action is required")
	}
	inputJSON, err := marshalMap(opts.Input)
	if err != nil {
		return domain.AgentLog{}, fmt.Errorf("marshal input: %w", err)
	}
	outputJSON, err := marshalMap(opts.Output)
	if err != nil {
		return domain.AgentLog{}, fmt.Errorf("marshal output: %w", err)
	}
	l := domain.AgentLog{
		AgentName:       opts.AgentName,
		ProjectID:       opts.ProjectID,
		Action:          opts.Action,
		InputJSON:       inputJSON,
		OutputJSON:      outputJSON,
		Success:         opts.Success,
		ErrorMessage:    opts.ErrorMessage,
		ExecutionTimeMS: opts.ExecutionTimeMS,
		TokensUsed:      opts.TokensUsed,
		Cost:            opts.Cost,
		CreatedAt:       e.nowStr(),
	}
	id, err := e.Repo.InsertAgentLog(ctx, l)
	if err != nil {
		return domain.AgentLog{}, err
	}
	l.ID = id
	return l, nil
}

// SetSetting upserts a typed setting after validating that the value decodes
// as the declared type.
func (e Engine) SetSetting(ctx context.Context, key, value, valueType, description string) (domain.Setting, error) {
	if key == "" {
		return domain.Setting{}, errors.New("key is required")
	}
	if err := validateSettingValue(value, valueType); err != nil {
		return domain.Setting{}, err
	}
	if err := e.Repo.UpsertSetting(ctx, key, value, valueType, description, e.nowStr()); err != nil {
		return domain.Setting{}, err
	}
	return e.Repo.GetSetting(ctx, key)
}

// InstructionCreateOptions are parameters for defining a new agent.
type InstructionCreateOptions struct {
	AgentName       string
	InstructionText string
	SystemPrompt    string
	IsActive        bool
}

func (e Engine) CreateAgentInstruction(ctx context.Context, opts InstructionCreateOptions) (domain.AgentInstruction, error) {
	if opts.AgentName == "" {
		return domain.AgentInstruction{}, errors.New("agent name is required")
	}
	now := e.nowStr()
	a := domain.AgentInstruction{
		AgentName:       opts.AgentName,
		InstructionText: opts.InstructionText,
		SystemPrompt:    opts.SystemPrompt,
		Version:         1,
		IsActive:        opts.IsActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	id, err := e.Repo.InsertInstruction(ctx, a)
	if err != nil {
		return domain.AgentInstruction{}, err
	}
	a.ID = id
	return a, nil
}

// UpdateAgentInstruction replaces prompt text for an existing agent and bumps
// its version by exactly one. Missing agents are NotFound, never created.
func (e Engine) UpdateAgentInstruction(ctx context.Context, agentName, instructionText, systemPrompt string) (domain.AgentInstruction, error) {
	if agentName == "" {
		return domain.AgentInstruction{}, errors.New("agent name is required")
	}
	return e.Repo.UpdateInstruction(ctx, agentName, instructionText, systemPrompt, e.nowStr())
}

func (e Engine) ToggleAgentInstruction(ctx context.Context, agentName string, isActive bool) (domain.AgentInstruction, error) {
	if agentName == "" {
		return domain.AgentInstruction{}, errors.New("agent name is required")
	}
	return e.Repo.ToggleInstruction(ctx, agentName, isActive, e.nowStr())
}

// --- helpers ---

func actorOrSystem(actorID string) string {
	if actorID == "" {
		return "system"
	}
	return actorID
}

func marshalMap(m map[string]any) (string, error) {
	if m == nil {
		return "", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func validateSettingValue(value, valueType string) error {
	switch valueType {
	case "string":
		return nil
	case "integer":
		// strconv rejects trailing garbage, so what validates here is
		// exactly what the typed read helpers can decode later.
		if _, err := strconv.ParseInt(value, 10, 64); err != nil {
			return fmt.Errorf("value %q is not an integer", value)
		}
		return nil
	case "float":
		if _, err := strconv.ParseFloat(value, 64); err != nil {
			return fmt.Errorf("value %q is not a float", value)
		}
		return nil
	case "boolean":
		if value != "true" && value != "false" {
			return fmt.Errorf("value %q is not a boolean", value)
		}
		return nil
	case "json":
		var tmp any
		if err := json.Unmarshal([]byte(value), &tmp); err != nil {
			return fmt.Errorf("value is not valid JSON: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown value type %q", valueType)
	}
}
