package workflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"intakeline/internal/domain"
	"intakeline/internal/engine"
	"intakeline/internal/repo"
	"intakeline/internal/transitions"
)

const (
	defaultPollInterval = 15 * time.Second
	defaultBatchLimit   = 20
	defaultWorkers      = 2
)

// Agent processes one project sitting in a state the pipeline assigns to it.
// A nil error means the project advances to the stage's next state; an error
// leaves it in place for the next poll.
type Agent interface {
	Name() string
	Process(ctx context.Context, project domain.Project) (Outcome, error)
}

// Outcome is what an agent run reports back. Skip leaves the project where it
// is without treating the run as a failure, e.g. while waiting on a client
// reply.
type Outcome struct {
	Skip     bool
	Reason   string
	Metadata transitions.Metadata
	Output   map[string]any
}

// Scheduler polls for projects in agent-owned states and feeds them to a
// bounded worker pool. Every run is recorded in agent_logs whether it
// succeeded or not, and a success produces exactly one transition.
type Scheduler struct {
	Engine     engine.Engine
	Dispatcher Dispatcher

	PollInterval time.Duration
	BatchLimit   int
	Workers      int

	mu     sync.Mutex
	agents map[string]Agent

	// inFlight keeps a project from being queued twice across overlapping
	// polls.
	inFlight map[int64]struct{}
}

func NewScheduler(eng engine.Engine, d Dispatcher) *Scheduler {
	s := &Scheduler{
		Engine:       eng,
		Dispatcher:   d,
		PollInterval: defaultPollInterval,
		BatchLimit:   defaultBatchLimit,
		Workers:      defaultWorkers,
		agents:       make(map[string]Agent),
		inFlight:     make(map[int64]struct{}),
	}
	if cfg := eng.Config; cfg != nil {
		if cfg.Workflow.PollIntervalSeconds > 0 {
			s.PollInterval = time.Duration(cfg.Workflow.PollIntervalSeconds) * time.Second
		}
		if cfg.Workflow.BatchLimit > 0 {
			s.BatchLimit = cfg.Workflow.BatchLimit
		}
		if cfg.Workflow.Workers > 0 {
			s.Workers = cfg.Workflow.Workers
		}
	}
	return s
}

// Register adds an agent implementation under its name. Later registrations
// replace earlier ones.
func (s *Scheduler) Register(a Agent) {
	s.mu.Lock()
	s.agents[a.Name()] = a
	s.mu.Unlock()
}

func (s *Scheduler) agentByName(name string) (Agent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[name]
	return a, ok
}

func (s *Scheduler) claim(projectID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[projectID]; busy {
		return false
	}
	s.inFlight[projectID] = struct{}{}
	return true
}

func (s *Scheduler) release(projectID int64) {
	s.mu.Lock()
	delete(s.inFlight, projectID)
	s.mu.Unlock()
}

// Run polls until the context is cancelled. Worker goroutines drain a shared
// queue; each item is one project processed by one agent.
func (s *Scheduler) Run(ctx context.Context) error {
	queue := make(chan domain.Project)
	var wg sync.WaitGroup
	for i := 0; i < s.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range queue {
				s.processOne(ctx, p)
				s.release(p.ID)
			}
		}()
	}

	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()
	for {
		if err := s.pollOnce(ctx, queue); err != nil {
			log.Printf("workflow: poll failed: %v", err)
		}
		select {
		case <-ctx.Done():
			close(queue)
			wg.Wait()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single poll-and-drain pass synchronously. The CLI uses
// it for one-shot processing and tests use it for determinism.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	states := s.Dispatcher.AutoStates()
	if len(states) == 0 {
		return 0, nil
	}
	projects, err := s.Engine.Repo.ListProjectsInStates(ctx, states, s.BatchLimit)
	if err != nil {
		return 0, err
	}
	processed := 0
	for _, p := range projects {
		if !s.claim(p.ID) {
			continue
		}
		s.processOne(ctx, p)
		s.release(p.ID)
		processed++
	}
	return processed, nil
}

func (s *Scheduler) pollOnce(ctx context.Context, queue chan<- domain.Project) error {
	states := s.Dispatcher.AutoStates()
	if len(states) == 0 {
		return nil
	}
	projects, err := s.Engine.Repo.ListProjectsInStates(ctx, states, s.BatchLimit)
	if err != nil {
		return err
	}
	for _, p := range projects {
		if !s.claim(p.ID) {
			continue
		}
		select {
		case queue <- p:
		case <-ctx.Done():
			s.release(p.ID)
			return ctx.Err()
		}
	}
	return nil
}

func (s *Scheduler) processOne(ctx context.Context, p domain.Project) {
	agentName := s.Dispatcher.AgentFor(p.CurrentState)
	if agentName == "" {
		return
	}
	agent, ok := s.agentByName(agentName)
	if !ok {
		log.Printf("workflow: no implementation registered for agent %s (state %s)", agentName, p.CurrentState)
		return
	}
	if active, err := s.agentActive(ctx, agentName); err != nil {
		log.Printf("workflow: check agent %s: %v", agentName, err)
		return
	} else if !active {
		return
	}

	start := time.Now()
	outcome, runErr := agent.Process(ctx, p)
	elapsed := time.Since(start).Milliseconds()

	logOpts := engine.AgentLogOptions{
		AgentName:       agentName,
		ProjectID:       &p.ID,
		Action:          fmt.Sprintf("process_%s", p.CurrentState),
		Output:          outcome.Output,
		Success:         runErr == nil,
		ExecutionTimeMS: &elapsed,
	}
	if runErr != nil {
		logOpts.ErrorMessage = runErr.Error()
	}
	if _, err := s.Engine.LogAgentAction(ctx, logOpts); err != nil {
		log.Printf("workflow: record agent log for %s: %v", agentName, err)
	}
	if runErr != nil {
		log.Printf("workflow: agent %s failed on project %d: %v", agentName, p.ID, runErr)
		return
	}
	if outcome.Skip {
		return
	}
	next := s.Dispatcher.NextState(p.CurrentState)
	if next == "" {
		return
	}
	reason := outcome.Reason
	if reason == "" {
		reason = fmt.Sprintf("processed by %s", agentName)
	}
	if _, err := s.Engine.Transition(ctx, engine.TransitionOptions{
		ProjectID: p.ID,
		ToState:   next,
		ActorID:   agentName,
		Reason:    reason,
		Metadata:  outcome.Metadata,
	}); err != nil {
		log.Printf("workflow: advance project %d to %s: %v", p.ID, next, err)
	}
}

// agentActive consults agent_instructions; agents toggled off are skipped
// without logging a run. Agents missing from the table run: the registry is
// authoritative, the table only vetoes.
func (s *Scheduler) agentActive(ctx context.Context, name string) (bool, error) {
	inst, err := s.Engine.Repo.GetInstruction(ctx, name)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return true, nil
		}
		return false, err
	}
	return inst.IsActive, nil
}
