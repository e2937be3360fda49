package workflow_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"intakeline/internal/config"
	"intakeline/internal/db"
	"intakeline/internal/domain"
	"intakeline/internal/engine"
	"intakeline/internal/migrate"
	"intakeline/internal/repo"
	"intakeline/internal/workflow"
)

type stubAgent struct {
	name    string
	outcome workflow.Outcome
	err     error
	calls   int
}

func (a *stubAgent) Name() string { return a.name }

func (a *stubAgent) Process(ctx context.Context, p domain.Project) (workflow.Outcome, error) {
	a.calls++
	return a.outcome, a.err
}

func newWorkflowEnv(t *testing.T) (engine.Engine, *workflow.Scheduler, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	d, err := workflow.NewDispatcher(eng.Config)
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	return eng, workflow.NewScheduler(eng, d), context.Background()
}

func seedProject(t *testing.T, eng engine.Engine, ctx context.Context, email string) domain.Project {
	t.Helper()
	c, err := eng.CreateClient(ctx, engine.ClientCreateOptions{Email: email})
	if err != nil {
		t.Fatal(err)
	}
	p, err := eng.CreateProject(ctx, engine.ProjectCreateOptions{ClientID: c.ID, Title: "site", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestDispatcherRouting(t *testing.T) {
	d, err := workflow.NewDispatcher(config.Default())
	if err != nil {
		t.Fatal(err)
	}
	if got := d.AgentFor(domain.StateNew); got != "email_parser" {
		t.Fatalf("NEW agent = %q", got)
	}
	if got := d.NextState(domain.StateNew); got != domain.StateAnalyzed {
		t.Fatalf("NEW next = %q", got)
	}
	if d.AgentFor(domain.StateClosed) != "" || d.NextState(domain.StateClosed) != "" {
		t.Fatalf("terminal state must have no agent or next")
	}
	if !d.Allowed(domain.StateNew, domain.StateAnalyzed) {
		t.Fatalf("NEW -> ANALYZED should be allowed")
	}
	if d.Allowed(domain.StateNew, domain.StateClosed) {
		t.Fatalf("NEW -> CLOSED should not be allowed")
	}
	states := d.AutoStates()
	if len(states) != 5 {
		t.Fatalf("expected 5 agent-owned states, got %v", states)
	}
}

func TestSchedulerAdvancesProject(t *testing.T) {
	eng, sched, ctx := newWorkflowEnv(t)
	p := seedProject(t, eng, ctx, "a@example.com")
	agent := &stubAgent{name: "email_parser", outcome: workflow.Outcome{Reason: "parsed"}}
	sched.Register(agent)

	n, err := sched.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if n != 1 || agent.calls != 1 {
		t.Fatalf("expected one processed project, got n=%d calls=%d", n, agent.calls)
	}
	got, err := eng.Repo.GetProject(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentState != domain.StateAnalyzed {
		t.Fatalf("expected ANALYZED, got %s", got.CurrentState)
	}
	latest, _ := eng.Repo.LatestTransition(ctx, p.ID)
	if latest.ChangedBy != "email_parser" || latest.Reason != "parsed" {
		t.Fatalf("unexpected transition %+v", latest)
	}
	logs, err := eng.Repo.ListAgentLogs(ctx, repo.AgentLogFilters{ProjectID: p.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 || !logs[0].Success {
		t.Fatalf("expected one successful agent log, got %+v", logs)
	}
}

func TestSchedulerFailureLeavesStateAndLogs(t *testing.T) {
	eng, sched, ctx := newWorkflowEnv(t)
	p := seedProject(t, eng, ctx, "b@example.com")
	agent := &stubAgent{name: "email_parser", err: errors.New("upstream timeout")}
	sched.Register(agent)

	if _, err := sched.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := eng.Repo.GetProject(ctx, p.ID)
	if got.CurrentState != domain.StateNew {
		t.Fatalf("failed run must not advance, got %s", got.CurrentState)
	}
	logs, err := eng.Repo.ListAgentLogs(ctx, repo.AgentLogFilters{ProjectID: p.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 || logs[0].Success || logs[0].ErrorMessage != "upstream timeout" {
		t.Fatalf("expected one failed agent log, got %+v", logs)
	}
}

func TestSchedulerSkipOutcome(t *testing.T) {
	eng, sched, ctx := newWorkflowEnv(t)
	p := seedProject(t, eng, ctx, "c@example.com")
	agent := &stubAgent{name: "email_parser", outcome: workflow.Outcome{Skip: true}}
	sched.Register(agent)

	if _, err := sched.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := eng.Repo.GetProject(ctx, p.ID)
	if got.CurrentState != domain.StateNew {
		t.Fatalf("skip must leave state, got %s", got.CurrentState)
	}
	hist, _ := eng.Repo.ListTransitions(ctx, p.ID, false, 0)
	if len(hist) != 1 {
		t.Fatalf("skip must not append transitions, got %d", len(hist))
	}
}

func TestSchedulerHonorsAgentToggle(t *testing.T) {
	eng, sched, ctx := newWorkflowEnv(t)
	p := seedProject(t, eng, ctx, "d@example.com")
	agent := &stubAgent{name: "email_parser"}
	sched.Register(agent)
	if _, err := eng.ToggleAgentInstruction(ctx, "email_parser", false); err != nil {
		t.Fatal(err)
	}

	if _, err := sched.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if agent.calls != 0 {
		t.Fatalf("disabled agent must not run")
	}
	got, _ := eng.Repo.GetProject(ctx, p.ID)
	if got.CurrentState != domain.StateNew {
		t.Fatalf("expected NEW, got %s", got.CurrentState)
	}

	if _, err := eng.ToggleAgentInstruction(ctx, "email_parser", true); err != nil {
		t.Fatal(err)
	}
	if _, err := sched.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if agent.calls != 1 {
		t.Fatalf("re-enabled agent should run once, got %d", agent.calls)
	}
}

func TestSchedulerChainsThroughPipeline(t *testing.T) {
	eng, sched, ctx := newWorkflowEnv(t)
	p := seedProject(t, eng, ctx, "e@example.com")
	for _, name := range []string{"email_parser", "classification_agent", "dialogue_orchestrator", "requirement_engineer", "offer_generator"} {
		sched.Register(&stubAgent{name: name})
	}
	// each pass advances one stage
	for i := 0; i < 5; i++ {
		if _, err := sched.RunOnce(ctx); err != nil {
			t.Fatalf("pass %d: %v", i, err)
		}
	}
	got, _ := eng.Repo.GetProject(ctx, p.ID)
	if got.CurrentState != domain.StateOfferSent {
		t.Fatalf("expected OFFER_SENT after full auto chain, got %s", got.CurrentState)
	}
	hist, _ := eng.Repo.ListTransitions(ctx, p.ID, false, 0)
	if len(hist) != 6 {
		t.Fatalf("expected creation + 5 transitions, got %d", len(hist))
	}
}
