package engine_test

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"intakeline/internal/config"
	"intakeline/internal/db"
	"intakeline/internal/domain"
	"intakeline/internal/engine"
	"intakeline/internal/migrate"
	"intakeline/internal/repo"
	"intakeline/internal/transitions"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func newProject(t *testing.T, env testEnv) domain.Project {
	t.Helper()
	c, err := env.Engine.CreateClient(env.Ctx, engine.ClientCreateOptions{Email: "client@example.com", Name: "Client"})
	if err != nil {
		t.Fatalf("create client: %v", err)
	}
	p, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{
		ClientID: c.ID,
		Title:    "Landing page",
		ActorID:  "tester",
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return p
}

func TestProjectStartsWithInitialTransition(t *testing.T) {
	env := newTestEnv(t)
	p := newProject(t, env)
	if p.CurrentState != domain.StateNew {
		t.Fatalf("expected NEW, got %s", p.CurrentState)
	}
	hist, err := env.Engine.History(env.Ctx, p.ID, false, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 1 {
		t.Fatalf("expected 1 transition, got %d", len(hist))
	}
	if hist[0].FromState != nil {
		t.Fatalf("expected nil from_state on creation row")
	}
	if hist[0].ToState != domain.StateNew {
		t.Fatalf("expected to_state NEW, got %s", hist[0].ToState)
	}
}

// The cached current_state must always equal the to_state of the latest
// history row, whatever sequence of transitions was applied.
func TestCacheMatchesLatestTransition(t *testing.T) {
	env := newTestEnv(t)
	p := newProject(t, env)
	rng := rand.New(rand.NewSource(42))
	states := domain.States()
	last := domain.StateNew
	for i := 0; i < 25; i++ {
		to := states[rng.Intn(len(states))]
		got, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
			ProjectID: p.ID, ToState: to, ActorID: "tester",
		})
		if err != nil {
			t.Fatalf("transition %d to %s: %v", i, to, err)
		}
		if got.CurrentState != to {
			t.Fatalf("cache %s != applied %s", got.CurrentState, to)
		}
		last = to
	}
	latest, err := env.Engine.Repo.LatestTransition(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.ToState != last {
		t.Fatalf("latest transition %s != last applied %s", latest.ToState, last)
	}
	fresh, _ := env.Engine.Repo.GetProject(env.Ctx, p.ID)
	if fresh.CurrentState != latest.ToState {
		t.Fatalf("cache %s diverged from log %s", fresh.CurrentState, latest.ToState)
	}
}

func TestTransitionRecordsActorAndFromState(t *testing.T) {
	env := newTestEnv(t)
	p := newProject(t, env)
	_, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		ProjectID: p.ID,
		ToState:   domain.StateAnalyzed,
		ActorID:   "email_parser",
		Reason:    "parsed inquiry",
		Metadata:  transitions.Metadata{"confidence": 0.92},
	})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	latest, err := env.Engine.Repo.LatestTransition(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.ChangedBy != "email_parser" {
		t.Fatalf("expected actor email_parser, got %s", latest.ChangedBy)
	}
	if latest.FromState == nil || *latest.FromState != domain.StateNew {
		t.Fatalf("expected from_state NEW")
	}
	if latest.Reason != "parsed inquiry" {
		t.Fatalf("unexpected reason %q", latest.Reason)
	}
}

func TestTransitionRejectsUnknownStateAndMissingActor(t *testing.T) {
	env := newTestEnv(t)
	p := newProject(t, env)
	if _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{ProjectID: p.ID, ToState: "DONE", ActorID: "tester"}); err == nil {
		t.Fatalf("expected unknown state error")
	}
	if _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{ProjectID: p.ID, ToState: domain.StateAnalyzed}); err == nil {
		t.Fatalf("expected missing actor error")
	}
	hist, _ := env.Engine.History(env.Ctx, p.ID, false, 0)
	if len(hist) != 1 {
		t.Fatalf("rejected transitions must not append rows, got %d", len(hist))
	}
}

func TestTransitionMissingProjectIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{ProjectID: 9999, ToState: domain.StateAnalyzed, ActorID: "tester"})
	if err == nil || !errorsIsNotFound(err) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestTerminalTransitionRecomputesClientCounters(t *testing.T) {
	env := newTestEnv(t)
	c, err := env.Engine.CreateClient(env.Ctx, engine.ClientCreateOptions{Email: "repeat@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	for i, final := range []string{domain.StateClosed, domain.StateRejected} {
		p, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{ClientID: c.ID, Title: "p", ActorID: "tester"})
		if err != nil {
			t.Fatalf("project %d: %v", i, err)
		}
		if final == domain.StateClosed {
			price := 1200.0
			p.FinalPrice = &price
			if _, err := env.Engine.UpdateProjectAnalysis(env.Ctx, p); err != nil {
				t.Fatalf("set final price: %v", err)
			}
		}
		if _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{ProjectID: p.ID, ToState: final, ActorID: "tester"}); err != nil {
			t.Fatalf("close %d: %v", i, err)
		}
	}
	got, err := env.Engine.Repo.GetClient(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.TotalProjects != 2 {
		t.Fatalf("expected 2 total projects, got %d", got.TotalProjects)
	}
	if got.SuccessfulProjects != 1 {
		t.Fatalf("expected 1 successful project, got %d", got.SuccessfulProjects)
	}
	if got.TotalPaid != 1200.0 {
		t.Fatalf("expected total paid 1200, got %v", got.TotalPaid)
	}
}

func TestConcurrentTransitionsBothRecorded(t *testing.T) {
	env := newTestEnv(t)
	p := newProject(t, env)
	var wg sync.WaitGroup
	for _, to := range []string{domain.StateAnalyzed, domain.StateNegotiation} {
		wg.Add(1)
		go func(to string) {
			defer wg.Done()
			if _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{ProjectID: p.ID, ToState: to, ActorID: "racer"}); err != nil {
				t.Errorf("transition to %s: %v", to, err)
			}
		}(to)
	}
	wg.Wait()
	hist, err := env.Engine.History(env.Ctx, p.ID, false, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 3 {
		t.Fatalf("expected creation + 2 transitions, got %d rows", len(hist))
	}
	latest, _ := env.Engine.Repo.LatestTransition(env.Ctx, p.ID)
	fresh, _ := env.Engine.Repo.GetProject(env.Ctx, p.ID)
	if fresh.CurrentState != latest.ToState {
		t.Fatalf("cache %s != latest log row %s", fresh.CurrentState, latest.ToState)
	}
}

func TestFlagScamRejectsProject(t *testing.T) {
	env := newTestEnv(t)
	p := newProject(t, env)
	got, err := env.Engine.FlagScam(env.Ctx, engine.FlagScamOptions{
		ProjectID: p.ID,
		ScamScore: 0.95,
		Reason:    "advance fee pattern",
		ActorID:   "scam_filter",
	})
	if err != nil {
		t.Fatalf("flag scam: %v", err)
	}
	if got.CurrentState != domain.StateRejected {
		t.Fatalf("expected REJECTED, got %s", got.CurrentState)
	}
	if !got.IsScam || got.ScamScore == nil || *got.ScamScore != 0.95 {
		t.Fatalf("scam flags not persisted: %+v", got)
	}
	latest, _ := env.Engine.Repo.LatestTransition(env.Ctx, p.ID)
	if latest.ToState != domain.StateRejected || latest.ChangedBy != "scam_filter" {
		t.Fatalf("unexpected latest transition %+v", latest)
	}
}

func TestDeleteClientCascadesButKeepsAgentLogs(t *testing.T) {
	env := newTestEnv(t)
	p := newProject(t, env)
	if _, err := env.Engine.AppendMessage(env.Ctx, engine.MessageAppendOptions{
		ProjectID: p.ID, Direction: "inbound", SenderEmail: "client@example.com", Subject: "hi",
	}); err != nil {
		t.Fatalf("message: %v", err)
	}
	l, err := env.Engine.LogAgentAction(env.Ctx, engine.AgentLogOptions{
		AgentName: "email_parser", ProjectID: &p.ID, Action: "parse", Success: true,
	})
	if err != nil {
		t.Fatalf("agent log: %v", err)
	}
	if err := env.Engine.Repo.DeleteClient(env.Ctx, p.ClientID); err != nil {
		t.Fatalf("delete client: %v", err)
	}
	if _, err := env.Engine.Repo.GetProject(env.Ctx, p.ID); !errorsIsNotFound(err) {
		t.Fatalf("expected project gone, got %v", err)
	}
	if _, err := env.Engine.Repo.ListMessages(env.Ctx, p.ID, false, 0); err != nil {
		t.Fatalf("list messages: %v", err)
	}
	logs, err := env.Engine.Repo.ListAgentLogs(env.Ctx, repo.AgentLogFilters{AgentName: "email_parser"})
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	var found bool
	for _, g := range logs {
		if g.ID == l.ID {
			found = true
			if g.ProjectID != nil {
				t.Fatalf("expected project_id nulled, got %v", *g.ProjectID)
			}
		}
	}
	if !found {
		t.Fatalf("agent log row lost on client delete")
	}
}

func TestDuplicateClientEmailIsConflict(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateClient(env.Ctx, engine.ClientCreateOptions{Email: "dup@example.com"}); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.CreateClient(env.Ctx, engine.ClientCreateOptions{Email: "dup@example.com"})
	if err == nil || !errorsIsConflict(err) {
		t.Fatalf("expected Conflict, got %v", err)
	}
}

func TestInstructionVersioning(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Engine.CreateAgentInstruction(env.Ctx, engine.InstructionCreateOptions{
		AgentName: "summarizer", InstructionText: "v1", IsActive: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if a.Version != 1 {
		t.Fatalf("expected version 1, got %d", a.Version)
	}
	for i := 2; i <= 4; i++ {
		a, err = env.Engine.UpdateAgentInstruction(env.Ctx, "summarizer", "v", "")
		if err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
		if a.Version != i {
			t.Fatalf("expected version %d, got %d", i, a.Version)
		}
	}
	a, err = env.Engine.ToggleAgentInstruction(env.Ctx, "summarizer", false)
	if err != nil {
		t.Fatal(err)
	}
	if a.Version != 4 || a.IsActive {
		t.Fatalf("toggle must not bump version: %+v", a)
	}
	if _, err := env.Engine.UpdateAgentInstruction(env.Ctx, "ghost", "x", ""); !errorsIsNotFound(err) {
		t.Fatalf("expected NotFound for unknown agent, got %v", err)
	}
	if _, err := env.Engine.CreateAgentInstruction(env.Ctx, engine.InstructionCreateOptions{AgentName: "summarizer"}); !errorsIsConflict(err) {
		t.Fatalf("expected Conflict for duplicate agent, got %v", err)
	}
}

func TestSettingUpsertIdempotent(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		s, err := env.Engine.SetSetting(env.Ctx, "hourly_rate", "75.0", "float", "")
		if err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
		if s.Value != "75.0" {
			t.Fatalf("unexpected value %q", s.Value)
		}
	}
	v, err := env.Engine.Repo.SettingFloat(env.Ctx, "hourly_rate")
	if err != nil || v != 75.0 {
		t.Fatalf("expected 75.0, got %v err %v", v, err)
	}
	if _, err := env.Engine.SetSetting(env.Ctx, "hourly_rate", "abc", "float", ""); err == nil {
		t.Fatalf("expected type validation error")
	}
}

func TestSettingValidationMatchesTypedReads(t *testing.T) {
	env := newTestEnv(t)
	// Values with trailing garbage must be rejected up front, not persisted
	// and then fail inside SettingInt/SettingFloat.
	for _, tc := range []struct{ value, valueType string }{
		{"50abc", "integer"},
		{"1.5x", "float"},
		{"0x10", "integer"},
		{"", "integer"},
	} {
		if _, err := env.Engine.SetSetting(env.Ctx, "max_projects", tc.value, tc.valueType, ""); err == nil {
			t.Fatalf("expected %q to fail %s validation", tc.value, tc.valueType)
		}
	}
	if _, err := env.Engine.SetSetting(env.Ctx, "max_projects", "12", "integer", ""); err != nil {
		t.Fatalf("set integer: %v", err)
	}
	n, err := env.Engine.Repo.SettingInt(env.Ctx, "max_projects")
	if err != nil || n != 12 {
		t.Fatalf("expected 12, got %v err %v", n, err)
	}
}

func TestSeededDefaultsPresent(t *testing.T) {
	env := newTestEnv(t)
	rate, err := env.Engine.Repo.SettingFloat(env.Ctx, "hourly_rate")
	if err != nil {
		t.Fatalf("hourly_rate: %v", err)
	}
	if rate != 50.0 {
		t.Fatalf("expected seeded hourly_rate 50.0, got %v", rate)
	}
	agents, err := env.Engine.Repo.ListInstructions(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(agents) != 7 {
		t.Fatalf("expected 7 seeded agents, got %d", len(agents))
	}
	for _, a := range agents {
		if a.Version != 1 || !a.IsActive {
			t.Fatalf("seeded agent %s not at active v1: %+v", a.AgentName, a)
		}
	}
}

func TestMessageThreading(t *testing.T) {
	env := newTestEnv(t)
	p := newProject(t, env)
	in, err := env.Engine.AppendMessage(env.Ctx, engine.MessageAppendOptions{
		ProjectID: p.ID, Direction: "inbound", SenderEmail: "client@example.com", Subject: "need a site", Body: "details",
	})
	if err != nil {
		t.Fatal(err)
	}
	if in.MessageID == "" {
		t.Fatalf("expected generated message id")
	}
	out, err := env.Engine.AppendMessage(env.Ctx, engine.MessageAppendOptions{
		ProjectID: p.ID, Direction: "outbound", RecipientEmail: "client@example.com", Subject: "Re: need a site", InReplyTo: &in.ID,
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.InReplyTo == nil || *out.InReplyTo != in.ID {
		t.Fatalf("threading lost: %+v", out)
	}
	if _, err := env.Engine.AppendMessage(env.Ctx, engine.MessageAppendOptions{ProjectID: p.ID, Direction: "sideways"}); err == nil {
		t.Fatalf("expected direction validation error")
	}
}

func TestTaskLifecycle(t *testing.T) {
	env := newTestEnv(t)
	p := newProject(t, env)
	hours := 8.0
	tk, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: p.ID, Title: "build form", EstimatedHours: &hours})
	if err != nil {
		t.Fatal(err)
	}
	if tk.Status != "pending" {
		t.Fatalf("expected pending, got %s", tk.Status)
	}
	tk, err = env.Engine.UpdateTaskStatus(env.Ctx, tk.ID, "completed")
	if err != nil || tk.Status != "completed" {
		t.Fatalf("complete: %v", err)
	}
	if _, err := env.Engine.UpdateTaskStatus(env.Ctx, tk.ID, "done"); err == nil {
		t.Fatalf("expected status validation error")
	}
	counts, err := env.Engine.Repo.CountTasksByStatus(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if counts["completed"] != 1 {
		t.Fatalf("unexpected counts %v", counts)
	}
}

func errorsIsNotFound(err error) bool { return errors.Is(err, repo.ErrNotFound) }
func errorsIsConflict(err error) bool { return errors.Is(err, repo.ErrConflict) }
