package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	neturl "net/url"
	"testing"

	"intakeline/internal/config"
	"intakeline/internal/db"
	"intakeline/internal/domain"
	"intakeline/internal/engine"
	"intakeline/internal/migrate"
	"intakeline/internal/repo"
	"intakeline/internal/workflow"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	d, err := workflow.NewDispatcher(cfg)
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	handler, err := New(Config{
		Engine:     e,
		Dispatcher: d,
		BasePath:   "/v0",
		Auth: AuthConfig{
			JWTSecret:              testJWTSecret,
			DevLoginEnabled:        true,
			AllowLegacyActorHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if headers == nil {
		req.Header.Set("X-Actor-Id", "tester")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func createClientAndProject(t *testing.T, srv *testServer) (domain.Client, ProjectResponse) {
	t.Helper()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/clients", map[string]any{
		"email": "client@example.com",
		"name":  "Client",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create client: %d %s", res.StatusCode, string(data))
	}
	var c domain.Client
	if err := json.Unmarshal(data, &c); err != nil {
		t.Fatalf("unmarshal client: %v", err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"client_id": c.ID,
		"title":     "Landing page",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d %s", res.StatusCode, string(data))
	}
	var p ProjectResponse
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}
	return c, p
}

func TestTransitionAndHistory(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	_, p := createClientAndProject(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/1/transition", map[string]any{
		"to_state": "ANALYZED",
		"reason":   "parsed",
		"metadata": map[string]any{"confidence": 0.9},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transition: %d %s", res.StatusCode, string(data))
	}
	var updated ProjectResponse
	_ = json.Unmarshal(data, &updated)
	if updated.CurrentState != domain.StateAnalyzed {
		t.Fatalf("expected ANALYZED, got %s", updated.CurrentState)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/1/history?asc=true", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history: %d %s", res.StatusCode, string(data))
	}
	var hist []TransitionResponse
	if err := json.Unmarshal(data, &hist); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(hist))
	}
	if hist[0].FromState != nil || hist[0].ToState != domain.StateNew {
		t.Fatalf("unexpected creation row %+v", hist[0])
	}
	if hist[1].ChangedBy != "tester" || hist[1].Metadata["confidence"] != 0.9 {
		t.Fatalf("unexpected transition row %+v", hist[1])
	}
	_ = p
}

func TestTransitionUnknownStateIs400(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	createClientAndProject(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/1/transition", map[string]any{
		"to_state": "DONE",
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "bad_request" {
		t.Fatalf("expected bad_request code, got %q", envelope.Error.Code)
	}
}

func TestDuplicateClientIs409(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	createClientAndProject(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/clients", map[string]any{
		"email": "client@example.com",
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
}

func TestMissingProjectIs404(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/999", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, map[string]string{})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health must be open, got %d", res.StatusCode)
	}
}

func TestDevLoginAndJWT(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "owner",
	}, map[string]string{})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil || login.Token == "" {
		t.Fatalf("expected token, got %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/settings", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("jwt request: %d %s", res.StatusCode, string(data))
	}
}

func TestAPIKeyAuthActorAttribution(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	createClientAndProject(t, srv)

	raw := "il_testkey123"
	err := srv.Engine.Repo.InsertAPIKey(context.Background(), domain.APIKey{
		ID:        "key-1",
		ActorID:   "automation",
		KeyHash:   repo.HashAPIKey(raw),
		CreatedAt: "2026-01-01T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("insert key: %v", err)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/1/transition", map[string]any{
		"to_state": "ANALYZED",
	}, map[string]string{"X-Api-Key": raw})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key transition: %d %s", res.StatusCode, string(data))
	}
	latest, err := srv.Engine.Repo.LatestTransition(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if latest.ChangedBy != "automation" {
		t.Fatalf("expected actor from api key, got %s", latest.ChangedBy)
	}
}

func TestFlagScamEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	createClientAndProject(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/1/flag-scam", map[string]any{
		"scam_score": 0.88,
		"reason":     "payment outside platform",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("flag scam: %d %s", res.StatusCode, string(data))
	}
	var p ProjectResponse
	_ = json.Unmarshal(data, &p)
	if p.CurrentState != domain.StateRejected || !p.IsScam {
		t.Fatalf("unexpected project %+v", p)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/v0/settings/hourly_rate", map[string]any{
		"value":      "80.0",
		"value_type": "float",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("put setting: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/settings/hourly_rate", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get setting: %d %s", res.StatusCode, string(data))
	}
	var s domain.Setting
	_ = json.Unmarshal(data, &s)
	if s.Value != "80.0" || s.ValueType != "float" {
		t.Fatalf("unexpected setting %+v", s)
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/settings/hourly_rate", map[string]any{
		"value":      "notafloat",
		"value_type": "float",
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 on type mismatch, got %d %s", res.StatusCode, string(data))
	}
}

func TestAgentVersioningEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/v0/agents/email_parser", map[string]any{
		"instruction_text": "parse more carefully",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update agent: %d %s", res.StatusCode, string(data))
	}
	var a domain.AgentInstruction
	_ = json.Unmarshal(data, &a)
	if a.Version != 2 {
		t.Fatalf("expected seeded agent bumped to v2, got %d", a.Version)
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/agents/nonexistent", map[string]any{
		"instruction_text": "x",
	}, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown agent, got %d %s", res.StatusCode, string(data))
	}
}

func TestDashboardAndPipeline(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	createClientAndProject(t, srv)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/dashboard", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dashboard: %d %s", res.StatusCode, string(data))
	}
	var rows []domain.DashboardRow
	if err := json.Unmarshal(data, &rows); err != nil {
		t.Fatalf("unmarshal dashboard: %v", err)
	}
	if len(rows) != 1 || rows[0].CurrentState != domain.StateNew {
		t.Fatalf("unexpected dashboard %+v", rows)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/workflow/pipeline", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("pipeline: %d %s", res.StatusCode, string(data))
	}
	var stages []PipelineStageResponse
	if err := json.Unmarshal(data, &stages); err != nil {
		t.Fatalf("unmarshal pipeline: %v", err)
	}
	if len(stages) != 11 {
		t.Fatalf("expected 11 stages, got %d", len(stages))
	}
}

func TestProjectPaginationSurvivesUpdates(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	c, _ := createClientAndProject(t, srv)
	for i := 2; i <= 4; i++ {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{
			"client_id": c.ID,
			"title":     "Project",
		}, nil)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create project %d: %d %s", i, res.StatusCode, string(data))
		}
	}

	// Touch project 1 so it sorts first by updated_at while keeping the
	// lowest id. An id-only cursor would re-serve it on every page.
	_, err := srv.Engine.DB.Exec(`UPDATE projects SET updated_at='2027-01-01T00:00:00Z' WHERE id=1`)
	if err != nil {
		t.Fatalf("touch project: %v", err)
	}

	seen := map[int64]int{}
	cursor := ""
	for page := 0; page < 5; page++ {
		url := srv.URL + "/v0/projects?limit=2"
		if cursor != "" {
			url += "&cursor=" + neturl.QueryEscape(cursor)
		}
		res, data := doJSON(t, client, http.MethodGet, url, nil, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("list page %d: %d %s", page, res.StatusCode, string(data))
		}
		var body paginatedProjects
		if err := json.Unmarshal(data, &body); err != nil {
			t.Fatalf("unmarshal page %d: %v", page, err)
		}
		for _, p := range body.Items {
			seen[p.ID]++
		}
		if body.NextCursor == "" {
			break
		}
		cursor = body.NextCursor
	}
	if len(seen) != 4 {
		t.Fatalf("expected 4 distinct projects, got %v", seen)
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("project %d returned %d times", id, n)
		}
	}
}

func TestProjectListRejectsMalformedCursor(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects?cursor=justanid", nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed cursor, got %d %s", res.StatusCode, string(data))
	}
}

func TestMessagesEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	createClientAndProject(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/1/messages", map[string]any{
		"direction":    "inbound",
		"sender_email": "client@example.com",
		"subject":      "need a site",
		"body":         "details inside",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("append message: %d %s", res.StatusCode, string(data))
	}
	var m MessageResponse
	_ = json.Unmarshal(data, &m)
	if m.MessageID == "" {
		t.Fatalf("expected generated message id")
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/messages/1/processed", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("mark processed: %d %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &m)
	if !m.IsProcessed {
		t.Fatalf("expected processed flag set")
	}
}
