package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"taskflow/internal/config"
	"taskflow/internal/db"
	"taskflow/internal/engine"
	"taskflow/internal/events"
	"taskflow/internal/migrate"
	"taskflow/internal/notify"
	"taskflow/internal/repo"
	"taskflow/internal/telemetry"
)

const (
	testSecret = "test-secret"
	boss       = "boss@example.com"
	worker     = "worker@example.com"
)

type testServer struct {
	URL    string
	repo   repo.Repo
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	r := repo.Repo{DB: conn, Loc: cfg.Location(), Events: events.Writer{}}
	metrics := telemetry.New()
	e := engine.New(r, cfg)
	e.Notifier = notify.Log{}
	e.Telemetry = metrics
	handler, err := New(Config{
		Engine:   e,
		Repo:     r,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, TrustActorHeader: true},
		Metrics:  metrics,
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
		repo:   r,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func as(actor string) map[string]string {
	return map[string]string{ActorHeader: actor}
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

func createTask(t *testing.T, srv *testServer, due time.Time) TaskResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"title":    "Quarterly report",
		"assignee": worker,
		"due_date": due.Format(time.RFC3339),
	}, as(boss))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d: %s", res.StatusCode, string(data))
	}
	var created TaskResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	return created
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

func TestTaskApprovalAndCompletion(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	created := createTask(t, srv, time.Now().Add(72*time.Hour))
	if created.Status != "pending" || created.Requester != boss || created.ReminderTracking != "per_stage" {
		t.Fatalf("unexpected task %+v", created)
	}
	base := srv.URL + "/v0/tasks/" + created.ID

	res, data := doJSON(t, client, http.MethodPost, base+"/approve", nil, as(worker))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, base+"/completion/request", map[string]any{"note": "done early"}, as(worker))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("request completion status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, base+"/completion/approve", nil, as(boss))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve completion status %d: %s", res.StatusCode, string(data))
	}
	var done TaskResponse
	if err := json.Unmarshal(data, &done); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if done.CompletionStatus != "approved" {
		t.Fatalf("completion status = %q", done.CompletionStatus)
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/audit", nil, as(boss))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("audit status %d: %s", res.StatusCode, string(data))
	}
	var audit AuditList
	if err := json.Unmarshal(data, &audit); err != nil {
		t.Fatalf("unmarshal audit: %v", err)
	}
	if len(audit.Items) != 4 || audit.Items[0].EventType != "completion_approved" {
		t.Fatalf("unexpected audit %+v", audit.Items)
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/metrics", nil, as(boss))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d: %s", res.StatusCode, string(data))
	}
	var rec MetricsResponse
	_ = json.Unmarshal(data, &rec)
	if rec.OverduePoints != 0 || rec.TaskID != created.ID {
		t.Fatalf("unexpected metrics %+v", rec)
	}
}

func TestWrongPartyIsForbidden(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	created := createTask(t, srv, time.Now().Add(72*time.Hour))

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks/"+created.ID+"/approve", nil, as(boss))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "forbidden" {
		t.Fatalf("code = %s", code)
	}
}

func TestInvalidTransitionIsConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	created := createTask(t, srv, time.Now().Add(72*time.Hour))

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks/"+created.ID+"/completion/approve", nil, as(boss))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "invalid_transition" {
		t.Fatalf("code = %s", code)
	}
}

func TestUnknownTaskIsNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks/missing/approve", nil, as(worker))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tasks/missing", nil, as(worker))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.StatusCode)
	}
}

func TestBadDueDateIsBadRequest(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"title":    "x",
		"assignee": worker,
		"due_date": "tomorrow",
	}, as(boss))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", res.StatusCode, string(data))
	}
}

func TestAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}

	token, err := IssueToken(testSecret, boss)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"title":    "Signed request",
		"assignee": worker,
	}, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create with jwt: %d %s", res.StatusCode, string(data))
	}
	var created TaskResponse
	_ = json.Unmarshal(data, &created)
	if created.Requester != boss {
		t.Fatalf("requester = %q", created.Requester)
	}
}

func TestAPIKeyAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	created := createTask(t, srv, time.Now().Add(72*time.Hour))

	_, plain, err := srv.repo.CreateAPIKey(context.Background(), worker, "worker bot")
	if err != nil {
		t.Fatalf("create api key: %v", err)
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+created.ID+"/approve", nil, map[string]string{APIKeyHeader: plain})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve with api key: %d %s", res.StatusCode, string(data))
	}
	var approved TaskResponse
	_ = json.Unmarshal(data, &approved)
	if approved.Status != "approved" {
		t.Fatalf("status = %q", approved.Status)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks", nil, map[string]string{APIKeyHeader: "tfk_unknown"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown key, got %d", res.StatusCode)
	}
}

func TestCronAndPrometheus(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	created := createTask(t, srv, time.Now().Add(72*time.Hour))
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+created.ID+"/approve", nil, as(worker))

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/cron/reminders", nil, as("ops@example.com"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cron status %d: %s", res.StatusCode, string(data))
	}
	var sum PassResponse
	if err := json.Unmarshal(data, &sum); err != nil {
		t.Fatalf("unmarshal pass: %v", err)
	}
	if sum.Pass != engine.PassReminders || sum.Checked != 1 {
		t.Fatalf("unexpected pass summary %+v", sum)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/summaries", nil, as(boss))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("summaries status %d: %s", res.StatusCode, string(data))
	}
	var summaries SummaryList
	_ = json.Unmarshal(data, &summaries)
	if len(summaries.Items) != 1 || summaries.Items[0].Assignee != worker {
		t.Fatalf("unexpected summaries %+v", summaries.Items)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", res.StatusCode)
	}
	if !strings.Contains(string(data), "taskflow_transitions_total") || !strings.Contains(string(data), "taskflow_pass_runs_total") {
		t.Fatalf("missing taskflow series in exposition")
	}
}
