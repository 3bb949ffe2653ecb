package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kryptobaseddev/cleo/internal/cleoerr"
	"github.com/kryptobaseddev/cleo/internal/config"
	"github.com/kryptobaseddev/cleo/internal/db"
	"github.com/kryptobaseddev/cleo/internal/domain"
	"github.com/kryptobaseddev/cleo/internal/engine"
	"github.com/kryptobaseddev/cleo/internal/migrate"
)

const (
	testProject = "proj-1"
	testSecret  = "server-test-secret"
)

type testServer struct {
	URL    string
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
	cfg := config.Default(testProject)
	e := engine.New(conn, cfg)
	if _, err := e.InitProject(context.Background(), testProject, "", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	if err := e.Repo.UpsertProjectConfig(context.Background(), testProject, cfg); err != nil {
		t.Fatalf("seed project config: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth: AuthConfig{
			JWTSecret:              testSecret,
			AllowLegacyActorHeader: true,
			Logger:                 log.New(io.Discard, "", 0),
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
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

// doJSON sends a request as the legacy "tester" actor unless headers
// override the credentials.
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
	req.Header.Set("X-Actor-Id", "tester")
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

type testEnvelope struct {
	Success bool            `json:"success"`
	Outcome *cleoerr.Outcome `json:"outcome"`
	Data    json.RawMessage `json:"data"`
	Err     *cleoerr.Error  `json:"error"`
}

func decodeEnvelope(t *testing.T, data []byte) testEnvelope {
	t.Helper()
	var env testEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v: %s", err, string(data))
	}
	return env
}

func createTask(t *testing.T, srv *testServer, body map[string]any) domain.Task {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects/"+testProject+"/tasks", body, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d: %s", res.StatusCode, string(data))
	}
	var task domain.Task
	if err := json.Unmarshal(decodeEnvelope(t, data).Data, &task); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	return task
}

func TestHealthSkipsAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/health", nil)
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("health request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/projects/"+testProject+"/tasks", nil)
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("list request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
}

func TestBearerTokenAccepted(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "agent-7",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects/"+testProject+"/tasks", map[string]any{
		"title": "Via bearer",
	}, map[string]string{"Authorization": "Bearer " + signed, "X-Actor-Id": ""})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create via bearer status %d: %s", res.StatusCode, string(data))
	}

	badRes, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects/"+testProject+"/tasks", nil,
		map[string]string{"Authorization": "Bearer not-a-token", "X-Actor-Id": ""})
	if badRes.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", badRes.StatusCode)
	}
}

func TestTaskCompleteIdempotentOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	task := createTask(t, srv, map[string]any{"title": "Ship it"})

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/"+task.ID+"/complete", map[string]any{}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete status %d: %s", res.StatusCode, string(data))
	}
	env := decodeEnvelope(t, data)
	var done domain.Task
	if err := json.Unmarshal(env.Data, &done); err != nil {
		t.Fatalf("unmarshal done: %v", err)
	}
	if done.Status != domain.StatusDone {
		t.Fatalf("expected done, got %s", done.Status)
	}
	if env.Outcome != nil {
		t.Fatalf("first completion should have no outcome, got %+v", env.Outcome)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/"+task.ID+"/complete", map[string]any{}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("repeat complete status %d: %s", res.StatusCode, string(data))
	}
	env = decodeEnvelope(t, data)
	if env.Outcome == nil || env.Outcome.Code != "NO_CHANGE" {
		t.Fatalf("expected NO_CHANGE outcome, got %+v", env.Outcome)
	}
}

func TestSingleActiveConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	first := createTask(t, srv, map[string]any{"title": "First"})
	second := createTask(t, srv, map[string]any{"title": "Second"})

	res, data := doJSON(t, client, http.MethodPatch, srv.URL+"/v1/tasks/"+first.ID, map[string]any{
		"status": "active",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("activate first status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v1/tasks/"+second.ID, map[string]any{
		"status": "active",
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	env := decodeEnvelope(t, data)
	if env.Err == nil || env.Err.Code != cleoerr.CodeTaskClaimed {
		t.Fatalf("expected %s, got %+v", cleoerr.CodeTaskClaimed, env.Err)
	}
	if env.Err.Details["active_task"] != first.ID {
		t.Fatalf("expected active_task detail %s, got %+v", first.ID, env.Err.Details)
	}
}

func TestOrphanedDependencyValidation(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects/"+testProject+"/tasks", map[string]any{
		"title":   "Needs a ghost",
		"depends": []string{"T999"},
	}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}
	env := decodeEnvelope(t, data)
	if env.Err == nil || env.Err.Code != cleoerr.CodeOrphanedDependency {
		t.Fatalf("expected %s, got %+v", cleoerr.CodeOrphanedDependency, env.Err)
	}
}

func TestTaskNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks/T404", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
}

func TestSessionScopeConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	task := createTask(t, srv, map[string]any{"title": "Contested"})

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/"+testProject+"/sessions", map[string]any{
		"name":  "first",
		"scope": map[string]any{"type": "task", "root_id": task.ID},
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("first session status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/"+testProject+"/sessions", map[string]any{
		"name":  "second",
		"scope": map[string]any{"type": "task", "root_id": task.ID},
	}, map[string]string{"X-Actor-Id": "other"})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	env := decodeEnvelope(t, data)
	if env.Err == nil || env.Err.Code != cleoerr.CodeScopeConflict {
		t.Fatalf("expected %s, got %+v", cleoerr.CodeScopeConflict, env.Err)
	}
	if len(env.Err.Alternatives) == 0 {
		t.Fatalf("expected ranked alternatives on scope conflict")
	}
}

func TestDispatchCheckBlocksImplementation(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	epic := createTask(t, srv, map[string]any{"title": "Big rock", "type": "epic"})

	res, data := doJSON(t, client, http.MethodGet,
		srv.URL+"/v1/epics/"+epic.ID+"/dispatch-check?protocol_type=implementation", nil, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for gated dispatch, got %d: %s", res.StatusCode, string(data))
	}
	env := decodeEnvelope(t, data)
	if env.Err == nil || env.Err.Code != cleoerr.CodeLifecycleGateFailed {
		t.Fatalf("expected %s, got %+v", cleoerr.CodeLifecycleGateFailed, env.Err)
	}

	res, data = doJSON(t, client, http.MethodGet,
		srv.URL+"/v1/epics/"+epic.ID+"/dispatch-check?protocol_type=general-cleanup", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stage-agnostic dispatch should pass, got %d: %s", res.StatusCode, string(data))
	}
}

func TestValidateRoutesCoexist(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	task := createTask(t, srv, map[string]any{"title": "Placement target"})

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/"+testProject+"/hierarchy/validate", map[string]any{
		"parent_id": task.ID,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("hierarchy validate status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/"+testProject+"/manifests/validate", map[string]any{
		"task_id":      task.ID,
		"file":         "manifests/missing.md",
		"title":        "Dry run",
		"status":       "complete",
		"topics":       []string{"api"},
		"key_findings": []string{"one"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("manifest validate status %d: %s", res.StatusCode, string(data))
	}
	var result struct {
		Passed     bool `json:"passed"`
		Violations []struct {
			Severity string `json:"severity"`
			Field    string `json:"field"`
		} `json:"violations"`
	}
	if err := json.Unmarshal(decodeEnvelope(t, data).Data, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.Passed || len(result.Violations) == 0 {
		t.Fatalf("dry run should report findings, got %+v", result)
	}
}

func TestReturnMessageValidation(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/protocol/return-message/validate", map[string]any{
		"message": "Task complete. Manifest updated.",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("canonical message status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/protocol/return-message/validate", map[string]any{
		"message": "All done, see transcript for details",
	}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for free text, got %d: %s", res.StatusCode, string(data))
	}
	env := decodeEnvelope(t, data)
	if env.Err == nil || env.Err.Code != cleoerr.CodeProtocolReturn {
		t.Fatalf("expected %s, got %+v", cleoerr.CodeProtocolReturn, env.Err)
	}
}
