package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"opsline/internal/automation"
	"opsline/internal/config"
	"opsline/internal/db"
	"opsline/internal/domain"
	"opsline/internal/engine"
	"opsline/internal/migrate"
)

const testSecret = "test-secret"

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
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default(), nil)
	if err := e.GrantRole(context.Background(), "boss", "admin", "tester"); err != nil {
		t.Fatalf("grant admin: %v", err)
	}
	store := automation.EngineStore{Engine: e}
	loop := &automation.Loop{
		Trigger: automation.Trigger{Store: store, Audit: e.Events, Cache: e.Cache, ActorID: "automation"},
		Notes:   store,
		Feed:    e.Feed,
		Cache:   e.Cache,
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: true},
		Loop:     loop,
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
	reader := bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
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

func as(actorID string) map[string]string {
	return map[string]string{"X-Actor-Id": actorID}
}

func bearer(t *testing.T, actorID string, roles ...string) map[string]string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actorID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: roles,
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + signed}
}

func expectStatus(t *testing.T, res *http.Response, data []byte, want int) {
	t.Helper()
	if res.StatusCode != want {
		t.Fatalf("status %d, want %d: %s", res.StatusCode, want, string(data))
	}
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("unmarshal %s: %v", string(data), err)
	}
	return v
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var body struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal error %s: %v", string(data), err)
	}
	return body.Error.Code
}

func TestHealthSkipsAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	expectStatus(t, res, data, http.StatusOK)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/workers", nil, nil)
	expectStatus(t, res, data, http.StatusUnauthorized)
	if code := errorCode(t, data); code != "unauthorized" {
		t.Fatalf("code %q", code)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/workers", nil, map[string]string{"Authorization": "Bearer nope"})
	expectStatus(t, res, data, http.StatusUnauthorized)
	if code := errorCode(t, data); code != "invalid_credentials" {
		t.Fatalf("code %q", code)
	}
}

func TestAutomationRunAssignsWorker(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/fronts", map[string]any{"id": "front-1", "name": "Dock", "category": "logistics"}, as("boss"))
	expectStatus(t, res, data, http.StatusCreated)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workers", map[string]any{"id": "w1", "name": "Ana", "work_fronts": []string{"front-1"}}, as("boss"))
	expectStatus(t, res, data, http.StatusCreated)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/notes", map[string]any{
		"id": "n1", "number": "NF-1", "type": "inbound", "status": "released_for_production", "destination_work_front_id": "front-1",
	}, as("erp"))
	expectStatus(t, res, data, http.StatusCreated)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/automation/run", map[string]any{"note_ids": []string{"n1"}}, as("erp"))
	expectStatus(t, res, data, http.StatusForbidden)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/automation/run", map[string]any{"note_ids": []string{"n1"}}, as("boss"))
	expectStatus(t, res, data, http.StatusOK)
	batch := decode[automation.BatchResult](t, data)
	if batch.Created != 1 || batch.Considered != 1 {
		t.Fatalf("unexpected batch %+v", batch)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks?source_event_id=n1", nil, as("erp"))
	expectStatus(t, res, data, http.StatusOK)
	tasks := decode[[]domain.WorkUnit](t, data)
	if len(tasks) != 1 {
		t.Fatalf("expected one task, got %d", len(tasks))
	}
	if tasks[0].Type != "unloading" || len(tasks[0].AssignedWorkers) != 1 || tasks[0].AssignedWorkers[0] != "w1" {
		t.Fatalf("unexpected task %+v", tasks[0])
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/workers/w1", nil, as("erp"))
	expectStatus(t, res, data, http.StatusOK)
	if w := decode[domain.Worker](t, data); w.ActiveCount != 1 || w.Status != domain.WorkerBusy {
		t.Fatalf("worker not allocated: %+v", w)
	}
}

func TestSettingsRequirePrivilege(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	url := srv.URL + "/v0/settings/" + config.KeyMinScore

	res, data := doJSON(t, client, http.MethodPut, url, map[string]any{"value": "40"}, as("ana"))
	expectStatus(t, res, data, http.StatusForbidden)
	if code := errorCode(t, data); code != "forbidden" {
		t.Fatalf("code %q", code)
	}

	res, data = doJSON(t, client, http.MethodPut, url, map[string]any{"value": "abc"}, bearer(t, "ana", "manager"))
	expectStatus(t, res, data, http.StatusBadRequest)

	res, data = doJSON(t, client, http.MethodPut, url, map[string]any{"value": "40"}, bearer(t, "ana", "manager"))
	expectStatus(t, res, data, http.StatusOK)

	cfg, err := srv.Engine.AutomationConfig(context.Background())
	if err != nil {
		t.Fatalf("automation config: %v", err)
	}
	if cfg.MinScore != 40 {
		t.Fatalf("min score %d", cfg.MinScore)
	}
}

func TestTaskTransitionErrors(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/fronts", map[string]any{"id": "front-1", "name": "Press"}, as("boss"))
	expectStatus(t, res, data, http.StatusCreated)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"id": "t1", "type": "production", "work_front_id": "front-1",
	}, as("boss"))
	expectStatus(t, res, data, http.StatusCreated)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/t1/complete", nil, as("boss"))
	expectStatus(t, res, data, http.StatusConflict)
	if code := errorCode(t, data); code != "invalid_transition" {
		t.Fatalf("code %q", code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/t1/complete", map[string]any{"force": true}, as("boss"))
	expectStatus(t, res, data, http.StatusOK)
	if unit := decode[domain.WorkUnit](t, data); unit.Status != domain.TaskCompleted {
		t.Fatalf("status %s", unit.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/t1/resume", nil, as("boss"))
	expectStatus(t, res, data, http.StatusConflict)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/missing", nil, as("boss"))
	expectStatus(t, res, data, http.StatusNotFound)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"type": "production", "work_front_id": "front-1", "worker_ids": []string{"ghost"},
	}, as("boss"))
	expectStatus(t, res, data, http.StatusNotFound)
}

func TestExecutionsAndPhotos(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/fronts", map[string]any{"id": "front-1", "name": "Press"}, as("boss"))
	expectStatus(t, res, data, http.StatusCreated)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{"id": "t1", "type": "production", "work_front_id": "front-1"}, as("boss"))
	expectStatus(t, res, data, http.StatusCreated)

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/v0/photos/p1?task_id=t1", bytes.NewReader([]byte("jpeg-bytes")))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")
	req.Header.Set("X-Actor-Id", "device")
	upload, err := client.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	body, _ := io.ReadAll(upload.Body)
	upload.Body.Close()
	expectStatus(t, upload, body, http.StatusOK)
	photo := decode[PhotoResponse](t, body)
	if photo.Ref != engine.PhotoRef("p1") {
		t.Fatalf("ref %q", photo.Ref)
	}

	exec := map[string]any{
		"id":        "exec-1",
		"task_id":   "t1",
		"responses": []map[string]any{{"item_id": "item-1", "value": "ok", "photo_ref": photo.Ref, "timestamp": "2024-01-01T08:00:00Z"}},
	}
	for i, wantCreated := range []bool{true, false} {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/executions", exec, as("device"))
		expectStatus(t, res, data, http.StatusOK)
		if got := decode[ExecutionResponse](t, data); got.Created != wantCreated {
			t.Fatalf("call %d: created=%v", i, got.Created)
		}
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/t1/executions", nil, as("device"))
	expectStatus(t, res, data, http.StatusOK)
	if execs := decode[[]domain.ChecklistExecution](t, data); len(execs) != 1 || execs[0].ExecutedBy != "device" {
		t.Fatalf("unexpected executions %+v", execs)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/photos/p1", nil, as("device"))
	expectStatus(t, res, data, http.StatusOK)
	if ct := res.Header.Get("Content-Type"); ct != "image/jpeg" {
		t.Fatalf("content type %q", ct)
	}
	if string(data) != "jpeg-bytes" {
		t.Fatalf("photo body %q", string(data))
	}

	local := map[string]any{"id": "exec-2", "task_id": "t1", "responses": []map[string]any{{"item_id": "item-1", "value": "ok", "photo_ref": "blob:abc", "timestamp": "2024-01-01T08:00:00Z"}}}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/executions", local, as("device"))
	expectStatus(t, res, data, http.StatusBadRequest)
}

func TestAPIKeyAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/actors/keys", map[string]any{"actor_id": "device", "name": "tablet"}, as("boss"))
	expectStatus(t, res, data, http.StatusCreated)
	created := decode[CreateAPIKeyResponse](t, data)
	if created.Secret == "" || created.Key.KeyHash != "" {
		t.Fatalf("unexpected key response %+v", created)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": created.Secret})
	expectStatus(t, res, data, http.StatusOK)
	who := decode[WhoAmIResponse](t, data)
	if who.ActorID != "device" || who.Source != "api_key" || who.Privileged {
		t.Fatalf("unexpected principal %+v", who)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, as("boss"))
	expectStatus(t, res, data, http.StatusOK)
	if who := decode[WhoAmIResponse](t, data); !who.Privileged {
		t.Fatalf("boss should be privileged: %+v", who)
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/actors/keys/"+created.Key.ID, nil, as("boss"))
	expectStatus(t, res, data, http.StatusNoContent)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": created.Secret})
	expectStatus(t, res, data, http.StatusUnauthorized)

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/actors/keys/"+created.Key.ID, nil, as("boss"))
	expectStatus(t, res, data, http.StatusNotFound)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?type=actor.key.revoked", nil, as("boss"))
	expectStatus(t, res, data, http.StatusOK)
	page := decode[paginatedEvents](t, data)
	if len(page.Items) != 1 || page.Items[0].EntityID != "device" || page.Items[0].ActorID != "boss" {
		t.Fatalf("revocation should be recorded on the key owner: %+v", page.Items)
	}
}

func TestEventsPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	for _, id := range []string{"f1", "f2", "f3"} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/fronts", map[string]any{"id": id, "name": id}, as("boss"))
		expectStatus(t, res, data, http.StatusCreated)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?type=front.created&limit=2", nil, as("boss"))
	expectStatus(t, res, data, http.StatusOK)
	page := decode[paginatedEvents](t, data)
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("unexpected first page %+v", page)
	}
	if page.Items[0].EntityID != "f3" || page.Items[1].EntityID != "f2" {
		t.Fatalf("unexpected order %+v", page.Items)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?type=front.created&limit=2&cursor="+page.NextCursor, nil, as("boss"))
	expectStatus(t, res, data, http.StatusOK)
	page = decode[paginatedEvents](t, data)
	if len(page.Items) != 1 || page.Items[0].EntityID != "f1" || page.NextCursor != "" {
		t.Fatalf("unexpected second page %+v", page)
	}
}

func TestWebhookDispatcherPostsMatchingEvents(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()

	var mu sync.Mutex
	var got []webhookEvent
	var secrets []string
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
			t.Errorf("decode webhook: %v", err)
		}
		mu.Lock()
		got = append(got, evt)
		secrets = append(secrets, r.Header.Get("X-Opsline-Secret"))
		mu.Unlock()
	}))
	defer hook.Close()

	if _, err := srv.Engine.CreateFront(ctx, domain.WorkFront{ID: "before", Name: "before"}, "boss"); err != nil {
		t.Fatalf("create front: %v", err)
	}
	d := &webhookDispatcher{
		engine:   srv.Engine,
		webhooks: []config.WebhookConfig{{URL: hook.URL, Events: []string{"note.created"}, Secret: "s3", RatePerSecond: 50}},
		client:   &http.Client{Timeout: time.Second},
		logger:   srv.Engine.Logger,
		cursors:  map[int]int64{},
		limiters: map[int]*rate.Limiter{},
	}
	d.dispatchAll(ctx)

	if _, err := srv.Engine.CreateFront(ctx, domain.WorkFront{ID: "after", Name: "after"}, "boss"); err != nil {
		t.Fatalf("create front: %v", err)
	}
	if _, err := srv.Engine.CreateNote(ctx, engine.NoteCreateOptions{ID: "n1", Number: "NF-1", Status: "draft", ActorID: "erp"}); err != nil {
		t.Fatalf("create note: %v", err)
	}
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected one delivery, got %+v", got)
	}
	if got[0].Type != "note.created" || got[0].EntityID != "n1" || secrets[0] != "s3" {
		t.Fatalf("unexpected delivery %+v secret=%q", got[0], secrets[0])
	}
}

func TestCORSPreflight(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	handler, err := New(Config{
		Engine:         engine.New(conn, nil, nil),
		BasePath:       "/v0",
		AllowedOrigins: []string{"http://ui.local"},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}

	req := httptest.NewRequest(http.MethodOptions, "/v0/tasks", nil)
	req.Header.Set("Origin", "http://ui.local")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://ui.local" {
		t.Fatalf("expected allowed origin, got %q (status %d)", got, rec.Code)
	}

	req = httptest.NewRequest(http.MethodOptions, "/v0/tasks", nil)
	req.Header.Set("Origin", "http://evil.local")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unexpected allowed origin %q", got)
	}
}
