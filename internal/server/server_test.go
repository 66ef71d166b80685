package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"followups/internal/db"
	"followups/internal/domain"
	"followups/internal/engine"
	"followups/internal/migrate"
)

var testNow = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

type testServer struct {
	URL     string
	Engine  engine.Engine
	Handler http.Handler
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err, "open db")
	require.NoError(t, migrate.Migrate(conn, db.DriverSQLite), "migrate")
	e := engine.New(conn, db.DriverSQLite, nil)
	e.Now = func() time.Time { return testNow }
	require.NoError(t, e.Repo.InsertApplication(context.Background(), domain.Application{ID: "app-1", TenantID: "tenant-a"}))

	handler, err := New(Config{Engine: e, BasePath: "/v1", Location: time.UTC})
	require.NoError(t, err, "build handler")
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err, "listen")
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:     "http://" + ln.Addr().String(),
		Engine:  e,
		Handler: handler,
		client:  &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doRaw(t *testing.T, client *http.Client, method, url, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err, "new request")
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	require.NoError(t, err, "do request")
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err, "read body")
	return res, data
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	return doRaw(t, client, method, url, buf.String())
}

func decodeMap(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m), string(data))
	return m
}

func assertJSONError(t *testing.T, res *http.Response, data []byte, status int, msg string) {
	t.Helper()
	assert.Equal(t, status, res.StatusCode, string(data))
	assert.Contains(t, res.Header.Get("Content-Type"), "application/json")
	assert.Equal(t, map[string]any{"error": msg}, decodeMap(t, data))
}

func TestCreateTaskSuccess(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/create-task", map[string]any{
		"application_id": "app-1",
		"task_type":      "call",
		"due_at":         "2025-03-11T10:00:00Z",
		"ignored":        true,
	})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Contains(t, res.Header.Get("Content-Type"), "application/json")
	body := decodeMap(t, data)
	assert.Len(t, body, 2)
	assert.Equal(t, true, body["success"])
	id, _ := body["task_id"].(string)
	require.NotEmpty(t, id)

	task, err := srv.Engine.Repo.GetTask(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", task.TenantID)
	assert.Equal(t, domain.TaskStatusOpen, task.Status)
}

func TestCreateTaskValidationErrors(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	cases := []struct {
		name string
		body map[string]any
		msg  string
	}{
		{"missing field", map[string]any{"application_id": "app-1", "task_type": "call"}, "Missing required fields"},
		{"empty string", map[string]any{"application_id": "", "task_type": "call", "due_at": "2025-03-11T10:00:00Z"}, "Missing required fields"},
		{"bad type", map[string]any{"application_id": "app-1", "task_type": "sms", "due_at": "2025-03-11T10:00:00Z"}, "Invalid task_type. Must be one of: call, email, review"},
		{"bad date", map[string]any{"application_id": "app-1", "task_type": "call", "due_at": "soon"}, "Invalid date format for due_at"},
		{"past date", map[string]any{"application_id": "app-1", "task_type": "call", "due_at": "2025-03-09T10:00:00Z"}, "due_at must be in the future"},
		{"unknown application", map[string]any{"application_id": "app-x", "task_type": "call", "due_at": "2025-03-11T10:00:00Z"}, "Application not found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/create-task", tc.body)
			assertJSONError(t, res, data, http.StatusBadRequest, tc.msg)
		})
	}

	var n int
	require.NoError(t, srv.Engine.DB.QueryRow(`SELECT COUNT(*) FROM tasks`).Scan(&n))
	assert.Equal(t, 0, n)
}

func doRawWithType(t *testing.T, client *http.Client, method, url, contentType, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err, "new request")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	res, err := client.Do(req)
	require.NoError(t, err, "do request")
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err, "read body")
	return res, data
}

func TestCreateTaskUnreadableBody(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	cases := []struct {
		name        string
		contentType string
		body        string
	}{
		{"malformed", "application/json", "{not json"},
		{"empty", "application/json", ""},
		{"array", "application/json", "[]"},
		{"string", "application/json", `"text"`},
		{"trailing garbage", "application/json", `{"application_id":"app-1","task_type":"call","due_at":"2099-01-01T00:00:00Z"} trailing`},
		{"plain text", "text/plain", "hello"},
		{"no content type", "", "hello"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, data := doRawWithType(t, srv.Client(), http.MethodPost, srv.URL+"/v1/create-task", tc.contentType, tc.body)
			assertJSONError(t, res, data, http.StatusInternalServerError, "Internal server error")
		})
	}

	var n int
	require.NoError(t, srv.Engine.DB.QueryRow(`SELECT COUNT(*) FROM tasks`).Scan(&n))
	assert.Equal(t, 0, n)
}

func TestCreateTaskOversizedBody(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	body := `{"application_id":"` + strings.Repeat("a", 2<<20) + `","task_type":"call","due_at":"2099-01-01T00:00:00Z"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/create-task", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)

	res := rec.Result()
	assertJSONError(t, res, rec.Body.Bytes(), http.StatusInternalServerError, "Internal server error")
}

func TestCreateTaskStoreFailureHidesDetail(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	_, err := srv.Engine.DB.Exec(`DROP TABLE events`)
	require.NoError(t, err)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/create-task", map[string]any{
		"application_id": "app-1",
		"task_type":      "call",
		"due_at":         "2025-03-11T10:00:00Z",
	})
	assertJSONError(t, res, data, http.StatusInternalServerError, "Internal server error")
	assert.NotContains(t, string(data), "events")

	var n int
	require.NoError(t, srv.Engine.DB.QueryRow(`SELECT COUNT(*) FROM tasks`).Scan(&n))
	assert.Equal(t, 0, n)
}

func TestCreateTaskCopiesTenantEndToEnd(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()
	require.NoError(t, srv.Engine.Repo.InsertApplication(ctx, domain.Application{ID: "A1", TenantID: "T1"}))

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/create-task", map[string]any{
		"application_id": "A1",
		"task_type":      "call",
		"due_at":         "2099-01-01T00:00:00Z",
	})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var created CreateTaskResponse
	require.NoError(t, json.Unmarshal(data, &created))
	require.True(t, created.Success)

	var tenant, taskType, status, due string
	require.NoError(t, srv.Engine.DB.QueryRow(`SELECT tenant_id,type,status,due_at FROM tasks WHERE id=?`, created.TaskID).
		Scan(&tenant, &taskType, &status, &due))
	assert.Equal(t, "T1", tenant)
	assert.Equal(t, "call", taskType)
	assert.Equal(t, "open", status)
	assert.Equal(t, "2099-01-01T00:00:00.000000000Z", due)
}

func TestCreateTaskMethodNotAllowed(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete} {
		res, data := doRaw(t, srv.Client(), method, srv.URL+"/v1/create-task", "")
		assertJSONError(t, res, data, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func TestUnknownRoute(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doRaw(t, srv.Client(), http.MethodGet, srv.URL+"/v1/nope", "")
	assertJSONError(t, res, data, http.StatusNotFound, "Not found")
}

func TestTodayAndComplete(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()
	earlier := testNow.Add(-48 * time.Hour)
	create := func(due string) string {
		id, err := srv.Engine.CreateTask(ctx, engine.CreateTaskRequest{ApplicationID: "app-1", TaskType: "review", DueAt: due}, earlier)
		require.NoError(t, err)
		return id
	}
	later := create("2025-03-10T18:00:00Z")
	sooner := create("2025-03-10T08:00:00Z")
	create("2025-03-11T08:00:00Z")

	res, data := doRaw(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks/today", "")
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var today TodayResponse
	require.NoError(t, json.Unmarshal(data, &today))
	require.Len(t, today.Items, 2)
	assert.Equal(t, sooner, today.Items[0].ID)
	assert.Equal(t, later, today.Items[1].ID)
	assert.Equal(t, "review", today.Items[0].Type)

	res, data = doRaw(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks/"+sooner+"/complete", "")
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, map[string]any{"success": true}, decodeMap(t, data))

	res, data = doRaw(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks/"+sooner+"/complete", "")
	assertJSONError(t, res, data, http.StatusConflict, "Task already completed")

	res, data = doRaw(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks/missing/complete", "")
	assertJSONError(t, res, data, http.StatusNotFound, "Task not found")

	res, data = doRaw(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks/today", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.NoError(t, json.Unmarshal(data, &today))
	require.Len(t, today.Items, 1)
	assert.Equal(t, later, today.Items[0].ID)
}

func TestTodayReferenceInstant(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	earlier := testNow.Add(-48 * time.Hour)
	// 23:30 UTC on the 10th is already the 11th in UTC+2.
	id, err := srv.Engine.CreateTask(context.Background(), engine.CreateTaskRequest{
		ApplicationID: "app-1", TaskType: "email", DueAt: "2025-03-10T23:30:00Z",
	}, earlier)
	require.NoError(t, err)

	res, data := doRaw(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks/today?at=2025-03-11T09:00:00%2B02:00", "")
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var today TodayResponse
	require.NoError(t, json.Unmarshal(data, &today))
	require.Len(t, today.Items, 1)
	assert.Equal(t, id, today.Items[0].ID)

	res, data = doRaw(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks/today?tz=Not/AZone", "")
	assertJSONError(t, res, data, http.StatusBadRequest, "Invalid tz")

	res, data = doRaw(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks/today?at=yesterday", "")
	assertJSONError(t, res, data, http.StatusBadRequest, "Invalid at")
}

func TestTodayStoreFailure(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	_, err := srv.Engine.DB.Exec(`DROP TABLE tasks`)
	require.NoError(t, err)

	res, data := doRaw(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks/today", "")
	assertJSONError(t, res, data, http.StatusInternalServerError, "Failed to load tasks")
}

func TestHealthAndOpenAPI(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doRaw(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, map[string]any{"status": "ok"}, decodeMap(t, data))

	res, data = doRaw(t, srv.Client(), http.MethodGet, srv.URL+"/v1/openapi.json", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	spec := decodeMap(t, data)
	paths, ok := spec["paths"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, paths, "/v1/create-task")
	assert.Contains(t, paths, "/v1/tasks/today")
	assert.Contains(t, paths, "/v1/tasks/{id}/complete")
}
