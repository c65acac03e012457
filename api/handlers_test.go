package api

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"kanban-api/domain"
	"kanban-api/events"
	"kanban-api/storage"
)

type testServer struct {
	e      *echo.Echo
	svc    *domain.Service
	store  *storage.SQLiteStore
	broker *events.Broker
	hook   *test.Hook
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	f, err := os.CreateTemp("", "kanban-api-*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	f.Close()
	path := f.Name()
	t.Cleanup(func() { os.Remove(path) })

	store, err := storage.NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger, hook := test.NewNullLogger()
	logger.SetLevel(log.DebugLevel)
	broker := events.NewBroker()
	dispatcher := events.NewDispatcher(events.Config{Workers: 1, Buffer: 16}, logger, broker)
	t.Cleanup(dispatcher.Close)

	svc := domain.NewService(store, domain.Options{Notifier: dispatcher, Logger: logger})
	e := echo.New()
	e.JSONSerializer = Serializer{}
	e.Use(GzipRequestMiddleware())
	Register(e, FromDomain(svc), store, broker, logger)
	return &testServer{e: e, svc: svc, store: store, broker: broker, hook: hook}
}

func (s *testServer) do(t *testing.T, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := sonic.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func (s *testServer) createProject(t *testing.T, title string) string {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/project", `{"title":"`+title+`","description":"demo"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create project: status %d body %s", rec.Code, rec.Body.String())
	}
	resp := decode[struct {
		Data domain.ProjectSummary `json:"data"`
	}](t, rec)
	if resp.Data.ID == "" {
		t.Fatalf("missing project id in %s", rec.Body.String())
	}
	return resp.Data.ID
}

func (s *testServer) createTask(t *testing.T, projectID, title string) domain.Task {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/project/"+projectID+"/task",
		`{"title":"`+title+`","description":"core"}`, "Prefer", "return=representation")
	if rec.Code != http.StatusOK {
		t.Fatalf("create task: status %d body %s", rec.Code, rec.Body.String())
	}
	resp := decode[taskCreatedResponse](t, rec)
	if resp.Task == nil {
		t.Fatalf("task not returned: %s", rec.Body.String())
	}
	return *resp.Task
}

func TestProjectRoutes(t *testing.T) {
	s := newTestServer(t)
	id := s.createProject(t, "Board A")

	rec := s.do(t, http.MethodGet, "/api/projects", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), `"task"`) {
		t.Fatalf("list leaked tasks: %s", rec.Body.String())
	}
	list := decode[[]domain.ProjectSummary](t, rec)
	if len(list) != 1 || list[0].ID != id || list[0].Title != "Board A" {
		t.Fatalf("unexpected list: %+v", list)
	}

	rec = s.do(t, http.MethodPut, "/api/project/"+id, `{"title":"Board B","description":"renamed"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("update: status %d body %s", rec.Code, rec.Body.String())
	}
	if res := decode[domain.UpdateResult](t, rec); res.Matched != 1 || res.Modified != 1 {
		t.Fatalf("unexpected update result: %+v", res)
	}

	rec = s.do(t, http.MethodGet, "/api/project/"+id, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get: status %d", rec.Code)
	}
	p := decode[domain.Project](t, rec)
	if p.Title != "Board B" || p.Description != "renamed" {
		t.Fatalf("update not visible: %+v", p)
	}
	if strings.Contains(rec.Body.String(), "revision") || strings.Contains(rec.Body.String(), "LastIndex") {
		t.Fatalf("internal fields leaked: %s", rec.Body.String())
	}

	rec = s.do(t, http.MethodDelete, "/api/project/"+id, "")
	if res := decode[domain.DeleteResult](t, rec); rec.Code != http.StatusOK || res.Deleted != 1 {
		t.Fatalf("delete: status %d result %+v", rec.Code, res)
	}
	rec = s.do(t, http.MethodGet, "/api/project/"+id, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete: status %d", rec.Code)
	}
}

func TestUpdateProjectUpserts(t *testing.T) {
	s := newTestServer(t)
	id := "9b2f6f36-7d43-4a53-9d52-3f1d1c3b2a10"
	rec := s.do(t, http.MethodPut, "/api/project/"+id, `{"title":"Fresh","description":"new"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("upsert: status %d body %s", rec.Code, rec.Body.String())
	}
	if res := decode[domain.UpdateResult](t, rec); res.UpsertedID != id {
		t.Fatalf("unexpected upsert result: %+v", res)
	}
	if rec := s.do(t, http.MethodGet, "/api/project/"+id, ""); rec.Code != http.StatusOK {
		t.Fatalf("upserted project missing: %d", rec.Code)
	}
}

func TestProjectErrors(t *testing.T) {
	s := newTestServer(t)
	s.createProject(t, "Board A")

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantMsg    string
	}{
		{name: "duplicate", body: `{"title":"Board A","description":"x"}`, wantStatus: http.StatusConflict, wantMsg: "title must be unique"},
		{name: "shortTitle", body: `{"title":"ab","description":"x"}`, wantStatus: http.StatusUnprocessableEntity, wantMsg: "title length must be at least 3 characters long"},
		{name: "noDescription", body: `{"title":"Board C"}`, wantStatus: http.StatusUnprocessableEntity, wantMsg: "description is required"},
		{name: "unknownField", body: `{"title":"Board C","description":"x","owner":"me"}`, wantStatus: http.StatusBadRequest, wantMsg: "invalid body"},
		{name: "empty", body: "", wantStatus: http.StatusBadRequest, wantMsg: "empty body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/project", tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			resp := decode[errorResponse](t, rec)
			if !resp.Error || resp.Message != tt.wantMsg {
				t.Fatalf("unexpected body: %+v", resp)
			}
		})
	}
}

func TestTaskRoutes(t *testing.T) {
	s := newTestServer(t)
	pid := s.createProject(t, "Board A")

	first := s.createTask(t, pid, "Write docs")
	if first.Order != 0 || first.Index != 1 || first.Stage != "To-do" || first.Priority != domain.PriorityMedium {
		t.Fatalf("unexpected first task: %+v", first)
	}

	rec := s.do(t, http.MethodPost, "/api/project/"+pid+"/task",
		`{"title":"Review","description":"core","priority":"High","dueDate":1777852800000}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("create: status %d body %s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), `"task"`) {
		t.Fatalf("task returned without Prefer: %s", rec.Body.String())
	}
	if res := decode[domain.UpdateResult](t, rec); res.Matched != 1 || res.Modified != 1 {
		t.Fatalf("unexpected create result: %+v", res)
	}

	p, err := s.svc.Projects.Get(context.Background(), pid)
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if len(p.Tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(p.Tasks))
	}
	second := p.Tasks[1]
	if second.Order != 1 || second.Index != 2 || second.Priority != domain.PriorityHigh || second.DueDate == nil {
		t.Fatalf("unexpected second task: %+v", second)
	}

	taskPath := "/api/project/" + pid + "/task/" + first.ID
	rec = s.do(t, http.MethodGet, taskPath, "")
	if got := decode[domain.Task](t, rec); rec.Code != http.StatusOK || got.ID != first.ID {
		t.Fatalf("get task: status %d task %+v", rec.Code, got)
	}

	rec = s.do(t, http.MethodPut, taskPath, `{"title":"Write more","description":"core","dueDate":"2026-05-04"}`)
	if res := decode[domain.UpdateResult](t, rec); rec.Code != http.StatusOK || res.Modified != 1 {
		t.Fatalf("update task: status %d result %+v", rec.Code, res)
	}
	got, err := s.svc.Tasks.Get(context.Background(), pid, first.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Title != "Write more" || got.DueDate == nil || got.Order != 0 || got.Stage != "To-do" {
		t.Fatalf("unexpected updated task: %+v", got)
	}

	rec = s.do(t, http.MethodPut, taskPath, `{"title":"Write more","description":"core","priority":"Urgent"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("bad priority: status %d", rec.Code)
	}
	rec = s.do(t, http.MethodPut, taskPath, `{"title":"Write more","description":"core","dueDate":"soon"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("bad due date: status %d", rec.Code)
	}

	rec = s.do(t, http.MethodDelete, taskPath, "")
	if res := decode[domain.DeleteResult](t, rec); res.Deleted != 1 {
		t.Fatalf("delete task: %+v", res)
	}
	rec = s.do(t, http.MethodDelete, taskPath, "")
	if res := decode[domain.DeleteResult](t, rec); rec.Code != http.StatusOK || res.Deleted != 0 {
		t.Fatalf("second delete: status %d result %+v", rec.Code, res)
	}
	if rec := s.do(t, http.MethodGet, taskPath, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("get deleted task: status %d", rec.Code)
	}
	if rec := s.do(t, http.MethodPost, "/api/project/missing/task", `{"title":"Orphan","description":"x"}`); rec.Code != http.StatusNotFound {
		t.Fatalf("task in missing project: status %d", rec.Code)
	}
}

func TestApplyLayoutRoute(t *testing.T) {
	s := newTestServer(t)
	pid := s.createProject(t, "Board A")
	t1 := s.createTask(t, pid, "First")
	t2 := s.createTask(t, pid, "Second")

	rec := s.do(t, http.MethodPut, "/api/project/"+pid+"/todo",
		`[{"stage":"Done","tasks":["`+t2.ID+`","`+t1.ID+`","ghost"]}]`)
	if rec.Code != http.StatusOK {
		t.Fatalf("array layout: status %d body %s", rec.Code, rec.Body.String())
	}
	moves := decode[[]domain.Move](t, rec)
	want := []domain.Move{
		{TaskID: t2.ID, Stage: "Done", Order: 0, Applied: true},
		{TaskID: t1.ID, Stage: "Done", Order: 1, Applied: true},
		{TaskID: "ghost", Stage: "Done", Order: 2, Applied: false},
	}
	if len(moves) != len(want) {
		t.Fatalf("unexpected moves: %+v", moves)
	}
	for i := range want {
		if moves[i] != want[i] {
			t.Fatalf("move %d = %+v, want %+v", i, moves[i], want[i])
		}
	}

	// Object form: column keys are ids and their order is the board order.
	body := `{"col-2":{"name":"In Progress","items":[{"_id":"` + t1.ID + `","title":"First"}]},` +
		`"col-1":{"name":"To-do","items":[{"_id":"` + t2.ID + `"}]}}`
	rec = s.do(t, http.MethodPut, "/api/project/"+pid+"/todo", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("object layout: status %d body %s", rec.Code, rec.Body.String())
	}
	moves = decode[[]domain.Move](t, rec)
	if len(moves) != 2 || moves[0].TaskID != t1.ID || moves[0].Stage != "In Progress" || moves[1].TaskID != t2.ID {
		t.Fatalf("column order not kept: %+v", moves)
	}

	p, err := s.svc.Projects.Get(context.Background(), pid)
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	for _, task := range p.Tasks {
		if task.Order != 0 {
			t.Fatalf("task %s order %d, want 0", task.ID, task.Order)
		}
	}

	rec = s.do(t, http.MethodPut, "/api/project/"+pid+"/todo", `[]`)
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("empty layout: status %d body %s", rec.Code, rec.Body.String())
	}
	rec = s.do(t, http.MethodPut, "/api/project/missing/todo", `[{"stage":"Done","tasks":["x"]}]`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing project: status %d", rec.Code)
	}
}

func TestApplyLayoutRejectsMalformedPayload(t *testing.T) {
	s := newTestServer(t)
	pid := s.createProject(t, "Board A")

	for _, body := range []string{
		`[{"stage":"Done"}]`,
		`[{"stage":"","tasks":[]}]`,
		`{"col":{"name":"Done","items":[{"title":"no id"}]}}`,
		`"Done"`,
		`{not json`,
	} {
		rec := s.do(t, http.MethodPut, "/api/project/"+pid+"/todo", body)
		if rec.Code != http.StatusUnprocessableEntity {
			t.Fatalf("%s: status %d body %s", body, rec.Code, rec.Body.String())
		}
	}
}

func TestGzipRequestBody(t *testing.T) {
	s := newTestServer(t)

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(`{"title":"Zipped","description":"demo"}`)); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	zw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/project", &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderContentEncoding, "gzip")
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("gzip body: status %d body %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/api/project", strings.NewReader("plain"))
	req.Header.Set(echo.HeaderContentEncoding, "br, gzip")
	rec = httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid gzip: status %d", rec.Code)
	}
}

type failingPinger struct{ err error }

func (p failingPinger) Ping(context.Context) error { return p.err }

func TestHealthz(t *testing.T) {
	e := echo.New()
	logger, _ := test.NewNullLogger()
	Register(e, Services{}, failingPinger{err: errors.New("down")}, nil, logger)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy store: status %d", rec.Code)
	}

	s := newTestServer(t)
	if rec := s.do(t, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthy store: status %d", rec.Code)
	}
}

func TestStoreFailureHidesCause(t *testing.T) {
	s := newTestServer(t)
	s.store.Close()

	rec := s.do(t, http.MethodGet, "/api/projects", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status %d", rec.Code)
	}
	if resp := decode[errorResponse](t, rec); resp.Message != "server error" {
		t.Fatalf("cause leaked: %+v", resp)
	}
	var logged bool
	for _, entry := range s.hook.AllEntries() {
		if entry.Message == "request failed" && entry.Data["stage"] == "storage" {
			logged = true
		}
	}
	if !logged {
		t.Fatal("store failure not logged")
	}
}

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

func TestGzipRequestBodyLimits(t *testing.T) {
	s := newTestServer(t)
	valid := gzipBytes(t, []byte(`{"title":"Zipped","description":"demo"}`))

	tests := []struct {
		name       string
		body       []byte
		encoding   string
		wantStatus int
		wantMsg    string
	}{
		{name: "alias", body: valid, encoding: "x-gzip", wantStatus: http.StatusCreated},
		{name: "truncated", body: valid[:len(valid)-6], encoding: "gzip", wantStatus: http.StatusBadRequest, wantMsg: "invalid gzip body"},
		{name: "oversized", body: gzipBytes(t, bytes.Repeat([]byte(" "), maxBodySize+10)), encoding: "gzip", wantStatus: http.StatusRequestEntityTooLarge, wantMsg: "body too large"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/project", bytes.NewReader(tt.body))
			req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
			req.Header.Set(echo.HeaderContentEncoding, tt.encoding)
			rec := httptest.NewRecorder()
			s.e.ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantMsg != "" {
				if resp := decode[errorResponse](t, rec); !resp.Error || resp.Message != tt.wantMsg {
					t.Fatalf("unexpected body: %+v", resp)
				}
			}
		})
	}
}

func TestRequestFieldTypeErrors(t *testing.T) {
	s := newTestServer(t)
	pid := s.createProject(t, "Board A")

	tests := []struct {
		name      string
		path      string
		body      string
		wantField string
	}{
		{name: "projectTitle", path: "/api/project", body: `{"title":123,"description":"x"}`, wantField: "title"},
		{name: "projectStages", path: "/api/project", body: `{"title":"Board B","description":"x","stages":["To-do",4]}`, wantField: "stages.1"},
		{name: "taskPriority", path: "/api/project/" + pid + "/task", body: `{"title":"Valid","description":"x","priority":5}`, wantField: "priority"},
		{name: "taskDueDate", path: "/api/project/" + pid + "/task", body: `{"title":"Valid","description":"x","dueDate":true}`, wantField: "dueDate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, tt.path, tt.body)
			if rec.Code != http.StatusUnprocessableEntity {
				t.Fatalf("status %d, want 422 (%s)", rec.Code, rec.Body.String())
			}
			resp := decode[errorResponse](t, rec)
			if !resp.Error || !strings.HasPrefix(resp.Message, tt.wantField+" ") {
				t.Fatalf("message %q does not name %s", resp.Message, tt.wantField)
			}
		})
	}
}
