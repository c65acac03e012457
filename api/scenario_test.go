package api

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/bytedance/sonic"

	"kanban-api/domain"
)

// jsonClient issues JSON requests against a running server.
type jsonClient struct {
	baseURL string
	http    *http.Client
}

func (c *jsonClient) do(method, path string, body, out any) (int, error) {
	var rd io.Reader
	if body != nil {
		data, err := sonic.Marshal(body)
		if err != nil {
			return 0, err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.baseURL+path, rd)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=representation")
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return resp.StatusCode, err
		}
		if err := sonic.Unmarshal(data, out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func newScenarioClient(t *testing.T) *jsonClient {
	t.Helper()
	s := newTestServer(t)
	srv := httptest.NewServer(s.e)
	t.Cleanup(srv.Close)
	return &jsonClient{baseURL: srv.URL, http: srv.Client()}
}

func TestScenarioBoardWalkthrough(t *testing.T) {
	c := newScenarioClient(t)

	var created struct {
		Data domain.ProjectSummary `json:"data"`
	}
	if code, err := c.do(http.MethodPost, "/api/project", map[string]string{"title": "Board A", "description": "demo"}, &created); err != nil || code != http.StatusCreated {
		t.Fatalf("create project: status %d err %v", code, err)
	}
	pid := created.Data.ID

	var tasks []domain.Task
	for _, title := range []string{"Write docs", "Review docs"} {
		var resp taskCreatedResponse
		if code, err := c.do(http.MethodPost, "/api/project/"+pid+"/task", map[string]string{"title": title, "description": "core"}, &resp); err != nil || code != http.StatusOK {
			t.Fatalf("create task: status %d err %v", code, err)
		}
		tasks = append(tasks, *resp.Task)
	}
	if tasks[0].Order != 0 || tasks[0].Index != 1 || tasks[1].Order != 1 || tasks[1].Index != 2 {
		t.Fatalf("unexpected placement: %+v", tasks)
	}

	layout := []map[string]any{{"stage": "Done", "tasks": []string{tasks[1].ID, tasks[0].ID}}}
	if code, err := c.do(http.MethodPut, "/api/project/"+pid+"/todo", layout, nil); err != nil || code != http.StatusOK {
		t.Fatalf("apply layout: status %d err %v", code, err)
	}

	var p domain.Project
	if code, err := c.do(http.MethodGet, "/api/project/"+pid, nil, &p); err != nil || code != http.StatusOK {
		t.Fatalf("get project: status %d err %v", code, err)
	}
	if len(p.Tasks) != 2 || p.Tasks[0].ID != tasks[1].ID || p.Tasks[1].ID != tasks[0].ID {
		t.Fatalf("tasks not sorted by new order: %+v", p.Tasks)
	}
	for i, task := range p.Tasks {
		if task.Stage != "Done" || task.Order != i {
			t.Fatalf("task %d = %+v, want Done/%d", i, task, i)
		}
	}
}

func TestScenarioConcurrentEditsConverge(t *testing.T) {
	c := newScenarioClient(t)

	var created struct {
		Data domain.ProjectSummary `json:"data"`
	}
	if code, err := c.do(http.MethodPost, "/api/project", map[string]string{"title": "Busy board", "description": "demo"}, &created); err != nil || code != http.StatusCreated {
		t.Fatalf("create project: status %d err %v", code, err)
	}
	pid := created.Data.ID

	const writers = 8
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids []string
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var resp taskCreatedResponse
			body := map[string]string{"title": fmt.Sprintf("Task %02d", i), "description": "load"}
			code, err := c.do(http.MethodPost, "/api/project/"+pid+"/task", body, &resp)
			if err != nil || code != http.StatusOK {
				t.Errorf("create task %d: status %d err %v", i, code, err)
				return
			}
			mu.Lock()
			ids = append(ids, resp.Task.ID)
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	if t.Failed() {
		return
	}

	var p domain.Project
	if _, err := c.do(http.MethodGet, "/api/project/"+pid, nil, &p); err != nil {
		t.Fatalf("get project: %v", err)
	}
	if len(p.Tasks) != writers {
		t.Fatalf("expected %d tasks, got %d", writers, len(p.Tasks))
	}
	seen := map[int]bool{}
	for _, task := range p.Tasks {
		if seen[task.Index] {
			t.Fatalf("index %d assigned twice", task.Index)
		}
		seen[task.Index] = true
	}

	layout := []map[string]any{{"stage": "In Progress", "tasks": ids}}
	if code, err := c.do(http.MethodPut, "/api/project/"+pid+"/todo", layout, nil); err != nil || code != http.StatusOK {
		t.Fatalf("apply layout: status %d err %v", code, err)
	}
	if _, err := c.do(http.MethodGet, "/api/project/"+pid, nil, &p); err != nil {
		t.Fatalf("get project: %v", err)
	}
	for i, task := range p.Tasks {
		if task.Stage != "In Progress" || task.Order != i || task.ID != ids[i] {
			t.Fatalf("task %d = %+v, want %s at order %d", i, task, ids[i], i)
		}
	}
}
