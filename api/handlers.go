package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/santhosh-tekuri/jsonschema/v5"
	log "github.com/sirupsen/logrus"

	"kanban-api/domain"
)

const healthTimeout = 2 * time.Second

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, svc Services, health HealthChecker, streams Subscriber, logger *log.Logger) {
	g := e.Group("/api", ObservabilityMiddleware(logger))
	g.GET("/projects", listProjects(svc.Projects, logger))
	g.GET("/project/:id", getProject(svc.Projects, logger))
	g.POST("/project", createProject(svc.Projects, logger))
	g.PUT("/project/:id", updateProject(svc.Projects, logger))
	g.DELETE("/project/:id", deleteProject(svc.Projects, logger))

	g.POST("/project/:id/task", createTask(svc.Tasks, logger))
	g.GET("/project/:id/task/:taskId", getTask(svc.Tasks, logger))
	g.PUT("/project/:id/task/:taskId", updateTask(svc.Tasks, logger))
	g.DELETE("/project/:id/task/:taskId", deleteTask(svc.Tasks, logger))

	g.PUT("/project/:id/todo", applyLayout(svc.Board, logger))
	g.GET("/project/:id/stream", streamProject(svc.Projects, streams, logger))

	e.GET("/healthz", healthz(health))
}

type projectRequest struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Stages      []string `json:"stages,omitempty"`
}

var projectRequestSchema = jsonschema.MustCompileString("project.json", `{
	"type": "object",
	"properties": {
		"title": {"type": "string"},
		"description": {"type": "string"},
		"stages": {"type": "array", "items": {"type": "string"}}
	}
}`)

func (projectRequest) bodySchema() *jsonschema.Schema { return projectRequestSchema }

func (r projectRequest) input() domain.ProjectInput {
	return domain.ProjectInput{Title: r.Title, Description: r.Description, Stages: r.Stages}
}

type taskRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	// DueDate is an ISO 8601 string or epoch milliseconds.
	DueDate  any    `json:"dueDate"`
	Priority string `json:"priority"`
}

var taskRequestSchema = jsonschema.MustCompileString("task.json", `{
	"type": "object",
	"properties": {
		"title": {"type": "string"},
		"description": {"type": "string"},
		"dueDate": {"type": ["string", "number", "null"]},
		"priority": {"type": "string"}
	}
}`)

func (taskRequest) bodySchema() *jsonschema.Schema { return taskRequestSchema }

func (r taskRequest) input() (domain.TaskInput, error) {
	var (
		due *time.Time
		err error
	)
	switch v := r.DueDate.(type) {
	case nil:
	case string:
		due, err = domain.ParseDueDate(v)
	case float64:
		due, err = domain.ParseDueDate(strconv.FormatInt(int64(v), 10))
	default:
		err = &domain.ValidationError{Field: "dueDate", Message: "must be a valid date"}
	}
	if err != nil {
		return domain.TaskInput{}, err
	}
	return domain.TaskInput{
		Title:       r.Title,
		Description: r.Description,
		DueDate:     due,
		Priority:    domain.Priority(r.Priority),
	}, nil
}

type dataResponse struct {
	Data any `json:"data"`
}

type taskCreatedResponse struct {
	domain.UpdateResult
	Task *domain.Task `json:"task,omitempty"`
}

func healthz(health HealthChecker) echo.HandlerFunc {
	return func(c echo.Context) error {
		if health == nil {
			return c.NoContent(http.StatusOK)
		}
		ctx, cancel := context.WithTimeout(c.Request().Context(), healthTimeout)
		defer cancel()
		if err := health.Ping(ctx); err != nil {
			c.Logger().Error(err)
			return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: true, Message: "store unavailable"})
		}
		return c.NoContent(http.StatusOK)
	}
}

func listProjects(projects ProjectService, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		done := observeStore(c)
		list, err := projects.List(c.Request().Context())
		done()
		if err != nil {
			return writeError(c, logger, "storage", err)
		}
		return respond(c, http.StatusOK, list)
	}
}

func getProject(projects ProjectService, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := projectParam(c)
		done := observeStore(c)
		p, err := projects.Get(c.Request().Context(), id)
		done()
		if err != nil {
			return writeError(c, logger, "storage", err)
		}
		return respond(c, http.StatusOK, p)
	}
}

func createProject(projects ProjectService, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req projectRequest
		if err := decodeBody(c, &req); err != nil {
			return writeError(c, logger, "decode_body", err)
		}
		done := observeStore(c)
		sum, err := projects.Create(c.Request().Context(), req.input())
		done()
		if err != nil {
			return writeError(c, logger, "storage", err)
		}
		metricsFrom(c).SetProject(sum.ID)
		return respond(c, http.StatusCreated, dataResponse{Data: sum})
	}
}

func updateProject(projects ProjectService, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := projectParam(c)
		var req projectRequest
		if err := decodeBody(c, &req); err != nil {
			return writeError(c, logger, "decode_body", err)
		}
		done := observeStore(c)
		res, err := projects.Update(c.Request().Context(), id, req.input())
		done()
		if err != nil {
			return writeError(c, logger, "storage", err)
		}
		return respond(c, http.StatusOK, res)
	}
}

func deleteProject(projects ProjectService, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := projectParam(c)
		done := observeStore(c)
		res, err := projects.Delete(c.Request().Context(), id)
		done()
		if err != nil {
			return writeError(c, logger, "storage", err)
		}
		return respond(c, http.StatusOK, res)
	}
}

func createTask(tasks TaskService, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := projectParam(c)
		var req taskRequest
		if err := decodeBody(c, &req); err != nil {
			return writeError(c, logger, "decode_body", err)
		}
		in, err := req.input()
		if err != nil {
			return writeError(c, logger, "validation", err)
		}
		done := observeStore(c)
		res, task, err := tasks.Create(c.Request().Context(), id, in)
		done()
		if err != nil {
			return writeError(c, logger, "storage", err)
		}
		resp := taskCreatedResponse{UpdateResult: res}
		if wantsRepresentation(c.Request()) {
			resp.Task = &task
			c.Response().Header().Set("Preference-Applied", "return=representation")
		}
		return respond(c, http.StatusOK, resp)
	}
}

func getTask(tasks TaskService, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := projectParam(c)
		done := observeStore(c)
		task, err := tasks.Get(c.Request().Context(), id, c.Param("taskId"))
		done()
		if err != nil {
			return writeError(c, logger, "storage", err)
		}
		return respond(c, http.StatusOK, task)
	}
}

func updateTask(tasks TaskService, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := projectParam(c)
		var req taskRequest
		if err := decodeBody(c, &req); err != nil {
			return writeError(c, logger, "decode_body", err)
		}
		in, err := req.input()
		if err != nil {
			return writeError(c, logger, "validation", err)
		}
		done := observeStore(c)
		res, err := tasks.Update(c.Request().Context(), id, c.Param("taskId"), in)
		done()
		if err != nil {
			return writeError(c, logger, "storage", err)
		}
		return respond(c, http.StatusOK, res)
	}
}

func deleteTask(tasks TaskService, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := projectParam(c)
		done := observeStore(c)
		res, err := tasks.Delete(c.Request().Context(), id, c.Param("taskId"))
		done()
		if err != nil {
			return writeError(c, logger, "storage", err)
		}
		return respond(c, http.StatusOK, res)
	}
}

func applyLayout(board LayoutService, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := projectParam(c)
		data, err := readBody(c)
		if err != nil {
			return writeError(c, logger, "decode_body", err)
		}
		layout, err := parseLayout(data)
		if err != nil {
			return writeError(c, logger, "validation", err)
		}
		done := observeStore(c)
		moves, err := board.ApplyLayout(c.Request().Context(), id, layout)
		done()
		if err != nil {
			return writeError(c, logger, "storage", err)
		}
		return respond(c, http.StatusOK, moves)
	}
}

func projectParam(c echo.Context) string {
	id := c.Param("id")
	metricsFrom(c).SetProject(id)
	return id
}

func observeStore(c echo.Context) func() {
	start := time.Now()
	return func() { metricsFrom(c).ObserveStore(time.Since(start)) }
}

func respond(c echo.Context, status int, v any) error {
	start := time.Now()
	err := c.JSON(status, v)
	m := metricsFrom(c)
	m.ObserveEncode(time.Since(start))
	if err != nil {
		m.SetErrorStage("encode_response")
	}
	return err
}

func wantsRepresentation(r *http.Request) bool {
	for _, pref := range strings.Split(r.Header.Get("Prefer"), ",") {
		if strings.EqualFold(strings.TrimSpace(pref), "return=representation") {
			return true
		}
	}
	return false
}
