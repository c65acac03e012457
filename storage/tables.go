package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"

	"kanban-api/domain"
)

// All rows share one partition so a project and its title reservation can be
// written in a single entity group transaction.
const (
	boardPartition = "board"
	projectPrefix  = "project_"
	titlePrefix    = "title_"
	// projectUpper is the first row key after every project_ key.
	projectUpper = "project`"
)

// TablesStore keeps projects in Azure Table Storage. The entity ETag is the
// project revision.
type TablesStore struct {
	table *aztables.Client
}

// NewTablesStore creates a TablesStore from the given connection string.
func NewTablesStore(connStr, projectsTable string) (*TablesStore, error) {
	if connStr == "" || projectsTable == "" {
		return nil, errors.New("missing table storage config")
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, tablesClientOptions())
	if err != nil {
		return nil, err
	}
	return &TablesStore{table: svc.NewClient(projectsTable)}, nil
}

type projectEntity struct {
	aztables.Entity
	Title       string `json:"Title"`
	Description string `json:"Description"`
	Stages      string `json:"Stages"`
	TaskChunks  int    `json:"TaskChunks"`
	LastIndex   int    `json:"LastIndex"`
	CreatedAt   string `json:"CreatedAt"`
	UpdatedAt   string `json:"UpdatedAt"`
}

// The task list is stored as JSON split across TasksNNN string properties.
// A string property holds at most 64 KiB of UTF-16 and an entity at most
// 1 MiB, so chunks are counted in UTF-16 code units and the whole entity is
// sized before it is written.
const (
	taskChunkUnits = 32000
	maxEntityBytes = 1 << 20
)

type titleEntity struct {
	aztables.Entity
	ProjectID string `json:"ProjectID"`
}

func projectRowKey(id string) string { return projectPrefix + id }

func titleRowKey(title string) string {
	return titlePrefix + base64.RawURLEncoding.EncodeToString([]byte(title))
}

func taskChunkName(i int) string { return fmt.Sprintf("Tasks%03d", i) }

func encodeProjectEntity(p domain.Project) ([]byte, error) {
	stages, err := sonic.Marshal(p.Stages)
	if err != nil {
		return nil, err
	}
	tasks := p.Tasks
	if tasks == nil {
		tasks = []domain.Task{}
	}
	tasksJSON, err := sonic.MarshalString(tasks)
	if err != nil {
		return nil, err
	}
	chunks := splitUTF16(tasksJSON, taskChunkUnits)
	ent := map[string]any{
		"PartitionKey": boardPartition,
		"RowKey":       projectRowKey(p.ID),
		"Title":        p.Title,
		"Description":  p.Description,
		"Stages":       string(stages),
		"TaskChunks":   len(chunks),
		"LastIndex":    p.LastIndex,
		"CreatedAt":    formatStamp(p.CreatedAt),
		"UpdatedAt":    formatStamp(p.UpdatedAt),
	}
	for i, c := range chunks {
		ent[taskChunkName(i)] = c
	}
	if size := entitySize(ent); size > maxEntityBytes {
		return nil, fmt.Errorf("project %s needs %d bytes: %w", p.ID, size, domain.ErrProjectTooLarge)
	}
	return sonic.Marshal(ent)
}

func decodeProjectEntity(data []byte, etag azcore.ETag) (*domain.Project, error) {
	var ent projectEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return nil, err
	}
	p := &domain.Project{
		ID:          strings.TrimPrefix(ent.RowKey, projectPrefix),
		Title:       ent.Title,
		Description: ent.Description,
		LastIndex:   ent.LastIndex,
		Tasks:       []domain.Task{},
		Revision:    string(etag),
	}
	if ent.Stages != "" {
		if err := sonic.UnmarshalString(ent.Stages, &p.Stages); err != nil {
			return nil, fmt.Errorf("decode stages: %w", err)
		}
	}
	if ent.TaskChunks > 0 {
		var props map[string]any
		if err := sonic.Unmarshal(data, &props); err != nil {
			return nil, err
		}
		var sb strings.Builder
		for i := 0; i < ent.TaskChunks; i++ {
			chunk, ok := props[taskChunkName(i)].(string)
			if !ok {
				return nil, fmt.Errorf("decode tasks: missing %s", taskChunkName(i))
			}
			sb.WriteString(chunk)
		}
		if err := sonic.UnmarshalString(sb.String(), &p.Tasks); err != nil {
			return nil, fmt.Errorf("decode tasks: %w", err)
		}
	}
	var err error
	if p.CreatedAt, err = parseStamp(ent.CreatedAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseStamp(ent.UpdatedAt); err != nil {
		return nil, err
	}
	return p, nil
}

// splitUTF16 cuts s at rune boundaries into pieces of at most units UTF-16
// code units.
func splitUTF16(s string, units int) []string {
	var chunks []string
	start, n := 0, 0
	for i, r := range s {
		w := 1
		if r > 0xFFFF {
			w = 2
		}
		if n+w > units {
			chunks = append(chunks, s[start:i])
			start, n = i, 0
		}
		n += w
	}
	if start < len(s) || len(chunks) == 0 {
		chunks = append(chunks, s[start:])
	}
	return chunks
}

// entitySize estimates the stored size the way the service accounts for it:
// UTF-16 names and strings plus a fixed overhead per property.
func entitySize(ent map[string]any) int {
	size := 4
	for name, v := range ent {
		size += 8 + 2*utf16Len(name)
		switch v := v.(type) {
		case string:
			size += 4 + 2*utf16Len(v)
		default:
			size += 8
		}
	}
	return size
}

func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		if r > 0xFFFF {
			n += 2
		} else {
			n++
		}
	}
	return n
}

func encodeTitleEntity(title, projectID string) ([]byte, error) {
	return sonic.Marshal(titleEntity{
		Entity:    aztables.Entity{PartitionKey: boardPartition, RowKey: titleRowKey(title)},
		ProjectID: projectID,
	})
}

func parseStamp(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, v)
}

// ListProjects reads every project row without the task payload.
func (s *TablesStore) ListProjects(ctx context.Context) ([]domain.Project, error) {
	filter := fmt.Sprintf("PartitionKey eq '%s' and RowKey ge '%s' and RowKey lt '%s'", boardPartition, projectPrefix, projectUpper)
	sel := "PartitionKey,RowKey,Title,Description,Stages,LastIndex,CreatedAt,UpdatedAt"
	pager := s.table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter, Select: &sel})
	projects := []domain.Project{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			p, err := decodeProjectEntity(e, "")
			if err != nil {
				return nil, err
			}
			projects = append(projects, *p)
		}
	}
	return projects, nil
}

func (s *TablesStore) GetProject(ctx context.Context, id string) (*domain.Project, error) {
	resp, err := s.table.GetEntity(ctx, boardPartition, projectRowKey(id), nil)
	if err != nil {
		if statusOf(err) == http.StatusNotFound {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return decodeProjectEntity(resp.Value, resp.ETag)
}

func (s *TablesStore) InsertProject(ctx context.Context, p domain.Project) (string, error) {
	payload, err := encodeProjectEntity(p)
	if err != nil {
		return "", err
	}
	title, err := encodeTitleEntity(p.Title, p.ID)
	if err != nil {
		return "", err
	}
	_, err = s.table.SubmitTransaction(ctx, []aztables.TransactionAction{
		{ActionType: aztables.TransactionTypeAdd, Entity: payload},
		{ActionType: aztables.TransactionTypeAdd, Entity: title},
	}, nil)
	if err != nil {
		if statusOf(err) != http.StatusConflict {
			return "", err
		}
		// Either row may already exist; the project row decides which.
		if _, getErr := s.table.GetEntity(ctx, boardPartition, projectRowKey(p.ID), nil); getErr == nil {
			return "", domain.ErrConcurrencyConflict
		}
		return "", domain.ErrDuplicateTitle
	}
	return s.revision(ctx, p.ID)
}

func (s *TablesStore) ReplaceProject(ctx context.Context, p domain.Project, expected string) (string, error) {
	cur, err := s.GetProject(ctx, p.ID)
	if err != nil {
		return "", err
	}
	if cur.Revision != expected {
		return "", domain.ErrConcurrencyConflict
	}
	payload, err := encodeProjectEntity(p)
	if err != nil {
		return "", err
	}
	etag := azcore.ETag(expected)
	if cur.Title == p.Title {
		resp, err := s.table.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &etag, UpdateMode: aztables.UpdateModeReplace})
		if err != nil {
			return "", replaceErr(err)
		}
		return string(resp.ETag), nil
	}

	title, err := encodeTitleEntity(p.Title, p.ID)
	if err != nil {
		return "", err
	}
	oldTitle, err := encodeTitleEntity(cur.Title, p.ID)
	if err != nil {
		return "", err
	}
	anyTag := azcore.ETagAny
	_, err = s.table.SubmitTransaction(ctx, []aztables.TransactionAction{
		{ActionType: aztables.TransactionTypeUpdateReplace, Entity: payload, IfMatch: &etag},
		{ActionType: aztables.TransactionTypeAdd, Entity: title},
		{ActionType: aztables.TransactionTypeDelete, Entity: oldTitle, IfMatch: &anyTag},
	}, nil)
	if err != nil {
		return "", replaceErr(err)
	}
	return s.revision(ctx, p.ID)
}

func (s *TablesStore) DeleteProject(ctx context.Context, id string) (int64, error) {
	for attempt := 0; attempt < 3; attempt++ {
		cur, err := s.GetProject(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		ent, err := sonic.Marshal(aztables.Entity{PartitionKey: boardPartition, RowKey: projectRowKey(id)})
		if err != nil {
			return 0, err
		}
		title, err := encodeTitleEntity(cur.Title, id)
		if err != nil {
			return 0, err
		}
		etag := azcore.ETag(cur.Revision)
		anyTag := azcore.ETagAny
		_, err = s.table.SubmitTransaction(ctx, []aztables.TransactionAction{
			{ActionType: aztables.TransactionTypeDelete, Entity: ent, IfMatch: &etag},
			{ActionType: aztables.TransactionTypeDelete, Entity: title, IfMatch: &anyTag},
		}, nil)
		if err == nil {
			return 1, nil
		}
		// A concurrent rename or delete moved the rows; read again.
		if status := statusOf(err); status != http.StatusPreconditionFailed && status != http.StatusNotFound {
			return 0, err
		}
	}
	return 0, domain.ErrConcurrencyConflict
}

// Ping reads a row that never exists; any answer from the service is healthy.
func (s *TablesStore) Ping(ctx context.Context) error {
	_, err := s.table.GetEntity(ctx, boardPartition, "ping", nil)
	if err != nil && statusOf(err) != http.StatusNotFound {
		return err
	}
	return nil
}

func (s *TablesStore) Close() error { return nil }

// EnsureTable creates the projects table when missing.
func (s *TablesStore) EnsureTable(ctx context.Context) error {
	_, err := s.table.CreateTable(ctx, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if !(errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists)) {
			return err
		}
	}
	return nil
}

// revision reads back the ETag after a transaction, which does not report
// per entity ETags.
func (s *TablesStore) revision(ctx context.Context, id string) (string, error) {
	resp, err := s.table.GetEntity(ctx, boardPartition, projectRowKey(id), nil)
	if err != nil {
		return "", err
	}
	return string(resp.ETag), nil
}

func statusOf(err error) int {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode
	}
	return 0
}

func replaceErr(err error) error {
	switch statusOf(err) {
	case http.StatusPreconditionFailed:
		return domain.ErrConcurrencyConflict
	case http.StatusNotFound:
		return domain.ErrNotFound
	case http.StatusConflict:
		return domain.ErrDuplicateTitle
	}
	return err
}
