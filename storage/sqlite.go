package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"kanban-api/domain"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS projects (
	id          TEXT PRIMARY KEY,
	title       TEXT NOT NULL UNIQUE,
	description TEXT NOT NULL,
	stages      TEXT NOT NULL DEFAULT '[]',
	tasks       TEXT NOT NULL DEFAULT '[]',
	last_index  INTEGER NOT NULL DEFAULT 0,
	version     INTEGER NOT NULL DEFAULT 1,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);
`

// SQLiteStore persists projects in a SQLite database, one row per project with
// the tasks embedded as JSON. The version column is the revision.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath and ensures the
// schema exists. The caller is responsible for calling Close.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		return nil, errors.New("missing sqlite path")
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	s := &SQLiteStore{db: db}
	if err := s.EnsureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the projects table when missing.
func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, description, stages, '[]', last_index, version, created_at, updated_at
		FROM projects ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()
	projects := []domain.Project{}
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *p)
	}
	return projects, rows.Err()
}

func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*domain.Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, description, stages, tasks, last_index, version, created_at, updated_at
		FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return p, err
}

func (s *SQLiteStore) InsertProject(ctx context.Context, p domain.Project) (string, error) {
	stages, tasks, err := encodeColumns(p)
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO projects (id, title, description, stages, tasks, last_index, version, created_at, updated_at)
		VALUES (?,?,?,?,?,?,1,?,?)`,
		p.ID, p.Title, p.Description, stages, tasks, p.LastIndex,
		formatStamp(p.CreatedAt), formatStamp(p.UpdatedAt),
	)
	if err != nil {
		return "", sqliteErr("insert project", err)
	}
	return "1", nil
}

func (s *SQLiteStore) ReplaceProject(ctx context.Context, p domain.Project, expected string) (string, error) {
	version, err := strconv.ParseInt(expected, 10, 64)
	if err != nil {
		return "", domain.ErrConcurrencyConflict
	}
	stages, tasks, err := encodeColumns(p)
	if err != nil {
		return "", err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE projects SET
			title=?, description=?, stages=?, tasks=?, last_index=?, version=version+1, updated_at=?
		WHERE id=? AND version=?`,
		p.Title, p.Description, stages, tasks, p.LastIndex, formatStamp(p.UpdatedAt),
		p.ID, version,
	)
	if err != nil {
		return "", sqliteErr("replace project", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if n == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM projects WHERE id = ?`, p.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return "", domain.ErrNotFound
		}
		if err != nil {
			return "", err
		}
		return "", domain.ErrConcurrencyConflict
	}
	return strconv.FormatInt(version+1, 10), nil
}

func (s *SQLiteStore) DeleteProject(ctx context.Context, id string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return 0, fmt.Errorf("delete project: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProject(row scanner) (*domain.Project, error) {
	var (
		p                    domain.Project
		stages, tasks        string
		version              int64
		createdAt, updatedAt string
	)
	if err := row.Scan(&p.ID, &p.Title, &p.Description, &stages, &tasks, &p.LastIndex, &version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := sonic.UnmarshalString(stages, &p.Stages); err != nil {
		return nil, fmt.Errorf("decode stages: %w", err)
	}
	if err := sonic.UnmarshalString(tasks, &p.Tasks); err != nil {
		return nil, fmt.Errorf("decode tasks: %w", err)
	}
	if p.Tasks == nil {
		p.Tasks = []domain.Task{}
	}
	var err error
	if p.CreatedAt, err = parseStamp(createdAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseStamp(updatedAt); err != nil {
		return nil, err
	}
	p.Revision = strconv.FormatInt(version, 10)
	return &p, nil
}

func encodeColumns(p domain.Project) (stages, tasks string, err error) {
	if p.Stages == nil {
		p.Stages = []string{}
	}
	if p.Tasks == nil {
		p.Tasks = []domain.Task{}
	}
	if stages, err = sonic.MarshalString(p.Stages); err != nil {
		return "", "", err
	}
	if tasks, err = sonic.MarshalString(p.Tasks); err != nil {
		return "", "", err
	}
	return stages, tasks, nil
}

// stampLayout is fixed width so stored timestamps sort as text.
const stampLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatStamp(t time.Time) string { return t.UTC().Format(stampLayout) }

// sqliteErr maps constraint violations onto the store sentinels.
func sqliteErr(op string, err error) error {
	var sErr *sqlite.Error
	if errors.As(err, &sErr) && sErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT {
		switch {
		case sErr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || strings.Contains(sErr.Error(), "projects.id"):
			return domain.ErrConcurrencyConflict
		case sErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || strings.Contains(sErr.Error(), "projects.title"):
			return domain.ErrDuplicateTitle
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
