package storage

import (
	"context"
	"errors"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"kanban-api/domain"
)

const (
	projectListCacheKey = "projects"
	projectListGenKey   = "projects:gen"
)

// Cache wraps a Backend with Redis-backed caching for project reads. Every
// write, and every write refused as stale, evicts the affected keys so the
// next optimistic retry reads the stored revision.
//
// Eviction also bumps a generation key. A read that missed the cache watches
// that key across its backend read and only fills the cache when no eviction
// happened in between, so a slow reader cannot restore a replaced revision.
type Cache struct {
	base   Backend
	redis  *redis.Client
	ttl    time.Duration
	logger *log.Logger
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
func NewCache(base Backend, client *redis.Client, ttl time.Duration, logger *log.Logger) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Cache{base: base, redis: client, ttl: ttl, logger: logger}
}

// cachedProject carries the fields the API encoding hides.
type cachedProject struct {
	Project   *domain.Project `json:"project"`
	LastIndex int             `json:"lastIndex"`
	Revision  string          `json:"revision"`
}

func (c *Cache) ListProjects(ctx context.Context) ([]domain.Project, error) {
	if projects, ok := c.loadList(ctx); ok {
		return projects, nil
	}
	var projects []domain.Project
	err := c.fill(ctx, projectListCacheKey, projectListGenKey, func() (any, error) {
		var err error
		projects, err = c.base.ListProjects(ctx)
		return projects, err
	})
	if err != nil {
		return nil, err
	}
	return projects, nil
}

func (c *Cache) GetProject(ctx context.Context, id string) (*domain.Project, error) {
	if p, ok := c.loadProject(ctx, id); ok {
		return p, nil
	}
	var p *domain.Project
	err := c.fill(ctx, projectCacheKey(id), projectGenKey(id), func() (any, error) {
		var err error
		if p, err = c.base.GetProject(ctx, id); err != nil {
			return nil, err
		}
		return cachedProject{Project: p, LastIndex: p.LastIndex, Revision: p.Revision}, nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (c *Cache) InsertProject(ctx context.Context, p domain.Project) (string, error) {
	rev, err := c.base.InsertProject(ctx, p)
	if err == nil || errors.Is(err, domain.ErrConcurrencyConflict) {
		c.evict(ctx, p.ID)
	}
	return rev, err
}

func (c *Cache) ReplaceProject(ctx context.Context, p domain.Project, expected string) (string, error) {
	rev, err := c.base.ReplaceProject(ctx, p, expected)
	if err == nil || errors.Is(err, domain.ErrConcurrencyConflict) || errors.Is(err, domain.ErrNotFound) {
		c.evict(ctx, p.ID)
	}
	return rev, err
}

func (c *Cache) DeleteProject(ctx context.Context, id string) (int64, error) {
	n, err := c.base.DeleteProject(ctx, id)
	if err != nil {
		return 0, err
	}
	c.evict(ctx, id)
	return n, nil
}

func (c *Cache) Ping(ctx context.Context) error {
	if c.redis != nil {
		if err := c.redis.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	return c.base.Ping(ctx)
}

func (c *Cache) Close() error { return c.base.Close() }

func (c *Cache) loadProject(ctx context.Context, id string) (*domain.Project, bool) {
	var entry cachedProject
	if !c.load(ctx, projectCacheKey(id), &entry) || entry.Project == nil {
		return nil, false
	}
	p := entry.Project
	p.LastIndex = entry.LastIndex
	p.Revision = entry.Revision
	return p, true
}

func (c *Cache) loadList(ctx context.Context) ([]domain.Project, bool) {
	var projects []domain.Project
	if !c.load(ctx, projectListCacheKey, &projects) {
		return nil, false
	}
	return projects, true
}

func (c *Cache) load(ctx context.Context, key string, v any) bool {
	if c.redis == nil {
		return false
	}
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			c.logger.WithError(err).WithField("key", key).Warn("cache read failed")
			_ = c.redis.Del(ctx, key).Err()
		}
		return false
	}
	if err := sonic.Unmarshal(data, v); err != nil {
		_ = c.redis.Del(ctx, key).Err()
		return false
	}
	return true
}

// fill runs read against the backend while watching genKey and stores its
// result under key unless an eviction bumped genKey meanwhile. Redis failures
// are logged and never fail the read.
func (c *Cache) fill(ctx context.Context, key, genKey string, read func() (any, error)) error {
	if c.redis == nil || c.ttl == 0 {
		_, err := read()
		return err
	}
	var (
		ran     bool
		readErr error
	)
	err := c.redis.Watch(ctx, func(tx *redis.Tx) error {
		ran = true
		v, err := read()
		if err != nil {
			readErr = err
			return nil
		}
		data, err := sonic.Marshal(v)
		if err != nil {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, c.ttl)
			return nil
		})
		return err
	}, genKey)
	if !ran {
		c.logger.WithError(err).WithField("key", key).Warn("cache watch failed")
		_, err := read()
		return err
	}
	if readErr != nil {
		return readErr
	}
	switch {
	case err == nil:
	case errors.Is(err, redis.TxFailedErr):
		c.logger.WithField("key", key).Debug("cache fill skipped after concurrent eviction")
	default:
		c.logger.WithError(err).WithField("key", key).Warn("cache fill failed")
	}
	return nil
}

func (c *Cache) evict(ctx context.Context, id string) {
	if c.redis == nil {
		return
	}
	_, err := c.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, projectCacheKey(id), projectListCacheKey)
		pipe.Incr(ctx, projectGenKey(id))
		pipe.Incr(ctx, projectListGenKey)
		if c.ttl > 0 {
			pipe.Expire(ctx, projectGenKey(id), 2*c.ttl)
			pipe.Expire(ctx, projectListGenKey, 2*c.ttl)
		}
		return nil
	})
	if err != nil {
		c.logger.WithError(err).WithField("project", id).Warn("cache eviction failed")
	}
}

func projectCacheKey(id string) string {
	return "project:" + id
}

func projectGenKey(id string) string {
	return "project:" + id + ":gen"
}
