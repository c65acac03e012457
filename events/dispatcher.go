package events

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"kanban-api/domain"
)

// Publisher delivers one event to a downstream channel.
type Publisher interface {
	Publish(ctx context.Context, ev domain.Event) error
}

// Config sizes the dispatcher.
type Config struct {
	Workers        int
	Buffer         int
	PublishTimeout time.Duration
	HandoffTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Buffer <= 0 {
		c.Buffer = 1024
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 10 * time.Second
	}
	if c.HandoffTimeout < 0 {
		c.HandoffTimeout = 0
	}
	return c
}

// Dispatcher fans domain events out to publishers from a bounded worker pool
// so request handlers never wait on a broker. When the buffer stays full past
// the handoff timeout the event is published inline instead of dropped.
type Dispatcher struct {
	cfg        Config
	publishers []Publisher
	log        *log.Logger

	mu     sync.RWMutex
	jobs   chan domain.Event
	wg     sync.WaitGroup
	closed bool
}

// NewDispatcher starts the workers. Call Close to drain them.
func NewDispatcher(cfg Config, logger *log.Logger, publishers ...Publisher) *Dispatcher {
	if logger == nil {
		panic("Logger is not initialized")
	}
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		cfg:        cfg,
		publishers: publishers,
		log:        logger,
		jobs:       make(chan domain.Event, cfg.Buffer),
	}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	logger.Infof("event dispatcher started, workers: %d, buffer: %d, timeout: %v, handoff: %v", cfg.Workers, cfg.Buffer, cfg.PublishTimeout, cfg.HandoffTimeout)
	return d
}

// Notify hands ev to the pool, falling back to an inline publish.
func (d *Dispatcher) Notify(ev domain.Event) {
	if len(d.publishers) == 0 {
		return
	}
	if d.tryEnqueue(ev) {
		return
	}
	d.log.WithFields(log.Fields{"event": ev.Type, "project": ev.ProjectID}).Debug("event buffer full, publishing inline")
	d.publish(-1, ev)
}

// Close stops accepting events and waits for queued ones to be published.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.jobs)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	for ev := range d.jobs {
		d.publish(id, ev)
	}
}

func (d *Dispatcher) publish(worker int, ev domain.Event) {
	for _, p := range d.publishers {
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.PublishTimeout)
		err := p.Publish(ctx, ev)
		cancel()
		if err != nil {
			d.log.WithError(err).WithFields(log.Fields{
				"event":   ev.Type,
				"project": ev.ProjectID,
				"worker":  worker,
			}).Error("event publish failed")
		}
	}
}

func (d *Dispatcher) tryEnqueue(ev domain.Event) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}

	select {
	case d.jobs <- ev:
		return true
	default:
	}

	if d.cfg.HandoffTimeout <= 0 {
		return false
	}

	timer := time.NewTimer(d.cfg.HandoffTimeout)
	defer timer.Stop()

	select {
	case d.jobs <- ev:
		return true
	case <-timer.C:
		return false
	}
}
