package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"kanban-api/domain"
)

type recordingPublisher struct {
	mu      sync.Mutex
	got     []string
	block   chan struct{}
	started chan struct{}
	err     error
}

func (p *recordingPublisher) Publish(ctx context.Context, ev domain.Event) error {
	if ev.ID == "block" && p.block != nil {
		close(p.started)
		<-p.block
	}
	p.mu.Lock()
	p.got = append(p.got, ev.ID)
	p.mu.Unlock()
	return p.err
}

func (p *recordingPublisher) ids() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.got...)
}

func TestDispatcherDeliversToAllPublishers(t *testing.T) {
	logger, _ := test.NewNullLogger()
	a, b := &recordingPublisher{}, &recordingPublisher{}
	d := NewDispatcher(Config{Workers: 2, Buffer: 8}, logger, a, b)

	for _, id := range []string{"1", "2", "3"} {
		d.Notify(domain.Event{ID: id, ProjectID: "p1", Type: domain.TaskCreated})
	}
	d.Close()

	if len(a.ids()) != 3 || len(b.ids()) != 3 {
		t.Fatalf("delivered %v and %v", a.ids(), b.ids())
	}
}

func TestDispatcherPublishesInlineWhenFull(t *testing.T) {
	logger, _ := test.NewNullLogger()
	pub := &recordingPublisher{block: make(chan struct{}), started: make(chan struct{})}
	d := NewDispatcher(Config{Workers: 1, Buffer: 1}, logger, pub)

	d.Notify(domain.Event{ID: "block"})
	select {
	case <-pub.started:
	case <-time.After(time.Second):
		t.Fatal("worker never picked up the first event")
	}
	d.Notify(domain.Event{ID: "queued"})
	d.Notify(domain.Event{ID: "inline"})

	if got := pub.ids(); len(got) != 1 || got[0] != "inline" {
		t.Fatalf("expected inline publish while the pool is busy, got %v", got)
	}

	close(pub.block)
	d.Close()
	if got := pub.ids(); len(got) != 3 {
		t.Fatalf("events after drain = %v", got)
	}
}

func TestDispatcherHandoffWaitsForCapacity(t *testing.T) {
	logger, _ := test.NewNullLogger()
	pub := &recordingPublisher{block: make(chan struct{}), started: make(chan struct{})}
	d := NewDispatcher(Config{Workers: 1, Buffer: 1, HandoffTimeout: time.Second}, logger, pub)

	d.Notify(domain.Event{ID: "block"})
	<-pub.started
	d.Notify(domain.Event{ID: "queued"})

	done := make(chan struct{})
	go func() {
		d.Notify(domain.Event{ID: "waiting"})
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("Notify returned before capacity was freed")
	case <-time.After(30 * time.Millisecond):
	}

	close(pub.block)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify did not hand off after capacity was freed")
	}
	d.Close()
	if got := pub.ids(); len(got) != 3 {
		t.Fatalf("events = %v", got)
	}
}

func TestDispatcherLogsPublishFailures(t *testing.T) {
	logger, hook := test.NewNullLogger()
	pub := &recordingPublisher{err: errors.New("broker down")}
	d := NewDispatcher(Config{Workers: 1, Buffer: 1}, logger, pub)
	d.Notify(domain.Event{ID: "1", ProjectID: "p1", Type: domain.TaskDeleted})
	d.Close()

	entry := hook.LastEntry()
	if entry == nil || entry.Message != "event publish failed" {
		t.Fatalf("unexpected last entry: %#v", entry)
	}
	if entry.Data["project"] != "p1" {
		t.Fatalf("fields = %v", entry.Data)
	}
}

func TestDispatcherAfterClose(t *testing.T) {
	logger, _ := test.NewNullLogger()
	pub := &recordingPublisher{}
	d := NewDispatcher(Config{Workers: 1}, logger, pub)
	d.Close()
	d.Close()

	d.Notify(domain.Event{ID: "late"})
	if got := pub.ids(); len(got) != 1 {
		t.Fatalf("late event not published inline: %v", got)
	}
}
