package events

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/patchset/internal/gitstore"
)

const (
	EventRefUpdated   = "ref-updated"
	EventHeartbeat    = "heartbeat"
	allProjectsFilter = "*"
)

// RefUpdated is broadcast after a ref moves.
type RefUpdated struct {
	EventType string    `json:"type"`
	Project   string    `json:"project"`
	RefName   string    `json:"ref"`
	OldID     string    `json:"old_id"`
	NewID     string    `json:"new_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Dispatcher fans ref updates out to subscribers filtered by project.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

type subscriber struct {
	id     int64
	stream chan RefUpdated
}

// NewDispatcher constructs an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  64,
		clock:       time.Now,
	}
}

// Subscribe registers for updates of one project, or all projects when project is empty.
// The subscription ends when ctx is done or cleanup is called.
func (d *Dispatcher) Subscribe(ctx context.Context, project string) (<-chan RefUpdated, func()) {
	filter := project
	if filter == "" {
		filter = allProjectsFilter
	}
	sub := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan RefUpdated, d.bufferSize),
	}
	d.register(filter, sub)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregister(filter, sub.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// OnRefUpdated publishes a ref transition. Slow subscribers drop messages instead of blocking writers.
func (d *Dispatcher) OnRefUpdated(update gitstore.RefUpdate) {
	d.Publish(RefUpdated{
		EventType: EventRefUpdated,
		Project:   update.Project,
		RefName:   update.Name,
		OldID:     update.OldID.String(),
		NewID:     update.NewID.String(),
		Timestamp: d.clock().UTC(),
	})
}

// Publish delivers an event to matching subscribers.
func (d *Dispatcher) Publish(event RefUpdated) {
	if event.Project == "" || event.EventType == "" {
		return
	}
	d.mu.RLock()
	targets := make([]*subscriber, 0)
	for _, filter := range []string{event.Project, allProjectsFilter} {
		for _, sub := range d.subscribers[filter] {
			targets = append(targets, sub)
		}
	}
	d.mu.RUnlock()
	for _, sub := range targets {
		select {
		case sub.stream <- event:
		default:
		}
	}
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(filter string, sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[filter]; !ok {
		d.subscribers[filter] = make(map[int64]*subscriber)
	}
	d.subscribers[filter][sub.id] = sub
}

func (d *Dispatcher) unregister(filter string, id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subs := d.subscribers[filter]
	if subs == nil {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(d.subscribers, filter)
	}
}
