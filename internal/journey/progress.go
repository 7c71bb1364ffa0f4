package journey

import (
	"log/slog"
	"sync"
	"time"

	"github.com/journiapp/journi-be/internal/journey/domain"
)

// Event is one progress update fanned out to a job's observers.
type Event struct {
	JobID     string             `json:"job_id"`
	Status    string             `json:"status"`
	Progress  *domain.Progress   `json:"progress,omitempty"`
	Result    *domain.JourneyMap `json:"result,omitempty"`
	Error     string             `json:"error,omitempty"`
	Cancelled bool               `json:"cancelled,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// Observer receives progress events for one job. Each observer gets its own
// delivery queue and goroutine, so a slow one delays nobody else; a failing
// or hopelessly lagging observer is dropped from the registry.
type Observer interface {
	Deliver(event Event) error
}

// DefaultCleanupDelay is how long observers are retained after a job reaches
// a terminal state, so a slow client can still receive the final event.
const DefaultCleanupDelay = 300 * time.Second

// subscriberQueueSize bounds how far a single observer may lag behind. A full
// workflow emits far fewer events than this, so an overflowing queue means
// the consumer is effectively dead.
const subscriberQueueSize = 32

// subscriber pairs an observer with its delivery queue. A dedicated goroutine
// drains the queue in publish order.
type subscriber struct {
	observer Observer
	queue    chan Event
}

// ProgressChannel is the broadcast side channel between workflows and
// observers. It never drives the workflow: removing the last observer does
// not stop anything, and publishing never blocks on a consumer.
type ProgressChannel struct {
	mu            sync.Mutex
	store         *Store
	observers     map[string][]*subscriber
	cleanupTimers map[string]*time.Timer
	cleanupDelay  time.Duration
	logger        *slog.Logger
}

// NewProgressChannel creates a channel bound to the job store, which it uses
// only to reject subscriptions for unknown jobs.
func NewProgressChannel(store *Store, logger *slog.Logger) *ProgressChannel {
	return &ProgressChannel{
		store:         store,
		observers:     make(map[string][]*subscriber),
		cleanupTimers: make(map[string]*time.Timer),
		cleanupDelay:  DefaultCleanupDelay,
		logger:        logger,
	}
}

// SetCleanupDelay overrides the terminal-state retention window. Intended
// for wiring configuration at startup, before any subscription exists.
func (p *ProgressChannel) SetCleanupDelay(d time.Duration) {
	if d > 0 {
		p.cleanupDelay = d
	}
}

// Subscribe registers observer for jobID. Returns false if the job is
// unknown. Registering the same observer twice is a no-op. A pending
// terminal-state eviction for the job is cancelled.
func (p *ProgressChannel) Subscribe(jobID string, observer Observer) bool {
	if _, err := p.store.Get(jobID, ""); err != nil {
		p.logger.Warn("Cannot subscribe: job not found", slog.String("job_id", jobID))
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, existing := range p.observers[jobID] {
		if existing.observer == observer {
			return true
		}
	}

	sub := &subscriber{observer: observer, queue: make(chan Event, subscriberQueueSize)}
	p.observers[jobID] = append(p.observers[jobID], sub)
	go p.drain(jobID, sub)

	if timer, ok := p.cleanupTimers[jobID]; ok {
		timer.Stop()
		delete(p.cleanupTimers, jobID)
	}

	return true
}

// drain delivers a subscriber's queued events in order until the queue is
// closed or a delivery fails.
func (p *ProgressChannel) drain(jobID string, sub *subscriber) {
	for event := range sub.queue {
		if err := sub.observer.Deliver(event); err != nil {
			p.logger.Warn("Observer delivery failed, dropping observer",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
			p.Unsubscribe(jobID, sub.observer)
			return
		}
	}
}

// Unsubscribe removes observer from jobID's registry. A nil observer tears
// down all observers for the job.
func (p *ProgressChannel) Unsubscribe(jobID string, observer Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if observer == nil {
		p.evictAllLocked(jobID)
		return
	}
	p.removeLocked(jobID, observer)
}

// removeLocked drops one subscriber and closes its queue, ending its drain
// goroutine. Caller holds p.mu.
func (p *ProgressChannel) removeLocked(jobID string, observer Observer) {
	list := p.observers[jobID]
	for i, sub := range list {
		if sub.observer == observer {
			p.observers[jobID] = append(list[:i], list[i+1:]...)
			close(sub.queue)
			break
		}
	}
	if len(p.observers[jobID]) == 0 {
		delete(p.observers, jobID)
	}
}

// evictAllLocked tears down every subscriber for the job. Caller holds p.mu.
func (p *ProgressChannel) evictAllLocked(jobID string) {
	for _, sub := range p.observers[jobID] {
		close(sub.queue)
	}
	delete(p.observers, jobID)
}

// Publish hands event to every current observer's queue without waiting for
// delivery. An observer whose queue is full gets dropped; a delivery failure
// drops that observer from its drain goroutine. Neither affects the others
// or the publishing workflow.
func (p *ProgressChannel) Publish(jobID string, event Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var stalled []*subscriber
	for _, sub := range p.observers[jobID] {
		select {
		case sub.queue <- event:
		default:
			p.logger.Warn("Observer queue overflowed, dropping observer",
				slog.String("job_id", jobID),
			)
			stalled = append(stalled, sub)
		}
	}
	for _, sub := range stalled {
		p.removeLocked(jobID, sub.observer)
	}
}

// ScheduleCleanup arms (or re-arms) the terminal-state observer eviction for
// jobID. A later call replaces any pending schedule.
func (p *ProgressChannel) ScheduleCleanup(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if timer, ok := p.cleanupTimers[jobID]; ok {
		timer.Stop()
	}
	p.cleanupTimers[jobID] = time.AfterFunc(p.cleanupDelay, func() {
		p.mu.Lock()
		p.evictAllLocked(jobID)
		delete(p.cleanupTimers, jobID)
		p.mu.Unlock()
	})
}

// ObserverCount reports the live observer count for a job.
func (p *ProgressChannel) ObserverCount(jobID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.observers[jobID])
}

// LogSink is an Observer that records events to the application log. Useful
// when no push transport is attached. Observers are compared by identity in
// Subscribe/Unsubscribe, so sinks are always pointer types.
type LogSink struct {
	Logger *slog.Logger
}

// Deliver implements Observer.
func (s *LogSink) Deliver(event Event) error {
	s.Logger.Debug("Progress event",
		slog.String("job_id", event.JobID),
		slog.String("status", event.Status),
	)
	return nil
}
