package async

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// EventType names a job lifecycle change
type EventType string

const (
	EventCreated        EventType = "job.created"
	EventClaimed        EventType = "job.claimed"
	EventReleased       EventType = "job.released"
	EventBlocked        EventType = "job.blocked"
	EventResumed        EventType = "job.resumed"
	EventProcessing     EventType = "job.processing"
	EventSucceeded      EventType = "job.succeeded"
	EventRetryScheduled EventType = "job.retry_scheduled"
	EventFailed         EventType = "job.failed"
	EventCancelled      EventType = "job.cancelled"
)

// JobEvent is published on every job transition. Consumers (the WebSocket
// stream, tests) must treat it as informational; the store is authoritative.
type JobEvent struct {
	Type                EventType `json:"type"`
	JobID               string    `json:"job_id"`
	TenantID            string    `json:"tenant_id"`
	ProjectID           string    `json:"project_id"`
	Status              Status    `json:"status"`
	Attempt             int       `json:"attempt"`
	MaxAttempts         int       `json:"max_attempts"`
	ScheduledDeliveryAt time.Time `json:"scheduled_delivery_at"`
	NextAttemptAt       time.Time `json:"next_attempt_at,omitempty"`
	Error               string    `json:"error,omitempty"`
	At                  time.Time `json:"at"`
}

// EventFromJob builds an event from the job's current state
func EventFromJob(t EventType, job *GenerationJob, at time.Time) JobEvent {
	return JobEvent{
		Type:                t,
		JobID:               job.ID,
		TenantID:            job.TenantID,
		ProjectID:           job.ProjectID,
		Status:              job.Status,
		Attempt:             job.AttemptCount,
		MaxAttempts:         job.MaxAttempts,
		ScheduledDeliveryAt: job.ScheduledDeliveryAt,
		NextAttemptAt:       job.NextAttemptNotBefore,
		Error:               job.LastError,
		At:                  at.UTC(),
	}
}

// Emitter fans job events out to subscribers. Slow subscribers lose events
// rather than stall the dispatcher.
type Emitter struct {
	mu      sync.RWMutex
	subs    map[int]chan JobEvent
	nextID  int
	dropped atomic.Int64
	log     *zap.SugaredLogger
}

// NewEmitter creates an emitter with no subscribers
func NewEmitter(log *zap.SugaredLogger) *Emitter {
	return &Emitter{
		subs: make(map[int]chan JobEvent),
		log:  log,
	}
}

// Subscribe returns a buffered event channel and a function that ends the subscription
func (e *Emitter) Subscribe(buffer int) (<-chan JobEvent, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan JobEvent, buffer)

	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.subs[id] = ch
	e.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, id)
			e.mu.Unlock()
			close(ch)
		})
	}
}

// Emit delivers ev to every subscriber without blocking. Safe on a nil Emitter.
func (e *Emitter) Emit(ev JobEvent) {
	if e == nil {
		return
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
			e.dropped.Add(1)
			if e.log != nil {
				e.log.Debugw("Dropped job event for slow subscriber", "job_id", ev.JobID, "type", ev.Type)
			}
		}
	}
}

// EmitJob is a shorthand for Emit(EventFromJob(...))
func (e *Emitter) EmitJob(t EventType, job *GenerationJob, at time.Time) {
	if e == nil || job == nil {
		return
	}
	e.Emit(EventFromJob(t, job, at))
}

// Subscribers returns the number of active subscriptions
func (e *Emitter) Subscribers() int {
	if e == nil {
		return 0
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subs)
}

// Dropped returns how many events were discarded because a subscriber was full
func (e *Emitter) Dropped() int64 {
	if e == nil {
		return 0
	}
	return e.dropped.Load()
}
