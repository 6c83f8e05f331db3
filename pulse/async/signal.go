package async

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/teranos/episodic/errors"
)

// CompletionBus wakes a waiting worker when its job's outcome was recorded,
// possibly by another process. It carries only the job id; waiters re-read the store.
type CompletionBus interface {
	Publish(ctx context.Context, jobID string) error
	Subscribe(jobID string) Subscription
	Close() error
}

// Subscription receives wake-ups for one job
type Subscription interface {
	C() <-chan struct{}
	Close()
}

// MemoryBus is an in-process CompletionBus
type MemoryBus struct {
	mu   sync.Mutex
	subs map[string]map[*memorySub]struct{}
}

// NewMemoryBus creates an empty in-process bus
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[*memorySub]struct{})}
}

type memorySub struct {
	bus   *MemoryBus
	jobID string
	ch    chan struct{}
	once  sync.Once
}

func (s *memorySub) C() <-chan struct{} { return s.ch }

func (s *memorySub) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		if set, ok := s.bus.subs[s.jobID]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(s.bus.subs, s.jobID)
			}
		}
	})
}

// Subscribe registers interest in jobID
func (b *MemoryBus) Subscribe(jobID string) Subscription {
	sub := &memorySub{bus: b, jobID: jobID, ch: make(chan struct{}, 1)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[jobID] == nil {
		b.subs[jobID] = make(map[*memorySub]struct{})
	}
	b.subs[jobID][sub] = struct{}{}
	return sub
}

// Publish wakes every subscriber of jobID. Wake-ups coalesce.
func (b *MemoryBus) Publish(_ context.Context, jobID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs[jobID] {
		select {
		case sub.ch <- struct{}{}:
		default:
		}
	}
	return nil
}

// Close is a no-op
func (b *MemoryBus) Close() error { return nil }

// RedisBus relays completions between processes over Redis pub/sub.
// Local subscribers are served by an embedded MemoryBus.
type RedisBus struct {
	local   *MemoryBus
	client  *redis.Client
	pubsub  *redis.PubSub
	channel string
	log     *zap.SugaredLogger
	done    chan struct{}
}

// NewRedisBus subscribes to channel and starts relaying messages.
// Fails if Redis does not confirm the subscription.
func NewRedisBus(ctx context.Context, client *redis.Client, channel string, log *zap.SugaredLogger) (*RedisBus, error) {
	pubsub := client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, errors.Wrapf(errors.ErrServiceUnavailable, "redis subscribe %s: %v", channel, err)
	}

	b := &RedisBus{
		local:   NewMemoryBus(),
		client:  client,
		pubsub:  pubsub,
		channel: channel,
		log:     log,
		done:    make(chan struct{}),
	}
	go b.relay()
	return b, nil
}

func (b *RedisBus) relay() {
	defer close(b.done)
	for msg := range b.pubsub.Channel() {
		_ = b.local.Publish(context.Background(), msg.Payload)
	}
}

// Subscribe registers interest in jobID
func (b *RedisBus) Subscribe(jobID string) Subscription {
	return b.local.Subscribe(jobID)
}

// Publish sends jobID to every process. Local subscribers are woken even if
// Redis is unreachable.
func (b *RedisBus) Publish(ctx context.Context, jobID string) error {
	_ = b.local.Publish(ctx, jobID)
	if err := b.client.Publish(ctx, b.channel, jobID).Err(); err != nil {
		b.log.Warnw("Failed to publish completion", "job_id", jobID, "channel", b.channel, "error", err)
		return errors.Wrap(err, "failed to publish completion")
	}
	return nil
}

// Close stops relaying and waits for the relay goroutine to exit
func (b *RedisBus) Close() error {
	err := b.pubsub.Close()
	<-b.done
	return err
}
