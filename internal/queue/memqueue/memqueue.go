// Package memqueue is an in-process implementation of queue.Publisher and
// queue.Consumer with batch delivery, redelivery of failed messages and a
// per-topic dead-letter list.
package memqueue

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/opsflow/internal/queue"
)

// Options configures a Queue.
type Options struct {
	// Workers is the number of concurrent batch handlers per Consume call.
	Workers int
	// BatchSize bounds the messages handed to one handler call.
	BatchSize int
	// MaxReceives is the delivery limit before a message is dead-lettered.
	MaxReceives int
	// RedeliveryDelay is how long a failed message waits before it is
	// visible again.
	RedeliveryDelay time.Duration

	Hooks Hooks
}

// Hooks observe queue events. Nil fields are skipped.
type Hooks struct {
	OnPublish    func(topic string)
	OnRedeliver  func(topic string)
	OnDeadLetter func(topic string)
}

// Queue is safe for concurrent use.
type Queue struct {
	opts   Options
	logger log.Logger

	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	mu       sync.Mutex
	items    []queue.Message
	inflight int
	delayed  int
	dead     []queue.Message
	notify   chan struct{}
}

// New returns an empty Queue. Zero option values get defaults.
func New(logger log.Logger, opts Options) *Queue {
	if logger == nil {
		logger = log.Nop()
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.MaxReceives <= 0 {
		opts.MaxReceives = 5
	}
	return &Queue{
		opts:   opts,
		logger: logger,
		topics: make(map[string]*topic),
	}
}

func (q *Queue) topic(name string) *topic {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.topics[name]
	if !ok {
		t = &topic{notify: make(chan struct{}, 1)}
		q.topics[name] = t
	}
	return t
}

// Publish enqueues body on topic.
func (q *Queue) Publish(ctx context.Context, name string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := queue.Message{
		ID:    ulid.Make().String(),
		Topic: name,
		Body:  append([]byte(nil), body...),
	}
	q.topic(name).push(m)
	if q.opts.Hooks.OnPublish != nil {
		q.opts.Hooks.OnPublish(name)
	}
	return nil
}

// Consume runs Workers handler loops for topic until ctx is done. It returns
// nil on cancellation.
func (q *Queue) Consume(ctx context.Context, name string, h queue.BatchHandler) error {
	t := q.topic(name)

	var wg sync.WaitGroup
	for range q.opts.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.work(ctx, name, t, h)
		}()
	}
	wg.Wait()
	return nil
}

func (q *Queue) work(ctx context.Context, name string, t *topic, h queue.BatchHandler) {
	for {
		batch := t.take(q.opts.BatchSize)
		if len(batch) == 0 {
			select {
			case <-t.notify:
				continue
			case <-ctx.Done():
				return
			}
		}

		res := h(ctx, batch)
		q.settle(ctx, name, t, batch, res)
	}
}

// settle acknowledges successful messages and schedules failed ones for
// redelivery or the dead-letter list.
func (q *Queue) settle(ctx context.Context, name string, t *topic, batch []queue.Message, res queue.BatchResult) {
	failed := make(map[string]bool, len(res.Failed))
	for _, id := range res.Failed {
		failed[id] = true
	}

	for _, m := range batch {
		if !failed[m.ID] {
			continue
		}
		if m.Receives >= q.opts.MaxReceives {
			t.deadLetter(m)
			q.logger.Warn(ctx, "message dead-lettered",
				"topic", name,
				"message_id", m.ID,
				"receives", m.Receives,
			)
			if q.opts.Hooks.OnDeadLetter != nil {
				q.opts.Hooks.OnDeadLetter(name)
			}
			continue
		}
		if q.opts.Hooks.OnRedeliver != nil {
			q.opts.Hooks.OnRedeliver(name)
		}
		t.redeliver(m, q.opts.RedeliveryDelay)
	}
	t.done(len(batch))
}

// DeadLetters returns a copy of the dead-lettered messages for topic.
func (q *Queue) DeadLetters(name string) []queue.Message {
	t := q.topic(name)
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]queue.Message(nil), t.dead...)
}

// Pending counts messages that are queued, being handled, or waiting for
// redelivery across all topics.
func (q *Queue) Pending() int {
	q.mu.Lock()
	topics := make([]*topic, 0, len(q.topics))
	for _, t := range q.topics {
		topics = append(topics, t)
	}
	q.mu.Unlock()

	n := 0
	for _, t := range topics {
		t.mu.Lock()
		n += len(t.items) + t.inflight + t.delayed
		t.mu.Unlock()
	}
	return n
}

func (t *topic) push(m queue.Message) {
	t.mu.Lock()
	t.items = append(t.items, m)
	t.mu.Unlock()
	t.signal()
}

func (t *topic) signal() {
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

func (t *topic) take(n int) []queue.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.items) == 0 {
		return nil
	}
	if n > len(t.items) {
		n = len(t.items)
	}
	batch := make([]queue.Message, n)
	copy(batch, t.items[:n])
	t.items = t.items[n:]
	for i := range batch {
		batch[i].Receives++
	}
	t.inflight += n
	if len(t.items) > 0 {
		// wake another idle worker
		t.signal()
	}
	return batch
}

func (t *topic) done(n int) {
	t.mu.Lock()
	t.inflight -= n
	t.mu.Unlock()
}

func (t *topic) redeliver(m queue.Message, delay time.Duration) {
	if delay <= 0 {
		t.push(m)
		return
	}
	t.mu.Lock()
	t.delayed++
	t.mu.Unlock()
	time.AfterFunc(delay, func() {
		t.mu.Lock()
		t.delayed--
		t.items = append(t.items, m)
		t.mu.Unlock()
		t.signal()
	})
}

func (t *topic) deadLetter(m queue.Message) {
	t.mu.Lock()
	t.dead = append(t.dead, m)
	t.mu.Unlock()
}

// compile-time checks
var (
	_ queue.Publisher = (*Queue)(nil)
	_ queue.Consumer  = (*Queue)(nil)
)
