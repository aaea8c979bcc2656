package consumer

import (
	"context"
	"sync"

	"github.com/dray-io/meshsync/internal/envelope"
	"github.com/dray-io/meshsync/internal/logging"
	"github.com/dray-io/meshsync/internal/metrics"
)

type task struct {
	env     *envelope.Envelope
	deliver func(ctx context.Context, env *envelope.Envelope) error
}

// queue is an unbounded FIFO served by one goroutine, so the poll loop
// never waits on a slow handler.
type queue struct {
	logger  *logging.Logger
	metrics *metrics.ConsumerMetrics

	mu     sync.Mutex
	cond   *sync.Cond
	items  []task
	closed bool

	wg sync.WaitGroup
}

func newQueue(logger *logging.Logger, m *metrics.ConsumerMetrics) *queue {
	q := &queue{logger: logger, metrics: m}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *queue) start(ctx context.Context) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.serve(ctx)
	}()
}

// push enqueues t. Tasks pushed after close are dropped.
func (q *queue) push(t task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, t)
	q.metrics.AddQueued(1)
	q.cond.Signal()
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *queue) serve(ctx context.Context) {
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}
		t := q.items[0]
		q.items[0] = task{}
		q.items = q.items[1:]
		q.mu.Unlock()
		q.metrics.AddQueued(-1)

		hctx := logging.WithCorrelationIDCtx(ctx, t.env.CorrelationID)
		if err := t.deliver(hctx, t.env); err != nil {
			q.logger.Warnf("handler failed", map[string]any{
				"to":            t.env.To,
				"correlationId": t.env.CorrelationID,
				"error":         err.Error(),
			})
		}
	}
}

// close stops the server and drops undelivered tasks.
func (q *queue) close() int {
	q.mu.Lock()
	dropped := len(q.items)
	q.items = nil
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()

	q.metrics.AddQueued(-dropped)
	q.wg.Wait()
	return dropped
}
