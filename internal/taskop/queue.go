package taskop

import (
	"context"
	"sync"

	"karya/internal/domain"
)

// Queue serializes op execution per (task_id, op_type). A single consumer per
// key means at most one invocation of a given kind runs at a time, which is
// what keeps ledger windows non-overlapping without a distributed lock.
type Queue struct {
	Runner *Runner

	mu      sync.Mutex
	workers map[string]chan domain.TaskOp
	wg      sync.WaitGroup
	closed  bool
}

func NewQueue(r *Runner) *Queue {
	return &Queue{Runner: r, workers: map[string]chan domain.TaskOp{}}
}

// Enqueue creates the PENDING op row and schedules it. The row is created
// here, before execution, so the op's created_at anchors its window even if
// the queue is backed up.
func (q *Queue) Enqueue(ctx context.Context, taskID, opType string) (domain.TaskOp, error) {
	op, err := q.Runner.Ledger.Create(ctx, taskID, opType)
	if err != nil {
		return domain.TaskOp{}, err
	}
	q.dispatch(taskID+"/"+opType, op)
	return op, nil
}

func (q *Queue) dispatch(key string, op domain.TaskOp) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	ch, ok := q.workers[key]
	if !ok {
		ch = make(chan domain.TaskOp, 64)
		q.workers[key] = ch
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for op := range ch {
				// Run records failures on the op row; an error here
				// means the database itself is unreachable.
				_ = q.Runner.Run(context.Background(), op)
			}
		}()
	}
	ch <- op
}

// Close stops accepting work and waits for in-flight ops to finish.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for _, ch := range q.workers {
		close(ch)
	}
	q.mu.Unlock()
	q.wg.Wait()
}
