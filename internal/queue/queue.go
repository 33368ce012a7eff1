package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/flipfinder/arbitrage-scanner/internal/models"
)

var (
	ErrQueueEmpty  = errors.New("queue is empty")
	ErrQueueClosed = errors.New("queue is closed")
)

// Task is one pending listing-publish job. Higher priority pops first, so
// the best opportunities get listed before the rate budget runs out.
type Task struct {
	ID        string
	ScanID    string
	Row       models.OpportunityRow
	Priority  int
	Retries   int
	CreatedAt time.Time
}

// NewTask builds a publish task with priority derived from profit in pence.
func NewTask(id, scanID string, row models.OpportunityRow) *Task {
	return &Task{
		ID:        id,
		ScanID:    scanID,
		Row:       row,
		Priority:  int(row.Profit * 100),
		CreatedAt: time.Now(),
	}
}

type Queue interface {
	Push(task *Task) error
	Pop(ctx context.Context) (*Task, error)
	Size() int
	Close() error
}

// InMemoryQueue orders tasks by priority and blocks Pop until a task
// arrives, the queue closes, or the context is cancelled. Waiters watch a
// wake channel that Push and Close replace under the lock, so a cancelled
// context unblocks Pop regardless of when the waiter registered.
type InMemoryQueue struct {
	tasks  []*Task
	mu     sync.Mutex
	wake   chan struct{}
	closed bool
}

func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		tasks: make([]*Task, 0),
		wake:  make(chan struct{}),
	}
}

// notify wakes all current waiters. Callers must hold q.mu.
func (q *InMemoryQueue) notify() {
	close(q.wake)
	q.wake = make(chan struct{})
}

func (q *InMemoryQueue) Push(task *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	q.tasks = append(q.tasks, task)
	q.sortByPriority()
	q.notify()

	return nil
}

func (q *InMemoryQueue) Pop(ctx context.Context) (*Task, error) {
	q.mu.Lock()
	for {
		if len(q.tasks) > 0 {
			task := q.tasks[0]
			q.tasks = q.tasks[1:]
			q.mu.Unlock()
			return task, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		if err := ctx.Err(); err != nil {
			q.mu.Unlock()
			return nil, err
		}

		wake := q.wake
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		}

		q.mu.Lock()
	}
}

func (q *InMemoryQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.notify()

	return nil
}

// stable insertion keeps equal-profit tasks in arrival order
func (q *InMemoryQueue) sortByPriority() {
	for i := len(q.tasks) - 1; i > 0; i-- {
		if q.tasks[i].Priority <= q.tasks[i-1].Priority {
			break
		}
		q.tasks[i], q.tasks[i-1] = q.tasks[i-1], q.tasks[i]
	}
}

// BatchQueue wraps a Queue for consumers that drain several publish tasks
// per wakeup.
type BatchQueue struct {
	queue     Queue
	batchSize int
}

func NewBatchQueue(q Queue, batchSize int) *BatchQueue {
	return &BatchQueue{
		queue:     q,
		batchSize: batchSize,
	}
}

func (b *BatchQueue) PushBatch(tasks []*Task) error {
	for _, task := range tasks {
		if err := b.queue.Push(task); err != nil {
			return err
		}
	}
	return nil
}

func (b *BatchQueue) PopBatch(ctx context.Context) ([]*Task, error) {
	var tasks []*Task

	for i := 0; i < b.batchSize; i++ {
		task, err := b.queue.Pop(ctx)
		if err != nil {
			if errors.Is(err, ErrQueueEmpty) || errors.Is(err, ErrQueueClosed) {
				break
			}
			return tasks, err
		}
		tasks = append(tasks, task)
	}

	if len(tasks) == 0 {
		return nil, ErrQueueEmpty
	}

	return tasks, nil
}
