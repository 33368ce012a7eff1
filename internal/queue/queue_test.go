package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flipfinder/arbitrage-scanner/internal/models"
)

func publishTask(id string, profit float64) *Task {
	return NewTask(id, "scan-1", models.OpportunityRow{
		CandidateItem: models.CandidateItem{
			ASIN:  id,
			Title: "Widget " + id,
		},
		Profit: profit,
	})
}

func TestNewTask_PriorityFromProfit(t *testing.T) {
	task := publishTask("B000000001", 8.84)

	assert.Equal(t, 884, task.Priority)
	assert.Equal(t, "scan-1", task.ScanID)
	assert.False(t, task.CreatedAt.IsZero())
}

func TestInMemoryQueue_PopsHighestProfitFirst(t *testing.T) {
	q := NewInMemoryQueue()

	require.NoError(t, q.Push(publishTask("low", 1.50)))
	require.NoError(t, q.Push(publishTask("high", 12.00)))
	require.NoError(t, q.Push(publishTask("mid", 6.25)))

	ctx := context.Background()

	var order []string
	for i := 0; i < 3; i++ {
		task, err := q.Pop(ctx)
		require.NoError(t, err)
		order = append(order, task.ID)
	}

	assert.Equal(t, []string{"high", "mid", "low"}, order)
	assert.Equal(t, 0, q.Size())
}

func TestInMemoryQueue_EqualProfitKeepsArrivalOrder(t *testing.T) {
	q := NewInMemoryQueue()

	require.NoError(t, q.Push(publishTask("first", 5.00)))
	require.NoError(t, q.Push(publishTask("second", 5.00)))

	ctx := context.Background()

	task, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", task.ID)

	task, err = q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "second", task.ID)
}

func TestInMemoryQueue_PopBlocksUntilPush(t *testing.T) {
	q := NewInMemoryQueue()

	results := make(chan *Task, 1)
	go func() {
		task, err := q.Pop(context.Background())
		if err == nil {
			results <- task
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Push(publishTask("late", 3.00)))

	select {
	case task := <-results:
		assert.Equal(t, "late", task.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("Pop did not wake after Push")
	}
}

func TestInMemoryQueue_PopReturnsOnAlreadyCancelledContext(t *testing.T) {
	q := NewInMemoryQueue()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// An already-expired context must never block, no matter how the
	// cancellation races waiter registration.
	for i := 0; i < 200; i++ {
		done := make(chan error, 1)
		go func() {
			_, err := q.Pop(ctx)
			done <- err
		}()

		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(2 * time.Second):
			t.Fatalf("Pop blocked with an already-cancelled context (iteration %d)", i)
		}
	}
}

func TestInMemoryQueue_PopHonoursContextCancel(t *testing.T) {
	q := NewInMemoryQueue()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := q.Pop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The queue must stay usable after a cancelled Pop.
	require.NoError(t, q.Push(publishTask("after", 2.00)))
	assert.Equal(t, 1, q.Size())
}

func TestInMemoryQueue_Close(t *testing.T) {
	q := NewInMemoryQueue()

	require.NoError(t, q.Push(publishTask("pending", 4.00)))
	require.NoError(t, q.Close())

	assert.ErrorIs(t, q.Push(publishTask("rejected", 1.00)), ErrQueueClosed)

	ctx := context.Background()

	// Tasks pushed before close still drain.
	task, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "pending", task.ID)

	_, err = q.Pop(ctx)
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestBatchQueue_PopBatchStopsAtClose(t *testing.T) {
	q := NewInMemoryQueue()
	batch := NewBatchQueue(q, 5)

	tasks := []*Task{
		publishTask("a", 2.00),
		publishTask("b", 9.00),
		publishTask("c", 4.00),
	}
	require.NoError(t, batch.PushBatch(tasks))
	require.NoError(t, q.Close())

	got, err := batch.PopBatch(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "b", got[0].ID)

	_, err = batch.PopBatch(context.Background())
	assert.ErrorIs(t, err, ErrQueueEmpty)
}
