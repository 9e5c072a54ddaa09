package orchestrator

import (
	"container/heap"

	"github.com/loomworks/loom/internal/models"
)

// taskQueue is a priority queue over queued tasks. Higher Priority pops
// first; ties break by enqueue order so equal-priority tasks stay FIFO.
// Callers hold the orchestrator mutex.
type taskQueue struct {
	items taskHeap
	seq   uint64
}

func newTaskQueue() *taskQueue {
	q := &taskQueue{}
	heap.Init(&q.items)
	return q
}

func (q *taskQueue) push(task *models.Task) {
	q.seq++
	heap.Push(&q.items, &queueItem{task: task, seq: q.seq})
}

func (q *taskQueue) len() int { return q.items.Len() }

// next pops the highest-priority task satisfying match, skipping over tasks
// that do not. Skipped tasks are restored with their original ordering.
func (q *taskQueue) next(match func(*models.Task) bool) *models.Task {
	var skipped []*queueItem
	var found *models.Task
	for q.items.Len() > 0 {
		item := heap.Pop(&q.items).(*queueItem)
		if match(item.task) {
			found = item.task
			break
		}
		skipped = append(skipped, item)
	}
	for _, item := range skipped {
		heap.Push(&q.items, item)
	}
	return found
}

// remove drops every queued task of one workflow, for cancellation.
func (q *taskQueue) remove(workflowID string) int {
	kept := q.items[:0]
	removed := 0
	for _, item := range q.items {
		if item.task.WorkflowID == workflowID {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	q.items = kept
	heap.Init(&q.items)
	return removed
}

// snapshot lists queued tasks of one workflow, unordered.
func (q *taskQueue) snapshot(workflowID string) []*models.Task {
	var out []*models.Task
	for _, item := range q.items {
		if item.task.WorkflowID == workflowID {
			out = append(out, item.task)
		}
	}
	return out
}

type queueItem struct {
	task *models.Task
	seq  uint64
}

type taskHeap []*queueItem

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x interface{}) { *h = append(*h, x.(*queueItem)) }

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
