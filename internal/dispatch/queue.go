package dispatch

import "sync"

// taskQueue orders pending tasks by priority class. Criticals hold the
// front of the queue, with the newest critical first (last-in is
// served first among criticals; this is deliberate, see Insert). High
// tasks sit after the critical run in submission order; normal and low
// share the tail in submission order.
type taskQueue struct {
	mu    sync.Mutex
	items []*Task
}

func newTaskQueue() *taskQueue {
	return &taskQueue{}
}

// Insert places a task according to its priority class:
//   - critical goes to the very front, ahead of earlier criticals —
//     among criticals, last-in is served first
//   - high goes after the contiguous critical+high prefix, keeping
//     FIFO order within the high class
//   - normal and low append to the tail
func (q *taskQueue) Insert(t *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	switch t.Priority {
	case PriorityCritical:
		q.items = append([]*Task{t}, q.items...)
	case PriorityHigh:
		idx := 0
		for idx < len(q.items) {
			p := q.items[idx].Priority
			if p != PriorityCritical && p != PriorityHigh {
				break
			}
			idx++
		}
		q.items = append(q.items, nil)
		copy(q.items[idx+1:], q.items[idx:])
		q.items[idx] = t
	default:
		q.items = append(q.items, t)
	}
}

// Peek returns the head task without removing it, or nil.
func (q *taskQueue) Peek() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

// Pop removes and returns the head task, or nil.
func (q *taskQueue) Pop() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	t := q.items[0]
	q.items = q.items[1:]
	return t
}

func (q *taskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// IDs returns the queued task IDs in dispatch order.
func (q *taskQueue) IDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.items))
	for i, t := range q.items {
		out[i] = t.ID
	}
	return out
}
