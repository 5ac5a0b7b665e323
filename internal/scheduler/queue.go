package scheduler

import (
	"github.com/t77yq/flowplane/internal/model"
)

// TaskQueue keeps pending tasks ordered by priority, highest first. Tasks of
// equal priority stay in the order they were pushed. The queue is not safe for
// concurrent use; the distributor guards it with its own lock.
type TaskQueue struct {
	tasks []*model.Task
}

// NewTaskQueue creates an empty queue
func NewTaskQueue() *TaskQueue {
	return &TaskQueue{}
}

// Len returns the length of the queue
func (q *TaskQueue) Len() int {
	return len(q.tasks)
}

// Push inserts a task after every queued task of equal or higher priority
func (q *TaskQueue) Push(task *model.Task) {
	i := len(q.tasks)
	for i > 0 && q.tasks[i-1].Priority < task.Priority {
		i--
	}
	q.tasks = append(q.tasks, nil)
	copy(q.tasks[i+1:], q.tasks[i:])
	q.tasks[i] = task
}

// Remove drops the task with the given id and reports whether it was queued
func (q *TaskQueue) Remove(taskID string) bool {
	for i, t := range q.tasks {
		if t.ID == taskID {
			q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
			return true
		}
	}
	return false
}

// Contains reports whether the task is queued
func (q *TaskQueue) Contains(taskID string) bool {
	for _, t := range q.tasks {
		if t.ID == taskID {
			return true
		}
	}
	return false
}

// Snapshot returns the queued tasks in dequeue order
func (q *TaskQueue) Snapshot() []*model.Task {
	return append([]*model.Task(nil), q.tasks...)
}
