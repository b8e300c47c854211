// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tasks

import (
	"fmt"
	"sync"
)

// =============================================================================
// TASK QUEUE
// =============================================================================

// Queue tracks dispatched tasks so their status can be looked up later.
// Completed tasks beyond maxHistory are evicted oldest first; tasks still
// running are never evicted.
type Queue struct {
	// tasks in dispatch order
	tasks []*Task

	// byID indexes tasks for lookup
	byID map[string]*Task

	// maxHistory is the maximum number of completed tasks to keep (0 = unlimited)
	maxHistory int

	mu sync.RWMutex
}

// NewQueue creates a task queue.
func NewQueue(maxHistory int) *Queue {
	return &Queue{
		tasks:      make([]*Task, 0),
		byID:       make(map[string]*Task),
		maxHistory: maxHistory,
	}
}

// =============================================================================
// TASK MANAGEMENT
// =============================================================================

// Add records a task.
func (q *Queue) Add(task *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.byID[task.ID]; exists {
		return fmt.Errorf("task %s already queued", task.ID)
	}
	q.tasks = append(q.tasks, task)
	q.byID[task.ID] = task
	q.cleanupLocked()
	return nil
}

// Get retrieves a task by ID.
func (q *Queue) Get(id string) (*Task, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	task, ok := q.byID[id]
	return task, ok
}

// Completed is called when a task reaches its final phase so history
// limits can be applied.
func (q *Queue) Completed(task *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cleanupLocked()
}

// =============================================================================
// QUERIES
// =============================================================================

// Count returns the number of tracked tasks.
func (q *Queue) Count() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.tasks)
}

// RunningCount returns the number of tasks that have not reached the done
// phase.
func (q *Queue) RunningCount() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	n := 0
	for _, t := range q.tasks {
		if !t.IsComplete() {
			n++
		}
	}
	return n
}

// cleanupLocked drops the oldest completed tasks beyond maxHistory.
// Must be called with the write lock held.
func (q *Queue) cleanupLocked() {
	if q.maxHistory <= 0 {
		return
	}

	completed := 0
	for _, t := range q.tasks {
		if t.IsComplete() {
			completed++
		}
	}
	excess := completed - q.maxHistory
	if excess <= 0 {
		return
	}

	kept := q.tasks[:0]
	for _, t := range q.tasks {
		if excess > 0 && t.IsComplete() {
			delete(q.byID, t.ID)
			excess--
			continue
		}
		kept = append(kept, t)
	}
	// Clear the tail so evicted tasks can be collected.
	for i := len(kept); i < len(q.tasks); i++ {
		q.tasks[i] = nil
	}
	q.tasks = kept
}

// Summary returns a one-line summary of the queue.
func (q *Queue) Summary() string {
	running := q.RunningCount()
	total := q.Count()
	return fmt.Sprintf("%d running, %d completed", running, total-running)
}
