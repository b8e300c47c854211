// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/jeranaias/triage/internal/model"
)

// DefaultPhaseDelay is the pause between action phases.
const DefaultPhaseDelay = time.Second

var (
	// ErrEmptyAction is returned when the action name is blank.
	ErrEmptyAction = errors.New("action name is required")

	// ErrInvalidDetails is returned when details cannot be serialized.
	ErrInvalidDetails = errors.New("action details are not serializable")

	// ErrStopped is returned by Dispatch after Stop.
	ErrStopped = errors.New("dispatcher stopped")
)

// Appender receives the system record of a finished action.
type Appender interface {
	ChatID() string
	Append(msg model.Message) model.Conversation
}

// FormatRecord renders the system record appended for a finished action.
func FormatRecord(action string, details json.RawMessage) string {
	return fmt.Sprintf("[User performed action: %s. Details: %s]", action, details)
}

// encodeDetails serializes details compactly. HTML characters are kept
// as written so the record shows exactly what the user sent.
func encodeDetails(details any) (json.RawMessage, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(details); err != nil {
		return nil, err
	}
	return json.RawMessage(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

// =============================================================================
// DISPATCH HANDLE
// =============================================================================

// Dispatch holds the live handles of one dispatched action.
type Dispatch struct {
	Task *Task

	// Status receives one line per phase and closes on done
	Status *model.StreamBuffer

	// Message closes with the system record once the action is done
	Message *model.StreamBuffer

	done   chan struct{}
	record model.Message
}

// Done is closed after the system record has been appended.
func (d *Dispatch) Done() <-chan struct{} {
	return d.done
}

// Record returns the appended system message. Valid after Done.
func (d *Dispatch) Record() model.Message {
	<-d.done
	return d.record
}

// =============================================================================
// DISPATCHER
// =============================================================================

// Dispatcher runs actions in the background.
type Dispatcher struct {
	queue *Queue
	delay time.Duration
	wg    sync.WaitGroup

	// mu orders the stopped check and wg.Add against Stop's wg.Wait
	mu      sync.Mutex
	stopped bool

	// sleep is replaced in tests
	sleep func(time.Duration)
}

// NewDispatcher creates a dispatcher with the given phase delay. Finished
// tasks are recorded in queue.
func NewDispatcher(queue *Queue, delay time.Duration) *Dispatcher {
	if queue == nil {
		queue = NewQueue(100)
	}
	if delay < 0 {
		delay = 0
	}
	return &Dispatcher{
		queue: queue,
		delay: delay,
		sleep: time.Sleep,
	}
}

// Queue returns the task history.
func (d *Dispatcher) Queue() *Queue {
	return d.queue
}

// Lookup returns a task snapshot by ID.
func (d *Dispatcher) Lookup(id string) (Snapshot, bool) {
	task, ok := d.queue.Get(id)
	if !ok {
		return Snapshot{}, false
	}
	return task.Snapshot(), true
}

// Dispatch starts an action and returns immediately with its live handles.
// ctx only bounds acceptance: the action runs to completion even if ctx is
// cancelled, and there is no way to abort it once accepted.
//
// Ordering: the status stream closes, then the message stream closes, then
// the system record is appended to target.
func (d *Dispatcher) Dispatch(ctx context.Context, target Appender, action string, details any) (*Dispatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return nil, ErrEmptyAction
	}

	raw, err := encodeDetails(details)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDetails, err)
	}

	task := NewTask(action, raw, target.ChatID())
	handle := &Dispatch{
		Task:    task,
		Status:  model.NewStreamBuffer(),
		Message: model.NewStreamBuffer(),
		done:    make(chan struct{}),
	}
	task.StatusStreamID = handle.Status.ID()
	task.MessageStreamID = handle.Message.ID()

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil, ErrStopped
	}
	if err := d.queue.Add(task); err != nil {
		d.mu.Unlock()
		return nil, err
	}
	d.wg.Add(1)
	d.mu.Unlock()

	log.Printf("ACTION_DISPATCHED | task=%s chat=%s action=%q", task.ID, task.ChatID, action)
	go d.run(target, handle)

	return handle, nil
}

// run drives one action through its phases.
func (d *Dispatcher) run(target Appender, h *Dispatch) {
	defer d.wg.Done()
	defer close(h.done)

	task := h.Task
	var status strings.Builder

	report := func(p Phase) {
		if status.Len() > 0 {
			status.WriteString("\n")
		}
		status.WriteString(p.String())
	}

	report(PhaseStarted)
	h.Status.Append(PhaseStarted.String())

	for _, next := range Phases[1:] {
		if d.delay > 0 {
			d.sleep(d.delay)
		}
		if err := task.Advance(next); err != nil {
			// RELIABILITY: phases are only advanced here; a failure is a bug.
			log.Printf("ACTION_PHASE_ERROR | task=%s error=%v", task.ID, err)
		}
		prev := status.Len()
		report(next)
		if next.IsFinal() {
			h.Status.Close(status.String())
		} else {
			h.Status.Append(status.String()[prev:])
		}
	}

	content := FormatRecord(task.Action, task.Details)
	h.Message.Close(content)

	h.record = model.NewSystemMessage(content)
	conv := target.Append(h.record)
	d.queue.Completed(task)

	log.Printf("ACTION_DONE | task=%s chat=%s action=%q messages=%d duration=%s",
		task.ID, task.ChatID, task.Action, conv.Len(), task.Duration().Round(time.Millisecond))
}

// Wait blocks until every running action has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Stop rejects new actions and waits for running ones to finish.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	d.wg.Wait()
}
