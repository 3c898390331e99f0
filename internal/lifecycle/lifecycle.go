// Package lifecycle implements the run-level and subtask-level state
// machines. Both machines validate every transition against a fixed table
// and notify observers without letting an observer's misbehaviour corrupt
// the state itself.
package lifecycle

import (
	"fmt"
	"sync"

	"github.com/eisen-labs/eisen-agent/internal/logging"
)

// TaskState is a run-level lifecycle state.
type TaskState string

const (
	TaskIdle        TaskState = "idle"
	TaskDecomposing TaskState = "decomposing"
	TaskConfirming  TaskState = "confirming"
	TaskSpawning    TaskState = "spawning"
	TaskRunning     TaskState = "running"
	TaskDone        TaskState = "done"
	TaskCompleted   TaskState = "completed"
	TaskCancelled   TaskState = "cancelled"
	TaskRetrying    TaskState = "retrying"
)

var taskTransitions = map[TaskState]map[TaskState]bool{
	TaskIdle:        {TaskDecomposing: true},
	TaskDecomposing: {TaskConfirming: true},
	TaskConfirming:  {TaskCancelled: true, TaskSpawning: true},
	TaskSpawning:    {TaskRunning: true},
	TaskRunning:     {TaskDone: true, TaskCompleted: true},
	TaskDone:        {TaskRetrying: true},
	TaskRetrying:    {TaskRunning: true},
}

// InvalidTransitionError reports an attempted transition that is not in the
// published table.
type InvalidTransitionError struct {
	From, To string
	Kind     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition: %s -> %s", e.Kind, e.From, e.To)
}

// TaskObserver is notified after every successful transition. A panic
// raised by an observer is recovered and logged as a warning by
// TaskLifecycle itself, so it never breaks the state machine.
type TaskObserver func(from, to TaskState)

// TaskLifecycle is the run-level state machine.
type TaskLifecycle struct {
	mu        sync.Mutex
	state     TaskState
	observers []TaskObserver
}

// NewTaskLifecycle starts a machine in TaskIdle.
func NewTaskLifecycle() *TaskLifecycle {
	return &TaskLifecycle{state: TaskIdle}
}

// State returns the current state.
func (l *TaskLifecycle) State() TaskState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Observe registers an observer invoked after each successful transition.
func (l *TaskLifecycle) Observe(o TaskObserver) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, o)
}

// Transition attempts to move the machine from its current state to `to`.
func (l *TaskLifecycle) Transition(to TaskState) error {
	l.mu.Lock()
	from := l.state
	allowed := taskTransitions[from]
	if !allowed[to] {
		l.mu.Unlock()
		return &InvalidTransitionError{From: string(from), To: string(to), Kind: "task"}
	}
	l.state = to
	observers := append([]TaskObserver(nil), l.observers...)
	l.mu.Unlock()

	for _, o := range observers {
		notifyTask(o, from, to)
	}
	return nil
}

func notifyTask(o TaskObserver, from, to TaskState) {
	defer func() {
		if r := recover(); r != nil { // observer callbacks must never break the state machine
			logging.Warnf("lifecycle: task observer panicked on %s -> %s: %v", from, to, r)
		}
	}()
	o(from, to)
}

// SubtaskState is a subtask-level lifecycle state.
type SubtaskState string

const (
	SubtaskPending   SubtaskState = "pending"
	SubtaskRunning   SubtaskState = "running"
	SubtaskCompleted SubtaskState = "completed"
	SubtaskFailed    SubtaskState = "failed"
	SubtaskPartial   SubtaskState = "partial"
	SubtaskRetrying  SubtaskState = "retrying"
)

var subtaskTransitions = map[SubtaskState]map[SubtaskState]bool{
	SubtaskPending: {SubtaskRunning: true},
	SubtaskRunning: {SubtaskCompleted: true, SubtaskFailed: true, SubtaskPartial: true},
	SubtaskFailed:  {SubtaskRetrying: true},
	SubtaskPartial: {SubtaskRetrying: true},
	SubtaskRetrying: {SubtaskRunning: true},
}

// terminalStates never accept a further transition.
var terminalStates = map[SubtaskState]bool{
	SubtaskCompleted: true,
}

// SubtaskObserver is notified after every successful subtask transition.
type SubtaskObserver func(from, to SubtaskState)

// SubtaskLifecycle is the per-subtask state machine. RetryCount increments
// once per failed|partial -> retrying -> running cycle.
type SubtaskLifecycle struct {
	mu         sync.Mutex
	state      SubtaskState
	retryCount int
	observers  []SubtaskObserver
}

// NewSubtaskLifecycle starts a machine in SubtaskPending.
func NewSubtaskLifecycle() *SubtaskLifecycle {
	return &SubtaskLifecycle{state: SubtaskPending}
}

// State returns the current state.
func (l *SubtaskLifecycle) State() SubtaskState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// RetryCount returns the number of completed retry cycles.
func (l *SubtaskLifecycle) RetryCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.retryCount
}

// Observe registers an observer invoked after each successful transition.
func (l *SubtaskLifecycle) Observe(o SubtaskObserver) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, o)
}

// Transition attempts to move the machine from its current state to `to`.
// A terminal state never accepts any further transition, including to
// itself.
func (l *SubtaskLifecycle) Transition(to SubtaskState) error {
	l.mu.Lock()
	from := l.state
	if terminalStates[from] {
		l.mu.Unlock()
		return &InvalidTransitionError{From: string(from), To: string(to), Kind: "subtask"}
	}
	allowed := subtaskTransitions[from]
	if !allowed[to] {
		l.mu.Unlock()
		return &InvalidTransitionError{From: string(from), To: string(to), Kind: "subtask"}
	}
	if to == SubtaskRunning && from == SubtaskRetrying {
		l.retryCount++
	}
	l.state = to
	observers := append([]SubtaskObserver(nil), l.observers...)
	l.mu.Unlock()

	for _, o := range observers {
		notifySubtask(o, from, to)
	}
	return nil
}

func notifySubtask(o SubtaskObserver, from, to SubtaskState) {
	defer func() {
		if r := recover(); r != nil {
			logging.Warnf("lifecycle: subtask observer panicked on %s -> %s: %v", from, to, r)
		}
	}()
	o(from, to)
}
