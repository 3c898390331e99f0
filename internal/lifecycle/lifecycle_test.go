package lifecycle

import "testing"

func TestTaskLifecycleHappyPath(t *testing.T) {
	l := NewTaskLifecycle()
	steps := []TaskState{TaskDecomposing, TaskConfirming, TaskSpawning, TaskRunning, TaskCompleted}
	for _, s := range steps {
		if err := l.Transition(s); err != nil {
			t.Fatalf("unexpected error transitioning to %s: %v", s, err)
		}
	}
	if l.State() != TaskCompleted {
		t.Fatalf("expected completed, got %s", l.State())
	}
}

func TestTaskLifecycleInvalidTransition(t *testing.T) {
	l := NewTaskLifecycle()
	if err := l.Transition(TaskRunning); err == nil {
		t.Fatal("expected error jumping idle -> running")
	}
	if l.State() != TaskIdle {
		t.Fatalf("state should not change on invalid transition, got %s", l.State())
	}
}

func TestTaskLifecycleCancelledFromConfirming(t *testing.T) {
	l := NewTaskLifecycle()
	_ = l.Transition(TaskDecomposing)
	_ = l.Transition(TaskConfirming)
	if err := l.Transition(TaskCancelled); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.Transition(TaskRunning); err == nil {
		t.Fatal("cancelled should be terminal for the driver's purposes")
	}
}

func TestSubtaskLifecycleRetryClosure(t *testing.T) {
	l := NewSubtaskLifecycle()
	_ = l.Transition(SubtaskRunning)
	_ = l.Transition(SubtaskFailed)
	_ = l.Transition(SubtaskRetrying)
	_ = l.Transition(SubtaskRunning)
	if l.RetryCount() != 1 {
		t.Fatalf("expected retry count 1, got %d", l.RetryCount())
	}
	_ = l.Transition(SubtaskPartial)
	_ = l.Transition(SubtaskRetrying)
	_ = l.Transition(SubtaskRunning)
	if l.RetryCount() != 2 {
		t.Fatalf("expected retry count 2, got %d", l.RetryCount())
	}
}

func TestSubtaskLifecycleTerminalImmutable(t *testing.T) {
	l := NewSubtaskLifecycle()
	_ = l.Transition(SubtaskRunning)
	_ = l.Transition(SubtaskCompleted)
	if err := l.Transition(SubtaskRetrying); err == nil {
		t.Fatal("completed must be terminal")
	}
	if l.State() != SubtaskCompleted {
		t.Fatalf("terminal state mutated to %s", l.State())
	}
}

func TestObserverPanicDoesNotBreakMachine(t *testing.T) {
	l := NewTaskLifecycle()
	l.Observe(func(from, to TaskState) {
		panic("boom")
	})
	if err := l.Transition(TaskDecomposing); err != nil {
		t.Fatalf("transition should still succeed despite observer panic: %v", err)
	}
	if l.State() != TaskDecomposing {
		t.Fatalf("expected decomposing, got %s", l.State())
	}
}
