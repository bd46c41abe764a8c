package coordinator_test

import (
	"testing"
	"time"

	"github.com/seantiz/taskmesh/internal/model"
)

func TestDuplicateListenerRegistration(t *testing.T) {
	c, _ := newTestCoordinator(t)
	r := &recorder{}
	c.RegisterListener(r)
	c.RegisterListener(r)

	if err := c.Submit(newStubTask("T1", 1, time.Hour, time.Minute)); err != nil {
		t.Fatal(err)
	}
	tasks, _ := r.counts()
	if tasks != 1 {
		t.Errorf("task notifications = %d, want 1", tasks)
	}
}

func TestUnregisterListener(t *testing.T) {
	c, _ := newTestCoordinator(t)
	r := &recorder{}
	c.RegisterListener(r)
	c.UnregisterListener(r)

	if err := c.Submit(newStubTask("T1", 1, time.Hour, time.Minute)); err != nil {
		t.Fatal(err)
	}
	if tasks, _ := r.counts(); tasks != 0 {
		t.Errorf("task notifications = %d, want 0", tasks)
	}
}

func TestListenerNotifications(t *testing.T) {
	c, _ := newTestCoordinator(t)
	r := &recorder{}
	c.RegisterListener(r)

	if err := c.Submit(newStubTask("T1", 2, time.Hour, 30*time.Second)); err != nil {
		t.Fatal(err)
	}
	d, _ := c.LeaseNextUnit("W1", "T1", 1000, 4)
	c.Sweep(t0.Add(31 * time.Second))

	r.mu.Lock()
	defer r.mu.Unlock()
	// submit, lease, expiry
	if len(r.tasks) != 3 {
		t.Errorf("task notifications = %v", r.tasks)
	}
	// lease, expiry
	if len(r.subtasks) != 2 || r.subtasks[0] != d.SubtaskID || r.subtasks[1] != d.SubtaskID {
		t.Errorf("subtask notifications = %v", r.subtasks)
	}
}

func TestListenerMayQueryCoordinator(t *testing.T) {
	c, _ := newTestCoordinator(t)
	var seen model.TaskStatus
	r := &recorder{}
	r.onTask = func(id string) {
		st, err := c.QueryTaskState(id)
		if err == nil {
			seen = st.Status
		}
	}
	c.RegisterListener(r)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Submit(newStubTask("T1", 1, time.Hour, time.Minute))
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("listener calling back into the coordinator deadlocked")
	}
	if seen != model.TaskWaiting {
		t.Errorf("seen = %q, want waiting", seen)
	}
}

func TestListenerPanicIsRecovered(t *testing.T) {
	c, _ := newTestCoordinator(t)
	c.RegisterListener(&panicListener{})
	r := &recorder{}
	c.RegisterListener(r)

	if err := c.Submit(newStubTask("T1", 1, time.Hour, time.Minute)); err != nil {
		t.Fatal(err)
	}
	if tasks, _ := r.counts(); tasks != 1 {
		t.Errorf("listener after a panicking one got %d notifications, want 1", tasks)
	}
}
