package store

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func newTestTaskStore(t *testing.T) *TaskStore {
	t.Helper()
	s, err := NewTaskStore(filepath.Join(t.TempDir(), "tasks.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewTaskStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func strPtr(s string) *string { return &s }

func TestTaskStoreCreateAndGet(t *testing.T) {
	s := newTestTaskStore(t)

	task := Task{
		TaskID:         "abc123def456",
		SessionID:      "digital-abc123def456",
		Goal:           "check weather",
		TimeoutSeconds: 60,
		PushContext: &PushContext{
			DeviceID:  "dev-1",
			SessionID: "sess-1",
			Speak:     true,
		},
	}
	if err := s.CreateTask(task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	t.Run("fetch_roundtrip", func(t *testing.T) {
		got, err := s.GetTask("abc123def456")
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if got == nil {
			t.Fatal("GetTask returned nil for existing task")
		}
		if got.Status != "pending" {
			t.Errorf("Status = %q, want pending", got.Status)
		}
		if got.Goal != "check weather" {
			t.Errorf("Goal = %q", got.Goal)
		}
		if got.PushContext == nil || got.PushContext.DeviceID != "dev-1" {
			t.Errorf("PushContext = %+v, want device dev-1", got.PushContext)
		}
		if !got.PushContext.Speak || got.PushContext.Notify {
			t.Errorf("push flags = %+v", got.PushContext)
		}
	})

	t.Run("missing_task_is_nil", func(t *testing.T) {
		got, err := s.GetTask("nope")
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if got != nil {
			t.Errorf("GetTask = %+v, want nil", got)
		}
	})

	t.Run("duplicate_task_id_rejected", func(t *testing.T) {
		if err := s.CreateTask(Task{TaskID: "abc123def456", SessionID: "x", Goal: "dup"}); err == nil {
			t.Error("duplicate CreateTask succeeded, want constraint error")
		}
	})
}

func TestTaskStoreCASUpdates(t *testing.T) {
	s := newTestTaskStore(t)
	if err := s.CreateTask(Task{TaskID: "t1", SessionID: "s1", Goal: "g"}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	t.Run("pending_to_running", func(t *testing.T) {
		ok, err := s.UpdateTaskIfStatus("t1", []string{"pending"}, TaskUpdate{Status: strPtr("running")})
		if err != nil {
			t.Fatalf("UpdateTaskIfStatus: %v", err)
		}
		if !ok {
			t.Fatal("CAS pending->running did not apply")
		}
	})

	t.Run("stale_expected_status_loses", func(t *testing.T) {
		ok, err := s.UpdateTaskIfStatus("t1", []string{"pending"}, TaskUpdate{Status: strPtr("canceled")})
		if err != nil {
			t.Fatalf("UpdateTaskIfStatus: %v", err)
		}
		if ok {
			t.Error("CAS applied against wrong current status")
		}
		got, _ := s.GetTask("t1")
		if got.Status != "running" {
			t.Errorf("Status = %q, want running", got.Status)
		}
	})

	t.Run("terminal_with_result", func(t *testing.T) {
		ok, err := s.UpdateTaskIfStatus("t1", []string{"running", "pending"}, TaskUpdate{
			Status: strPtr("success"),
			Result: map[string]any{"answer": "sunny"},
			Steps:  []map[string]any{{"stage": "llm", "detail": "done"}},
		})
		if err != nil || !ok {
			t.Fatalf("terminal CAS: ok=%v err=%v", ok, err)
		}
		got, _ := s.GetTask("t1")
		if got.Result["answer"] != "sunny" {
			t.Errorf("Result = %v", got.Result)
		}
		if len(got.Steps) != 1 {
			t.Errorf("Steps = %v", got.Steps)
		}
	})

	t.Run("unconditional_update", func(t *testing.T) {
		ok, err := s.UpdateTaskIfStatus("t1", nil, TaskUpdate{Error: strPtr("late note")})
		if err != nil || !ok {
			t.Fatalf("unconditional update: ok=%v err=%v", ok, err)
		}
	})
}

func TestTaskStoreRecoveryAndStats(t *testing.T) {
	s := newTestTaskStore(t)
	seed := []struct {
		id, status string
	}{
		{"a", "pending"}, {"b", "running"}, {"c", "success"}, {"d", "failed"},
	}
	for _, row := range seed {
		if err := s.CreateTask(Task{TaskID: row.id, SessionID: "s", Goal: "g"}); err != nil {
			t.Fatalf("CreateTask %s: %v", row.id, err)
		}
		if row.status != "pending" {
			if _, err := s.UpdateTaskIfStatus(row.id, nil, TaskUpdate{Status: strPtr(row.status)}); err != nil {
				t.Fatalf("seed status: %v", err)
			}
		}
	}

	t.Run("unfinished_oldest_first", func(t *testing.T) {
		tasks, err := s.ListUnfinishedTasks(10)
		if err != nil {
			t.Fatalf("ListUnfinishedTasks: %v", err)
		}
		if len(tasks) != 2 {
			t.Fatalf("got %d unfinished, want 2", len(tasks))
		}
		if tasks[0].TaskID != "a" || tasks[1].TaskID != "b" {
			t.Errorf("order = %s, %s", tasks[0].TaskID, tasks[1].TaskID)
		}
	})

	t.Run("stats_counts", func(t *testing.T) {
		stats, err := s.Stats("")
		if err != nil {
			t.Fatalf("Stats: %v", err)
		}
		if stats.Total != 4 || stats.Success != 1 || stats.Failed != 1 {
			t.Errorf("stats = %+v", stats)
		}
		if stats.SuccessRate != 0.25 {
			t.Errorf("SuccessRate = %v, want 0.25", stats.SuccessRate)
		}
	})

	t.Run("list_filter_by_status", func(t *testing.T) {
		tasks, err := s.ListTasks("", "success", 10, 0)
		if err != nil {
			t.Fatalf("ListTasks: %v", err)
		}
		if len(tasks) != 1 || tasks[0].TaskID != "c" {
			t.Errorf("tasks = %+v", tasks)
		}
	})
}

func TestTaskStorePushQueue(t *testing.T) {
	s := newTestTaskStore(t)

	id, err := s.EnqueuePushUpdate("t1", "dev-1", "sess-1", map[string]any{"status": "success"})
	if err != nil {
		t.Fatalf("EnqueuePushUpdate: %v", err)
	}

	t.Run("due_immediately", func(t *testing.T) {
		due, err := s.ListPendingPushUpdates("dev-1", 10, 0)
		if err != nil {
			t.Fatalf("ListPendingPushUpdates: %v", err)
		}
		if len(due) != 1 || due[0].ID != id {
			t.Fatalf("due = %+v", due)
		}
		if due[0].Payload["status"] != "success" {
			t.Errorf("payload = %v", due[0].Payload)
		}
	})

	t.Run("retry_defers_delivery", func(t *testing.T) {
		if err := s.MarkPushUpdateRetry(id, "publish failed", 60_000); err != nil {
			t.Fatalf("MarkPushUpdateRetry: %v", err)
		}
		due, err := s.ListPendingPushUpdates("dev-1", 10, nowMs())
		if err != nil {
			t.Fatalf("ListPendingPushUpdates: %v", err)
		}
		if len(due) != 0 {
			t.Errorf("entry still due after retry defer: %+v", due)
		}
		all, _ := s.ListPushQueue("dev-1", "")
		if len(all) != 1 || all[0].Attempts != 1 || all[0].LastError != "publish failed" {
			t.Errorf("queue row = %+v", all)
		}
	})

	t.Run("sent_entries_leave_queue", func(t *testing.T) {
		if err := s.MarkPushUpdateSent(id); err != nil {
			t.Fatalf("MarkPushUpdateSent: %v", err)
		}
		due, _ := s.ListPendingPushUpdates("dev-1", 10, nowMs()+120_000)
		if len(due) != 0 {
			t.Errorf("sent entry listed as due: %+v", due)
		}
		if err := s.MarkPushUpdateRetry(id, "late", 0); err != nil {
			t.Fatalf("MarkPushUpdateRetry after sent: %v", err)
		}
		all, _ := s.ListPushQueue("dev-1", "sent")
		if len(all) != 1 || all[0].Attempts != 1 {
			t.Errorf("retry after sent mutated row: %+v", all)
		}
	})
}

func TestTaskStoreMigrationsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.db")
	s1, err := NewTaskStore(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := s1.CreateTask(Task{TaskID: "t1", SessionID: "s", Goal: "g"}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	s1.Close()

	s2, err := NewTaskStore(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	got, err := s2.GetTask("t1")
	if err != nil || got == nil {
		t.Fatalf("task lost across reopen: %v %v", got, err)
	}
}
