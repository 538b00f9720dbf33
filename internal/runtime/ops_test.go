package runtime

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/iflabx/opencane-gateway/internal/protocol"
	"github.com/iflabx/opencane-gateway/internal/session"
	"github.com/iflabx/opencane-gateway/internal/store"
)

func TestDispatchDeviceOperation(t *testing.T) {
	e := newTestEnv(t, nil)
	e.handle(event(protocol.EventHello, 1, nil))
	e.wait()
	e.mock.Reset()
	ctx := context.Background()

	t.Run("missing_device", func(t *testing.T) {
		resp := e.core.DispatchDeviceOperation(ctx, DispatchRequest{OpType: "set_config"})
		if resp["error_code"] != "bad_request" {
			t.Errorf("resp = %v", resp)
		}
	})

	t.Run("unsupported_op_type", func(t *testing.T) {
		resp := e.core.DispatchDeviceOperation(ctx, DispatchRequest{DeviceID: "cane-01", OpType: "reboot"})
		if resp["error_code"] != "bad_request" {
			t.Errorf("resp = %v", resp)
		}
	})

	t.Run("unknown_device", func(t *testing.T) {
		resp := e.core.DispatchDeviceOperation(ctx, DispatchRequest{DeviceID: "ghost", OpType: "tool_call"})
		if resp["error_code"] != "not_found" {
			t.Errorf("resp = %v", resp)
		}
	})

	t.Run("dispatch_tracks_queued_then_sent", func(t *testing.T) {
		resp := e.core.DispatchDeviceOperation(ctx, DispatchRequest{
			DeviceID: "cane-01",
			OpType:   "tool_call",
			Payload:  map[string]any{"tool": "flashlight", "args": map[string]any{"on": true}},
		})
		if ok, _ := resp["success"].(bool); !ok {
			t.Fatalf("resp = %v", resp)
		}
		opID := resp["operation_id"].(string)

		e.lifelog.mu.Lock()
		op, created := e.lifelog.ops[opID]
		e.lifelog.mu.Unlock()
		if !created || op.Status != store.OpQueued || op.CommandType != protocol.CommandToolCall {
			t.Errorf("persisted op = %+v", op)
		}
		upd, _ := e.lifelog.lastUpdate(opID)
		if upd.Status != store.OpSent {
			t.Errorf("update = %+v", upd)
		}

		cmds := commandsOfType(e.mock.PendingCommands(), protocol.CommandToolCall)
		if len(cmds) != 1 || cmds[0].Payload["operation_id"] != opID {
			t.Fatalf("tool_call commands = %v", cmds)
		}
		if cmds[0].Payload["tool"] != "flashlight" {
			t.Errorf("payload = %v", cmds[0].Payload)
		}
		if len(e.lifelog.eventsOfType("device_operation_dispatch")) != 1 {
			t.Error("dispatch lifelog event missing")
		}
	})
}

func TestPushTaskUpdateFromPayload(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()

	t.Run("offline_device_queues", func(t *testing.T) {
		err := e.core.PushTaskUpdateFromPayload(ctx, map[string]any{
			"device_id": "cane-01",
			"task_id":   "task-3",
			"status":    "success",
			"message":   "挂号已完成。",
		})
		if !errors.Is(err, ErrNoOnlineSession) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("online_device_receives_update_and_speech", func(t *testing.T) {
		e.handle(event(protocol.EventHello, 1, nil))
		e.wait()
		e.mock.Reset()

		err := e.core.PushTaskUpdateFromPayload(ctx, map[string]any{
			"device_id": "cane-01",
			"task_id":   "task-3",
			"status":    "success",
			"message":   "挂号已完成。",
			"extra":     map[string]any{"event": "task_done"},
		})
		if err != nil {
			t.Fatalf("push: %v", err)
		}

		cmds := e.mock.PendingCommands()
		updates := commandsOfType(cmds, protocol.CommandTaskUpdate)
		if len(updates) != 1 {
			t.Fatalf("task_update count = %d", len(updates))
		}
		payload := updates[0].Payload
		if payload["task_id"] != "task-3" || payload["status"] != "success" || payload["message"] != "挂号已完成。" {
			t.Errorf("task_update payload = %v", payload)
		}
		starts := commandsOfType(cmds, protocol.CommandTTSStart)
		if len(starts) != 1 || starts[0].Payload["text"] != "挂号已完成。" {
			t.Errorf("tts_start = %v", starts)
		}
		rec, _ := e.core.sessions.Get("cane-01", "sess-1")
		if rec.State != string(session.StateReady) {
			t.Errorf("state = %q", rec.State)
		}
	})

	t.Run("speak_false_skips_tts", func(t *testing.T) {
		e.mock.Reset()
		err := e.core.PushTaskUpdateFromPayload(ctx, map[string]any{
			"device_id": "cane-01",
			"task_id":   "task-4",
			"status":    "running",
			"message":   "进行中。",
			"speak":     false,
		})
		if err != nil {
			t.Fatalf("push: %v", err)
		}
		cmds := e.mock.PendingCommands()
		if n := len(commandsOfType(cmds, protocol.CommandTaskUpdate)); n != 1 {
			t.Errorf("task_update count = %d", n)
		}
		if n := len(commandsOfType(cmds, protocol.CommandTTSStart)); n != 0 {
			t.Errorf("tts_start count = %d", n)
		}
	})
}

func TestResolveToolPolicy(t *testing.T) {
	ctx := context.Background()

	t.Run("no_client_is_unrestricted", func(t *testing.T) {
		e := newTestEnv(t, nil)
		allow, deny, policyCtx := e.core.resolveToolPolicy(ctx, "cane-01")
		if allow != nil || deny != nil {
			t.Errorf("allow=%v deny=%v", allow, deny)
		}
		if policyCtx["enabled"] != false || policyCtx["source"] != "disabled" {
			t.Errorf("ctx = %v", policyCtx)
		}
	})

	t.Run("fetch_error_degrades_open", func(t *testing.T) {
		e := newTestEnv(t, func(o *Options) {
			o.PolicyClient = &fakePolicyClient{err: errors.New("control plane down")}
		})
		allow, deny, policyCtx := e.core.resolveToolPolicy(ctx, "cane-01")
		if allow != nil || deny != nil {
			t.Errorf("allow=%v deny=%v", allow, deny)
		}
		if policyCtx["source"] != "error" || policyCtx["warning"] != "control plane down" {
			t.Errorf("ctx = %v", policyCtx)
		}
	})

	t.Run("allow_minus_deny_sorted", func(t *testing.T) {
		e := newTestEnv(t, func(o *Options) {
			o.PolicyClient = &fakePolicyClient{raw: map[string]any{
				"success": true,
				"source":  "control_api",
				"data": map[string]any{
					"allow_tools": []any{"web_search", "exec", "files", "exec"},
					"deny_tools":  []any{"exec"},
				},
			}}
		})
		allow, deny, policyCtx := e.core.resolveToolPolicy(ctx, "cane-01")
		if !reflect.DeepEqual(allow, []string{"files", "web_search"}) {
			t.Errorf("allow = %v", allow)
		}
		if !reflect.DeepEqual(deny, []string{"exec"}) {
			t.Errorf("deny = %v", deny)
		}
		if policyCtx["source"] != "control_api" {
			t.Errorf("ctx = %v", policyCtx)
		}
	})

	t.Run("unsuccessful_response_degrades_open", func(t *testing.T) {
		e := newTestEnv(t, func(o *Options) {
			o.PolicyClient = &fakePolicyClient{raw: map[string]any{
				"success": false,
				"error":   "device not enrolled",
			}}
		})
		allow, deny, policyCtx := e.core.resolveToolPolicy(ctx, "cane-01")
		if allow != nil || deny != nil {
			t.Errorf("allow=%v deny=%v", allow, deny)
		}
		if policyCtx["warning"] != "device not enrolled" {
			t.Errorf("ctx = %v", policyCtx)
		}
	})
}

func TestShouldRouteToDigitalTask(t *testing.T) {
	cases := []struct {
		name       string
		transcript string
		payload    map[string]any
		want       bool
	}{
		{"intent_flag", "随便说点什么", map[string]any{"intent": "digital_task"}, true},
		{"boolean_flag", "随便说点什么", map[string]any{"digital_task": true}, true},
		{"cn_prefix", "帮我查一下明天的天气", nil, true},
		{"cn_booking_prefix", "请帮我挂一个神经内科的号", nil, true},
		{"en_keyword", "can you book a table for two", nil, true},
		{"plain_question", "前面的路能走吗", nil, false},
		{"empty", "", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := shouldRouteToDigitalTask(tc.transcript, tc.payload)
			if got != tc.want {
				t.Errorf("route(%q) = %v, want %v", tc.transcript, got, tc.want)
			}
		})
	}
}

func TestAbort(t *testing.T) {
	e := newTestEnv(t, nil)
	if e.core.Abort("ghost", "") {
		t.Error("abort succeeded for unknown device")
	}

	e.handle(event(protocol.EventHello, 1, nil))
	e.wait()
	e.core.sessions.UpdateState("cane-01", "sess-1", session.StateSpeaking)
	e.mock.Reset()

	if !e.core.Abort("cane-01", "operator_abort") {
		t.Fatal("abort failed")
	}
	stops := commandsOfType(e.mock.PendingCommands(), protocol.CommandTTSStop)
	if len(stops) != 1 || stops[0].Payload["aborted"] != true || stops[0].Payload["reason"] != "operator_abort" {
		t.Fatalf("tts_stop = %v", stops)
	}
	rec, _ := e.core.sessions.Get("cane-01", "sess-1")
	if rec.State != string(session.StateReady) {
		t.Errorf("state = %q", rec.State)
	}
}

func TestRuntimeStatus(t *testing.T) {
	e := newTestEnv(t, nil)
	e.tasks.stats = map[string]any{"total": 4}
	e.handle(event(protocol.EventHello, 1, nil))
	e.wait()
	e.handle(event(protocol.EventHeartbeat, 2, nil))
	e.handle(event(protocol.EventHeartbeat, 2, nil)) // duplicate

	status := e.core.RuntimeStatus()
	if status["adapter"] != "mock" || status["transport"] != "in-memory" {
		t.Errorf("adapter fields = %v / %v", status["adapter"], status["transport"])
	}
	if status["running"] != false {
		t.Error("running should be false before Start")
	}
	stats, ok := status["metrics"].(map[string]any)
	if !ok {
		t.Fatalf("metrics = %T", status["metrics"])
	}
	if stats["events_total"] != int64(3) {
		t.Errorf("events_total = %v", stats["events_total"])
	}
	if stats["duplicate_events"] != int64(1) {
		t.Errorf("duplicate_events = %v", stats["duplicate_events"])
	}
	taskStats, _ := status["digital_task"].(map[string]any)
	if taskStats["total"] != 4 {
		t.Errorf("digital_task = %v", status["digital_task"])
	}
	devices, _ := status["devices"].([]map[string]any)
	if len(devices) != 1 || devices[0]["device_id"] != "cane-01" {
		t.Errorf("devices = %v", status["devices"])
	}
}

func TestStatusDefaults(t *testing.T) {
	if got := statusDefaultConfidence("success"); got != 0.9 {
		t.Errorf("confidence(success) = %v", got)
	}
	if got := statusDefaultConfidence("timeout"); got != 0.8 {
		t.Errorf("confidence(timeout) = %v", got)
	}
	if got := statusDefaultConfidence("weird"); got != 0.75 {
		t.Errorf("confidence(weird) = %v", got)
	}
	if got := statusDefaultRisk("failed"); got != "P2" {
		t.Errorf("risk(failed) = %v", got)
	}
	if got := statusDefaultRisk("success"); got != "P3" {
		t.Errorf("risk(success) = %v", got)
	}
}
