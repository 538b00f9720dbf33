// Package digitaltask runs long-lived "do it for me" tasks on behalf of a
// device: bounded concurrency, durable state in SQLite, and status pushes
// back to the device with a persistent retry queue.
package digitaltask

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/iflabx/opencane-gateway/internal/metrics"
	"github.com/iflabx/opencane-gateway/internal/protocol"
	"github.com/iflabx/opencane-gateway/internal/store"
)

// Executor sentinels surfaced by the agent loop contract.
const (
	NoToolUsed          = "NO_TOOL_USED"
	MCPFallbackRequired = "MCP_FALLBACK_REQUIRED"
)

var (
	finalStatuses    = map[string]bool{"success": true, "failed": true, "timeout": true, "canceled": true}
	runnableStatuses = []string{"pending", "running"}
)

// ExecutorResult is what an executor hands back on success.
type ExecutorResult struct {
	Text string
	Meta map[string]any
}

// Executor performs the actual task work. The context carries the task
// timeout; implementations should honor cancellation.
type Executor func(ctx context.Context, goal, sessionID string) (ExecutorResult, error)

// StatusCallback pushes one status payload toward the device. A non-nil
// error marks the push failed and triggers the retry ladder.
type StatusCallback func(ctx context.Context, payload map[string]any) error

// Options configure a Service.
type Options struct {
	Store                 *store.TaskStore
	Executor              Executor
	DefaultTimeoutSeconds int
	MaxConcurrentTasks    int
	StatusRetryCount      int
	StatusRetryBackoffMs  int
	Log                   zerolog.Logger
}

// Service owns digital task execution and the push lifecycle.
type Service struct {
	store          *store.TaskStore
	executor       Executor
	defaultTimeout int
	retryCount     int
	backoffMs      int64
	sem            chan struct{}
	log            zerolog.Logger

	mu             sync.Mutex
	statusCallback StatusCallback
	running        map[string]context.CancelFunc
	cancelReasons  map[string]string
	pushContexts   map[string]*store.PushContext
	activeByDevice map[string]string
	wg             sync.WaitGroup

	// sleep is swappable in tests.
	sleep func(time.Duration)
}

func NewService(opts Options) *Service {
	return &Service{
		store:          opts.Store,
		executor:       opts.Executor,
		defaultTimeout: max(1, opts.DefaultTimeoutSeconds),
		retryCount:     max(0, opts.StatusRetryCount),
		backoffMs:      int64(max(0, opts.StatusRetryBackoffMs)),
		sem:            make(chan struct{}, max(1, opts.MaxConcurrentTasks)),
		log:            opts.Log.With().Str("component", "digital_task").Logger(),
		running:        map[string]context.CancelFunc{},
		cancelReasons:  map[string]string{},
		pushContexts:   map[string]*store.PushContext{},
		activeByDevice: map[string]string{},
		sleep:          time.Sleep,
	}
}

// SetStatusCallback wires the runtime push path after construction.
func (s *Service) SetStatusCallback(cb StatusCallback) {
	s.mu.Lock()
	s.statusCallback = cb
	s.mu.Unlock()
}

// Execute accepts a new task and starts it asynchronously.
func (s *Service) Execute(ctx context.Context, payload map[string]any) map[string]any {
	goal := strings.TrimSpace(stringField(payload, "goal", "prompt"))
	if goal == "" {
		return map[string]any{"success": false, "error": "goal is required", "error_code": "bad_request"}
	}

	taskID := strings.TrimSpace(stringField(payload, "task_id", "taskId"))
	if taskID == "" {
		taskID = newTaskID()
	}
	sessionID := strings.TrimSpace(stringField(payload, "session_id", "sessionId"))
	if sessionID == "" {
		sessionID = "digital-" + taskID
	}
	timeoutSeconds := int(protocol.ToInt64(firstValue(payload, "timeout_seconds", "timeout"), int64(s.defaultTimeout)))
	timeoutSeconds = max(1, timeoutSeconds)

	if existing, err := s.store.GetTask(taskID); err == nil && existing != nil {
		return map[string]any{
			"success": false, "error": "task already exists", "error_code": "conflict", "task": existing,
		}
	}

	steps, _ := payload["steps"].([]map[string]any)
	pushContext := buildPushContext(payload, sessionID)
	if pushContext != nil {
		s.mu.Lock()
		s.pushContexts[taskID] = pushContext
		s.mu.Unlock()
		if pushContext.InterruptPrevious {
			s.interruptPreviousForDevice(ctx, pushContext.DeviceID, taskID)
		}
		if pushContext.DeviceID != "" {
			s.mu.Lock()
			s.activeByDevice[pushContext.DeviceID] = taskID
			s.mu.Unlock()
		}
	}

	err := s.store.CreateTask(store.Task{
		TaskID:         taskID,
		SessionID:      sessionID,
		Goal:           goal,
		Status:         "pending",
		Steps:          steps,
		Result:         map[string]any{},
		TimeoutSeconds: timeoutSeconds,
		PushContext:    pushContext,
	})
	if err != nil {
		return map[string]any{"success": false, "error": err.Error(), "error_code": "internal"}
	}
	s.appendStep(taskID, "accepted", "ok", "task accepted")
	s.startTask(taskID, sessionID, goal, timeoutSeconds)

	task, _ := s.store.GetTask(taskID)
	s.emitStatusUpdate(ctx, taskID, "pending", "任务已创建，开始处理。", "accepted", task)
	return map[string]any{"success": true, "accepted": true, "task": task}
}

// GetTask looks one task up.
func (s *Service) GetTask(taskID string) map[string]any {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return map[string]any{"success": false, "error": "task_id is required", "error_code": "bad_request"}
	}
	task, err := s.store.GetTask(taskID)
	if err != nil || task == nil {
		return map[string]any{"success": false, "error": "task not found", "error_code": "not_found"}
	}
	return map[string]any{"success": true, "task": task}
}

// ListTasks pages through tasks with optional session/status filters.
func (s *Service) ListTasks(payload map[string]any) map[string]any {
	sessionID := strings.TrimSpace(stringField(payload, "session_id", "sessionId"))
	status := strings.TrimSpace(stringField(payload, "status"))
	limit := max(1, int(protocol.ToInt64(payload["limit"], 20)))
	offset := max(0, int(protocol.ToInt64(payload["offset"], 0)))
	items, err := s.store.ListTasks(sessionID, status, limit, offset)
	if err != nil {
		return map[string]any{"success": false, "error": err.Error(), "error_code": "internal"}
	}
	return map[string]any{
		"success":    true,
		"session_id": sessionID,
		"status":     status,
		"count":      len(items),
		"items":      items,
		"limit":      limit,
		"offset":     offset,
	}
}

// Stats summarizes task counts, optionally scoped to one session.
func (s *Service) Stats(payload map[string]any) map[string]any {
	sessionID := strings.TrimSpace(stringField(payload, "session_id", "sessionId"))
	stats, err := s.store.Stats(sessionID)
	if err != nil {
		return map[string]any{"success": false, "error": err.Error(), "error_code": "internal"}
	}
	return map[string]any{"success": true, "session_id": sessionID, "stats": stats}
}

// Cancel transitions a runnable task to canceled and stops its goroutine.
func (s *Service) Cancel(ctx context.Context, taskID, reason string) map[string]any {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return map[string]any{"success": false, "error": "task_id is required", "error_code": "bad_request"}
	}
	if reason == "" {
		reason = "manual_cancel"
	}
	changed, _ := s.store.UpdateTaskIfStatus(taskID, runnableStatuses, store.TaskUpdate{
		Status: ptr("canceled"),
		Error:  ptr(reason),
	})
	if !changed {
		task, err := s.store.GetTask(taskID)
		if err != nil || task == nil {
			return map[string]any{"success": false, "error": "task not found", "error_code": "not_found"}
		}
		if finalStatuses[task.Status] {
			return map[string]any{
				"success": false, "error": "task already " + task.Status,
				"error_code": "already_final", "task": task,
			}
		}
		return map[string]any{"success": false, "error": "task status conflict", "error_code": "conflict", "task": task}
	}

	s.mu.Lock()
	s.cancelReasons[taskID] = reason
	cancel := s.running[taskID]
	s.mu.Unlock()

	s.appendStep(taskID, "canceled", "ok", reason)
	metrics.DigitalTasksTotal.WithLabelValues("canceled").Inc()
	task, _ := s.store.GetTask(taskID)
	s.emitStatusUpdate(ctx, taskID, "canceled", "任务已取消。", "canceled", task)
	if cancel != nil {
		cancel()
	}
	return map[string]any{"success": true, "task": task}
}

// RecoverUnfinishedTasks restarts pending work after a process restart.
// Running rows are demoted to pending with a recovery marker first.
func (s *Service) RecoverUnfinishedTasks(ctx context.Context, limit int) int {
	tasks, err := s.store.ListUnfinishedTasks(max(1, limit))
	if err != nil {
		s.log.Warn().Err(err).Msg("digital task recovery scan failed")
		return 0
	}
	recovered := 0
	for i := range tasks {
		task := tasks[i]
		if task.TaskID == "" || s.isRunning(task.TaskID) {
			continue
		}
		if task.Status == "running" {
			s.store.UpdateTaskIfStatus(task.TaskID, []string{"running"}, store.TaskUpdate{
				Status: ptr("pending"),
				Error:  ptr("recovered_after_restart"),
			})
			if fresh, err := s.store.GetTask(task.TaskID); err == nil && fresh != nil {
				task = *fresh
			}
		}
		if task.Status != "pending" {
			continue
		}
		if pc := recoverPushContext(&task); pc != nil {
			s.mu.Lock()
			s.pushContexts[task.TaskID] = pc
			if pc.DeviceID != "" {
				s.activeByDevice[pc.DeviceID] = task.TaskID
			}
			s.mu.Unlock()
		}
		s.appendStep(task.TaskID, "recovered", "ok", "task recovered after restart")
		s.startTask(task.TaskID, task.SessionID, task.Goal, max(1, task.TimeoutSeconds))
		recovered++
	}
	if recovered > 0 {
		s.log.Info().Int("count", recovered).Msg("recovered unfinished digital tasks")
	}
	return recovered
}

// FlushPendingUpdates drains the durable push queue for one device.
func (s *Service) FlushPendingUpdates(ctx context.Context, deviceID, sessionID string, limit int) map[string]any {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return map[string]any{"success": false, "error": "device_id is required"}
	}
	s.mu.Lock()
	callback := s.statusCallback
	s.mu.Unlock()
	if callback == nil {
		return map[string]any{"success": false, "error": "status callback unavailable"}
	}

	items, err := s.store.ListPendingPushUpdates(deviceID, max(1, limit), time.Now().UnixMilli())
	if err != nil {
		return map[string]any{"success": false, "error": err.Error()}
	}
	sent, retry := 0, 0
	for _, item := range items {
		payload := make(map[string]any, len(item.Payload)+1)
		for k, v := range item.Payload {
			payload[k] = v
		}
		if sessionID != "" {
			payload["session_id"] = sessionID
		}
		if err := callback(ctx, payload); err != nil {
			delayMs := s.backoffMs * int64(max(1, item.Attempts+1))
			s.store.MarkPushUpdateRetry(item.ID, err.Error(), delayMs)
			metrics.PushRetriesTotal.Inc()
			retry++
			continue
		}
		s.store.MarkPushUpdateSent(item.ID)
		sent++
	}
	return map[string]any{
		"success":   true,
		"device_id": deviceID,
		"processed": len(items),
		"sent":      sent,
		"retry":     retry,
	}
}

// Shutdown cancels running tasks and waits for their goroutines.
func (s *Service) Shutdown(ctx context.Context) {
	s.mu.Lock()
	for _, cancel := range s.running {
		cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	s.mu.Lock()
	s.running = map[string]context.CancelFunc{}
	s.cancelReasons = map[string]string{}
	s.pushContexts = map[string]*store.PushContext{}
	s.activeByDevice = map[string]string{}
	s.mu.Unlock()
}

// RunningCount reports how many task goroutines are live.
func (s *Service) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

func (s *Service) isRunning(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[taskID]
	return ok
}

func (s *Service) startTask(taskID, sessionID, goal string, timeoutSeconds int) {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.running[taskID] = cancel
	s.mu.Unlock()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runTask(ctx, taskID, sessionID, goal, timeoutSeconds)
	}()
}

func (s *Service) runTask(ctx context.Context, taskID, sessionID, goal string, timeoutSeconds int) {
	defer s.finishTask(taskID)

	running, _ := s.store.UpdateTaskIfStatus(taskID, []string{"pending"}, store.TaskUpdate{
		Status: ptr("running"),
		Error:  ptr(""),
	})
	if !running {
		return
	}
	s.appendStep(taskID, "running", "ok", "task running")
	task, _ := s.store.GetTask(taskID)
	s.emitStatusUpdate(ctx, taskID, "running", "任务处理中，请稍候。", "running", task)

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		s.finishCanceled(taskID)
		return
	}
	execCtx, cancelExec := context.WithTimeout(ctx, time.Duration(timeoutSeconds)*time.Second)
	result, err := s.executor(execCtx, goal, sessionID)
	cancelExec()
	<-s.sem

	switch {
	case ctx.Err() != nil:
		s.finishCanceled(taskID)
	case errors.Is(err, context.DeadlineExceeded) || (err != nil && execCtx.Err() == context.DeadlineExceeded):
		msg := fmt.Sprintf("timeout after %ds", timeoutSeconds)
		ok, _ := s.store.UpdateTaskIfStatus(taskID, []string{"running"}, store.TaskUpdate{
			Status: ptr("timeout"),
			Error:  ptr(msg),
		})
		if ok {
			s.appendStep(taskID, "timeout", "error", msg)
			metrics.DigitalTasksTotal.WithLabelValues("timeout").Inc()
			final, _ := s.store.GetTask(taskID)
			s.emitStatusUpdate(context.Background(), taskID, "timeout", "任务超时，请稍后重试。", "timeout", final)
		}
	case err != nil:
		ok, _ := s.store.UpdateTaskIfStatus(taskID, []string{"running"}, store.TaskUpdate{
			Status: ptr("failed"),
			Error:  ptr(err.Error()),
		})
		if ok {
			s.appendStep(taskID, "failed", "error", err.Error())
			metrics.DigitalTasksTotal.WithLabelValues("failed").Inc()
			final, _ := s.store.GetTask(taskID)
			s.emitStatusUpdate(context.Background(), taskID, "failed", "任务执行失败。", "failed", final)
		}
	default:
		resultMap := map[string]any{"text": result.Text}
		for k, v := range result.Meta {
			if k != "text" {
				resultMap[k] = v
			}
		}
		ok, _ := s.store.UpdateTaskIfStatus(taskID, []string{"running"}, store.TaskUpdate{
			Status: ptr("success"),
			Result: resultMap,
			Error:  ptr(""),
		})
		if ok {
			stage := "completed"
			if path, ok := result.Meta["execution_path"].(string); ok && path != "" {
				stage = path
			}
			s.appendStep(taskID, "success", "ok", stage)
			metrics.DigitalTasksTotal.WithLabelValues("success").Inc()
			final, _ := s.store.GetTask(taskID)
			message := "任务完成。"
			if preview := shorten(strings.TrimSpace(result.Text), 120); preview != "" {
				message += preview
			}
			s.emitStatusUpdate(context.Background(), taskID, "success", message, "success", final)
		}
	}
}

func (s *Service) finishCanceled(taskID string) {
	s.mu.Lock()
	reason, ok := s.cancelReasons[taskID]
	s.mu.Unlock()
	if !ok {
		reason = "canceled"
	}
	changed, _ := s.store.UpdateTaskIfStatus(taskID, runnableStatuses, store.TaskUpdate{
		Status: ptr("canceled"),
		Error:  ptr(reason),
	})
	if changed {
		s.appendStep(taskID, "canceled", "ok", reason)
		metrics.DigitalTasksTotal.WithLabelValues("canceled").Inc()
		final, _ := s.store.GetTask(taskID)
		s.emitStatusUpdate(context.Background(), taskID, "canceled", "任务已取消。", "canceled", final)
	}
}

func (s *Service) finishTask(taskID string) {
	s.mu.Lock()
	if cancel, ok := s.running[taskID]; ok {
		cancel()
		delete(s.running, taskID)
	}
	delete(s.cancelReasons, taskID)
	pc := s.pushContexts[taskID]
	delete(s.pushContexts, taskID)
	if pc != nil && pc.DeviceID != "" && s.activeByDevice[pc.DeviceID] == taskID {
		delete(s.activeByDevice, pc.DeviceID)
	}
	s.mu.Unlock()
}

func (s *Service) interruptPreviousForDevice(ctx context.Context, deviceID, currentTaskID string) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return
	}
	s.mu.Lock()
	previousID := s.activeByDevice[deviceID]
	s.mu.Unlock()
	if previousID == "" || previousID == currentTaskID {
		return
	}
	previous, err := s.store.GetTask(previousID)
	if err != nil || previous == nil {
		return
	}
	if previous.Status == "pending" || previous.Status == "running" {
		s.Cancel(ctx, previousID, "interrupted_by_new_task")
	}
}

// emitStatusUpdate pushes one status payload with retries; the final
// failure lands in the durable push queue.
func (s *Service) emitStatusUpdate(ctx context.Context, taskID, status, message, event string, task *store.Task) {
	s.mu.Lock()
	callback := s.statusCallback
	pc := s.pushContexts[taskID]
	s.mu.Unlock()
	if callback == nil || pc == nil || !pc.Notify {
		return
	}

	var taskData any = map[string]any{}
	if task != nil {
		taskData = task
	}
	payload := map[string]any{
		"event":      event,
		"task_id":    taskID,
		"status":     status,
		"message":    message,
		"device_id":  pc.DeviceID,
		"session_id": pc.SessionID,
		"speak":      pc.Speak,
		"task":       taskData,
	}

	maxAttempts := s.retryCount + 1
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := callback(ctx, payload)
		if err == nil {
			return
		}
		metrics.PushRetriesTotal.Inc()
		if attempt >= maxAttempts-1 {
			s.store.EnqueuePushUpdate(taskID, pc.DeviceID, pc.SessionID, payload)
			s.log.Debug().Str("task_id", taskID).Str("status", status).
				Int("attempts", maxAttempts).Err(err).Msg("digital task status push queued")
			return
		}
		s.sleep(time.Duration(s.backoffMs*int64(attempt+1)) * time.Millisecond)
	}
}

func (s *Service) appendStep(taskID, stage, status, message string) {
	task, err := s.store.GetTask(taskID)
	if err != nil || task == nil {
		return
	}
	ts := task.UpdatedAt
	if ts <= 0 {
		ts = time.Now().UnixMilli()
	}
	steps := append(task.Steps, map[string]any{
		"ts":      ts,
		"stage":   stage,
		"status":  status,
		"message": message,
	})
	s.store.UpdateTaskIfStatus(taskID, nil, store.TaskUpdate{Steps: steps})
}

func buildPushContext(payload map[string]any, sessionID string) *store.PushContext {
	deviceID := strings.TrimSpace(stringField(payload, "device_id", "deviceId"))
	if deviceID == "" {
		return nil
	}
	targetSession := strings.TrimSpace(stringField(payload, "target_session_id", "targetSessionId"))
	if targetSession == "" {
		targetSession = sessionID
	}
	return &store.PushContext{
		DeviceID:          deviceID,
		SessionID:         targetSession,
		Notify:            boolField(payload, "notify", true),
		Speak:             boolField(payload, "speak", true),
		InterruptPrevious: boolField(payload, "interrupt_previous", false),
	}
}

func recoverPushContext(task *store.Task) *store.PushContext {
	deviceID := strings.TrimSpace(task.DeviceID)
	var base store.PushContext
	if task.PushContext != nil {
		base = *task.PushContext
	} else {
		base = store.PushContext{Notify: true, Speak: true}
	}
	if deviceID == "" {
		deviceID = strings.TrimSpace(base.DeviceID)
	}
	if deviceID == "" {
		return nil
	}
	sessionID := strings.TrimSpace(base.SessionID)
	if sessionID == "" {
		sessionID = task.SessionID
	}
	return &store.PushContext{
		DeviceID:          deviceID,
		SessionID:         sessionID,
		Notify:            base.Notify,
		Speak:             base.Speak,
		InterruptPrevious: base.InterruptPrevious,
	}
}

func newTaskID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func shorten(text string, maxLen int) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) <= maxLen {
		return text
	}
	return strings.TrimRight(string(runes[:maxLen-3]), " ") + "..."
}

func ptr(s string) *string { return &s }

func stringField(payload map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := payload[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func firstValue(payload map[string]any, keys ...string) any {
	for _, key := range keys {
		if v, ok := payload[key]; ok && v != nil {
			return v
		}
	}
	return nil
}

func boolField(payload map[string]any, key string, def bool) bool {
	v, ok := payload[key]
	if !ok || v == nil {
		return def
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	case float64:
		if b == 1 {
			return true
		}
		if b == 0 {
			return false
		}
	}
	return def
}
