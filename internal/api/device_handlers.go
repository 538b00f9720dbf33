package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/iflabx/opencane-gateway/internal/runtime"
	"github.com/iflabx/opencane-gateway/internal/store"
)

// DeviceHandler covers per-device status, abort, the binding lifecycle, and
// tracked device operations.
type DeviceHandler struct {
	rt      Runtime
	lifelog *store.LifelogStore
}

func (h *DeviceHandler) Status(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "device_id")
	rec, ok := h.rt.DeviceStatus(deviceID)
	if !ok {
		WriteError(w, http.StatusNotFound, "device has no session", "not_found")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"success": true, "device": rec})
}

func (h *DeviceHandler) Abort(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "device_id")
	var body struct {
		Reason string `json:"reason"`
	}
	DecodeJSON(r, &body) // body is optional
	if !h.rt.Abort(deviceID, body.Reason) {
		WriteError(w, http.StatusNotFound, "device has no session", "not_found")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"success": true, "device_id": deviceID})
}

type bindingRequest struct {
	DeviceID    string         `json:"device_id"`
	DeviceToken string         `json:"device_token"`
	UserID      string         `json:"user_id"`
	Reason      string         `json:"reason"`
	Metadata    map[string]any `json:"metadata"`
}

func decodeBindingRequest(w http.ResponseWriter, r *http.Request) (bindingRequest, bool) {
	var req bindingRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body", "bad_request")
		return req, false
	}
	req.DeviceID = strings.TrimSpace(req.DeviceID)
	if req.DeviceID == "" {
		WriteError(w, http.StatusBadRequest, "device_id is required", "bad_request")
		return req, false
	}
	return req, true
}

// Register creates or refreshes a binding in the registered state. A device
// token is generated when the caller does not supply one.
func (h *DeviceHandler) Register(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeBindingRequest(w, r)
	if !ok {
		return
	}
	existing, err := h.lifelog.GetDeviceBinding(req.DeviceID)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error(), "internal")
		return
	}
	token := strings.TrimSpace(req.DeviceToken)
	generated := false
	if token == "" && existing == nil {
		token = newDeviceToken()
		generated = true
	}
	binding := store.DeviceBinding{
		DeviceID:    req.DeviceID,
		DeviceToken: token,
		Status:      store.BindingRegistered,
		Metadata:    req.Metadata,
	}
	if existing != nil {
		binding.UserID = existing.UserID
		if binding.Metadata == nil {
			binding.Metadata = existing.Metadata
		}
	}
	if err := h.lifelog.UpsertDeviceBinding(binding); err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error(), "internal")
		return
	}
	saved, err := h.lifelog.GetDeviceBinding(req.DeviceID)
	if err != nil || saved == nil {
		WriteError(w, http.StatusInternalServerError, "binding readback failed", "internal")
		return
	}
	resp := map[string]any{"success": true, "binding": saved}
	// A generated token is disclosed once, at creation. Re-registration never
	// echoes the stored token back.
	if generated {
		resp["device_token"] = saved.DeviceToken
	}
	WriteJSON(w, http.StatusOK, resp)
}

// Bind attaches a user to a registered device.
func (h *DeviceHandler) Bind(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeBindingRequest(w, r)
	if !ok {
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		WriteError(w, http.StatusBadRequest, "user_id is required", "bad_request")
		return
	}
	h.transition(w, req, store.BindingBound, func(b *store.DeviceBinding) {
		b.UserID = req.UserID
	})
}

// Activate marks a bound device active.
func (h *DeviceHandler) Activate(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeBindingRequest(w, r)
	if !ok {
		return
	}
	h.transition(w, req, store.BindingActivated, func(b *store.DeviceBinding) {
		b.ActivatedAtMs = time.Now().UnixMilli()
	})
}

// Revoke permanently disables a device binding.
func (h *DeviceHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeBindingRequest(w, r)
	if !ok {
		return
	}
	h.transition(w, req, store.BindingRevoked, func(b *store.DeviceBinding) {
		b.RevokedAtMs = time.Now().UnixMilli()
		b.RevokeReason = req.Reason
	})
}

func (h *DeviceHandler) transition(w http.ResponseWriter, req bindingRequest, to string, mutate func(*store.DeviceBinding)) {
	binding, err := h.lifelog.GetDeviceBinding(req.DeviceID)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error(), "internal")
		return
	}
	if binding == nil {
		WriteError(w, http.StatusNotFound, "device is not registered", "not_found")
		return
	}
	if binding.Status == store.BindingRevoked && to != store.BindingRevoked {
		WriteError(w, http.StatusConflict, "device binding is revoked", "conflict")
		return
	}
	binding.Status = to
	mutate(binding)
	if err := h.lifelog.UpsertDeviceBinding(*binding); err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error(), "internal")
		return
	}
	saved, err := h.lifelog.GetDeviceBinding(req.DeviceID)
	if err != nil || saved == nil {
		WriteError(w, http.StatusInternalServerError, "binding readback failed", "internal")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"success": true, "binding": saved})
}

// Binding returns one binding by device_id, or a filtered list.
func (h *DeviceHandler) Binding(w http.ResponseWriter, r *http.Request) {
	if deviceID, ok := QueryString(r, "device_id"); ok {
		binding, err := h.lifelog.GetDeviceBinding(deviceID)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "internal")
			return
		}
		if binding == nil {
			WriteError(w, http.StatusNotFound, "device is not registered", "not_found")
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"success": true, "binding": binding})
		return
	}

	page, err := ParsePagination(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error(), "bad_request")
		return
	}
	status, _ := QueryString(r, "status")
	userID, _ := QueryString(r, "user_id")
	bindings, err := h.lifelog.ListDeviceBindings(status, userID, page.Limit, page.Offset)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error(), "internal")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"bindings": bindings,
		"count":    len(bindings),
	})
}

type dispatchBody struct {
	DeviceID  string         `json:"device_id"`
	SessionID string         `json:"session_id"`
	OpType    string         `json:"op_type"`
	Payload   map[string]any `json:"payload"`
	TraceID   string         `json:"trace_id"`
}

// Dispatch queues a tracked operation and sends its command.
func (h *DeviceHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	var body dispatchBody
	if err := DecodeJSON(r, &body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body", "bad_request")
		return
	}
	h.dispatch(w, r, body)
}

// DispatchShorthand serves POST /v1/device/{device_id}/<op>, where the request
// body is the operation payload.
func (h *DeviceHandler) DispatchShorthand(opType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		if err := DecodeJSON(r, &payload); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid JSON body", "bad_request")
			return
		}
		h.dispatch(w, r, dispatchBody{
			DeviceID: chi.URLParam(r, "device_id"),
			OpType:   opType,
			Payload:  payload,
		})
	}
}

func (h *DeviceHandler) dispatch(w http.ResponseWriter, r *http.Request, body dispatchBody) {
	ctx, cancel := context.WithTimeout(r.Context(), opTimeout)
	defer cancel()
	WriteResult(w, h.rt.DispatchDeviceOperation(ctx, runtime.DispatchRequest{
		DeviceID:  body.DeviceID,
		SessionID: body.SessionID,
		OpType:    body.OpType,
		Payload:   body.Payload,
		TraceID:   body.TraceID,
	}))
}

// AckOperation marks an operation acked or failed on behalf of an operator or
// an out-of-band device channel.
func (h *DeviceHandler) AckOperation(w http.ResponseWriter, r *http.Request) {
	operationID := chi.URLParam(r, "operation_id")
	var body struct {
		Status string         `json:"status"`
		Result map[string]any `json:"result"`
		Error  string         `json:"error"`
	}
	DecodeJSON(r, &body) // all fields optional
	status := strings.ToLower(strings.TrimSpace(body.Status))
	if status == "" {
		status = store.OpAcked
	}
	if status != store.OpAcked && status != store.OpFailed {
		WriteError(w, http.StatusBadRequest, "status must be acked or failed", "bad_request")
		return
	}

	op, err := h.lifelog.GetDeviceOperation(operationID)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error(), "internal")
		return
	}
	if op == nil {
		WriteError(w, http.StatusNotFound, "operation not found", "not_found")
		return
	}
	if op.Status == store.OpAcked || op.Status == store.OpFailed {
		WriteError(w, http.StatusBadRequest, "operation is already final", "already_final")
		return
	}

	upd := store.OperationUpdate{
		Status:    status,
		Result:    body.Result,
		AckedAtMs: time.Now().UnixMilli(),
	}
	if body.Error != "" || status == store.OpFailed {
		upd.Error = &body.Error
	}
	if _, err := h.lifelog.UpdateDeviceOperation(operationID, upd); err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error(), "internal")
		return
	}
	saved, err := h.lifelog.GetDeviceOperation(operationID)
	if err != nil || saved == nil {
		WriteError(w, http.StatusInternalServerError, "operation readback failed", "internal")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"success": true, "operation": saved})
}

func (h *DeviceHandler) ListOperations(w http.ResponseWriter, r *http.Request) {
	page, err := ParsePagination(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error(), "bad_request")
		return
	}
	deviceID, _ := QueryString(r, "device_id")
	status, _ := QueryString(r, "status")
	opType, _ := QueryString(r, "op_type")
	ops, err := h.lifelog.ListDeviceOperations(deviceID, status, opType, page.Limit, page.Offset)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error(), "internal")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"operations": ops,
		"count":      len(ops),
	})
}

func newDeviceToken() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
