package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/iflabx/opencane-gateway/internal/config"
	"github.com/iflabx/opencane-gateway/internal/protocol"
	"github.com/iflabx/opencane-gateway/internal/runtime"
	"github.com/iflabx/opencane-gateway/internal/store"
)

// Runtime is the orchestrator surface the HTTP layer drives.
// *runtime.Core satisfies it.
type Runtime interface {
	RuntimeStatus() map[string]any
	DeviceStatus(deviceID string) (store.DeviceSessionRecord, bool)
	Abort(deviceID, reason string) bool
	HandleEvent(ctx context.Context, env protocol.Envelope)
	DispatchDeviceOperation(ctx context.Context, req runtime.DispatchRequest) map[string]any
}

// TaskService is the digital-task surface exposed over HTTP.
// *digitaltask.Service satisfies it.
type TaskService interface {
	Execute(ctx context.Context, payload map[string]any) map[string]any
	GetTask(taskID string) map[string]any
	ListTasks(payload map[string]any) map[string]any
	Stats(payload map[string]any) map[string]any
	Cancel(ctx context.Context, taskID, reason string) map[string]any
}

// Deps wires the handlers to the rest of the gateway. Vision and Obs may be
// nil; the matching endpoints then degrade.
type Deps struct {
	Runtime   Runtime
	Tasks     TaskService
	Lifelog   *store.LifelogStore
	Vision    runtime.Vision
	Obs       *ObservabilityRecorder
	Metrics   http.Handler
	Version   string
	StartTime time.Time
}

// Per-endpoint handler deadlines.
const (
	statusTimeout = 5 * time.Second
	opTimeout     = 10 * time.Second
	taskTimeout   = 30 * time.Second
	visionTimeout = 30 * time.Second
)

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

func NewServer(cfg *config.Config, deps Deps, log zerolog.Logger) *Server {
	r := chi.NewRouter()

	// Global middleware
	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(log))
	r.Use(CORS)
	if cfg.ControlAPI.MaxRequestBodyBytes > 0 {
		r.Use(BodyLimit(cfg.ControlAPI.MaxRequestBodyBytes))
	}

	// Health and metrics endpoints, no auth
	health := NewHealthHandler(deps.Runtime, deps.Lifelog, deps.Version, deps.StartTime)
	r.Get("/v1/health", health.ServeHTTP)
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics)
	}

	rh := &RuntimeHandler{rt: deps.Runtime, obs: deps.Obs}
	dh := &DeviceHandler{rt: deps.Runtime, lifelog: deps.Lifelog}
	lh := &LifelogHandler{lifelog: deps.Lifelog, vision: deps.Vision}
	th := &TaskHandler{tasks: deps.Tasks}

	r.Group(func(r chi.Router) {
		if cfg.ControlAPI.AuthEnabled {
			r.Use(TokenAuth(cfg.ControlAPI.AuthToken))
		}
		if cfg.ControlAPI.RateLimitEnabled {
			limiter := NewRateLimiter(cfg.ControlAPI.RateLimitRPM,
				cfg.ControlAPI.RateLimitBurst, cfg.ControlAPI.RateLimitWindow)
			r.Use(limiter.Middleware)
		}
		if cfg.ControlAPI.ReplayProtectionEnabled {
			guard := NewReplayGuard(cfg.ControlAPI.ReplayWindow)
			r.Use(guard.Middleware)
		}

		r.Get("/v1/runtime/status", rh.Status)
		r.Get("/v1/runtime/observability", rh.Observability)
		r.Get("/v1/runtime/observability/history", rh.ObservabilityHistory)

		r.Post("/v1/device/event", rh.InjectEvent)
		r.Get("/v1/device/{device_id}/status", dh.Status)
		r.Post("/v1/device/{device_id}/abort", dh.Abort)

		r.Post("/v1/device/register", dh.Register)
		r.Post("/v1/device/bind", dh.Bind)
		r.Post("/v1/device/activate", dh.Activate)
		r.Post("/v1/device/revoke", dh.Revoke)
		r.Get("/v1/device/binding", dh.Binding)

		r.Post("/v1/device/ops/dispatch", dh.Dispatch)
		r.Post("/v1/device/{device_id}/set_config", dh.DispatchShorthand("set_config"))
		r.Post("/v1/device/{device_id}/tool_call", dh.DispatchShorthand("tool_call"))
		r.Post("/v1/device/{device_id}/ota_plan", dh.DispatchShorthand("ota_plan"))
		r.Post("/v1/device/ops/{operation_id}/ack", dh.AckOperation)
		r.Get("/v1/device/ops", dh.ListOperations)

		r.Post("/v1/vision/analyze", lh.VisionAnalyze)

		r.Post("/v1/lifelog/image", lh.EnqueueImage)
		r.Get("/v1/lifelog/query", lh.Query)
		r.Get("/v1/lifelog/timeline", lh.Timeline)
		r.Post("/v1/lifelog/thought-trace", lh.AppendThoughtTrace)
		r.Get("/v1/lifelog/thought-trace", lh.QueryThoughtTraces)
		r.Get("/v1/lifelog/thought-trace/replay", lh.ReplayThoughtTrace)
		r.Get("/v1/lifelog/telemetry", lh.TelemetrySamples)
		r.Get("/v1/lifelog/safety", lh.SafetyQuery)
		r.Get("/v1/lifelog/safety/stats", lh.SafetyStats)
		r.Get("/v1/lifelog/device-sessions", lh.DeviceSessions)
		r.Post("/v1/lifelog/retention/cleanup", lh.RetentionCleanup)

		r.Post("/v1/digital-task/execute", th.Execute)
		r.Get("/v1/digital-task", th.List)
		r.Get("/v1/digital-task/stats", th.Stats)
		r.Get("/v1/digital-task/{task_id}", th.Get)
		r.Post("/v1/digital-task/{task_id}/cancel", th.Cancel)
	})

	return &Server{
		http: &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		log: log,
	}
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
