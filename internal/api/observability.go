package api

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/iflabx/opencane-gateway/internal/store"
)

const obsSampleKind = "runtime"

// ObservabilityRecorder keeps a bounded in-memory ring of health samples and
// mirrors them into the observability store when one is configured. The
// history endpoint prefers the store and falls back to memory.
type ObservabilityRecorder struct {
	mu      sync.Mutex
	max     int
	samples []map[string]any
	store   *store.ObservabilityStore
	log     zerolog.Logger
}

func NewObservabilityRecorder(maxSamples int, st *store.ObservabilityStore, log zerolog.Logger) *ObservabilityRecorder {
	if maxSamples < 100 {
		maxSamples = 100
	}
	return &ObservabilityRecorder{
		max:   maxSamples,
		store: st,
		log:   log.With().Str("component", "observability_recorder").Logger(),
	}
}

// Record appends one compact sample. Store writes are best-effort.
func (r *ObservabilityRecorder) Record(ts int64, sample map[string]any) {
	r.mu.Lock()
	r.samples = append(r.samples, sample)
	if over := len(r.samples) - r.max; over > 0 {
		r.samples = append(r.samples[:0:0], r.samples[over:]...)
	}
	r.mu.Unlock()

	if r.store != nil {
		if _, err := r.store.AddSample(obsSampleKind, ts, sample); err != nil {
			r.log.Debug().Err(err).Msg("observability sample persist failed")
		}
	}
}

// Since returns samples with ts >= sinceTS and the source they came from.
func (r *ObservabilityRecorder) Since(sinceTS int64, limit int) ([]map[string]any, string) {
	if limit < 1 {
		limit = 1
	}
	if r.store != nil {
		rows, err := r.store.ListSamples(obsSampleKind, sinceTS, limit)
		if err == nil && len(rows) > 0 {
			out := make([]map[string]any, 0, len(rows))
			for _, row := range rows {
				out = append(out, row.Payload)
			}
			return out, "sqlite_observability"
		}
		if err != nil {
			r.log.Debug().Err(err).Msg("observability sample query failed")
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]map[string]any, 0, len(r.samples))
	for _, sample := range r.samples {
		if sampleTS(sample) >= sinceTS {
			out = append(out, sample)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, "memory"
}

func sampleTS(sample map[string]any) int64 {
	switch v := sample["ts"].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case int:
		return int64(v)
	}
	return 0
}
