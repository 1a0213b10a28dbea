package server

import (
	"errors"
	"net/http"

	gateway "github.com/modelmux/modelmux/internal"
)

// --- Cache ---

func (s *server) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Cache == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Cache.Stats())
}

func (s *server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cache == nil {
		writeJSON(w, http.StatusOK, map[string]int{"cleared": 0})
		return
	}
	n := s.deps.Cache.Clear(r.Context())
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

// --- Quota ---

func (s *server) handleQuota(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Upstreams.QuotaSnapshots())
}

func (s *server) handleQuotaReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Provider string `json:"provider,omitempty"`
	}
	if r.ContentLength > 0 && !decodeJSON(w, r, &req) {
		return
	}
	if err := s.deps.Upstreams.ResetQuota(req.Provider); err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			writeJSON(w, http.StatusBadRequest, errorResponse("unknown provider "+req.Provider))
			return
		}
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "provider": req.Provider})
}

// --- Evaluation (shadow / judge / optimizer) ---

func (s *server) handleEvalComparisons(w http.ResponseWriter, _ *http.Request) {
	out := map[string]any{"pending": 0, "dropped": uint64(0)}
	if s.deps.Queue != nil {
		out["pending"] = s.deps.Queue.Len()
		out["dropped"] = s.deps.Queue.Dropped()
	}
	if s.deps.Collector != nil {
		out["providers"] = s.deps.Collector.Providers()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleEvalMetrics(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Collector == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Collector.Aggregate())
}

func (s *server) handleEvalWeights(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Weights == nil {
		writeJSON(w, http.StatusOK, map[string]float64{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Weights.Snapshot())
}

// handleEvalWeightsUpdate triggers an immediate optimizer step, outside the
// normal update interval.
func (s *server) handleEvalWeightsUpdate(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Optimizer == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse("optimizer disabled"))
		return
	}
	updated, weights := s.deps.Optimizer.Step()
	writeJSON(w, http.StatusOK, map[string]any{"updated": updated, "weights": weights})
}
