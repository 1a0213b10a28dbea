package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/modelmux/modelmux/internal/upstream"
)

type healthResponse struct {
	Status             string                           `json:"status"`
	Version            string                           `json:"version"`
	UptimeSecs         int64                            `json:"uptime"`
	Providers          []string                         `json:"providers"`
	Cache              *healthCache                     `json:"cache,omitempty"`
	ActiveRequests     int64                            `json:"activeRequests"`
	AvailableProviders []string                         `json:"availableProviders"`
	DefaultProvider    string                           `json:"defaultProvider,omitempty"`
	DeepCheck          map[string]upstream.HealthStatus `json:"deepCheck,omitempty"`
}

type healthCache struct {
	Size    int     `json:"size"`
	MaxSize int     `json:"maxSize"`
	HitRate float64 `json:"hitRate"`
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	available := s.deps.Upstreams.Available(false)
	availableNames := make([]string, len(available))
	for i, u := range available {
		availableNames[i] = u.Name()
	}

	resp := healthResponse{
		Status:             "healthy",
		Version:            s.deps.Version,
		UptimeSecs:         int64(time.Since(s.started).Seconds()),
		Providers:          s.deps.Upstreams.Names(),
		ActiveRequests:     s.active.Load(),
		AvailableProviders: availableNames,
		DefaultProvider:    s.deps.DefaultProvider,
	}

	if s.deps.Cache != nil {
		st := s.deps.Cache.Stats()
		resp.Cache = &healthCache{Size: st.Size, MaxSize: st.MaxSize, HitRate: st.HitRate}
	}

	status := http.StatusOK
	if s.deps.Monitor != nil && !s.deps.Monitor.Healthy() {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}

	if r.URL.Query().Get("deep") == "true" {
		resp.DeepCheck = s.deepCheck(r.Context())
		for _, hs := range resp.DeepCheck {
			if !hs.OK {
				resp.Status = "degraded"
				status = http.StatusServiceUnavailable
				break
			}
		}
	}

	writeJSON(w, status, resp)
}

// deepCheck probes every upstream in parallel with a shared deadline.
func (s *server) deepCheck(ctx context.Context) map[string]upstream.HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	ups := s.deps.Upstreams.All()
	out := make(map[string]upstream.HealthStatus, len(ups))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, u := range ups {
		wg.Add(1)
		go func(u upstream.Upstream) {
			defer wg.Done()
			hs := u.HealthCheck(ctx)
			mu.Lock()
			out[u.Name()] = hs
			mu.Unlock()
		}(u)
	}
	wg.Wait()

	if s.deps.Store != nil {
		hs := upstream.HealthStatus{OK: true}
		if err := s.deps.Store.Ping(ctx); err != nil {
			hs = upstream.HealthStatus{OK: false, Error: err.Error()}
		}
		out["storage"] = hs
	}
	return out
}
