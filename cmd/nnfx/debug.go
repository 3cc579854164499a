package main

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gogpu/nnfx"
)

// statusResponse is the body of GET /status.
type statusResponse struct {
	Initialized bool    `json:"initialized"`
	Topology    string  `json:"topology,omitempty"`
	State       string  `json:"state"`
	Discoveries uint64  `json:"discoveries"`
	Content     []int64 `json:"content,omitempty"`
	Style       []int64 `json:"style,omitempty"`
	Output      []int64 `json:"output,omitempty"`
	LiveBuffers int     `json:"live_buffers"`
	UsedBytes   uint64  `json:"used_bytes"`
	Submitted   uint64  `json:"submitted"`
}

func statusOf(c *nnfx.Context) statusResponse {
	m := c.Manager()
	stats := c.Stats()
	st := statusResponse{
		Initialized: m.IsInitialized(),
		State:       m.State().String(),
		Discoveries: m.Discoveries(),
		Content:     m.InputShapeContent(),
		Style:       m.InputShapeStyle(),
		Output:      m.OutputShape(),
		LiveBuffers: stats.LiveBuffers,
		UsedBytes:   stats.UsedBytes,
		Submitted:   stats.Submitted,
	}
	if t, ok := m.Topology(); ok {
		st.Topology = t.String()
	}
	return st
}

// newDebugRouter serves Prometheus metrics from reg and the state of c.
func newDebugRouter(reg *prometheus.Registry, c *nnfx.Context) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(statusOf(c)); err != nil {
			http.Error(w, "failed to encode response", http.StatusInternalServerError)
		}
	})
	return r
}
