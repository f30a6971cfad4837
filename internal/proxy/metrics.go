package proxy

import (
	"encoding/json"
	"net/http"

	"github.com/bethel-nz/corsgate/internal/cors"
	"go.uber.org/atomic"
)

type ProxyMetrics struct {
	RequestCount   atomic.Int64
	AllowedCount   atomic.Int64
	DeniedCount    atomic.Int64
	PreflightCount atomic.Int64
	HealthCount    atomic.Int64
	ResponseCount  atomic.Int64
	ErrorCount     atomic.Int64
	LatencyMs      atomic.Int64
}

// ObserveDecision counts a gate decision.
func (m *ProxyMetrics) ObserveDecision(d cors.Decision) {
	m.RequestCount.Add(1)
	switch {
	case d.Kind == cors.KindHealth:
		m.HealthCount.Add(1)
	case !d.Allowed:
		m.DeniedCount.Add(1)
	case d.Kind == cors.KindPreflight:
		m.PreflightCount.Add(1)
	default:
		m.AllowedCount.Add(1)
	}
}

type MetricResponse struct {
	Requests   int64   `json:"requests"`
	Allowed    int64   `json:"allowed"`
	Denied     int64   `json:"denied"`
	Preflight  int64   `json:"preflight"`
	Health     int64   `json:"health"`
	Response   int64   `json:"responses"`
	Errors     int64   `json:"upstream_errors"`
	AvgLatency float64 `json:"avg_latency_ms"`
}

// Snapshot reads all counters.
func (m *ProxyMetrics) Snapshot() MetricResponse {
	responseCount := m.ResponseCount.Load()
	avgLatency := float64(0)
	if responseCount > 0 {
		avgLatency = float64(m.LatencyMs.Load()) / float64(responseCount)
	}

	return MetricResponse{
		Requests:   m.RequestCount.Load(),
		Allowed:    m.AllowedCount.Load(),
		Denied:     m.DeniedCount.Load(),
		Preflight:  m.PreflightCount.Load(),
		Health:     m.HealthCount.Load(),
		Response:   responseCount,
		Errors:     m.ErrorCount.Load(),
		AvgLatency: avgLatency,
	}
}

func (p *Proxy) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(p.metrics.Snapshot())
}
