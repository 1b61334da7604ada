// Package metrics keeps gateway counters in-process and exposes them as JSON
// and in Prometheus text format.
package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu               sync.RWMutex
	endpoint         map[string]*EndpointStat
	decision         map[string]int64
	errorCode        map[string]int64
	providerDecision map[string]int64
	gauges           map[string]float64
	providerLatency  ProviderLatencyStat
	Histograms       *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

// ProviderLatencyStat tracks the upstream provider call, excluding gateway
// overhead.
type ProviderLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt       string                  `json:"generated_at"`
	Endpoints         map[string]EndpointStat `json:"endpoints"`
	Decisions         map[string]int64        `json:"decisions"`
	ErrorCodes        map[string]int64        `json:"error_codes"`
	ProviderDecisions map[string]int64        `json:"provider_decisions"`
	Gauges            map[string]float64      `json:"gauges"`
	ProviderLatencyMS ProviderLatencyStat     `json:"provider_latency_ms"`
	Histograms        []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:         map[string]*EndpointStat{},
		decision:         map[string]int64{},
		errorCode:        map[string]int64{},
		providerDecision: map[string]int64{},
		gauges:           map[string]float64{},
		Histograms:       NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

func (r *Registry) IncDecision(decision string) {
	if decision == "" {
		return
	}
	r.mu.Lock()
	r.decision[decision]++
	r.mu.Unlock()
}

func (r *Registry) IncErrorCode(code string) {
	if code == "" {
		return
	}
	r.mu.Lock()
	r.errorCode[code]++
	r.mu.Unlock()
}

// IncProviderDecision counts one decision under a provider|decision key.
func (r *Registry) IncProviderDecision(provider, decision string) {
	provider = strings.TrimSpace(provider)
	decision = strings.TrimSpace(decision)
	if provider == "" {
		return
	}
	if decision == "" {
		decision = "unknown"
	}
	key := provider + "|" + decision
	r.mu.Lock()
	r.providerDecision[key]++
	r.mu.Unlock()
}

func (r *Registry) ObserveProviderLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providerLatency.Count++
	r.providerLatency.TotalMS += ms
	r.providerLatency.LastMS = ms
	if ms > r.providerLatency.MaxMS {
		r.providerLatency.MaxMS = ms
	}
	r.providerLatency.AvgMS = float64(r.providerLatency.TotalMS) / float64(r.providerLatency.Count)
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:       time.Now().UTC().Format(time.RFC3339),
		Endpoints:         make(map[string]EndpointStat, len(r.endpoint)),
		Decisions:         make(map[string]int64, len(r.decision)),
		ErrorCodes:        make(map[string]int64, len(r.errorCode)),
		ProviderDecisions: make(map[string]int64, len(r.providerDecision)),
		Gauges:            make(map[string]float64, len(r.gauges)),
		ProviderLatencyMS: r.providerLatency,
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.decision {
		out.Decisions[k] = v
	}
	for k, v := range r.errorCode {
		out.ErrorCodes[k] = v
	}
	for k, v := range r.providerDecision {
		out.ProviderDecisions[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP conduit_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE conduit_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "conduit_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP conduit_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE conduit_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "conduit_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP conduit_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE conduit_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "conduit_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, snap.Endpoints[ep].AverageMillis)
		}
		b.WriteString("# HELP conduit_decision_total gateway decisions by outcome\n")
		b.WriteString("# TYPE conduit_decision_total counter\n")
		for _, d := range SortedKeys(snap.Decisions) {
			fmt.Fprintf(b, "conduit_decision_total{decision=%q} %d\n", d, snap.Decisions[d])
		}
		b.WriteString("# HELP conduit_error_code_total gateway errors by code\n")
		b.WriteString("# TYPE conduit_error_code_total counter\n")
		for _, c := range SortedKeys(snap.ErrorCodes) {
			fmt.Fprintf(b, "conduit_error_code_total{code=%q} %d\n", c, snap.ErrorCodes[c])
		}
		b.WriteString("# HELP conduit_provider_decision_total decisions by provider and outcome\n")
		b.WriteString("# TYPE conduit_provider_decision_total counter\n")
		for _, key := range SortedKeys(snap.ProviderDecisions) {
			parts := strings.SplitN(key, "|", 2)
			provider := parts[0]
			decision := "unknown"
			if len(parts) == 2 {
				decision = parts[1]
			}
			fmt.Fprintf(b, "conduit_provider_decision_total{provider=%q,decision=%q} %d\n", provider, decision, snap.ProviderDecisions[key])
		}
		b.WriteString("# HELP conduit_gauge operational gauge metrics\n")
		b.WriteString("# TYPE conduit_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "conduit_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		b.WriteString("# HELP conduit_provider_latency_ms upstream provider call latency in ms\n")
		b.WriteString("# TYPE conduit_provider_latency_ms gauge\n")
		fmt.Fprintf(b, "conduit_provider_latency_ms{stat=%q} %d\n", "last", snap.ProviderLatencyMS.LastMS)
		fmt.Fprintf(b, "conduit_provider_latency_ms{stat=%q} %.3f\n", "avg", snap.ProviderLatencyMS.AvgMS)
		fmt.Fprintf(b, "conduit_provider_latency_ms{stat=%q} %d\n", "max", snap.ProviderLatencyMS.MaxMS)
		for _, h := range snap.Histograms {
			b.WriteString("# HELP conduit_latency_seconds latency histogram\n")
			b.WriteString("# TYPE conduit_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "conduit_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "conduit_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "conduit_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "conduit_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "conduit_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "conduit_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "conduit_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
