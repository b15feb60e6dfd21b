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

// Registry is the in-process metrics store. It is exposed as JSON on
// /metrics and in Prometheus text format on /metrics/prometheus.
type Registry struct {
	mu          sync.RWMutex
	endpoint    map[string]*EndpointStat
	decision    map[string]int64
	auditAction map[string]int64
	cache       CacheStat
	gauges      map[string]float64
	Histograms  *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

// CacheStat tracks the stats-cache hit rate and degradations.
type CacheStat struct {
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Errors        int64 `json:"errors"`
	Invalidations int64 `json:"invalidations"`
}

type Snapshot struct {
	GeneratedAt  string                  `json:"generated_at"`
	Endpoints    map[string]EndpointStat `json:"endpoints"`
	Decisions    map[string]int64        `json:"decisions"`
	AuditActions map[string]int64        `json:"audit_actions"`
	Cache        CacheStat               `json:"stats_cache"`
	Gauges       map[string]float64      `json:"gauges"`
	Histograms   []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:    map[string]*EndpointStat{},
		decision:    map[string]int64{},
		auditAction: map[string]int64{},
		gauges:      map[string]float64{},
		Histograms:  NewHistogramRegistry(),
	}
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

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

// IncDecision counts one access decision, keyed by verdict and reason
// code.
func (r *Registry) IncDecision(verdict, reason string) {
	verdict = strings.TrimSpace(verdict)
	if verdict == "" {
		return
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "UNKNOWN"
	}
	r.mu.Lock()
	r.decision[verdict+"|"+reason]++
	r.mu.Unlock()
}

// IncAuditAction counts one appended audit event by action kind.
func (r *Registry) IncAuditAction(action string) {
	if action == "" {
		return
	}
	r.mu.Lock()
	r.auditAction[action]++
	r.mu.Unlock()
}

func (r *Registry) IncCacheHit() {
	r.mu.Lock()
	r.cache.Hits++
	r.mu.Unlock()
}

func (r *Registry) IncCacheMiss() {
	r.mu.Lock()
	r.cache.Misses++
	r.mu.Unlock()
}

// IncCacheError counts a cache degradation: the operation continued
// without the cache.
func (r *Registry) IncCacheError() {
	r.mu.Lock()
	r.cache.Errors++
	r.mu.Unlock()
}

func (r *Registry) IncCacheInvalidation() {
	r.mu.Lock()
	r.cache.Invalidations++
	r.mu.Unlock()
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
		GeneratedAt:  time.Now().UTC().Format(time.RFC3339),
		Endpoints:    make(map[string]EndpointStat, len(r.endpoint)),
		Decisions:    make(map[string]int64, len(r.decision)),
		AuditActions: make(map[string]int64, len(r.auditAction)),
		Cache:        r.cache,
		Gauges:       make(map[string]float64, len(r.gauges)),
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.decision {
		out.Decisions[k] = v
	}
	for k, v := range r.auditAction {
		out.AuditActions[k] = v
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

		b.WriteString("# HELP researchhub_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE researchhub_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "researchhub_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP researchhub_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE researchhub_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "researchhub_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP researchhub_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE researchhub_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "researchhub_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, snap.Endpoints[ep].AverageMillis)
		}

		b.WriteString("# HELP researchhub_decision_total access decisions by verdict and reason\n")
		b.WriteString("# TYPE researchhub_decision_total counter\n")
		for _, key := range SortedKeys(snap.Decisions) {
			verdict, reason, _ := strings.Cut(key, "|")
			fmt.Fprintf(b, "researchhub_decision_total{verdict=%q,reason=%q} %d\n", verdict, reason, snap.Decisions[key])
		}

		b.WriteString("# HELP researchhub_audit_action_total appended audit events by action\n")
		b.WriteString("# TYPE researchhub_audit_action_total counter\n")
		for _, action := range SortedKeys(snap.AuditActions) {
			fmt.Fprintf(b, "researchhub_audit_action_total{action=%q} %d\n", action, snap.AuditActions[action])
		}

		b.WriteString("# HELP researchhub_stats_cache_total stats cache operations by outcome\n")
		b.WriteString("# TYPE researchhub_stats_cache_total counter\n")
		fmt.Fprintf(b, "researchhub_stats_cache_total{outcome=\"hit\"} %d\n", snap.Cache.Hits)
		fmt.Fprintf(b, "researchhub_stats_cache_total{outcome=\"miss\"} %d\n", snap.Cache.Misses)
		fmt.Fprintf(b, "researchhub_stats_cache_total{outcome=\"error\"} %d\n", snap.Cache.Errors)
		fmt.Fprintf(b, "researchhub_stats_cache_total{outcome=\"invalidation\"} %d\n", snap.Cache.Invalidations)

		b.WriteString("# HELP researchhub_gauge operational gauge metrics\n")
		b.WriteString("# TYPE researchhub_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "researchhub_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}

		for _, h := range snap.Histograms {
			b.WriteString("# HELP researchhub_latency_seconds latency histogram\n")
			b.WriteString("# TYPE researchhub_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "researchhub_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "researchhub_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "researchhub_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "researchhub_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "researchhub_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
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
