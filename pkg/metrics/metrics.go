// Package metrics is the monitoring collaborator: per-service and
// per-method counters with JSON and Prometheus text exposition.
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
	mu         sync.RWMutex
	components map[string]*Component
	methods    map[string]*MethodStat
	gauges     map[string]float64
}

// Component describes one registered service endpoint.
type Component struct {
	Name      string            `json:"name"`
	Location  string            `json:"location"`
	StartedAt time.Time         `json:"started_at"`
	Queries   int64             `json:"queries"`
	Extra     map[string]string `json:"extra,omitempty"`
}

type MethodStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt string                `json:"generated_at"`
	Components  map[string]Component  `json:"components"`
	Methods     map[string]MethodStat `json:"methods"`
	Gauges      map[string]float64    `json:"gauges"`
}

func NewRegistry() *Registry {
	return &Registry{
		components: map[string]*Component{},
		methods:    map[string]*MethodStat{},
		gauges:     map[string]float64{},
	}
}

// RegisterComponent records a service endpoint. The name carries the worker
// discriminator when the server runs multiple workers
// ("Tornado/CPU2/WorkloadManagement/JobMonitoring").
func (r *Registry) RegisterComponent(name, location string, extra map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.components[name] = &Component{
		Name:      name,
		Location:  location,
		StartedAt: time.Now().UTC(),
		Extra:     extra,
	}
}

// MarkQuery counts one served request against a component.
func (r *Registry) MarkQuery(component string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.components[component]; ok {
		c.Queries++
	}
}

// Observe records the outcome of one method call under "service.method".
func (r *Registry) Observe(key string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.methods[key]
	if !ok {
		stat = &MethodStat{}
		r.methods[key] = stat
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
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Components:  make(map[string]Component, len(r.components)),
		Methods:     make(map[string]MethodStat, len(r.methods)),
		Gauges:      make(map[string]float64, len(r.gauges)),
	}
	for k, v := range r.components {
		out.Components[k] = *v
	}
	for k, v := range r.methods {
		out.Methods[k] = *v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
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
		b.WriteString("# HELP dirac_service_queries_total requests served by service\n")
		b.WriteString("# TYPE dirac_service_queries_total counter\n")
		for _, name := range SortedKeys(snap.Components) {
			fmt.Fprintf(b, "dirac_service_queries_total{service=%q} %d\n", name, snap.Components[name].Queries)
		}
		b.WriteString("# HELP dirac_method_count method calls by service and method\n")
		b.WriteString("# TYPE dirac_method_count counter\n")
		for _, key := range SortedKeys(snap.Methods) {
			fmt.Fprintf(b, "dirac_method_count{method=%q} %d\n", key, snap.Methods[key].Count)
		}
		b.WriteString("# HELP dirac_method_error_count method call errors\n")
		b.WriteString("# TYPE dirac_method_error_count counter\n")
		for _, key := range SortedKeys(snap.Methods) {
			fmt.Fprintf(b, "dirac_method_error_count{method=%q} %d\n", key, snap.Methods[key].ErrorCount)
		}
		b.WriteString("# HELP dirac_method_avg_millis method average latency in milliseconds\n")
		b.WriteString("# TYPE dirac_method_avg_millis gauge\n")
		for _, key := range SortedKeys(snap.Methods) {
			fmt.Fprintf(b, "dirac_method_avg_millis{method=%q} %.3f\n", key, snap.Methods[key].AverageMillis)
		}
		b.WriteString("# HELP dirac_method_max_millis method max latency in milliseconds\n")
		b.WriteString("# TYPE dirac_method_max_millis gauge\n")
		for _, key := range SortedKeys(snap.Methods) {
			fmt.Fprintf(b, "dirac_method_max_millis{method=%q} %d\n", key, snap.Methods[key].MaxMillis)
		}
		b.WriteString("# HELP dirac_gauge operational gauge metrics\n")
		b.WriteString("# TYPE dirac_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "dirac_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
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
