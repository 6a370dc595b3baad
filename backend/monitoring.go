// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backend

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

const LatencyBuckets = 101
const LatencyBucketSize = 10 * time.Millisecond

// Histogram is a fixed-bucket latency histogram. The last bucket collects
// everything at or above (LatencyBuckets-1)*LatencyBucketSize.
type Histogram struct {
	Buckets [LatencyBuckets]uint64 `json:"b"`
	Count   uint64                 `json:"c"`
	Sum     float64                `json:"s"` // Sum of durations in milliseconds
}

func (h *Histogram) Add(d time.Duration) {
	if d < 0 {
		d = 0
	}
	idx := int(d / LatencyBucketSize)
	if idx >= LatencyBuckets {
		idx = LatencyBuckets - 1
	}
	h.Buckets[idx]++
	h.Count++
	h.Sum += float64(d) / float64(time.Millisecond)
}

func (h *Histogram) Merge(other *Histogram) {
	if other == nil {
		return
	}
	for i := range LatencyBuckets {
		h.Buckets[i] += other.Buckets[i]
	}
	h.Count += other.Count
	h.Sum += other.Sum
}

// Quantile returns the upper bound of the bucket holding quantile q.
func (h *Histogram) Quantile(q float64) time.Duration {
	if h.Count == 0 {
		return 0
	}
	target := uint64(q * float64(h.Count))
	if target == 0 {
		target = 1
	}
	var seen uint64
	for i, n := range h.Buckets {
		seen += n
		if seen >= target {
			return time.Duration(i+1) * LatencyBucketSize
		}
	}
	return LatencyBuckets * LatencyBucketSize
}

// Mean returns the average latency in milliseconds.
func (h *Histogram) Mean() float64 {
	if h.Count == 0 {
		return 0
	}
	return h.Sum / float64(h.Count)
}

// Point represents a single data point in a time series.
type Point[T any] struct {
	Timestamp int64 `json:"t"`
	Value     T     `json:"v"`
}

// RingBuffer is a fixed-size circular buffer of aligned time buckets.
type RingBuffer[T any] struct {
	Resolution time.Duration `json:"resolution"`
	Data       []Point[T]    `json:"data"`
	Head       int           `json:"head"` // Points to the *next* write position
}

func NewRingBuffer[T any](resolution time.Duration, buckets int) *RingBuffer[T] {
	return &RingBuffer[T]{
		Resolution: resolution,
		Data:       make([]Point[T], buckets),
	}
}

// At returns the bucket for timestamp, starting a new one when timestamp
// falls past the newest bucket.
func (rb *RingBuffer[T]) At(timestamp int64) *T {
	resSec := int64(rb.Resolution.Seconds())
	alignedTs := (timestamp / resSec) * resSec
	prevIdx := (rb.Head - 1 + len(rb.Data)) % len(rb.Data)
	if rb.Data[prevIdx].Timestamp == alignedTs {
		return &rb.Data[prevIdx].Value
	}
	var zero T
	rb.Data[rb.Head] = Point[T]{Timestamp: alignedTs, Value: zero}
	p := &rb.Data[rb.Head].Value
	rb.Head = (rb.Head + 1) % len(rb.Data)
	return p
}

// GetPoints returns the data points sorted by time.
func (rb *RingBuffer[T]) GetPoints() []Point[T] {
	points := make([]Point[T], 0, len(rb.Data))
	for i := range rb.Data {
		idx := (rb.Head + i) % len(rb.Data)
		if rb.Data[idx].Timestamp > 0 {
			points = append(points, rb.Data[idx])
		}
	}
	return points
}

// RouteStats is the latency and error count of one route.
type RouteStats struct {
	Latency Histogram `json:"latency"`
	Errors  uint64    `json:"errors"`
}

// Metrics records API request latencies per route, plus a per-minute
// request count for the last two hours.
type Metrics struct {
	mu       sync.Mutex
	routes   map[string]*RouteStats
	requests *RingBuffer[uint64]
	start    time.Time
	now      func() time.Time
	wsCount  func() int
}

func NewMetrics() *Metrics {
	return &Metrics{
		routes:   make(map[string]*RouteStats),
		requests: NewRingBuffer[uint64](time.Minute, 120),
		start:    time.Now(),
		now:      time.Now,
	}
}

// Observe records one request.
func (m *Metrics) Observe(route string, status int, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.routes[route]
	if !ok {
		rs = &RouteStats{}
		m.routes[route] = rs
	}
	rs.Latency.Add(d)
	if status >= 500 {
		rs.Errors++
	}
	*m.requests.At(m.now().Unix())++
}

type routeSummary struct {
	Route  string  `json:"route"`
	Count  uint64  `json:"count"`
	Errors uint64  `json:"errors"`
	MeanMS float64 `json:"meanMs"`
	P50MS  int64   `json:"p50Ms"`
	P95MS  int64   `json:"p95Ms"`
	P99MS  int64   `json:"p99Ms"`
}

// Snapshot returns a JSON-ready summary of everything recorded.
func (m *Metrics) Snapshot() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	routes := make([]routeSummary, 0, len(m.routes))
	for name, rs := range m.routes {
		routes = append(routes, routeSummary{
			Route:  name,
			Count:  rs.Latency.Count,
			Errors: rs.Errors,
			MeanMS: rs.Latency.Mean(),
			P50MS:  rs.Latency.Quantile(0.50).Milliseconds(),
			P95MS:  rs.Latency.Quantile(0.95).Milliseconds(),
			P99MS:  rs.Latency.Quantile(0.99).Milliseconds(),
		})
	}
	sort.Slice(routes, func(i, j int) bool { return routes[i].Route < routes[j].Route })
	out := map[string]any{
		"uptimeSeconds":     int64(m.now().Sub(m.start).Seconds()),
		"routes":            routes,
		"requestsPerMinute": m.requests.GetPoints(),
	}
	if m.wsCount != nil {
		out["activeWebSockets"] = m.wsCount()
	}
	return out
}

func (m *Metrics) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(m.Snapshot())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the hijacker for WebSockets.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// routeName collapses IDs so that every card shares one histogram.
func routeName(method, path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i, p := range parts {
		if isValidUUID(p) {
			parts[i] = "{id}"
		}
	}
	return method + " /" + strings.Join(parts, "/")
}

// metricsMiddleware times every /api/ request.
func metricsMiddleware(m *Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") || r.URL.Path == "/api/ws" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.Observe(routeName(r.Method, r.URL.Path), rec.status, time.Since(start))
	})
}
