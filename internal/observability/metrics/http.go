// Package metrics exposes request metrics for the HTTP surface in
// Prometheus text exposition format, without pulling a client library in.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type seriesKey struct {
	handler string
	method  string
	code    string
}

type histogram struct {
	bounds []float64
	counts []uint64
	sum    float64
	total  uint64
}

func newHistogram() *histogram {
	bounds := []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}
	return &histogram{bounds: bounds, counts: make([]uint64, len(bounds))}
}

func (h *histogram) observe(seconds float64) {
	h.total++
	h.sum += seconds
	for i, bound := range h.bounds {
		if seconds <= bound {
			for ; i < len(h.counts); i++ {
				h.counts[i]++
			}
			return
		}
	}
}

type collector struct {
	mu       sync.Mutex
	requests map[seriesKey]uint64
	latency  map[seriesKey]*histogram
}

var httpCollector = &collector{
	requests: make(map[seriesKey]uint64),
	latency:  make(map[seriesKey]*histogram),
}

// ObserveHTTPRequest records one finished HTTP request.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	key := seriesKey{handler: handler, method: method, code: strconv.Itoa(status)}
	latKey := seriesKey{handler: handler, method: method}

	httpCollector.mu.Lock()
	defer httpCollector.mu.Unlock()
	httpCollector.requests[key]++
	hist := httpCollector.latency[latKey]
	if hist == nil {
		hist = newHistogram()
		httpCollector.latency[latKey] = hist
	}
	hist.observe(duration.Seconds())
}

// Handler serves the collected metrics.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, httpCollector.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var builder strings.Builder
	builder.Grow(1024)

	keys := make([]seriesKey, 0, len(c.requests))
	for key := range c.requests {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.handler != b.handler {
			return a.handler < b.handler
		}
		if a.method != b.method {
			return a.method < b.method
		}
		return a.code < b.code
	})

	builder.WriteString("# HELP mas_http_requests_total Total number of HTTP requests processed.\n")
	builder.WriteString("# TYPE mas_http_requests_total counter\n")
	for _, key := range keys {
		builder.WriteString(fmt.Sprintf("mas_http_requests_total{handler=%q,method=%q,code=%q} %d\n",
			key.handler, key.method, key.code, c.requests[key]))
	}

	latKeys := make([]seriesKey, 0, len(c.latency))
	for key := range c.latency {
		latKeys = append(latKeys, key)
	}
	sort.Slice(latKeys, func(i, j int) bool {
		a, b := latKeys[i], latKeys[j]
		if a.handler != b.handler {
			return a.handler < b.handler
		}
		return a.method < b.method
	})

	builder.WriteString("# HELP mas_http_request_duration_seconds HTTP request duration in seconds.\n")
	builder.WriteString("# TYPE mas_http_request_duration_seconds histogram\n")
	for _, key := range latKeys {
		hist := c.latency[key]
		for i, bound := range hist.bounds {
			builder.WriteString(fmt.Sprintf("mas_http_request_duration_seconds_bucket{handler=%q,method=%q,le=%q} %d\n",
				key.handler, key.method, formatFloat(bound), hist.counts[i]))
		}
		builder.WriteString(fmt.Sprintf("mas_http_request_duration_seconds_bucket{handler=%q,method=%q,le=\"+Inf\"} %d\n",
			key.handler, key.method, hist.total))
		builder.WriteString(fmt.Sprintf("mas_http_request_duration_seconds_sum{handler=%q,method=%q} %s\n",
			key.handler, key.method, formatFloat(hist.sum)))
		builder.WriteString(fmt.Sprintf("mas_http_request_duration_seconds_count{handler=%q,method=%q} %d\n",
			key.handler, key.method, hist.total))
	}

	return builder.String()
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
