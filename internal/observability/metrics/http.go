package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// requestKey 区分到 handler+method+状态码粒度，errors 与 latency 只到 handler+method。
type requestKey struct {
	handler string
	method  string
	code    string
}

type handlerKey struct {
	handler string
	method  string
}

// histogram 是固定桶边界的累计直方图，桶计数为累计值（counts[i] 含所有 <= buckets[i] 的样本）。
type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for i, bound := range h.buckets {
		if value <= bound {
			for ; i < len(h.counts); i++ {
				h.counts[i]++
			}
			return
		}
	}
	// 超出最大桶的样本只体现在 +Inf（即 h.count）里。
}

type collector struct {
	mu       sync.Mutex
	requests map[requestKey]uint64
	errors   map[handlerKey]uint64
	latency  map[handlerKey]*histogram
	tasks    map[string]uint64
}

var defaultCollector = &collector{
	requests: make(map[requestKey]uint64),
	errors:   make(map[handlerKey]uint64),
	latency:  make(map[handlerKey]*histogram),
	tasks:    make(map[string]uint64),
}

// ObserveHTTPRequest 记录一次 HTTP 请求：计数、5xx 错误数与耗时分布。
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	c := defaultCollector
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requests[requestKey{handler: handler, method: method, code: strconv.Itoa(status)}]++

	key := handlerKey{handler: handler, method: method}
	if status >= 500 {
		c.errors[key]++
	}
	hist := c.latency[key]
	if hist == nil {
		hist = &histogram{buckets: latencyBuckets, counts: make([]uint64, len(latencyBuckets))}
		c.latency[key] = hist
	}
	hist.observe(duration.Seconds())
}

// ObserveTask 记录一个任务到达终态。status 取任务状态机的终态值。
func ObserveTask(status string) {
	defaultCollector.mu.Lock()
	defaultCollector.tasks[status]++
	defaultCollector.mu.Unlock()
}

// Handler 以 Prometheus 文本格式输出全部指标。
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, defaultCollector.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var b strings.Builder
	b.Grow(1024)

	writeHeader(&b, "autoagent_http_requests_total", "counter",
		"Total number of HTTP requests processed.")
	for _, key := range sortedRequestKeys(c.requests) {
		fmt.Fprintf(&b, "autoagent_http_requests_total{handler=%q,method=%q,code=%q} %d\n",
			key.handler, key.method, key.code, c.requests[key])
	}

	writeHeader(&b, "autoagent_http_request_errors_total", "counter",
		"Total number of HTTP requests that resulted in a server error.")
	for _, key := range sortedHandlerKeys(c.errors) {
		fmt.Fprintf(&b, "autoagent_http_request_errors_total{handler=%q,method=%q} %d\n",
			key.handler, key.method, c.errors[key])
	}

	writeHeader(&b, "autoagent_http_request_duration_seconds", "histogram",
		"HTTP request duration in seconds.")
	for _, key := range sortedHandlerKeys(c.latency) {
		hist := c.latency[key]
		for i, bound := range hist.buckets {
			fmt.Fprintf(&b, "autoagent_http_request_duration_seconds_bucket{handler=%q,method=%q,le=%q} %d\n",
				key.handler, key.method, formatFloat(bound), hist.counts[i])
		}
		fmt.Fprintf(&b, "autoagent_http_request_duration_seconds_bucket{handler=%q,method=%q,le=\"+Inf\"} %d\n",
			key.handler, key.method, hist.count)
		fmt.Fprintf(&b, "autoagent_http_request_duration_seconds_sum{handler=%q,method=%q} %s\n",
			key.handler, key.method, formatFloat(hist.sum))
		fmt.Fprintf(&b, "autoagent_http_request_duration_seconds_count{handler=%q,method=%q} %d\n",
			key.handler, key.method, hist.count)
	}

	writeHeader(&b, "autoagent_tasks_processed_total", "counter",
		"Total number of tasks reaching a terminal status.")
	statuses := make([]string, 0, len(c.tasks))
	for status := range c.tasks {
		statuses = append(statuses, status)
	}
	sort.Strings(statuses)
	for _, status := range statuses {
		fmt.Fprintf(&b, "autoagent_tasks_processed_total{status=%q} %d\n", status, c.tasks[status])
	}

	return b.String()
}

func writeHeader(b *strings.Builder, name, kind, help string) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, kind)
}

func sortedRequestKeys(m map[requestKey]uint64) []requestKey {
	keys := make([]requestKey, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].handler != keys[j].handler {
			return keys[i].handler < keys[j].handler
		}
		if keys[i].method != keys[j].method {
			return keys[i].method < keys[j].method
		}
		return keys[i].code < keys[j].code
	})
	return keys
}

func sortedHandlerKeys[V any](m map[handlerKey]V) []handlerKey {
	keys := make([]handlerKey, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].handler != keys[j].handler {
			return keys[i].handler < keys[j].handler
		}
		return keys[i].method < keys[j].method
	})
	return keys
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer 启动独立的 /metrics HTTP 服务，ctx 取消时优雅退出。
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
