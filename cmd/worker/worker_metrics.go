package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"bookscout/internal/ol"
)

var (
	// Job counters on /metrics. A received job is either skipped (duplicate
	// query) or ends up in success or failed.
	workerJobsReceived uint64
	workerJobsSkipped  uint64
	workerJobsSuccess  uint64
	workerJobsFailed   uint64

	// Open Library fetch latency histogram, in seconds. Slices hold upper
	// bounds and per-bucket counts; the extra last slot is the +Inf bucket.
	fetchLatencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5}
	fetchLatencyCounts  = make([]uint64, len(fetchLatencyBuckets)+1)
	fetchLatencySumNs   uint64
	fetchLatencyCount   uint64

	// Fetches that came back HTTP 429.
	workerRateLimitHitsTotal uint64

	// Commit coordinator health.
	workerCommitErrorsTotal  uint64 // failed CommitMessages calls
	workerCommitPendingTotal int64  // gauge: messages parked awaiting in-order commit
	workerInFlight           int64  // gauge: semaphore slots in use

	// Kafka commit latency histogram, in seconds; same layout as fetch latency.
	commitLatencyBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}
	commitLatencyCounts  = make([]uint64, len(commitLatencyBuckets)+1)
	commitLatencySumNs   uint64
	commitLatencyCount   uint64
)

func startMetricsServer(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", handleMetrics)

	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("metrics shutdown error: %v", err)
		}
	}()

	go func() {
		log.Printf("metrics listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()
}

func handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	body := fmt.Sprintf(
		"bookscout_worker_up 1\n"+
			"bookscout_worker_jobs_received_total %d\n"+
			"bookscout_worker_jobs_skipped_total %d\n"+
			"bookscout_worker_jobs_success_total %d\n"+
			"bookscout_worker_jobs_failed_total %d\n",
		atomic.LoadUint64(&workerJobsReceived),
		atomic.LoadUint64(&workerJobsSkipped),
		atomic.LoadUint64(&workerJobsSuccess),
		atomic.LoadUint64(&workerJobsFailed),
	)
	if metricsProxyURL != "" {
		// Lets dashboards break fetch latency and failures down per egress proxy.
		body += "# HELP bookscout_worker_proxy_info Proxy URL this worker uses (1 when set).\n"
		body += "# TYPE bookscout_worker_proxy_info gauge\n"
		body += fmt.Sprintf("bookscout_worker_proxy_info{proxy=%q} 1\n", escapeMetricLabel(metricsProxyURL))
	}
	var histogram strings.Builder
	histogram.WriteString("# HELP bookscout_worker_fetch_latency_seconds Open Library fetch latency.\n")
	histogram.WriteString("# TYPE bookscout_worker_fetch_latency_seconds histogram\n")
	appendHistogram(&histogram, "bookscout_worker_fetch_latency_seconds", fetchLatencyBuckets,
		fetchLatencyCounts, &fetchLatencySumNs, &fetchLatencyCount, "%.2f")

	body += "# HELP bookscout_worker_rate_limit_hits_total Open Library HTTP 429 (rate limit) responses.\n"
	body += "# TYPE bookscout_worker_rate_limit_hits_total counter\n"
	body += fmt.Sprintf(
		"bookscout_worker_rate_limit_hits_total %d\n"+
			"bookscout_worker_commit_errors_total %d\n"+
			"bookscout_worker_commit_pending_total %d\n"+
			"bookscout_worker_in_flight %d\n",
		atomic.LoadUint64(&workerRateLimitHitsTotal),
		atomic.LoadUint64(&workerCommitErrorsTotal),
		atomic.LoadInt64(&workerCommitPendingTotal),
		atomic.LoadInt64(&workerInFlight),
	)
	var commitHist strings.Builder
	commitHist.WriteString("# HELP bookscout_worker_commit_latency_seconds Kafka commit latency.\n")
	commitHist.WriteString("# TYPE bookscout_worker_commit_latency_seconds histogram\n")
	appendHistogram(&commitHist, "bookscout_worker_commit_latency_seconds", commitLatencyBuckets,
		commitLatencyCounts, &commitLatencySumNs, &commitLatencyCount, "%.3f")

	_, _ = w.Write([]byte(body + histogram.String() + commitHist.String()))
}

// escapeMetricLabel makes a string safe inside a Prometheus label value.
func escapeMetricLabel(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	return strings.ReplaceAll(s, "\"", "\\\"")
}

// appendHistogram renders bucket, sum, and count lines in exposition format.
// counts carries one extra slot past buckets for +Inf; leFmt formats bounds.
func appendHistogram(sb *strings.Builder, name string, buckets []float64, counts []uint64, sumNs, count *uint64, leFmt string) {
	var cumulative uint64
	for i, bound := range buckets {
		cumulative += atomic.LoadUint64(&counts[i])
		sb.WriteString(fmt.Sprintf("%s_bucket{le=\"%s\"} %d\n", name, fmt.Sprintf(leFmt, bound), cumulative))
	}
	cumulative += atomic.LoadUint64(&counts[len(buckets)])
	sb.WriteString(fmt.Sprintf("%s_bucket{le=\"+Inf\"} %d\n", name, cumulative))
	sumSeconds := float64(atomic.LoadUint64(sumNs)) / float64(time.Second)
	sb.WriteString(fmt.Sprintf("%s_sum %.6f\n", name, sumSeconds))
	sb.WriteString(fmt.Sprintf("%s_count %d\n", name, atomic.LoadUint64(count)))
}

// fetchJSONWithMetrics is the instrumented fetch path for job handling:
// records latency for every attempt and counts 429 responses separately.
func fetchJSONWithMetrics(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	start := time.Now()
	body, err := ol.FetchJSONWithClient(ctx, client, url)
	observeFetchLatency(time.Since(start))
	if err != nil && strings.Contains(err.Error(), "unexpected status 429") {
		atomic.AddUint64(&workerRateLimitHitsTotal, 1)
	}
	return body, err
}

// observeFetchLatency records one fetch duration into the histogram slots.
func observeFetchLatency(duration time.Duration) {
	if duration <= 0 {
		return
	}
	seconds := duration.Seconds()
	bucketIndex := len(fetchLatencyBuckets)
	for i, bound := range fetchLatencyBuckets {
		if seconds <= bound {
			bucketIndex = i
			break
		}
	}
	atomic.AddUint64(&fetchLatencyCounts[bucketIndex], 1)
	atomic.AddUint64(&fetchLatencySumNs, uint64(duration.Nanoseconds()))
	atomic.AddUint64(&fetchLatencyCount, 1)
}

// observeCommitLatency records one Kafka commit duration.
func observeCommitLatency(duration time.Duration) {
	if duration <= 0 {
		return
	}
	seconds := duration.Seconds()
	bucketIndex := len(commitLatencyBuckets)
	for i, bound := range commitLatencyBuckets {
		if seconds <= bound {
			bucketIndex = i
			break
		}
	}
	atomic.AddUint64(&commitLatencyCounts[bucketIndex], 1)
	atomic.AddUint64(&commitLatencySumNs, uint64(duration.Nanoseconds()))
	atomic.AddUint64(&commitLatencyCount, 1)
}
