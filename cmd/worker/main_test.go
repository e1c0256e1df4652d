package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"strings"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/segmentio/kafka-go"

	"bookscout/common"
	"bookscout/internal/lookup"
	"bookscout/internal/models"
	"bookscout/internal/ol"
	"bookscout/internal/store"
	"bookscout/mocks"
)

// newTestWorker creates a worker with commit channel and wait group for tests.
func newTestWorker(reader messageReader, dedupe store.Deduper, statusStore store.StatusStore, results, edges, dlq resultWriter, searchBase string, ttl time.Duration, retryMax int, retryBase, retryMaxDelay time.Duration) (*worker, chan kafka.Message, *sync.WaitGroup) {
	commitCh := make(chan kafka.Message, 10)
	var wg sync.WaitGroup
	client := &http.Client{Timeout: 10 * time.Second}
	w := newWorker(reader, dedupe, statusStore, results, edges, dlq, searchBase, ttl, retryMax, retryBase, retryMaxDelay, client, 1, 5*time.Minute, 90*time.Second, commitCh, &wg, nil)
	return w, commitCh, &wg
}

func mustNewTestWorker(reader messageReader, dedupe store.Deduper, statusStore store.StatusStore, results, edges, dlq resultWriter, searchBase string, ttl time.Duration, retryMax int, retryBase, retryMaxDelay time.Duration) *worker {
	w, _, _ := newTestWorker(reader, dedupe, statusStore, results, edges, dlq, searchBase, ttl, retryMax, retryBase, retryMaxDelay)
	return w
}

func TestNormalizeQuery(t *testing.T) {
	if got := normalizeQuery("  Clans   of the Alphane  Moon "); got != "clans of the alphane moon" {
		t.Fatalf("unexpected normalized query: %q", got)
	}
}

func TestDedupeKeyForJob(t *testing.T) {
	job := models.LookupJob{Query: "Clans of the Alphane Moon"}
	if got := dedupeKeyForJob(job); got != "resolved:query:clans of the alphane moon" {
		t.Fatalf("unexpected dedupe key: %s", got)
	}
}

func TestParseDurationValid(t *testing.T) {
	got := common.ParseDuration("2h", 5*time.Minute)
	if got != 2*time.Hour {
		t.Fatalf("expected 2h, got %s", got)
	}
}

func TestParseDurationInvalidUsesFallback(t *testing.T) {
	fallback := 5 * time.Minute
	got := common.ParseDuration("not-a-duration", fallback)
	if got != fallback {
		t.Fatalf("expected fallback %s, got %s", fallback, got)
	}
}

func TestParseIntInvalidUsesFallback(t *testing.T) {
	fallback := 7
	got := common.ParseInt("nope", fallback)
	if got != fallback {
		t.Fatalf("expected fallback %d, got %d", fallback, got)
	}
}

func TestParseBool(t *testing.T) {
	if !common.ParseBool("true", false) {
		t.Fatal("expected true")
	}
	if !common.ParseBool("1", false) {
		t.Fatal("expected true for 1")
	}
	if common.ParseBool("garbage", false) {
		t.Fatal("expected fallback false")
	}
}

// --- Proxy pool (multi-egress) tests ---

func TestSelectProxyFromPool_EmptyPool(t *testing.T) {
	if got := selectProxyFromPool("", "worker-0"); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	if got := selectProxyFromPool("  ,  ", "worker-0"); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}

func TestSelectProxyFromPool_Deterministic(t *testing.T) {
	pool := "http://p0:8080,http://p1:8080,http://p2:8080"
	got := selectProxyFromPool(pool, "bookscout-worker-0")
	if got == "" {
		t.Fatal("expected one of pool, got empty")
	}
	valid := map[string]bool{"http://p0:8080": true, "http://p1:8080": true, "http://p2:8080": true}
	if !valid[got] {
		t.Fatalf("got %q not in pool", got)
	}
	// Same hostname must yield same proxy
	got2 := selectProxyFromPool(pool, "bookscout-worker-0")
	if got != got2 {
		t.Fatalf("deterministic: expected %q, got %q", got, got2)
	}
}

func TestBuildHTTPClient_NoProxy(t *testing.T) {
	os.Unsetenv("PROXY_URL")
	os.Unsetenv("PROXY_POOL")
	os.Unsetenv("HOSTNAME")
	defer func() {
		os.Unsetenv("PROXY_URL")
		os.Unsetenv("PROXY_POOL")
		os.Unsetenv("HOSTNAME")
	}()
	client := buildHTTPClient()
	transport, ok := client.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("expected *http.Transport for timeouts, got %T", client.Transport)
	}
	if transport.Proxy != nil {
		t.Fatal("expected no proxy when no proxy env")
	}
	if client.Timeout != 30*time.Second {
		t.Fatalf("expected total timeout 30s, got %v", client.Timeout)
	}
}

func TestBuildHTTPClient_ProxyURL(t *testing.T) {
	proxyURL := "http://proxy.example:8080"
	os.Setenv("PROXY_URL", proxyURL)
	os.Unsetenv("PROXY_POOL")
	defer func() {
		os.Unsetenv("PROXY_URL")
		os.Unsetenv("PROXY_POOL")
	}()
	client := buildHTTPClient()
	transport, ok := client.Transport.(*http.Transport)
	if !ok || transport.Proxy == nil {
		t.Fatalf("expected Transport with Proxy when PROXY_URL set")
	}
	req, _ := http.NewRequest(http.MethodGet, "https://openlibrary.org/search.json?q=test", nil)
	u, err := transport.Proxy(req)
	if err != nil {
		t.Fatalf("Proxy(req): %v", err)
	}
	if u == nil || u.String() != proxyURL {
		t.Fatalf("expected proxy %q, got %v", proxyURL, u)
	}
}

// --- Job handling ---

func searchPayload() string {
	return `{"docs":[{"title":"Clans of the Alphane Moon","author_name":["Philip K. Dick"],"isbn":["9780441116805","0441116802"]}]}`
}

func TestHandleJobExtractsSummary(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search.json" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("q"); got != "clans of the alphane moon" {
			t.Errorf("unexpected query %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(searchPayload()))
	}))
	defer server.Close()

	w := mustNewTestWorker(nil, nil, nil, nil, nil, nil, server.URL, time.Hour, 0, 0, 0)
	job := models.LookupJob{RequestID: "r1", Query: "clans of the alphane moon"}
	summary, err := w.handleJob(context.Background(), job)
	if err != nil {
		t.Fatalf("handleJob error: %v", err)
	}
	if summary.Title != "Clans of the Alphane Moon" || summary.Author != "Philip K. Dick" || summary.ISBN10 != "0441116802" {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestHandleJobRobotsDisallowed(t *testing.T) {
	w := mustNewTestWorker(nil, nil, nil, nil, nil, nil, "https://openlibrary.org", time.Hour, 0, 0, 0)
	w.robots = ol.ParseRobots([]byte("User-agent: *\nDisallow: /search\n"), ol.DefaultUserAgent)

	job := models.LookupJob{RequestID: "r1", Query: "anything"}
	if _, err := w.handleJob(context.Background(), job); err == nil {
		t.Fatal("expected robots error, got nil")
	}
}

func TestHandleJobWithRetryStopsAfterMax(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	w := mustNewTestWorker(nil, nil, nil, nil, nil, nil, server.URL, time.Hour, 2, 0, 0)
	job := models.LookupJob{RequestID: "r1", Query: "test"}
	if _, err := w.handleJobWithRetry(context.Background(), job); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestHandleJobWithRetrySucceedsAfterRetry(t *testing.T) {
	var callCount int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&callCount, 1)
		if n < 3 {
			http.Error(w, "temporary", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(searchPayload()))
	}))
	defer server.Close()

	w := mustNewTestWorker(nil, nil, nil, nil, nil, nil, server.URL, time.Hour, 2, 0, 0)
	job := models.LookupJob{RequestID: "r1", Query: "test"}
	summary, err := w.handleJobWithRetry(context.Background(), job)
	if err != nil {
		t.Fatalf("expected nil error after retries, got %v", err)
	}
	if summary.ISBN10 != "0441116802" {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if got := atomic.LoadInt32(&callCount); got != 3 {
		t.Fatalf("expected server called 3 times (initial + 2 retries), got %d", got)
	}
}

// TestHandleJobWithRetryNoResultsIsTerminal verifies extraction errors are not retried:
// the response was valid JSON, so the answer will not change on a second fetch.
func TestHandleJobWithRetryNoResultsIsTerminal(t *testing.T) {
	var callCount int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&callCount, 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"docs":[]}`))
	}))
	defer server.Close()

	w := mustNewTestWorker(nil, nil, nil, nil, nil, nil, server.URL, time.Hour, 3, 0, 0)
	job := models.LookupJob{RequestID: "r1", Query: "nothing matches this"}
	_, err := w.handleJobWithRetry(context.Background(), job)
	if !errors.Is(err, lookup.ErrNoResults) {
		t.Fatalf("expected ErrNoResults, got %v", err)
	}
	if got := atomic.LoadInt32(&callCount); got != 1 {
		t.Fatalf("expected exactly 1 fetch, got %d", got)
	}
}

// --- Publish / status paths ---

func TestPublishResultWritesMessage(t *testing.T) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	results := mocks.NewMockMessageWriter(ctrl)
	job := models.LookupJob{RequestID: "request-9", Query: "test"}
	summary := models.BookSummary{Title: "T", Author: "A", ISBN10: "0441116802"}

	var got models.LookupResult
	results.EXPECT().WriteMessages(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, msgs ...kafka.Message) error {
			if len(msgs) != 1 {
				t.Fatalf("expected 1 message, got %d", len(msgs))
			}
			if string(msgs[0].Key) != job.RequestID {
				t.Fatalf("unexpected key: %s", msgs[0].Key)
			}
			if err := json.Unmarshal(msgs[0].Value, &got); err != nil {
				t.Fatalf("failed to decode result: %v", err)
			}
			return nil
		},
	).Times(1)

	w := mustNewTestWorker(nil, nil, nil, results, nil, nil, "", time.Hour, 0, 0, 0)
	if err := w.publishResult(context.Background(), job, summary); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if got.RequestID != job.RequestID || got.Query != job.Query || got.Summary != summary {
		t.Fatalf("unexpected result payload: %+v", got)
	}
}

func TestPublishEdgeWritesAuthorship(t *testing.T) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	edges := mocks.NewMockMessageWriter(ctrl)
	job := models.LookupJob{RequestID: "request-9"}
	summary := models.BookSummary{Title: "Clans of the Alphane Moon", Author: "Philip K. Dick"}

	var got models.Edge
	edges.EXPECT().WriteMessages(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, msgs ...kafka.Message) error {
			if len(msgs) != 1 {
				t.Fatalf("expected 1 message, got %d", len(msgs))
			}
			if err := json.Unmarshal(msgs[0].Value, &got); err != nil {
				t.Fatalf("failed to decode edge: %v", err)
			}
			return nil
		},
	).Times(1)

	w := mustNewTestWorker(nil, nil, nil, nil, edges, nil, "", time.Hour, 0, 0, 0)
	if err := w.publishEdge(context.Background(), job, summary); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if got.From != "author:Philip K. Dick" || got.To != "book:Clans of the Alphane Moon" || got.Relation != "wrote" {
		t.Fatalf("unexpected edge: %+v", got)
	}
}

func TestPublishEdgeSkipsMissingTitle(t *testing.T) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	edges := mocks.NewMockMessageWriter(ctrl)
	edges.EXPECT().WriteMessages(gomock.Any(), gomock.Any()).Times(0)

	w := mustNewTestWorker(nil, nil, nil, nil, edges, nil, "", time.Hour, 0, 0, 0)
	summary := models.BookSummary{Author: "Philip K. Dick"}
	if err := w.publishEdge(context.Background(), models.LookupJob{RequestID: "r"}, summary); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func TestPublishDLQWritesFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	dlq := mocks.NewMockMessageWriter(ctrl)
	job := models.LookupJob{RequestID: "request-9", Query: "clans of the alphane moon"}

	var got models.LookupFailure
	dlq.EXPECT().WriteMessages(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, msgs ...kafka.Message) error {
			if len(msgs) != 1 {
				t.Fatalf("expected 1 message, got %d", len(msgs))
			}
			if err := json.Unmarshal(msgs[0].Value, &got); err != nil {
				t.Fatalf("failed to decode failure: %v", err)
			}
			return nil
		},
	).Times(1)

	w := mustNewTestWorker(nil, nil, nil, nil, nil, dlq, "", time.Hour, 0, 0, 0)
	if err := w.publishDLQ(context.Background(), job, errors.New("boom")); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if got.RequestID != job.RequestID || got.Query != job.Query || got.Error == "" {
		t.Fatalf("unexpected failure payload: %+v", got)
	}
}

func TestMarkDoneAndFailed(t *testing.T) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	statusStore := mocks.NewMockStatusStore(ctrl)
	job := models.LookupJob{RequestID: "request-1", Query: "test", CreatedAt: time.Unix(42, 0).UTC()}
	summary := models.BookSummary{Title: "T", Author: "A", ISBN10: "0441116802"}

	statusStore.EXPECT().SetStatus(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, status models.LookupStatus) error {
			if status.Status != models.StatusDone {
				t.Fatalf("expected done status, got %s", status.Status)
			}
			if status.Summary == nil || *status.Summary != summary {
				t.Fatalf("unexpected summary: %+v", status.Summary)
			}
			if status.CreatedAt != job.CreatedAt {
				t.Fatalf("expected CreatedAt carried over, got %v", status.CreatedAt)
			}
			return nil
		},
	)
	statusStore.EXPECT().SetStatus(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, status models.LookupStatus) error {
			if status.Status != models.StatusFailed {
				t.Fatalf("expected failed status, got %s", status.Status)
			}
			if status.Error == "" {
				t.Fatal("expected error to be recorded")
			}
			return nil
		},
	)

	w := mustNewTestWorker(nil, nil, statusStore, nil, nil, nil, "", time.Hour, 0, 0, 0)
	if err := w.markDone(context.Background(), job, summary); err != nil {
		t.Fatalf("markDone error: %v", err)
	}
	if err := w.markFailed(context.Background(), job, errors.New("boom")); err != nil {
		t.Fatalf("markFailed error: %v", err)
	}
}

// --- Dispatch path ---

func TestDispatchSkipsDuplicate(t *testing.T) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	dedupe := mocks.NewMockDeduper(ctrl)
	job := models.LookupJob{RequestID: "r1", Query: "Clans of the Alphane Moon"}
	payload, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("failed to marshal job: %v", err)
	}

	dedupe.EXPECT().SetNX(gomock.Any(), "resolved:query:clans of the alphane moon", "1", time.Hour).Return(false, nil)

	w, commitCh, _ := newTestWorker(nil, dedupe, nil, nil, nil, nil, "", time.Hour, 0, 0, 0)
	if err := w.dispatchMessage(context.Background(), kafka.Message{Value: payload}); err != nil {
		t.Fatalf("dispatchMessage failed: %v", err)
	}

	select {
	case <-commitCh:
	default:
		t.Fatal("expected duplicate message to be routed to commit channel")
	}
}

func TestDispatchDLQAfterExhaustedRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	reader := mocks.NewMockMessageReader(ctrl)
	dedupe := mocks.NewMockDeduper(ctrl)
	statusStore := mocks.NewMockStatusStore(ctrl)
	dlq := mocks.NewMockMessageWriter(ctrl)

	job := models.LookupJob{RequestID: "request-dlq", Query: "doomed query"}
	payload, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("failed to marshal job: %v", err)
	}

	dedupe.EXPECT().SetNX(gomock.Any(), "resolved:query:doomed query", "1", time.Hour).Return(true, nil)
	reader.EXPECT().CommitMessages(gomock.Any(), gomock.Any()).Return(nil)
	statusStore.EXPECT().SetStatus(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, status models.LookupStatus) error {
			if status.Status != models.StatusFailed {
				t.Fatalf("expected failed status, got %s", status.Status)
			}
			return nil
		},
	)

	var got models.LookupFailure
	dlq.EXPECT().WriteMessages(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, msgs ...kafka.Message) error {
			if len(msgs) != 1 {
				t.Fatalf("expected 1 DLQ message, got %d", len(msgs))
			}
			if err := json.Unmarshal(msgs[0].Value, &got); err != nil {
				t.Fatalf("failed to decode LookupFailure: %v", err)
			}
			return nil
		}).Times(1)

	w, commitCh, wg := newTestWorker(reader, dedupe, statusStore, nil, nil, dlq, server.URL, time.Hour, 2, 0, 0)
	commitDone := make(chan struct{})
	go func() {
		m := <-commitCh
		_ = reader.CommitMessages(context.Background(), m)
		close(commitDone)
	}()
	if err := w.dispatchMessage(context.Background(), kafka.Message{Value: payload}); err != nil {
		t.Fatalf("dispatchMessage failed: %v", err)
	}
	wg.Wait()
	<-commitDone // wait for the commit goroutine to call CommitMessages before ctrl.Finish

	if got.RequestID != job.RequestID || got.Query != job.Query || got.Error == "" {
		t.Fatalf("unexpected LookupFailure: %+v", got)
	}
}

// --- Commit coordinator ---

func TestCommitCoordinatorCommitsInOffsetOrder(t *testing.T) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	reader := mocks.NewMockMessageReader(ctrl)
	var committed []int64
	reader.EXPECT().CommitMessages(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, msgs ...kafka.Message) error {
			committed = append(committed, msgs[0].Offset)
			return nil
		}).Times(3)

	commitCh := make(chan kafka.Message, 3)
	c := newCommitCoordinator(reader, commitCh)
	var wg sync.WaitGroup
	wg.Add(1)
	go c.run(context.Background(), &wg)

	commitCh <- kafka.Message{Partition: 0, Offset: 5}
	commitCh <- kafka.Message{Partition: 0, Offset: 7} // buffered until 6 arrives
	commitCh <- kafka.Message{Partition: 0, Offset: 6}
	close(commitCh)
	wg.Wait()

	if len(committed) != 3 || committed[0] != 5 || committed[1] != 6 || committed[2] != 7 {
		t.Fatalf("expected offsets committed in order [5 6 7], got %v", committed)
	}
}

// --- Metrics ---

func resetWorkerMetrics() {
	atomic.StoreUint64(&workerJobsReceived, 0)
	atomic.StoreUint64(&workerJobsSkipped, 0)
	atomic.StoreUint64(&workerJobsSuccess, 0)
	atomic.StoreUint64(&workerJobsFailed, 0)
	atomic.StoreUint64(&fetchLatencySumNs, 0)
	atomic.StoreUint64(&fetchLatencyCount, 0)
	for i := range fetchLatencyCounts {
		atomic.StoreUint64(&fetchLatencyCounts[i], 0)
	}
}

func TestHandleMetricsMethodNotAllowed(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/metrics", nil)
	rec := httptest.NewRecorder()

	handleMetrics(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
	}
}

func TestHandleMetricsOK(t *testing.T) {
	resetWorkerMetrics()
	atomic.StoreUint64(&workerJobsReceived, 4)
	atomic.StoreUint64(&workerJobsSkipped, 1)
	atomic.StoreUint64(&workerJobsSuccess, 2)
	atomic.StoreUint64(&workerJobsFailed, 1)
	observeFetchLatency(120 * time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	handleMetrics(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	body := rec.Body.String()
	for _, line := range []string{
		"bookscout_worker_up 1",
		"bookscout_worker_jobs_received_total 4",
		"bookscout_worker_jobs_skipped_total 1",
		"bookscout_worker_jobs_success_total 2",
		"bookscout_worker_jobs_failed_total 1",
		"# TYPE bookscout_worker_fetch_latency_seconds histogram",
		"bookscout_worker_fetch_latency_seconds_bucket",
		"bookscout_worker_fetch_latency_seconds_sum",
		"bookscout_worker_fetch_latency_seconds_count",
		"bookscout_worker_commit_errors_total",
		"bookscout_worker_commit_pending_total",
		"bookscout_worker_in_flight",
		"# TYPE bookscout_worker_commit_latency_seconds histogram",
		"bookscout_worker_commit_latency_seconds_bucket",
	} {
		if !strings.Contains(body, line) {
			t.Fatalf("expected metrics to contain %q", line)
		}
	}
}
