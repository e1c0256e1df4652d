package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"

	"bookscout/common"
	"bookscout/internal/lookup"
	"bookscout/internal/models"
	"bookscout/internal/ol"
	"bookscout/internal/store"
)

type messageReader = lookup.MessageReader
type resultWriter = lookup.MessageWriter

type worker struct {
	reader         messageReader
	dedupe         store.Deduper
	statusStore    store.StatusStore
	resultsWriter  resultWriter
	edgesWriter    resultWriter
	dlqWriter      resultWriter
	searchBase     string // Open Library base URL; overridable for tests
	ttl            time.Duration
	retryMax       int
	retryBase      time.Duration
	retryMaxDelay  time.Duration
	client         *http.Client
	concurrentJobs int
	jobTimeout     time.Duration // per-job deadline so one stuck job can't hold a slot forever
	publishTimeout time.Duration // max time for Kafka publish phase so we never block commit path
	commitCh       chan<- kafka.Message
	sem            chan struct{}
	wg             *sync.WaitGroup
	robots         *ol.RobotsRules // nil = no check (e.g. robots fetch failed at startup)
}

// selectProxyFromPool hashes hostname to pick a stable entry from a
// comma-separated proxy list, so each replica keeps the same egress IP across
// restarts. Returns "" when the pool has no usable entries.
func selectProxyFromPool(pool, hostname string) string {
	parts := strings.Split(strings.TrimSpace(pool), ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	var valid []string
	for _, p := range parts {
		if p != "" {
			valid = append(valid, p)
		}
	}
	if len(valid) == 0 {
		return ""
	}
	if hostname == "" {
		hostname = "0"
	}
	h := fnv.New32a()
	h.Write([]byte(hostname))
	idx := int(h.Sum32()) % len(valid)
	if idx < 0 {
		idx = -idx
	}
	return valid[idx]
}

// metricsProxyURL records which proxy this worker selected, for the /metrics label.
var metricsProxyURL string

// Every Open Library request must give up its semaphore slot eventually, so
// connect, first-header, and whole-request deadlines are all bounded.
const (
	openLibraryConnectTimeout  = 10 * time.Second
	openLibraryResponseTimeout = 25 * time.Second // until first response header
	openLibraryTotalTimeout    = 30 * time.Second // connect + headers + body
)

// buildHTTPClient assembles the client used for search fetches. PROXY_URL
// forces a single proxy; otherwise PROXY_POOL spreads replicas across several
// egress IPs, keyed by HOSTNAME (the pod name under Kubernetes).
func buildHTTPClient() *http.Client {
	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: openLibraryConnectTimeout}).DialContext,
		ResponseHeaderTimeout: openLibraryResponseTimeout,
	}
	proxyURL := common.GetEnv("PROXY_URL", "")
	pool := common.GetEnv("PROXY_POOL", "")
	if proxyURL == "" && pool != "" {
		hostname := os.Getenv("HOSTNAME")
		proxyURL = selectProxyFromPool(pool, hostname)
		if proxyURL != "" {
			log.Printf("worker proxy from pool: hostname=%s proxy=%s", hostname, proxyURL)
		}
	}
	metricsProxyURL = proxyURL
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			log.Printf("invalid PROXY_URL/PROXY_POOL: %v", err)
		} else {
			transport.Proxy = http.ProxyURL(u)
		}
	}
	return &http.Client{
		Transport: transport,
		Timeout:   openLibraryTotalTimeout,
	}
}

func newWorker(
	reader messageReader,
	dedupe store.Deduper,
	statusStore store.StatusStore,
	resultsWriter resultWriter,
	edgesWriter resultWriter,
	dlqWriter resultWriter,
	searchBase string,
	ttl time.Duration,
	retryMax int,
	retryBase time.Duration,
	retryMaxDelay time.Duration,
	client *http.Client,
	concurrentJobs int,
	jobTimeout time.Duration,
	publishTimeout time.Duration,
	commitCh chan<- kafka.Message,
	wg *sync.WaitGroup,
	robots *ol.RobotsRules,
) *worker {
	if searchBase == "" {
		searchBase = ol.DefaultBaseURL
	}
	if concurrentJobs < 1 {
		concurrentJobs = 1
	}
	if jobTimeout <= 0 {
		jobTimeout = 5 * time.Minute
	}
	if publishTimeout <= 0 {
		publishTimeout = 90 * time.Second
	}
	// The publish phase runs inside the job context, so its timeout must be shorter
	if publishTimeout >= jobTimeout {
		publishTimeout = jobTimeout - time.Minute
		if publishTimeout < 30*time.Second {
			publishTimeout = 30 * time.Second
		}
	}
	sem := make(chan struct{}, concurrentJobs)
	return &worker{
		reader:         reader,
		dedupe:         dedupe,
		statusStore:    statusStore,
		resultsWriter:  resultsWriter,
		edgesWriter:    edgesWriter,
		dlqWriter:      dlqWriter,
		searchBase:     strings.TrimRight(searchBase, "/"),
		ttl:            ttl,
		retryMax:       retryMax,
		retryBase:      retryBase,
		retryMaxDelay:  retryMaxDelay,
		client:         client,
		concurrentJobs: concurrentJobs,
		jobTimeout:     jobTimeout,
		publishTimeout: publishTimeout,
		commitCh:       commitCh,
		sem:            sem,
		wg:             wg,
		robots:         robots,
	}
}

func main() {
	broker := common.GetEnv("KAFKA_BROKER", "localhost:9092")
	requestsTopic := common.GetEnv("KAFKA_TOPIC", "bookscout.lookup.requests")
	groupID := common.GetEnv("KAFKA_GROUP_ID", "bookscout-worker")
	redisAddr := common.GetEnv("REDIS_ADDR", "localhost:6379")
	dedupeTTL := common.ParseDuration(common.GetEnv("DEDUPE_TTL", "24h"), 24*time.Hour)
	resultsTopic := common.GetEnv("KAFKA_RESULTS_TOPIC", "bookscout.lookup.results")
	edgesTopic := common.GetEnv("KAFKA_EDGES_TOPIC", "bookscout.catalog.edges")
	dlqTopic := common.GetEnv("KAFKA_DLQ_TOPIC", "bookscout.lookup.dlq")
	searchBase := common.GetEnv("OPENLIBRARY_BASE_URL", ol.DefaultBaseURL)
	retryMax := common.ParseInt(common.GetEnv("RETRY_MAX", "3"), 3)
	retryBase := common.ParseDuration(common.GetEnv("RETRY_BASE_DELAY", "200ms"), 200*time.Millisecond)
	retryMaxDelay := common.ParseDuration(common.GetEnv("RETRY_MAX_DELAY", "2s"), 2*time.Second)
	concurrentJobs := common.ParseInt(common.GetEnv("CONCURRENT_JOBS", "5"), 5)
	jobTimeout := common.ParseDuration(common.GetEnv("JOB_TIMEOUT", "5m"), 5*time.Minute)
	publishTimeout := common.ParseDuration(common.GetEnv("PUBLISH_TIMEOUT", "90s"), 90*time.Second)
	metricsAddr := common.GetEnv("METRICS_ADDR", ":9090")

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: []string{broker},
		Topic:   requestsTopic,
		GroupID: groupID,
	})
	defer func() {
		if err := reader.Close(); err != nil {
			log.Printf("failed to close reader: %v", err)
		}
	}()

	dedupe := store.NewRedisDeduper(redisAddr)
	defer func() {
		if err := dedupe.Close(); err != nil {
			log.Printf("failed to close deduper: %v", err)
		}
	}()

	statusStore := store.NewRedisStatusStore(redisAddr, "lookup:status:", 24*time.Hour)
	defer func() {
		if err := statusStore.Close(); err != nil {
			log.Printf("failed to close status store: %v", err)
		}
	}()

	resultsWriter := &kafka.Writer{
		Addr:                   kafka.TCP(broker),
		Topic:                  resultsTopic,
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: false,
	}
	defer func() {
		if err := resultsWriter.Close(); err != nil {
			log.Printf("failed to close results writer: %v", err)
		}
	}()

	edgesWriter := &kafka.Writer{
		Addr:                   kafka.TCP(broker),
		Topic:                  edgesTopic,
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: false,
	}
	defer func() {
		if err := edgesWriter.Close(); err != nil {
			log.Printf("failed to close edges writer: %v", err)
		}
	}()

	dlqWriter := &kafka.Writer{
		Addr:                   kafka.TCP(broker),
		Topic:                  dlqTopic,
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: false,
	}
	defer func() {
		if err := dlqWriter.Close(); err != nil {
			log.Printf("failed to close dlq writer: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if metricsAddr != "" {
		startMetricsServer(ctx, metricsAddr)
	}

	commitCh := make(chan kafka.Message, concurrentJobs*2)
	coordinator := newCommitCoordinator(reader, commitCh)
	var coordWg sync.WaitGroup
	coordWg.Add(1)
	go coordinator.run(ctx, &coordWg)

	var wg sync.WaitGroup
	httpClient := buildHTTPClient()
	var robots *ol.RobotsRules
	if common.ParseBool(common.GetEnv("RESPECT_ROBOTS_TXT", ""), false) {
		robotsCtx, robotsCancel := context.WithTimeout(ctx, 15*time.Second)
		robotsBody, err := ol.FetchRobots(robotsCtx, httpClient, searchBase)
		robotsCancel()
		if err != nil {
			log.Printf("robots.txt fetch failed (will allow all paths): %v", err)
		} else {
			robots = ol.ParseRobots(robotsBody, ol.DefaultUserAgent)
			log.Printf("loaded robots.txt (paths disallowed by * will be refused)")
		}
	}
	log.Printf("worker consuming topic=%s group=%s broker=%s concurrent_jobs=%d", requestsTopic, groupID, broker, concurrentJobs)
	w := newWorker(
		reader,
		dedupe,
		statusStore,
		resultsWriter,
		edgesWriter,
		dlqWriter,
		searchBase,
		dedupeTTL,
		retryMax,
		retryBase,
		retryMaxDelay,
		httpClient,
		concurrentJobs,
		jobTimeout,
		publishTimeout,
		commitCh,
		&wg,
		robots,
	)
	w.run(ctx)
	wg.Wait()
	close(commitCh)
	coordWg.Wait()
}

// run is the fetch loop: pulls one message at a time from the requests topic
// and hands it to dispatchMessage until the context ends.
func (w *worker) run(ctx context.Context) {
	for {
		msg, err := w.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("fetch error: %v", err)
			time.Sleep(500 * time.Millisecond)
			continue
		}

		if err := w.dispatchMessage(ctx, msg); err != nil {
			log.Printf("message dispatch error: %v", err)
		}
	}
}

// dispatchMessage decodes and dedupes inline, then hands the job to a
// goroutine once a semaphore slot frees up. Undecodable and duplicate messages
// commit immediately.
func (w *worker) dispatchMessage(ctx context.Context, msg kafka.Message) error {
	var job models.LookupJob
	if err := json.Unmarshal(msg.Value, &job); err != nil {
		log.Printf("invalid job payload: %v", err)
		w.commitCh <- msg
		return nil
	}

	atomic.AddUint64(&workerJobsReceived, 1)
	dedupeKey := dedupeKeyForJob(job)
	ok, err := w.dedupe.SetNX(ctx, dedupeKey, "1", w.ttl)
	if err != nil {
		return err
	}
	if !ok {
		atomic.AddUint64(&workerJobsSkipped, 1)
		log.Printf("duplicate job skipped key=%s", dedupeKey)
		w.commitCh <- msg
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case w.sem <- struct{}{}:
	}
	atomic.AddInt64(&workerInFlight, 1)
	w.wg.Add(1)
	go w.processJobAsync(ctx, msg, job)
	return nil
}

// processJobAsync runs the fetch, extraction, and publish phases for one job.
// Whatever happens, the deferred block frees the semaphore slot and signals
// the commit coordinator, so a broken job never wedges its partition.
func (w *worker) processJobAsync(ctx context.Context, msg kafka.Message, job models.LookupJob) {
	defer func() {
		atomic.AddInt64(&workerInFlight, -1)
		<-w.sem
		w.wg.Done()
		w.commitCh <- msg
	}()

	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	log.Printf("received job request=%s query=%q partition=%d offset=%d", job.RequestID, job.Query, msg.Partition, msg.Offset)
	summary, err := w.handleJobWithRetry(jobCtx, job)
	if err != nil {
		atomic.AddUint64(&workerJobsFailed, 1)
		log.Printf("job handler error: %v", err)
	}

	// Publishing gets its own shorter deadline: a slow Kafka write must not hold the commit signal.
	publishCtx, publishCancel := context.WithTimeout(jobCtx, w.publishTimeout)
	defer publishCancel()
	log.Printf("publish start partition=%d offset=%d", msg.Partition, msg.Offset)

	if err != nil {
		if dlqErr := w.publishDLQ(publishCtx, job, err); dlqErr != nil {
			log.Printf("dlq publish error: %v", dlqErr)
		}
		if statusErr := w.markFailed(publishCtx, job, err); statusErr != nil {
			log.Printf("status update error: %v", statusErr)
		}
		return
	}
	atomic.AddUint64(&workerJobsSuccess, 1)
	if err := w.markDone(publishCtx, job, summary); err != nil {
		log.Printf("status update error: %v", err)
	}
	if publishCtx.Err() != nil {
		log.Printf("publish timeout partition=%d offset=%d (advancing to avoid stuck partition)", msg.Partition, msg.Offset)
		return
	}
	if err := w.publishResult(publishCtx, job, summary); err != nil {
		log.Printf("publish result error: %v", err)
	}
	if publishCtx.Err() != nil {
		log.Printf("publish timeout partition=%d offset=%d (advancing to avoid stuck partition)", msg.Partition, msg.Offset)
		return
	}
	if err := w.publishEdge(publishCtx, job, summary); err != nil {
		log.Printf("publish edge error: %v", err)
	}
	log.Printf("publish done partition=%d offset=%d", msg.Partition, msg.Offset)
}

// searchURL builds the search URL against the configured base.
func (w *worker) searchURL(query string) string {
	return w.searchBase + "/search.json?q=" + url.QueryEscape(query)
}

// handleJob performs one fetch+extract pass for a job.
func (w *worker) handleJob(ctx context.Context, job models.LookupJob) (models.BookSummary, error) {
	searchURL := w.searchURL(job.Query)
	path := ol.PathFromURL(searchURL)
	if w.robots != nil && !w.robots.Allowed(path) {
		return models.BookSummary{}, fmt.Errorf("robots.txt disallows path %s", path)
	}
	body, err := fetchJSONWithMetrics(ctx, w.client, searchURL)
	if err != nil {
		return models.BookSummary{}, err
	}
	resp, err := ol.ParseSearchResponse(body)
	if err != nil {
		return models.BookSummary{}, err
	}
	return lookup.Extract(resp)
}

// handleJobWithRetry retries transient fetch failures with exponential backoff.
// Extraction errors (no documents, no authors) are terminal: the response was
// well-formed and a retry would return the same answer.
func (w *worker) handleJobWithRetry(ctx context.Context, job models.LookupJob) (models.BookSummary, error) {
	if w.retryMax <= 0 {
		return w.handleJob(ctx, job)
	}
	delay := w.retryBase
	attempts := 0
	for {
		summary, err := w.handleJob(ctx, job)
		if err == nil {
			return summary, nil
		}
		if errors.Is(err, lookup.ErrNoResults) || errors.Is(err, lookup.ErrNoAuthors) {
			return models.BookSummary{}, err
		}
		attempts++
		if attempts > w.retryMax {
			return models.BookSummary{}, err
		}
		if delay > 0 {
			if w.retryMaxDelay > 0 && delay > w.retryMaxDelay {
				delay = w.retryMaxDelay
			}
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return models.BookSummary{}, ctx.Err()
			case <-timer.C:
			}
			delay *= 2
		}
	}
}

func (w *worker) publishResult(ctx context.Context, job models.LookupJob, summary models.BookSummary) error {
	if w.resultsWriter == nil {
		return nil
	}

	payload, err := json.Marshal(models.LookupResult{
		RequestID:  job.RequestID,
		Query:      job.Query,
		Summary:    summary,
		ResolvedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Key:   []byte(job.RequestID),
		Value: payload,
		Time:  time.Now().UTC(),
	}
	return w.resultsWriter.WriteMessages(ctx, msg)
}

// publishEdge emits an authorship edge for the catalog projection. Summaries
// without a title have no book node to hang the edge on and are skipped.
func (w *worker) publishEdge(ctx context.Context, job models.LookupJob, summary models.BookSummary) error {
	if w.edgesWriter == nil || summary.Title == "" {
		return nil
	}
	edge := models.Edge{
		RequestID: job.RequestID,
		From:      "author:" + summary.Author,
		To:        "book:" + summary.Title,
		Relation:  "wrote",
	}
	payload, err := json.Marshal(edge)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(job.RequestID),
		Value: payload,
		Time:  time.Now().UTC(),
	}
	return w.edgesWriter.WriteMessages(ctx, msg)
}

func (w *worker) publishDLQ(ctx context.Context, job models.LookupJob, jobErr error) error {
	if w.dlqWriter == nil {
		return nil
	}
	payload, err := json.Marshal(models.LookupFailure{
		RequestID: job.RequestID,
		Query:     job.Query,
		Error:     jobErr.Error(),
		FailedAt:  time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(job.RequestID),
		Value: payload,
		Time:  time.Now().UTC(),
	}
	return w.dlqWriter.WriteMessages(ctx, msg)
}

func (w *worker) markDone(ctx context.Context, job models.LookupJob, summary models.BookSummary) error {
	if w.statusStore == nil {
		return nil
	}
	return w.statusStore.SetStatus(ctx, models.LookupStatus{
		RequestID:  job.RequestID,
		Query:      job.Query,
		Status:     models.StatusDone,
		Summary:    &summary,
		CreatedAt:  job.CreatedAt,
		ResolvedAt: time.Now().UTC(),
	})
}

func (w *worker) markFailed(ctx context.Context, job models.LookupJob, jobErr error) error {
	if w.statusStore == nil {
		return nil
	}
	return w.statusStore.SetStatus(ctx, models.LookupStatus{
		RequestID:  job.RequestID,
		Query:      job.Query,
		Status:     models.StatusFailed,
		Error:      jobErr.Error(),
		CreatedAt:  job.CreatedAt,
		ResolvedAt: time.Now().UTC(),
	})
}

// normalizeQuery collapses whitespace and lowercases so "Clans  of..." and
// "clans of..." share one dedupe slot.
func normalizeQuery(query string) string {
	return strings.ToLower(strings.Join(strings.Fields(query), " "))
}

func dedupeKeyForJob(job models.LookupJob) string {
	return "resolved:query:" + normalizeQuery(job.Query)
}
