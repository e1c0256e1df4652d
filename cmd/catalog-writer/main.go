package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/segmentio/kafka-go"

	"bookscout/common"
	"bookscout/internal/graph"
	"bookscout/internal/lookup"
	"bookscout/internal/models"
)

type catalogWriter struct {
	driver graph.DriverSessioner
}

var (
	// Counters for catalog-writer throughput and failures exposed on /metrics.
	// results/edges received: messages fetched from Kafka; failed: errors writing to Neo4j.
	catalogResultsReceived uint64
	catalogResultsFailed   uint64
	catalogEdgesReceived   uint64
	catalogEdgesFailed     uint64
	catalogResultsWritten  uint64
	catalogEdgesWritten    uint64
)

type neo4jDriver struct {
	driver neo4j.DriverWithContext
}

func (d *neo4jDriver) NewSession(ctx context.Context, config neo4j.SessionConfig) graph.SessionRunner {
	return d.driver.NewSession(ctx, config)
}

func (d *neo4jDriver) Close(ctx context.Context) error {
	return d.driver.Close(ctx)
}

func main() {
	broker := common.GetEnv("KAFKA_BROKER", "localhost:9092")
	resultsTopic := common.GetEnv("KAFKA_RESULTS_TOPIC", "bookscout.lookup.results")
	edgesTopic := common.GetEnv("KAFKA_EDGES_TOPIC", "bookscout.catalog.edges")
	resultsGroup := common.GetEnv("KAFKA_RESULTS_GROUP", "bookscout-catalog-results")
	edgesGroup := common.GetEnv("KAFKA_EDGES_GROUP", "bookscout-catalog-edges")
	metricsAddr := common.GetEnv("METRICS_ADDR", ":9091")

	neo4jURI := common.GetEnv("NEO4J_URI", "neo4j://localhost:7687")
	neo4jUser := common.GetEnv("NEO4J_USER", "neo4j")
	neo4jPassword := common.GetEnv("NEO4J_PASSWORD", "neo4j")

	driver, err := neo4j.NewDriverWithContext(neo4jURI, neo4j.BasicAuth(neo4jUser, neo4jPassword, ""))
	if err != nil {
		log.Fatalf("neo4j driver error: %v", err)
	}
	defer func() {
		if err := driver.Close(context.Background()); err != nil {
			log.Printf("neo4j close error: %v", err)
		}
	}()

	writer := &catalogWriter{driver: &neo4jDriver{driver: driver}}

	resultsReader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: []string{broker},
		Topic:   resultsTopic,
		GroupID: resultsGroup,
	})
	defer func() {
		if err := resultsReader.Close(); err != nil {
			log.Printf("results reader close error: %v", err)
		}
	}()

	edgesReader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: []string{broker},
		Topic:   edgesTopic,
		GroupID: edgesGroup,
	})
	defer func() {
		if err := edgesReader.Close(); err != nil {
			log.Printf("edges reader close error: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if metricsAddr != "" {
		startMetricsServer(ctx, metricsAddr)
	}

	go consumeResults(ctx, resultsReader, writer)
	go consumeEdges(ctx, edgesReader, writer)

	<-ctx.Done()
}

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
		"bookscout_catalog_writer_up 1\n"+
			"bookscout_catalog_writer_results_received_total %d\n"+
			"bookscout_catalog_writer_results_failed_total %d\n"+
			"bookscout_catalog_writer_edges_received_total %d\n"+
			"bookscout_catalog_writer_edges_failed_total %d\n"+
			"bookscout_catalog_writer_results_written_total %d\n"+
			"bookscout_catalog_writer_edges_written_total %d\n",
		atomic.LoadUint64(&catalogResultsReceived),
		atomic.LoadUint64(&catalogResultsFailed),
		atomic.LoadUint64(&catalogEdgesReceived),
		atomic.LoadUint64(&catalogEdgesFailed),
		atomic.LoadUint64(&catalogResultsWritten),
		atomic.LoadUint64(&catalogEdgesWritten),
	)
	_, _ = w.Write([]byte(body))
}

func consumeResults(ctx context.Context, reader lookup.MessageReader, writer *catalogWriter) {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("results fetch error: %v", err)
			time.Sleep(500 * time.Millisecond)
			continue
		}

		atomic.AddUint64(&catalogResultsReceived, 1)
		if err := writer.writeResult(ctx, msg.Value); err != nil {
			atomic.AddUint64(&catalogResultsFailed, 1)
			log.Printf("results write error: %v", err)
			continue
		}
		atomic.AddUint64(&catalogResultsWritten, 1)

		if err := reader.CommitMessages(ctx, msg); err != nil {
			log.Printf("results commit error: %v", err)
		}
	}
}

func consumeEdges(ctx context.Context, reader lookup.MessageReader, writer *catalogWriter) {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("edges fetch error: %v", err)
			time.Sleep(500 * time.Millisecond)
			continue
		}

		atomic.AddUint64(&catalogEdgesReceived, 1)
		if err := writer.writeEdge(ctx, msg.Value); err != nil {
			atomic.AddUint64(&catalogEdgesFailed, 1)
			log.Printf("edges write error: %v", err)
			continue
		}
		atomic.AddUint64(&catalogEdgesWritten, 1)

		if err := reader.CommitMessages(ctx, msg); err != nil {
			log.Printf("edges commit error: %v", err)
		}
	}
}

// writeResult projects a LookupResult into the catalog: an Author node for
// the primary author, plus a Book node when the summary carries a title.
func (w *catalogWriter) writeResult(ctx context.Context, payload []byte) error {
	var result models.LookupResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return err
	}
	if result.Summary.Author == "" {
		return nil
	}

	query, params := buildAuthorQuery(result.RequestID, result.Summary)
	if err := graph.Write(ctx, w.driver, query, params); err != nil {
		return err
	}

	if result.Summary.Title == "" {
		return nil
	}
	query, params = buildBookQuery(result.RequestID, result.Summary)
	return graph.Write(ctx, w.driver, query, params)
}

func (w *catalogWriter) writeEdge(ctx context.Context, payload []byte) error {
	var edge models.Edge
	if err := json.Unmarshal(payload, &edge); err != nil {
		return err
	}
	if edge.From == "" || edge.To == "" {
		return nil
	}

	query, params := buildEdgeQuery(edge)
	return graph.Write(ctx, w.driver, query, params)
}

func buildEdgeQuery(edge models.Edge) (string, map[string]any) {
	fromLabel, fromKey, fromProp := nodeLabel(edge.From)
	toLabel, toKey, toProp := nodeLabel(edge.To)
	rel := relationType(edge.Relation)

	query := fmt.Sprintf(
		"MERGE (from:%s {%s: $fromKey}) "+
			"MERGE (to:%s {%s: $toKey}) "+
			"MERGE (from)-[r:%s {request_id: $request_id}]->(to)",
		fromLabel, fromProp,
		toLabel, toProp,
		rel,
	)

	params := map[string]any{
		"fromKey":    fromKey,
		"toKey":      toKey,
		"request_id": edge.RequestID,
	}
	return query, params
}

func buildBookQuery(requestID string, summary models.BookSummary) (string, map[string]any) {
	query := "MERGE (b:Book {title: $title}) " +
		"SET b.request_id = $request_id, " +
		"b.isbn10 = coalesce($isbn10, b.isbn10), " +
		"b.author = coalesce($author, b.author)"
	var isbn10 any
	if summary.ISBN10 != "" {
		isbn10 = summary.ISBN10
	}
	var author any
	if summary.Author != "" {
		author = summary.Author
	}
	params := map[string]any{
		"title":      summary.Title,
		"isbn10":     isbn10,
		"author":     author,
		"request_id": requestID,
	}
	return query, params
}

func buildAuthorQuery(requestID string, summary models.BookSummary) (string, map[string]any) {
	query := "MERGE (a:Author {name: $name}) " +
		"SET a.request_id = $request_id"
	params := map[string]any{
		"name":       summary.Author,
		"request_id": requestID,
	}
	return query, params
}

func nodeLabel(key string) (label string, value string, property string) {
	switch {
	case strings.HasPrefix(key, "book:"):
		return "Book", strings.TrimPrefix(key, "book:"), "title"
	case strings.HasPrefix(key, "author:"):
		return "Author", strings.TrimPrefix(key, "author:"), "name"
	default:
		return "External", key, "key"
	}
}

func relationType(input string) string {
	switch input {
	case "wrote":
		return "WROTE"
	default:
		return strings.ToUpper(strings.ReplaceAll(input, "-", "_"))
	}
}
