package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"bookscout/common"
	"bookscout/internal/kafka"
	"bookscout/internal/models"
	"bookscout/internal/store"
)

type server struct {
	prod  kafka.JobProducer
	store store.StatusStore
}

func newServer(prod kafka.JobProducer, store store.StatusStore) *server {
	return &server{
		prod:  prod,
		store: store,
	}
}

func main() {
	broker := common.GetEnv("KAFKA_BROKER", "localhost:9092")
	topic := common.GetEnv("KAFKA_TOPIC", "bookscout.lookup.requests")
	redisAddr := common.GetEnv("REDIS_ADDR", "localhost:6379")

	prod := kafka.NewProducer(broker, topic)
	defer func() {
		if err := prod.Close(); err != nil {
			log.Printf("failed to close producer: %v", err)
		}
	}()

	statusStore := store.NewRedisStatusStore(redisAddr, "lookup:status:", 24*time.Hour)
	defer func() {
		if err := statusStore.Close(); err != nil {
			log.Printf("failed to close status store: %v", err)
		}
	}()

	srv := newServer(prod, statusStore)

	mux := http.NewServeMux()
	mux.HandleFunc("/lookup", srv.handleLookup)
	mux.HandleFunc("/lookup/", srv.handleLookupStatus)
	mux.HandleFunc("/metrics", srv.handleMetrics)

	addr := ":8080"
	log.Printf("api listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatal(err)
	}
}

// handleLookup accepts POST requests to enqueue a lookup job.
//
// Method: POST
// Path:   /lookup?q=...
// Example:
//
//	curl -X POST "http://localhost:8080/lookup?q=clans+of+the+alphane+moon"
func (s *server) handleLookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		http.Error(w, "missing q", http.StatusBadRequest)
		return
	}

	id := newRequestID()
	createdAt := time.Now().UTC()
	status := models.LookupStatus{
		RequestID: id,
		Query:     query,
		Status:    models.StatusQueued,
		CreatedAt: createdAt,
	}

	job := models.LookupJob{
		RequestID: id,
		Query:     query,
		CreatedAt: createdAt,
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.prod.WriteJob(ctx, job); err != nil {
		http.Error(w, "failed to enqueue job", http.StatusBadGateway)
		return
	}

	if err := s.store.SetStatus(ctx, status); err != nil {
		http.Error(w, "failed to persist status", http.StatusBadGateway)
		return
	}

	writeJSON(w, status, http.StatusAccepted)
}

// handleLookupStatus returns status for a previously created lookup request,
// including the resolved book summary once the worker is done.
//
// Method: GET
// Path:   /lookup/{requestID}
// Example:
//
//	curl "http://localhost:8080/lookup/20260830120000"
func (s *server) handleLookupStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	requestID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/lookup/"), "/")
	if requestID == "" {
		http.Error(w, "missing request id", http.StatusBadRequest)
		return
	}

	status, ok, err := s.store.GetStatus(r.Context(), requestID)
	if err != nil {
		http.Error(w, "failed to load status", http.StatusBadGateway)
		return
	}
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	writeJSON(w, status, http.StatusOK)
}

// handleMetrics serves a liveness metric in Prometheus exposition format.
//
// Method: GET
// Path:   /metrics
func (s *server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("bookscout_api_up 1\n"))
}

func writeJSON(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

func newRequestID() string {
	return strings.ReplaceAll(time.Now().UTC().Format("20060102150405.000000000"), ".", "")
}
