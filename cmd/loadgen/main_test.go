package main

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queries.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfigFile(t, `{"queries":["clans of the alphane moon","ubik"]}`)

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig error: %v", err)
	}
	if len(cfg.Queries) != 2 || cfg.Queries[0] != "clans of the alphane moon" || cfg.Queries[1] != "ubik" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestLoadConfigEmptyQueries(t *testing.T) {
	path := writeConfigFile(t, `{"queries":[]}`)

	_, err := loadConfig(path)
	if !errors.Is(err, errNoQueries) {
		t.Fatalf("expected errNoQueries, got %v", err)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "does-not-exist.json"))
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoadConfigMalformedJSON(t *testing.T) {
	path := writeConfigFile(t, `{"queries": [`)

	_, err := loadConfig(path)
	if err == nil {
		t.Fatal("expected error for malformed JSON, got nil")
	}
}

func TestRunSubmitsAllQueries(t *testing.T) {
	var mu sync.Mutex
	var received []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		if r.URL.Path != "/lookup" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		mu.Lock()
		received = append(received, r.URL.Query().Get("q"))
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	path := writeConfigFile(t, `{"queries":["clans of the alphane moon","ubik","valis"]}`)

	if err := run(path, server.URL, server.Client()); err != nil {
		t.Fatalf("run error: %v", err)
	}

	sort.Strings(received)
	want := []string{"clans of the alphane moon", "ubik", "valis"}
	if len(received) != len(want) {
		t.Fatalf("expected %d submissions, got %d", len(want), len(received))
	}
	for i := range want {
		if received[i] != want[i] {
			t.Fatalf("expected query %q, got %q", want[i], received[i])
		}
	}
}

func TestRunBadAPIBase(t *testing.T) {
	path := writeConfigFile(t, `{"queries":["ubik"]}`)

	if err := run(path, "http://\x7f", nil); err == nil {
		t.Fatal("expected URL parse error, got nil")
	}
}

// A rejecting API must not fail the generator; failures are logged per query.
func TestRunToleratesRejectedQueries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	path := writeConfigFile(t, `{"queries":["ubik"]}`)
	if err := run(path, server.URL, server.Client()); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}
