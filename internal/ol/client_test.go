package ol

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestSearchURL(t *testing.T) {
	got := SearchURL("clans of the alphane moon")
	want := "https://openlibrary.org/search.json?q=clans+of+the+alphane+moon"
	if got != want {
		t.Fatalf("SearchURL = %q, want %q", got, want)
	}
}

func TestSearchURLEscapesSpecials(t *testing.T) {
	got := SearchURL("tea & biscuits?")
	if strings.Contains(got, "&") && !strings.Contains(got, "%26") {
		t.Fatalf("expected escaped ampersand, got %q", got)
	}
	if !strings.HasPrefix(got, "https://openlibrary.org/search.json?q=") {
		t.Fatalf("unexpected prefix: %q", got)
	}
}

func TestFetchJSONWithClientSetsUserAgent(t *testing.T) {
	var gotUA string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"docs":[]}`))
	}))
	defer server.Close()

	client := &http.Client{Timeout: 10 * time.Second}
	body, err := FetchJSONWithClient(context.Background(), client, server.URL+"/search.json?q=test")
	if err != nil {
		t.Fatalf("FetchJSONWithClient error: %v", err)
	}
	if string(body) != `{"docs":[]}` {
		t.Fatalf("unexpected body: %s", body)
	}
	if gotUA != DefaultUserAgent {
		t.Fatalf("expected User-Agent %q, got %q", DefaultUserAgent, gotUA)
	}
}

func TestFetchJSONWithClientNon2xxIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := &http.Client{Timeout: 10 * time.Second}
	_, err := FetchJSONWithClient(context.Background(), client, server.URL+"/search.json?q=test")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "unexpected status 429") {
		t.Fatalf("unexpected error: %v", err)
	}
}
