package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"
)

// Config holds the queries to submit to the API.
type Config struct {
	Queries []string `json:"queries"`
}

func main() {
	configPath := flag.String("config", "queries.json", "Path to JSON config file with queries")
	apiBase := flag.String("api", "http://localhost:30080", "API base URL (nodePort when hitting Kind from host; e.g. http://localhost:30080)")
	flag.Parse()

	if err := run(*configPath, *apiBase, nil); err != nil {
		log.Fatal(err)
	}
}

// run submits every configured query to the API concurrently. A nil client
// gets a default with a 30s timeout.
func run(configPath, apiBase string, client *http.Client) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	baseURL, err := url.Parse(apiBase)
	if err != nil {
		return err
	}

	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	var wg sync.WaitGroup
	for i, query := range cfg.Queries {
		wg.Add(1)
		go func(idx int, q string) {
			defer wg.Done()
			submitQuery(client, baseURL, idx, q)
		}(i, query)
	}
	wg.Wait()
	log.Printf("submitted %d queries", len(cfg.Queries))
	return nil
}

// loadConfig parses the queries file and rejects an empty list.
func loadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	if len(cfg.Queries) == 0 {
		return cfg, errNoQueries
	}
	return cfg, nil
}

var errNoQueries = fmt.Errorf("config has no queries")

func submitQuery(client *http.Client, base *url.URL, idx int, query string) {
	u := *base
	u.Path = "/lookup"
	u.RawQuery = url.Values{"q": {query}}.Encode()

	resp, err := client.Post(u.String(), "", nil)
	if err != nil {
		log.Printf("[%d] query=%q err=%v", idx, query, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		log.Printf("[%d] query=%q status=%d", idx, query, resp.StatusCode)
		return
	}
	log.Printf("[%d] query=%q accepted", idx, query)
}
