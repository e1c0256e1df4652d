package ol

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// DefaultUserAgent identifies this service to Open Library. A contact URL in
// the agent string is what their API guidelines ask crawlers to provide.
const DefaultUserAgent = "BookScout/1.0 (+https://github.com/bookscout)"

// RobotsRules is the set of disallowed path prefixes that apply to our
// user-agent. Matching is prefix-based, so "Disallow: /search" also covers
// /search.json and /search/authors.
type RobotsRules struct {
	disallowPrefixes []string
}

// Allowed reports whether a URL path may be fetched. A nil receiver or an
// empty rule set permits everything, which is also the fallback when the
// robots.txt fetch fails at startup.
func (r *RobotsRules) Allowed(path string) bool {
	if r == nil {
		return true
	}
	path = normalizePath(path)
	for _, prefix := range r.disallowPrefixes {
		if strings.HasPrefix(path, prefix) {
			return false
		}
	}
	return true
}

func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if p[0] != '/' {
		return "/" + p
	}
	return p
}

// FetchRobots retrieves robots.txt from the host in baseURL. Fetching
// /robots.txt itself is exempt from robots rules by convention.
func FetchRobots(ctx context.Context, client *http.Client, baseURL string) ([]byte, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	u.Path = "/robots.txt"
	u.RawQuery = ""

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", DefaultUserAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("robots.txt fetch failed with status %d for %s", resp.StatusCode, u.String())
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
}

// ParseRobots extracts the Disallow prefixes that apply to userAgent, taking
// rules from any "User-agent: *" block and any block naming the agent
// explicitly. Unknown directives (Allow, Crawl-delay, Sitemap) are ignored.
func ParseRobots(body []byte, userAgent string) *RobotsRules {
	rules := &RobotsRules{}
	scanner := bufio.NewScanner(bytes.NewReader(body))
	applies := false
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		switch key {
		case "user-agent":
			applies = value == "*" || strings.EqualFold(value, userAgent)
		case "disallow":
			if applies && value != "" {
				rules.disallowPrefixes = append(rules.disallowPrefixes, normalizePath(value))
			}
		}
	}
	return rules
}

// PathFromURL extracts the path component for robots matching. Unparseable
// URLs map to "/" so a malformed URL fails closed against a "Disallow: /".
func PathFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "/"
	}
	return normalizePath(u.Path)
}
