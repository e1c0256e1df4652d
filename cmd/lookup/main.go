package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"

	"bookscout/internal/lookup"
	"bookscout/internal/ol"
)

// fixedQuery is the one search this tool resolves. There are no flags,
// arguments, or environment knobs.
const fixedQuery = "clans of the alphane moon"

func main() {
	if err := run(context.Background(), http.DefaultClient, ol.SearchURL(fixedQuery), os.Stdout); err != nil {
		log.Fatal(err)
	}
}

// run fetches the search page once, extracts the first document's title,
// primary author, and ISBN-10, and writes them to out, one per line.
// The third line is blank when no 10-character ISBN exists.
func run(ctx context.Context, client *http.Client, searchURL string, out io.Writer) error {
	body, err := ol.FetchJSONWithClient(ctx, client, searchURL)
	if err != nil {
		return err
	}
	resp, err := ol.ParseSearchResponse(body)
	if err != nil {
		return err
	}
	summary, err := lookup.Extract(resp)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "%s\n%s\n%s\n", summary.Title, summary.Author, summary.ISBN10)
	return err
}
