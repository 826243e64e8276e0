// Package knowledge provides clients for the external web search and
// computational knowledge services used by the search and
// computationalQuery tools.
package knowledge

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// SearchResult is one web search hit.
type SearchResult struct {
	Title         string   `json:"title"`
	URL           string   `json:"url"`
	Highlights    []string `json:"highlights,omitempty"`
	PublishedDate string   `json:"publishedDate,omitempty"`
	Author        string   `json:"author,omitempty"`
	Summary       string   `json:"summary,omitempty"`
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// readStatusError drains at most 4 KiB of the body into a StatusError.
func readStatusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

const defaultTimeout = 30 * time.Second

func defaultHTTPClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: defaultTimeout}
}
