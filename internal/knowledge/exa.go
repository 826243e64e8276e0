package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ashureev/stockchat/internal/errs"
)

const exaNumResults = 5

// ErrMissingAPIKey is returned when a client is used without credentials.
var ErrMissingAPIKey = errors.New("api key not configured")

// Exa searches the web through the Exa search API.
type Exa struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewExa creates a search client. A nil httpClient uses a client with a
// 30 second timeout.
func NewExa(httpClient *http.Client, baseURL, apiKey string) *Exa {
	return &Exa{
		httpClient: defaultHTTPClient(httpClient),
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
	}
}

type exaRequest struct {
	Query      string      `json:"query"`
	Type       string      `json:"type"`
	NumResults int         `json:"numResults"`
	Contents   exaContents `json:"contents"`
}

type exaContents struct {
	Highlights bool `json:"highlights"`
	Summary    bool `json:"summary"`
}

type exaResponse struct {
	Results []struct {
		Title         string   `json:"title"`
		URL           string   `json:"url"`
		Highlights    []string `json:"highlights"`
		PublishedDate string   `json:"publishedDate"`
		Author        string   `json:"author"`
		Summary       string   `json:"summary"`
	} `json:"results"`
}

// Search returns up to five results with highlights and a summary. All
// failures are *errs.ProviderError values.
func (e *Exa) Search(ctx context.Context, query string) ([]SearchResult, error) {
	if e.apiKey == "" {
		return nil, errs.Provider("exa", "search", ErrMissingAPIKey)
	}

	body, err := json.Marshal(exaRequest{
		Query:      query,
		Type:       "auto",
		NumResults: exaNumResults,
		Contents:   exaContents{Highlights: true, Summary: true},
	})
	if err != nil {
		return nil, errs.Provider("exa", "search", fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, errs.Provider("exa", "search", fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-api-key", e.apiKey)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, errs.Provider("exa", "search", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errs.Provider("exa", "search", readStatusError(resp))
	}

	var wire exaResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, errs.Provider("exa", "search", fmt.Errorf("decode response: %w", err))
	}

	results := make([]SearchResult, 0, len(wire.Results))
	for _, r := range wire.Results {
		results = append(results, SearchResult{
			Title:         r.Title,
			URL:           r.URL,
			Highlights:    r.Highlights,
			PublishedDate: r.PublishedDate,
			Author:        r.Author,
			Summary:       r.Summary,
		})
	}
	return results, nil
}
