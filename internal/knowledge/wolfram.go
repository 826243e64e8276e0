package knowledge

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ashureev/stockchat/internal/errs"
)

// maxAnswerBytes bounds the text read from the computational API.
const maxAnswerBytes = 64 << 10

// Wolfram answers computational queries through the Wolfram|Alpha LLM API,
// which returns plain text.
type Wolfram struct {
	httpClient *http.Client
	endpoint   string
	appID      string
}

// NewWolfram creates a computational knowledge client. endpoint is the
// full LLM API URL.
func NewWolfram(httpClient *http.Client, endpoint, appID string) *Wolfram {
	return &Wolfram{
		httpClient: defaultHTTPClient(httpClient),
		endpoint:   endpoint,
		appID:      appID,
	}
}

// Query returns the text answer for query. All failures are
// *errs.ProviderError values.
func (w *Wolfram) Query(ctx context.Context, query string) (string, error) {
	if w.appID == "" {
		return "", errs.Provider("wolfram", "query", ErrMissingAPIKey)
	}

	u, err := url.Parse(w.endpoint)
	if err != nil {
		return "", errs.Provider("wolfram", "query", fmt.Errorf("parse endpoint: %w", err))
	}
	q := u.Query()
	q.Set("input", query)
	q.Set("appid", w.appID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", errs.Provider("wolfram", "query", fmt.Errorf("create request: %w", err))
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", errs.Provider("wolfram", "query", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errs.Provider("wolfram", "query", readStatusError(resp))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAnswerBytes))
	if err != nil {
		return "", errs.Provider("wolfram", "query", fmt.Errorf("read response: %w", err))
	}
	return strings.TrimSpace(string(body)), nil
}
