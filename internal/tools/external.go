package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ashureev/stockchat/internal/domain"
	"github.com/ashureev/stockchat/internal/errs"
	"github.com/ashureev/stockchat/internal/knowledge"
)

// Searcher runs a web search.
type Searcher interface {
	Search(ctx context.Context, query string) ([]knowledge.SearchResult, error)
}

// Computer answers a computational knowledge query with text.
type Computer interface {
	Query(ctx context.Context, query string) (string, error)
}

type queryInput struct {
	Query string `json:"query"`
}

func querySchema(desc string) Schema {
	return Schema{{Name: "query", Type: TypeString, Description: desc}}
}

// search looks up recent information on the web.
type search struct{ searcher Searcher }

func (search) Name() string { return "search" }
func (search) Description() string {
	return "Search the web for information related to stocks or financial news, with highlights and summaries."
}
func (search) Schema() Schema { return querySchema("The search query.") }

func (t search) generate(ctx context.Context, args json.RawMessage, emit func(domain.Renderable)) outcome {
	in, err := decodeArgs[queryInput](t.Name(), args)
	if err != nil {
		return failed(err, domain.Renderable{}, validationNote(err))
	}
	emit(domain.Notice("Loading search results..."))

	if t.searcher == nil {
		return t.fail(errs.Provider("search", "search", fmt.Errorf("no search provider configured")))
	}
	results, err := t.searcher.Search(ctx, in.Query)
	if err != nil {
		return t.fail(errs.Provider("search", "search", err))
	}
	if results == nil {
		results = []knowledge.SearchResult{}
	}
	return resolved(results, domain.Renderable{Kind: domain.RenderSearchResults, ToolName: t.Name(), Data: results})
}

func (t search) fail(err error) outcome {
	return failed(err,
		domain.Notice("Error searching. Please try again."),
		fmt.Sprintf("[Search failed: %v]", err))
}

func (t search) Render(result json.RawMessage) []domain.Renderable {
	results, ok := decodeResult[[]knowledge.SearchResult](result)
	if !ok {
		return nil
	}
	return []domain.Renderable{{Kind: domain.RenderSearchResults, ToolName: t.Name(), Data: results}}
}

// computationalQuery answers calculations and factual questions.
type computationalQuery struct{ computer Computer }

func (computationalQuery) Name() string { return "computationalQuery" }
func (computationalQuery) Description() string {
	return "Query a computational knowledge engine to perform complex calculations or get factual information."
}
func (computationalQuery) Schema() Schema {
	return querySchema("The calculation or factual question, in natural language.")
}

func (t computationalQuery) generate(ctx context.Context, args json.RawMessage, emit func(domain.Renderable)) outcome {
	in, err := decodeArgs[queryInput](t.Name(), args)
	if err != nil {
		return failed(err, domain.Renderable{}, validationNote(err))
	}
	emit(domain.Notice("Querying computational knowledge..."))

	if t.computer == nil {
		return t.fail(errs.Provider("compute", "query", fmt.Errorf("no computational provider configured")))
	}
	answer, err := t.computer.Query(ctx, in.Query)
	if err != nil {
		return t.fail(errs.Provider("compute", "query", err))
	}
	return resolved(answer, domain.Renderable{Kind: domain.RenderComputation, ToolName: t.Name(), Text: answer})
}

func (t computationalQuery) fail(err error) outcome {
	return failed(err,
		domain.Notice("Error querying computational knowledge. Please try again."),
		fmt.Sprintf("[Computational query failed: %v]", err))
}

func (t computationalQuery) Render(result json.RawMessage) []domain.Renderable {
	answer, ok := decodeResult[string](result)
	if !ok {
		return nil
	}
	return []domain.Renderable{{Kind: domain.RenderComputation, ToolName: t.Name(), Text: answer}}
}
