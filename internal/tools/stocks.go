package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ashureev/stockchat/internal/domain"
	"github.com/ashureev/stockchat/internal/errs"
)

// Stock is a quoted ticker.
type Stock struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	Delta  float64 `json:"delta"`
}

// StockEvent is a dated headline about market activity.
type StockEvent struct {
	Date        string `json:"date"`
	Headline    string `json:"headline"`
	Description string `json:"description"`
}

// Purchase is the payload of the purchase tool.
type Purchase struct {
	Symbol   string  `json:"symbol"`
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
	Status   string  `json:"status,omitempty"`
}

const (
	// DefaultQuantity is used when the model omits a purchase quantity.
	DefaultQuantity = 100
	// MaxQuantity is the largest purchase the UI accepts.
	MaxQuantity = 1000

	purchaseExpired        = "expired"
	purchaseRequiresAction = "requires_action"
	invalidAmountNote      = "[User has selected an invalid amount]"
)

// ValidQuantity reports whether q is in (0, MaxQuantity].
func ValidQuantity(q float64) bool { return q > 0 && q <= MaxQuantity }

var stockFields = Schema{
	{Name: "symbol", Type: TypeString, Description: "The symbol of the stock"},
	{Name: "price", Type: TypeNumber, Description: "The price of the stock"},
	{Name: "delta", Type: TypeNumber, Description: "The change in price of the stock"},
}

func pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func decodeArgs[T any](tool string, args json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(args, &v); err != nil {
		return v, errs.Validation(tool, "", "%v", err)
	}
	return v, nil
}

func decodeResult[T any](result json.RawMessage) (T, bool) {
	var v T
	if err := json.Unmarshal(result, &v); err != nil {
		return v, false
	}
	return v, true
}

// listStocks shows trending tickers.
type listStocks struct{ delay time.Duration }

func (listStocks) Name() string        { return "listStocks" }
func (listStocks) Description() string { return "List three imaginary stocks that are trending." }
func (listStocks) Schema() Schema {
	return Schema{{Name: "stocks", Type: TypeArray, Items: stockFields}}
}

func (t listStocks) generate(ctx context.Context, args json.RawMessage, emit func(domain.Renderable)) outcome {
	in, err := decodeArgs[struct {
		Stocks []Stock `json:"stocks"`
	}](t.Name(), args)
	if err != nil {
		return failed(err, domain.Renderable{}, validationNote(err))
	}
	emit(domain.Renderable{Kind: domain.RenderStocksSkeleton, ToolName: t.Name()})
	pause(ctx, t.delay)
	return resolved(in.Stocks, domain.Renderable{Kind: domain.RenderStocks, ToolName: t.Name(), Data: in.Stocks})
}

func (t listStocks) Render(result json.RawMessage) []domain.Renderable {
	stocks, ok := decodeResult[[]Stock](result)
	if !ok {
		return nil
	}
	return []domain.Renderable{{Kind: domain.RenderStocks, ToolName: t.Name(), Data: stocks}}
}

// showStockPrice shows one quote.
type showStockPrice struct{ delay time.Duration }

func (showStockPrice) Name() string { return "showStockPrice" }
func (showStockPrice) Description() string {
	return "Get the current stock price of a given stock or currency. Use this to show the price to the user."
}
func (showStockPrice) Schema() Schema {
	return Schema{
		{Name: "symbol", Type: TypeString, Description: "The name or symbol of the stock or currency. e.g. DOGE/AAPL/USD."},
		{Name: "price", Type: TypeNumber, Description: "The price of the stock."},
		{Name: "delta", Type: TypeNumber, Description: "The change in price of the stock"},
	}
}

func (t showStockPrice) generate(ctx context.Context, args json.RawMessage, emit func(domain.Renderable)) outcome {
	in, err := decodeArgs[Stock](t.Name(), args)
	if err != nil {
		return failed(err, domain.Renderable{}, validationNote(err))
	}
	emit(domain.Renderable{Kind: domain.RenderStockSkeleton, ToolName: t.Name()})
	pause(ctx, t.delay)
	return resolved(in, domain.Renderable{Kind: domain.RenderStock, ToolName: t.Name(), Data: in})
}

func (t showStockPrice) Render(result json.RawMessage) []domain.Renderable {
	quote, ok := decodeResult[Stock](result)
	if !ok {
		return nil
	}
	return []domain.Renderable{{Kind: domain.RenderStock, ToolName: t.Name(), Data: quote}}
}

// showStockPurchase shows the purchase UI for a ticker.
type showStockPurchase struct{}

func (showStockPurchase) Name() string { return "showStockPurchase" }
func (showStockPurchase) Description() string {
	return "Show price and the UI to purchase a stock or currency. Use this if the user wants to purchase a stock or currency."
}
func (showStockPurchase) Schema() Schema {
	return Schema{
		{Name: "symbol", Type: TypeString, Description: "The name or symbol of the stock or currency. e.g. DOGE/AAPL/USD."},
		{Name: "price", Type: TypeNumber, Description: "The price of the stock."},
		{Name: "quantity", Type: TypeNumber, Optional: true,
			Description: "The **number of shares** for a stock or currency to purchase. Can be optional if the user did not specify it."},
	}
}

func (t showStockPurchase) generate(_ context.Context, args json.RawMessage, _ func(domain.Renderable)) outcome {
	in, err := decodeArgs[struct {
		Symbol   string   `json:"symbol"`
		Price    float64  `json:"price"`
		Quantity *float64 `json:"quantity"`
	}](t.Name(), args)
	if err != nil {
		return failed(err, domain.Renderable{}, validationNote(err))
	}

	p := Purchase{Symbol: in.Symbol, Price: in.Price, Quantity: DefaultQuantity}
	if in.Quantity != nil {
		p.Quantity = *in.Quantity
	}

	if !ValidQuantity(p.Quantity) {
		p.Status = purchaseExpired
		verr := errs.Validation(t.Name(), "quantity", "%v outside (0, %d]", p.Quantity, MaxQuantity)
		return outcome{
			status:  StatusRejected,
			result:  p,
			display: domain.Renderable{Kind: domain.RenderBotText, ToolName: t.Name(), Text: "Invalid amount"},
			note:    invalidAmountNote,
			reason:  verr.Error(),
			err:     verr,
		}
	}

	shown := p
	shown.Status = purchaseRequiresAction
	return resolved(p, domain.Renderable{Kind: domain.RenderPurchase, ToolName: t.Name(), Data: shown})
}

func (t showStockPurchase) Render(result json.RawMessage) []domain.Renderable {
	p, ok := decodeResult[Purchase](result)
	if !ok {
		return nil
	}
	return []domain.Renderable{{Kind: domain.RenderPurchase, ToolName: t.Name(), Data: p}}
}

// getEvents lists dated market events.
type getEvents struct{ delay time.Duration }

func (getEvents) Name() string { return "getEvents" }
func (getEvents) Description() string {
	return "List funny imaginary events between user highlighted dates that describe stock activity."
}
func (getEvents) Schema() Schema {
	return Schema{{Name: "events", Type: TypeArray, Items: Schema{
		{Name: "date", Type: TypeString, Description: "The date of the event, in ISO-8601 format"},
		{Name: "headline", Type: TypeString, Description: "The headline of the event"},
		{Name: "description", Type: TypeString, Description: "The description of the event"},
	}}}
}

func (t getEvents) generate(ctx context.Context, args json.RawMessage, emit func(domain.Renderable)) outcome {
	in, err := decodeArgs[struct {
		Events []StockEvent `json:"events"`
	}](t.Name(), args)
	if err != nil {
		return failed(err, domain.Renderable{}, validationNote(err))
	}
	emit(domain.Renderable{Kind: domain.RenderEventsSkeleton, ToolName: t.Name()})
	pause(ctx, t.delay)
	return resolved(in.Events, domain.Renderable{Kind: domain.RenderEvents, ToolName: t.Name(), Data: in.Events})
}

func (t getEvents) Render(result json.RawMessage) []domain.Renderable {
	events, ok := decodeResult[[]StockEvent](result)
	if !ok {
		return nil
	}
	return []domain.Renderable{{Kind: domain.RenderEvents, ToolName: t.Name(), Data: events}}
}

func validationNote(err error) string {
	return fmt.Sprintf("[Tool call rejected: %v]", err)
}
