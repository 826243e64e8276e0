package domain

// RenderKind names a display component the presentation layer knows how
// to draw. The core only produces the data.
type RenderKind string

const (
	RenderUserText       RenderKind = "user-text"
	RenderBotText        RenderKind = "bot-text"
	RenderSpinner        RenderKind = "spinner"
	RenderNotice         RenderKind = "notice"
	RenderStocks         RenderKind = "stocks"
	RenderStocksSkeleton RenderKind = "stocks-skeleton"
	RenderStock          RenderKind = "stock"
	RenderStockSkeleton  RenderKind = "stock-skeleton"
	RenderPurchase       RenderKind = "purchase"
	RenderEvents         RenderKind = "events"
	RenderEventsSkeleton RenderKind = "events-skeleton"
	RenderSearchResults  RenderKind = "search-results"
	RenderComputation    RenderKind = "computation"
	RenderSystemNotice   RenderKind = "system-notice"
)

// Renderable is one display unit handed to the presentation layer.
type Renderable struct {
	Kind     RenderKind `json:"kind"`
	Text     string     `json:"text,omitempty"`
	ToolName string     `json:"toolName,omitempty"`
	Data     any        `json:"data,omitempty"`
}

// Notice is a plain text card, used for loading and failure placeholders.
func Notice(text string) Renderable {
	return Renderable{Kind: RenderNotice, Text: text}
}
