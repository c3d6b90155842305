package unifiedllm

import "context"

// ProviderAdapter translates unified requests to one provider's API.
type ProviderAdapter interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)

	// Stream returns a channel that is closed after message_stop, after a
	// StreamError event, or once ctx is done.
	Stream(ctx context.Context, req Request) (<-chan StreamEvent, error)
}

// Closer is implemented by adapters that hold connections. Client.Close
// calls it.
type Closer interface {
	Close() error
}

// ToolChoiceSupporter lets an adapter refuse tool choice modes its
// provider cannot express. Adapters without it accept every mode.
type ToolChoiceSupporter interface {
	SupportsToolChoice(mode string) bool
}

var (
	_ ProviderAdapter     = (*AnthropicAdapter)(nil)
	_ ProviderAdapter     = (*GollmAdapter)(nil)
	_ ToolChoiceSupporter = (*AnthropicAdapter)(nil)
	_ ToolChoiceSupporter = (*GollmAdapter)(nil)
)
