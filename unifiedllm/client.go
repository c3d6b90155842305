package unifiedllm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
)

// handler is one step of a request pipeline; T is *Response for Complete
// and <-chan StreamEvent for Stream.
type handler[T any] func(ctx context.Context, req Request) (T, error)

// Middleware wraps a Complete call.
type Middleware = func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error)

// StreamMiddleware wraps the opening of a stream. It may also wrap the
// returned channel to observe events.
type StreamMiddleware = func(ctx context.Context, req Request, next func(context.Context, Request) (<-chan StreamEvent, error)) (<-chan StreamEvent, error)

// Client routes requests to registered provider adapters.
type Client struct {
	mu              sync.RWMutex
	providers       map[string]ProviderAdapter
	defaultProvider string

	middleware []Middleware
	streamMW   []StreamMiddleware
	retry      RetryPolicy
}

// ClientOption configures a Client.
type ClientOption func(*Client)

func WithProvider(name string, adapter ProviderAdapter) ClientOption {
	return func(c *Client) { c.providers[name] = adapter }
}

// WithDefaultProvider names the provider used when neither the request nor
// the model catalog picks one.
func WithDefaultProvider(name string) ClientOption {
	return func(c *Client) { c.defaultProvider = name }
}

// WithMiddleware appends Complete middleware. The first one added is the
// outermost.
func WithMiddleware(mw ...Middleware) ClientOption {
	return func(c *Client) { c.middleware = append(c.middleware, mw...) }
}

// WithStreamMiddleware appends Stream middleware. The first one added is
// the outermost.
func WithStreamMiddleware(mw ...StreamMiddleware) ClientOption {
	return func(c *Client) { c.streamMW = append(c.streamMW, mw...) }
}

// WithRetryPolicy retries failed opens inside the middleware chain. The
// zero policy does not retry.
func WithRetryPolicy(p RetryPolicy) ClientOption {
	return func(c *Client) { c.retry = p }
}

func NewClient(opts ...ClientOption) *Client {
	c := &Client{providers: make(map[string]ProviderAdapter)}
	for _, opt := range opts {
		opt(c)
	}
	if c.defaultProvider == "" && len(c.providers) == 1 {
		for name := range c.providers {
			c.defaultProvider = name
		}
	}
	return c
}

// NewClientFromEnv registers adapters for the API keys found in the
// environment: ANTHROPIC_API_KEY selects the native Anthropic adapter and
// OPENAI_API_KEY a gollm-backed OpenAI adapter.
func NewClientFromEnv(opts ...ClientOption) *Client {
	c := NewClient(opts...)
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		c.RegisterProvider("anthropic", NewAnthropicAdapter(key))
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		if adapter, err := NewGollmAdapter("openai", key); err == nil {
			c.RegisterProvider("openai", adapter)
		}
	}
	return c
}

// RegisterProvider adds or replaces an adapter. The first adapter
// registered becomes the default unless one was configured.
func (c *Client) RegisterProvider(name string, adapter ProviderAdapter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers[name] = adapter
	if c.defaultProvider == "" {
		c.defaultProvider = name
	}
}

// Providers returns the registered provider names, sorted.
func (c *Client) Providers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.providers))
	for name := range c.providers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// resolve picks the adapter for req: its Provider field, then the catalog
// entry for its model, then the default.
func (c *Client) resolve(req Request) (ProviderAdapter, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	name := req.Provider
	if name == "" {
		if info := GetModelInfo(req.Model); info != nil && c.providers[info.Provider] != nil {
			name = info.Provider
		}
	}
	if name == "" {
		name = c.defaultProvider
	}
	if name == "" {
		return nil, &ConfigurationError{SDKError{Message: "no provider specified and no default provider configured"}}
	}
	adapter, ok := c.providers[name]
	if !ok {
		return nil, &ConfigurationError{SDKError{Message: fmt.Sprintf("provider %q is not registered", name)}}
	}
	if req.ToolChoice != nil {
		if tc, ok := adapter.(ToolChoiceSupporter); ok && !tc.SupportsToolChoice(req.ToolChoice.Mode) {
			return nil, &ConfigurationError{SDKError{Message: fmt.Sprintf("provider %q does not support tool choice %q", name, req.ToolChoice.Mode)}}
		}
	}
	return adapter, nil
}

// chain wraps inner in mws so that mws[0] runs first.
func chain[T any](inner handler[T], mws []func(context.Context, Request, func(context.Context, Request) (T, error)) (T, error)) handler[T] {
	h := inner
	for _, mw := range slices.Backward(mws) {
		next := h
		h = func(ctx context.Context, r Request) (T, error) { return mw(ctx, r, next) }
	}
	return h
}

// Complete sends a blocking request.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	adapter, err := c.resolve(req)
	if err != nil {
		return nil, err
	}
	if req.Provider == "" {
		req.Provider = adapter.Name()
	}
	inner := func(ctx context.Context, r Request) (*Response, error) {
		return Retry(ctx, c.retry, func(ctx context.Context) (*Response, error) { return adapter.Complete(ctx, r) })
	}
	return chain[*Response](inner, c.middleware)(ctx, req)
}

// Stream opens a streaming request. Only the open is retried; once events
// flow, failures arrive as StreamError events.
func (c *Client) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	adapter, err := c.resolve(req)
	if err != nil {
		return nil, err
	}
	if req.Provider == "" {
		req.Provider = adapter.Name()
	}
	inner := func(ctx context.Context, r Request) (<-chan StreamEvent, error) {
		return Retry(ctx, c.retry, func(ctx context.Context) (<-chan StreamEvent, error) { return adapter.Stream(ctx, r) })
	}
	return chain[<-chan StreamEvent](inner, c.streamMW)(ctx, req)
}

// Close closes every adapter that holds resources.
func (c *Client) Close() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var errs []error
	for _, adapter := range c.providers {
		if closer, ok := adapter.(Closer); ok {
			errs = append(errs, closer.Close())
		}
	}
	return errors.Join(errs...)
}
