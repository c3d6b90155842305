// Package unifiedllm is a provider-agnostic model client. Requests, responses
// and stream events share one set of types, and each provider is reached
// through a ProviderAdapter.
//
// # Streams
//
// A stream is a sequence of StreamEvent values:
//
//	message_start
//	content_block_start(index, text|tool_use)
//	content_block_delta(index, text | cumulative partial_json)
//	content_block_stop(index)
//	message_stop(final Response)
//
// Block indexes are position keys that are only meaningful within one
// response. A failure after the stream has opened arrives as a single
// StreamError event; failures while opening are returned directly and are
// retried by Client according to its RetryPolicy.
//
// # Adapters
//
// AnthropicAdapter uses the official Anthropic SDK and forwards its content
// blocks as they arrive. GollmAdapter wraps github.com/teilomillet/gollm for
// OpenAI and other providers; gollm only streams text, so tool calls are
// requested as a trailing JSON array and replayed as tool_use blocks before
// message_stop.
//
//	client := unifiedllm.NewClient(
//	    unifiedllm.WithProvider("anthropic", unifiedllm.NewAnthropicAdapter(key)),
//	    unifiedllm.WithRetryPolicy(unifiedllm.DefaultRetryPolicy()),
//	)
//	ch, err := client.Stream(ctx, unifiedllm.Request{
//	    Model:    "sonnet",
//	    Messages: []unifiedllm.Message{unifiedllm.UserMessage("Hello")},
//	})
//	resp, err := unifiedllm.CollectStream(ctx, ch)
//
// # Model Catalog
//
// A small catalog maps aliases to model IDs and records output limits:
//
//	info := unifiedllm.GetModelInfo("opus")
//	latest := unifiedllm.GetLatestModel("anthropic", "tools")
package unifiedllm
