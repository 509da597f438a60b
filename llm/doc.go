// Package llm is the provider-neutral layer over the upstream LLM APIs.
//
// # Core Concepts
//
//  1. Messages: Message is the canonical conversation turn. Roles are user,
//     assistant, system and tool. Assistant turns may carry ToolCalls; tool
//     turns carry the ToolUse they answer.
//
//  2. Streaming: every vendor stream is normalized into StreamEvents
//     (text_delta, tool_use_start, tool_use_delta, tool_use_end, message_end,
//     error). Vendor adapters build on ChunkStream, supplying a ChunkSource for
//     raw iteration and a ChunkNormalizer for per-chunk translation.
//
//  3. Providers: Provider exposes CreateStream and CreateCompletion.
//     ProviderRegistry picks the provider for a model id.
//
//  4. Middleware: Middleware and StreamMiddleware decorate providers with
//     cross-cutting concerns such as usage accounting.
//
//  5. Errors: Error classifies vendor failures (rate_limit, quota_exceeded,
//     authentication, ...) and UserMessage gives the text to show users.
//
// Usage Example
//
//	registry := llm.NewProviderRegistry(cfg)
//	registry.Register(llm.VendorAnthropic, anthropic.Factory(logger))
//
//	provider, err := registry.ForModel("claude-sonnet-4-20250514")
//	stream, err := provider.CreateStream(ctx, &llm.Options{
//	    Model:    "claude-sonnet-4-20250514",
//	    Messages: []llm.Message{llm.NewUserMessage("Hello!")},
//	})
//	for ev, err := range llm.Events(stream) {
//	    ...
//	}
package llm
