// Package openai implements the adapter for OpenAI-style APIs.
//
// It reads both the chat completions and the responses endpoints:
//
//   - Chat completions: messages with string or text-part content, tool
//     definitions and prior tool calls. The output cap is
//     max_completion_tokens, falling back to the legacy max_tokens.
//   - Responses: instructions plus string or item-list input. The output cap
//     is max_output_tokens. Hosted web and file search calls in the output are
//     counted as tool calls.
//
// Usage mapping for chat completions:
//
//	input_tokens        = prompt_tokens - prompt_tokens_details.cached_tokens
//	cached_input_tokens = prompt_tokens_details.cached_tokens
//	output_tokens       = completion_tokens - completion_tokens_details.reasoning_tokens
//	reasoning_tokens    = completion_tokens_details.reasoning_tokens
//
// The responses endpoint maps input_tokens, output_tokens and their *_details
// the same way.
//
// Compatible providers reuse this adapter through NewCompatible with their own
// name and options.
package openai
