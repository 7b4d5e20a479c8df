// Package anthropic implements the adapter for the Anthropic messages API.
//
// Requests are sized from the system prompt, every message block and the
// tool definitions. Text, thinking, tool_use and tool_result blocks count
// as text; image and document blocks are rejected as unsupported modality,
// including inside tool results.
//
// Usage mapping:
//
//	input_tokens        = usage.input_tokens
//	cached_input_tokens = usage.cache_read_input_tokens
//	cache_write_tokens  = usage.cache_creation_input_tokens
//	output_tokens       = usage.output_tokens (includes extended thinking)
//	grounding_calls     = usage.server_tool_use.web_search_requests
//
// Anthropic already reports input_tokens without the cache counts, so no
// subtraction is needed.
package anthropic
