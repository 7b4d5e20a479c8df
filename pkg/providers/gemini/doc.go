// Package gemini implements the adapter for the Gemini generateContent API.
//
// The model is usually part of the URL path, so callers pass it in
// RawCall.Model; a body "model" field is used as a fallback. Both camelCase
// and snake_case field spellings are accepted, as the REST API does.
//
// Parts carrying inline_data or file_data are rejected as unsupported
// modality.
//
// Usage mapping:
//
//	input_tokens        = promptTokenCount - cachedContentTokenCount + toolUsePromptTokenCount
//	cached_input_tokens = cachedContentTokenCount
//	output_tokens       = candidatesTokenCount
//	reasoning_tokens    = thoughtsTokenCount
//	grounding_calls     = candidates with groundingMetadata
package gemini
