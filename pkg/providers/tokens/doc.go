// Package tokens estimates prompt token counts before a call is sent.
//
// Providers only report exact token counts after the fact, so preflight needs
// an estimate that errs high. The Estimator divides text length in bytes by a
// characters-per-token ratio and rounds up, then adds a fixed overhead per
// message for role markers and separators. Bytes are used instead of runes
// because multi-byte scripts tokenize less efficiently, which keeps the
// estimate on the expensive side.
//
// Ratios are configurable per model name prefix:
//
//	tokens:
//	  chars_per_token: 3.5
//	  message_overhead: 4
//	  models:
//	    claude-: 3.2
//	    gemini-: 3.8
//
// The estimate is not a tokenizer. Settlement always prices the usage the
// provider reports, so estimation error only affects how much is held in
// reserve, never what is charged.
package tokens
