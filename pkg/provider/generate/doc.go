// Package generate implements the raw single-prompt generation dialect
// (Ollama /api/generate).
//
// The composed message list is flattened into one prompt string. The
// streaming answer is newline-delimited JSON; every object carries a
// "response" fragment and the last one has "done": true together with the
// token counts.
package generate
