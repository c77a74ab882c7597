// Package openaicompat implements the OpenAI-compatible Chat Completions
// dialect served by vLLM, LiteLLM, llama.cpp server and similar runtimes.
//
// Requests carry the structured message list. Streaming answers are SSE
// "data: <json>" frames terminated by "data: [DONE]"; each frame's
// choices[0].delta.content becomes one delta event.
package openaicompat
