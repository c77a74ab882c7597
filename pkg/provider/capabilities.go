package provider

import (
	"slices"

	"github.com/rhuss/chatrelay/pkg/debug"
)

// Supports reports whether caps lists the named sampling extra.
func (c Capabilities) Supports(extra string) bool {
	return slices.Contains(c.SamplingExtras, extra)
}

// DropUnsupported clears the sampling extras of req that the adapter cannot
// forward, logging each dropped parameter under the providers category.
func DropUnsupported(name string, caps Capabilities, req *Request) {
	if req.Params.TopK != nil && !caps.Supports("top_k") {
		debug.Log("providers", "dropping unsupported parameter", "provider", name, "param", "top_k")
		req.Params.TopK = nil
	}
	if req.Params.RepetitionPenalty != nil && !caps.Supports("repetition_penalty") {
		debug.Log("providers", "dropping unsupported parameter", "provider", name, "param", "repetition_penalty")
		req.Params.RepetitionPenalty = nil
	}
}
