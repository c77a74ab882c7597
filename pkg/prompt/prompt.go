// Package prompt builds the message list sent to a backend from a session's
// history, the new user turn and an optional reasoning mode.
//
// All functions are pure: no I/O, no shared state.
package prompt

import (
	"fmt"
	"strings"

	"github.com/rhuss/chatrelay/pkg/api"
)

const briefTemplate = `Show your thinking process briefly:

**Thinking:** [Quick reasoning steps]
**Answer:** [Your response]

Question: `

const detailedTemplate = `Think step by step about this question. Show your detailed reasoning process:

**Analysis:**
1. What is being asked?
2. What information do I need to consider?
3. What are the key points or constraints?

**Breakdown:**
- Break down the problem into smaller parts
- Consider different approaches or perspectives
- Identify any assumptions I'm making

**Logic Chain:**
- Step through the reasoning logically
- Show how each step leads to the next
- Consider potential counterarguments or edge cases

**Conclusion:**
[Your final answer with confidence level]

Question: `

const chainOfThoughtTemplate = `Use chain-of-thought reasoning. Think through this step-by-step, showing each logical step:

Let me think through this step by step:
Step 1: [First step of reasoning]
Step 2: [Second step of reasoning]
Step 3: [Continue as needed]
Therefore: [Final conclusion]

Question: `

// Template returns the literal prefix for a reasoning mode. It returns the
// empty string for api.ReasoningOff and panics on an unknown mode.
func Template(mode api.ReasoningMode) string {
	switch mode {
	case api.ReasoningOff:
		return ""
	case api.ReasoningBrief:
		return briefTemplate
	case api.ReasoningDetailed:
		return detailedTemplate
	case api.ReasoningChainOfThought:
		return chainOfThoughtTemplate
	}
	panic(fmt.Sprintf("prompt: unknown reasoning mode %q", mode))
}

// Compose returns history followed by the new user turn. With reasoning on,
// the user turn is the mode's template followed by text; history entries are
// passed through verbatim.
func Compose(history []api.Message, text string, mode api.ReasoningMode) []api.ChatMessage {
	prefix := Template(mode)

	out := make([]api.ChatMessage, 0, len(history)+1)
	for _, m := range history {
		out = append(out, api.ChatMessage{Role: m.Role, Content: m.Content})
	}
	return append(out, api.ChatMessage{Role: api.RoleUser, Content: prefix + text})
}

// Flatten collapses a composed message list into the single prompt string
// used by raw generation endpoints.
//
// With reasoning off every message becomes a "Role: content" line. With
// reasoning on the template-prefixed final turn replaces the history.
func Flatten(messages []api.ChatMessage, mode api.ReasoningMode) string {
	if len(messages) == 0 {
		return ""
	}
	if mode != api.ReasoningOff && mode != "" {
		return messages[len(messages)-1].Content
	}

	lines := make([]string, 0, len(messages))
	for _, m := range messages {
		lines = append(lines, roleLabel(m.Role)+": "+m.Content)
	}
	return strings.Join(lines, "\n")
}

func roleLabel(r api.Role) string {
	switch r {
	case api.RoleUser:
		return "User"
	case api.RoleAssistant:
		return "Assistant"
	case api.RoleSystem:
		return "System"
	}
	s := string(r)
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
