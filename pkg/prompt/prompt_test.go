package prompt

import (
	"strings"
	"testing"

	"github.com/rhuss/chatrelay/pkg/api"
)

func history() []api.Message {
	return []api.Message{
		{Role: api.RoleUser, Content: "What is Go?", Order: 1},
		{Role: api.RoleAssistant, Content: "A programming language.", Order: 2},
	}
}

func TestComposeOff(t *testing.T) {
	text := "  and channels?\n"
	got := Compose(history(), text, api.ReasoningOff)

	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].Content != "What is Go?" || got[1].Role != api.RoleAssistant {
		t.Errorf("history not passed through: %+v", got[:2])
	}
	last := got[2]
	if last.Role != api.RoleUser {
		t.Errorf("last role = %q, want user", last.Role)
	}
	if last.Content != text {
		t.Errorf("content = %q, want %q (byte-for-byte)", last.Content, text)
	}
}

func TestComposeReasoningModes(t *testing.T) {
	modes := []api.ReasoningMode{api.ReasoningBrief, api.ReasoningDetailed, api.ReasoningChainOfThought}
	for _, mode := range modes {
		t.Run(string(mode), func(t *testing.T) {
			got := Compose(history(), "why?", mode)
			last := got[len(got)-1].Content

			if !strings.HasPrefix(last, Template(mode)) {
				t.Errorf("content does not start with the %s template", mode)
			}
			if !strings.HasSuffix(last, "why?") {
				t.Errorf("content %q does not end with the user text", last)
			}
			if got[0].Content != "What is Go?" || got[1].Content != "A programming language." {
				t.Error("reasoning leaked into past turns")
			}
		})
	}
}

func TestTemplatesDistinct(t *testing.T) {
	seen := map[string]api.ReasoningMode{}
	for _, mode := range []api.ReasoningMode{api.ReasoningBrief, api.ReasoningDetailed, api.ReasoningChainOfThought} {
		tpl := Template(mode)
		if !strings.HasSuffix(tpl, "Question: ") {
			t.Errorf("%s template does not end with %q", mode, "Question: ")
		}
		if other, ok := seen[tpl]; ok {
			t.Errorf("%s and %s share a template", mode, other)
		}
		seen[tpl] = mode
	}
	if Template(api.ReasoningOff) != "" {
		t.Error("off template is not empty")
	}
}

func TestTemplatePanicsOnUnknownMode(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Template did not panic on unknown mode")
		}
	}()
	Template("bogus")
}

func TestFlattenOff(t *testing.T) {
	msgs := Compose(history(), "Tell me more", api.ReasoningOff)
	got := Flatten(msgs, api.ReasoningOff)
	want := "User: What is Go?\nAssistant: A programming language.\nUser: Tell me more"
	if got != want {
		t.Errorf("Flatten = %q, want %q", got, want)
	}
}

func TestFlattenReasoningReplacesHistory(t *testing.T) {
	msgs := Compose(history(), "Tell me more", api.ReasoningBrief)
	got := Flatten(msgs, api.ReasoningBrief)
	if got != Template(api.ReasoningBrief)+"Tell me more" {
		t.Errorf("Flatten = %q", got)
	}
	if strings.Contains(got, "What is Go?") {
		t.Error("history present in reasoning prompt")
	}
}

func TestFlattenSystemAndEmpty(t *testing.T) {
	if Flatten(nil, api.ReasoningOff) != "" {
		t.Error("Flatten(nil) not empty")
	}
	got := Flatten([]api.ChatMessage{{Role: api.RoleSystem, Content: "be terse"}}, api.ReasoningOff)
	if got != "System: be terse" {
		t.Errorf("Flatten = %q", got)
	}
}
