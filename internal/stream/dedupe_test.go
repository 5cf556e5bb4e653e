package stream

import (
	"strings"
	"testing"
)

func TestDedupeSetSuppressesRepeats(t *testing.T) {
	d := newDedupeSet()
	part := ContentPart{Text: "The capital of France is Paris."}

	if !d.FirstSeen(part) {
		t.Fatal("first delivery suppressed")
	}
	for i := 0; i < 3; i++ {
		if d.FirstSeen(part) {
			t.Fatalf("repeat %d not suppressed", i+1)
		}
	}
}

func TestDedupeSetDistinguishesParts(t *testing.T) {
	tests := []struct {
		name string
		a, b ContentPart
		same bool
	}{
		{
			name: "different text",
			a:    ContentPart{Text: "alpha"},
			b:    ContentPart{Text: "beta"},
		},
		{
			name: "thought vs response with identical text",
			a:    ContentPart{Text: "same words", IsThought: true},
			b:    ContentPart{Text: "same words"},
		},
		{
			name: "long texts sharing a 50-byte prefix collide",
			a:    ContentPart{Text: strings.Repeat("x", 50) + " tail one"},
			b:    ContentPart{Text: strings.Repeat("x", 50) + " tail two"},
			same: true,
		},
		{
			name: "tool call vs tool result with same id",
			a:    ContentPart{ToolCall: &ToolCall{Name: "web_search", ID: "c1"}},
			b:    ContentPart{ToolResult: &ToolResult{Name: "web_search", ID: "c1"}},
		},
		{
			name: "tool calls with different ids",
			a:    ContentPart{ToolCall: &ToolCall{Name: "web_search", ID: "c1"}},
			b:    ContentPart{ToolCall: &ToolCall{Name: "web_search", ID: "c2"}},
		},
		{
			name: "identical tool calls collide",
			a:    ContentPart{ToolCall: &ToolCall{Name: "web_search", ID: "c1"}},
			b:    ContentPart{ToolCall: &ToolCall{Name: "web_search", ID: "c1"}},
			same: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newDedupeSet()
			if !d.FirstSeen(tt.a) {
				t.Fatal("first part suppressed")
			}
			if got := d.FirstSeen(tt.b); got != !tt.same {
				t.Errorf("FirstSeen(b) = %v, want %v", got, !tt.same)
			}
		})
	}
}
