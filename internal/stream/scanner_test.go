package stream

import (
	"io"
	"log/slog"
	"reflect"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFragmentParserExtraction(t *testing.T) {
	tests := []struct {
		name         string
		chunks       []string
		wantPayloads []string
	}{
		{
			name:         "single object",
			chunks:       []string{`{"author":"root_agent"}`},
			wantPayloads: []string{`{"author":"root_agent"}`},
		},
		{
			name:         "two objects back to back in one chunk",
			chunks:       []string{`{"a":1}{"b":2}`},
			wantPayloads: []string{`{"a":1}`, `{"b":2}`},
		},
		{
			name:         "object split across chunks",
			chunks:       []string{`{"a":`, `1}`},
			wantPayloads: []string{`{"a":1}`},
		},
		{
			name:         "nested objects and arrays",
			chunks:       []string{`{"content":{"parts":[{"text":"hi"},{"text":"there"}]}}`},
			wantPayloads: []string{`{"content":{"parts":[{"text":"hi"},{"text":"there"}]}}`},
		},
		{
			name:         "braces inside strings do not close objects",
			chunks:       []string{`{"text":"a } b { c"}`},
			wantPayloads: []string{`{"text":"a } b { c"}`},
		},
		{
			name:         "escaped quote inside string",
			chunks:       []string{`{"text":"say \"}\" loudly"}`},
			wantPayloads: []string{`{"text":"say \"}\" loudly"}`},
		},
		{
			name:         "escaped backslash before closing quote",
			chunks:       []string{`{"path":"C:\\"}`},
			wantPayloads: []string{`{"path":"C:\\"}`},
		},
		{
			name:         "whitespace between objects",
			chunks:       []string{"{\"a\":1}\n  {\"b\":2}"},
			wantPayloads: []string{`{"a":1}`, `{"b":2}`},
		},
		{
			name:         "incomplete tail withheld",
			chunks:       []string{`{"a":1}{"b":`},
			wantPayloads: []string{`{"a":1}`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newFragmentParser(discardLogger())
			var got []string
			for _, chunk := range tt.chunks {
				payloads, done := p.Feed([]byte(chunk))
				if done {
					t.Fatal("fragment stream reported done")
				}
				for _, payload := range payloads {
					got = append(got, string(payload))
				}
			}
			if !reflect.DeepEqual(got, tt.wantPayloads) {
				t.Errorf("payloads = %q, want %q", got, tt.wantPayloads)
			}
		})
	}
}

// Splitting the wire bytes at any position must yield the same objects.
func TestFragmentParserChunkBoundaryInvariance(t *testing.T) {
	wire := `{"author":"root_agent","content":{"parts":[{"text":"The plan: {draft}"}]}}` +
		`{"author":"section_researcher","content":{"parts":[{"toolCall":{"name":"web_search","id":"c1"}}]}}` +
		`{"actions":{"resultDelta":{"sourceIdMap":{"s1":{},"s2":{}}}}}`

	baseline, _ := newFragmentParser(discardLogger()).Feed([]byte(wire))
	if len(baseline) != 3 {
		t.Fatalf("baseline extracted %d objects, want 3", len(baseline))
	}

	for split := 1; split < len(wire); split++ {
		p := newFragmentParser(discardLogger())
		first, _ := p.Feed([]byte(wire[:split]))
		second, _ := p.Feed([]byte(wire[split:]))
		got := append(first, second...)
		if !reflect.DeepEqual(got, baseline) {
			t.Fatalf("split at %d: got %d objects %q, want %q", split, len(got), got, baseline)
		}
	}
}

func TestFragmentParserStallsOnNonObjectPrefix(t *testing.T) {
	p := newFragmentParser(discardLogger())
	payloads, done := p.Feed([]byte(`garbage{"a":1}`))
	if done {
		t.Fatal("stream reported done")
	}
	if len(payloads) != 0 {
		t.Fatalf("payloads = %q, want none while stalled", payloads)
	}
	// The stall is sticky: later bytes do not resynchronize extraction.
	payloads, _ = p.Feed([]byte(`{"b":2}`))
	if len(payloads) != 0 {
		t.Fatalf("payloads = %q, want none after stall", payloads)
	}
}

func TestFragmentParserFlushDiscardsTrailer(t *testing.T) {
	tests := []struct {
		name string
		tail string
	}{
		{name: "truncated trailer", tail: `{"usage":{"tokens":812}`},
		{name: "truncated remainder", tail: `{"usage":`},
		{name: "empty remainder", tail: "  \n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newFragmentParser(discardLogger())
			payloads, _ := p.Feed([]byte(`{"a":1}` + tt.tail))
			if len(payloads) != 1 {
				t.Fatalf("payloads = %q, want one object", payloads)
			}
			if rest := p.Flush(); len(rest) != 0 {
				t.Errorf("Flush() = %q, want nothing", rest)
			}
		})
	}
}
