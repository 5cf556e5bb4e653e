package stream

import (
	"reflect"
	"testing"
)

func feedAll(t *testing.T, p *lineParser, chunks ...string) (payloads []string, done bool) {
	t.Helper()
	for _, chunk := range chunks {
		got, d := p.Feed([]byte(chunk))
		for _, payload := range got {
			payloads = append(payloads, string(payload))
		}
		if d {
			return payloads, true
		}
	}
	return payloads, false
}

func TestLineParserFraming(t *testing.T) {
	tests := []struct {
		name         string
		chunks       []string
		wantPayloads []string
		wantDone     bool
	}{
		{
			name:         "single event",
			chunks:       []string{"data: {\"a\":1}\n\n"},
			wantPayloads: []string{`{"a":1}`},
		},
		{
			name:         "multi-line payload joined with separator",
			chunks:       []string{"data: line one\ndata: line two\n\n"},
			wantPayloads: []string{"line one\nline two"},
		},
		{
			name:         "comment lines ignored",
			chunks:       []string{": keepalive\ndata: x\n\n"},
			wantPayloads: []string{"x"},
		},
		{
			name:         "field lines without data marker ignored",
			chunks:       []string{"event: message\nid: 7\ndata: y\n\n"},
			wantPayloads: []string{"y"},
		},
		{
			name:         "blank line without pending data ignored",
			chunks:       []string{"\n\ndata: z\n\n"},
			wantPayloads: []string{"z"},
		},
		{
			name:         "crlf line endings",
			chunks:       []string{"data: a\r\n\r\ndata: b\r\n\r\n"},
			wantPayloads: []string{"a", "b"},
		},
		{
			name:         "event split across chunks mid-line",
			chunks:       []string{"da", "ta: hel", "lo\n", "\n"},
			wantPayloads: []string{"hello"},
		},
		{
			name:         "terminal sentinel stops the stream",
			chunks:       []string{"data: first\n\ndata: [DONE]\n\ndata: after\n\n"},
			wantPayloads: []string{"first"},
			wantDone:     true,
		},
		{
			name:         "marker without space preserved",
			chunks:       []string{"data:tight\n\n"},
			wantPayloads: []string{"tight"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &lineParser{}
			payloads, done := feedAll(t, p, tt.chunks...)
			if done != tt.wantDone {
				t.Errorf("done = %v, want %v", done, tt.wantDone)
			}
			if !reflect.DeepEqual(payloads, tt.wantPayloads) {
				t.Errorf("payloads = %q, want %q", payloads, tt.wantPayloads)
			}
		})
	}
}

func TestLineParserFlushesPendingEventAtStreamEnd(t *testing.T) {
	p := &lineParser{}
	payloads, done := p.Feed([]byte("data: trailing"))
	if done || len(payloads) != 0 {
		t.Fatalf("unexpected payloads before stream end: %q", payloads)
	}

	flushed := p.Flush()
	if len(flushed) != 1 || string(flushed[0]) != "trailing" {
		t.Fatalf("Flush() = %q, want [trailing]", flushed)
	}
	if again := p.Flush(); len(again) != 0 {
		t.Fatalf("second Flush() = %q, want empty", again)
	}
}

func TestLineParserFlushDropsSentinel(t *testing.T) {
	p := &lineParser{}
	p.Feed([]byte("data: [DONE]"))
	if flushed := p.Flush(); len(flushed) != 0 {
		t.Fatalf("Flush() = %q, want empty for sentinel", flushed)
	}
}
