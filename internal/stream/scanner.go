package stream

import (
	"bytes"
	"encoding/json"
	"log/slog"
)

// fragmentParser reconstructs discrete structured objects from an
// undelimited byte stream. A chunk boundary can fall anywhere inside an
// object, and one chunk may contain several complete objects back to back
// with no separator.
//
// Object boundaries are located with a single-pass scanner that tracks
// brace/bracket depth and string/escape state, so every byte is visited
// once regardless of how the stream is chunked.
type fragmentParser struct {
	buf []byte
	log *slog.Logger

	// Scanner state, persisted across Feed calls.
	pos      int // next unscanned byte in buf
	depth    int
	inString bool
	escaped  bool
	started  bool
}

func newFragmentParser(log *slog.Logger) *fragmentParser {
	if log == nil {
		log = slog.Default()
	}
	return &fragmentParser{log: log}
}

// Feed appends a chunk and extracts every complete object it closes.
func (p *fragmentParser) Feed(chunk []byte) (payloads [][]byte, done bool) {
	p.buf = append(p.buf, chunk...)

	for {
		end, ok := p.scan()
		if !ok {
			return payloads, false
		}
		obj := bytes.TrimSpace(p.buf[:end])
		payload := make([]byte, len(obj))
		copy(payload, obj)
		payloads = append(payloads, payload)

		p.buf = p.buf[end:]
		p.pos = 0
		p.depth = 0
		p.inString = false
		p.escaped = false
		p.started = false
	}
}

// scan advances the boundary scanner over unscanned bytes and reports the
// end offset of the first complete object, when one is available.
func (p *fragmentParser) scan() (int, bool) {
	for ; p.pos < len(p.buf); p.pos++ {
		c := p.buf[p.pos]

		if !p.started {
			switch c {
			case ' ', '\t', '\r', '\n':
				continue
			case '{':
				p.started = true
				p.depth = 1
				continue
			default:
				// The leading prefix is not an object start. Extraction
				// stalls at this position until more bytes arrive and the
				// backend re-synchronizes; the stream is not aborted.
				return 0, false
			}
		}

		if p.inString {
			switch {
			case p.escaped:
				p.escaped = false
			case c == '\\':
				p.escaped = true
			case c == '"':
				p.inString = false
			}
			continue
		}

		switch c {
		case '"':
			p.inString = true
		case '{', '[':
			p.depth++
		case '}', ']':
			p.depth--
			if p.depth == 0 {
				p.pos++
				return p.pos, true
			}
		}
	}
	return 0, false
}

// Flush handles stream end: any incomplete remainder is expected to be a
// metadata-only trailer (usage counters and the like) and is discarded,
// silently when it does not even parse.
func (p *fragmentParser) Flush() [][]byte {
	rest := bytes.TrimSpace(p.buf)
	p.buf = nil
	if len(rest) == 0 {
		return nil
	}

	var trailer map[string]any
	if err := json.Unmarshal(rest, &trailer); err != nil {
		p.log.Debug("discarding unparseable stream remainder", "bytes", len(rest))
		return nil
	}
	p.log.Debug("discarding metadata trailer", "fields", len(trailer))
	return nil
}
