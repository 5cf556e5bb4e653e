package stream

import (
	"bytes"
	"strings"
)

const (
	sseDataPrefix    = "data:"
	sseCommentPrefix = ":"
	sseDoneSentinel  = "[DONE]"
)

// lineParser reconstructs discrete event payloads from a line-delimited push
// stream. Payload lines carry the data marker prefix; a blank line completes
// the current event block; comment lines are ignored. The backend may also
// send an explicit terminal sentinel as a payload.
type lineParser struct {
	buf  []byte          // raw bytes not yet consumed as a full line
	data strings.Builder // event-data accumulator for the current block
}

// Feed appends a chunk and extracts every complete event payload it closes.
// done reports that the terminal sentinel was seen; no payloads follow it.
func (p *lineParser) Feed(chunk []byte) (payloads [][]byte, done bool) {
	p.buf = append(p.buf, chunk...)

	for {
		i := bytes.IndexByte(p.buf, '\n')
		if i < 0 {
			return payloads, false
		}
		line := strings.TrimRight(string(p.buf[:i]), "\r")
		p.buf = p.buf[i+1:]

		switch {
		case line == "":
			payload, ok := p.takeBlock()
			if !ok {
				continue
			}
			if payload == sseDoneSentinel {
				return payloads, true
			}
			payloads = append(payloads, []byte(payload))

		case strings.HasPrefix(line, sseDataPrefix):
			v := strings.TrimPrefix(line, sseDataPrefix)
			v = strings.TrimPrefix(v, " ")
			p.data.WriteString(v)
			// Separator between data lines of a multi-line payload.
			p.data.WriteString("\n")

		case strings.HasPrefix(line, sseCommentPrefix):
			// Comment line, ignored.

		default:
			// Other field lines (event:, id:, retry:) carry no payload here.
		}
	}
}

// Flush returns the final event payloads at stream end: a trailing data line
// without a newline plus any unterminated event block.
func (p *lineParser) Flush() [][]byte {
	if len(p.buf) > 0 {
		line := strings.TrimRight(string(p.buf), "\r")
		p.buf = nil
		if strings.HasPrefix(line, sseDataPrefix) {
			v := strings.TrimPrefix(line, sseDataPrefix)
			v = strings.TrimPrefix(v, " ")
			p.data.WriteString(v)
			p.data.WriteString("\n")
		}
	}

	payload, ok := p.takeBlock()
	if !ok || payload == sseDoneSentinel {
		return nil
	}
	return [][]byte{[]byte(payload)}
}

// takeBlock completes the current event-data block, stripping the trailing
// separator, and resets the accumulator.
func (p *lineParser) takeBlock() (string, bool) {
	if p.data.Len() == 0 {
		return "", false
	}
	payload := strings.TrimSuffix(p.data.String(), "\n")
	p.data.Reset()
	return payload, true
}
