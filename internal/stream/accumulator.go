package stream

import (
	"strings"
)

// FinalizeStrategy selects how a turn's reply message is finalized. The two
// backend deployments differ here, so it is a configuration knob rather than
// two forked implementations.
type FinalizeStrategy int

const (
	// FinalizeOnSignal finalizes when a forwarded chunk exactly duplicates
	// the non-empty accumulated text (the backend's end-of-turn signal), and
	// falls back to stream end when the signal never arrives.
	FinalizeOnSignal FinalizeStrategy = iota
	// FinalizeOnStreamEnd ignores the duplicate-text signal and finalizes
	// only when the stream ends.
	FinalizeOnStreamEnd
)

// MessageUpdate is one growth step of the visible reply message.
type MessageUpdate struct {
	MessageID string `json:"id"`
	Content   string `json:"content"`
	Final     bool   `json:"final"`
}

// accumulator owns the growing reply text for one turn. Append-only until
// finalized; content length never decreases.
type accumulator struct {
	messageID string
	strategy  FinalizeStrategy
	buf       strings.Builder
	finalized bool
	emit      func(MessageUpdate)
}

func newAccumulator(messageID string, strategy FinalizeStrategy, emit func(MessageUpdate)) *accumulator {
	return &accumulator{messageID: messageID, strategy: strategy, emit: emit}
}

// Append adds one forwarded response-text chunk. A chunk exactly equal to the
// current non-empty accumulated content is the termination signal: one last
// update is emitted and accumulation stops for this turn.
func (a *accumulator) Append(text string) {
	if a.finalized || text == "" {
		return
	}
	if a.strategy == FinalizeOnSignal && a.buf.Len() > 0 && text == a.buf.String() {
		a.finalized = true
		a.emit(MessageUpdate{MessageID: a.messageID, Content: a.buf.String(), Final: true})
		return
	}
	a.buf.WriteString(text)
	a.emit(MessageUpdate{MessageID: a.messageID, Content: a.buf.String()})
}

// Finish finalizes at natural stream end, when the termination signal never
// arrived. The incrementally delivered content already stands as the reply,
// so nothing further is emitted. Idempotent: finalizing twice has no effect.
func (a *accumulator) Finish() {
	a.finalized = true
}

// Finalized reports whether the turn's reply message has been finalized.
func (a *accumulator) Finalized() bool {
	return a.finalized
}
