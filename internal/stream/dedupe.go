package stream

import (
	"fmt"
)

// fingerprintPrefixLen bounds the text prefix used for dedup keys. Prefix-only
// keys are collision-tolerant on purpose: they bound memory per turn, and both
// wire modes only ever re-deliver identical parts, not prefix-sharing ones.
const fingerprintPrefixLen = 50

// partFingerprint derives the dedup key for a content part. Text parts key on
// (prefix, isThought, prefix length); tool parts key on their invocation id.
func partFingerprint(p ContentPart) string {
	if p.ToolCall != nil {
		return "call:" + p.ToolCall.ID + ":" + p.ToolCall.Name
	}
	if p.ToolResult != nil {
		return "result:" + p.ToolResult.ID + ":" + p.ToolResult.Name
	}
	prefix := p.Text
	if len(prefix) > fingerprintPrefixLen {
		prefix = prefix[:fingerprintPrefixLen]
	}
	return fmt.Sprintf("%d:%t:%s", len(prefix), p.IsThought, prefix)
}

// dedupeSet suppresses content parts that both wire modes occasionally
// re-deliver across adjacent network reads. Scoped to one session.
type dedupeSet struct {
	seen map[string]struct{}
}

func newDedupeSet() *dedupeSet {
	return &dedupeSet{seen: make(map[string]struct{})}
}

// FirstSeen records the part's fingerprint and reports whether it was new.
// Only first-seen parts are forwarded; repeats are dropped silently.
func (d *dedupeSet) FirstSeen(p ContentPart) bool {
	key := partFingerprint(p)
	if _, ok := d.seen[key]; ok {
		return false
	}
	d.seen[key] = struct{}{}
	return true
}
