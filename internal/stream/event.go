// Package stream implements the ingestion engine for agent backend
// responses: connection lifecycle, dual-protocol framing, incremental
// object reconstruction, content classification, duplicate suppression,
// turn-termination detection, and routing into host callbacks.
package stream

import (
	"encoding/json"
	"log/slog"
)

// ToolCall describes a tool invocation requested by the model.
type ToolCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
	ID   string         `json:"id,omitempty"`
}

// ToolResult describes the outcome of a tool invocation.
type ToolResult struct {
	Name   string `json:"name"`
	Result any    `json:"result,omitempty"`
	ID     string `json:"id,omitempty"`
}

// ContentPart is the atomic unit of model output: response text, thought
// text, or a tool call/result. Immutable once produced.
type ContentPart struct {
	Text       string      `json:"text,omitempty"`
	IsThought  bool        `json:"isThought,omitempty"`
	ToolCall   *ToolCall   `json:"toolCall,omitempty"`
	ToolResult *ToolResult `json:"toolResult,omitempty"`
}

// agentEvent mirrors the structured object shape both wire modes produce
// once reconstructed.
type agentEvent struct {
	Content *struct {
		Parts []ContentPart `json:"parts"`
	} `json:"content"`
	Author  string `json:"author"`
	Actions *struct {
		ResultDelta *resultDelta `json:"resultDelta"`
	} `json:"actions"`
}

// resultDelta carries turn-level results that arrive outside content parts.
type resultDelta struct {
	FinalReportWithCitations string         `json:"finalReportWithCitations"`
	SourceIDMap              map[string]any `json:"sourceIdMap"`
	Sources                  map[string]any `json:"sources"`
}

// ParsedEvent is the normalized classification of one structured object.
type ParsedEvent struct {
	Author          string
	Texts           []ContentPart // response-text parts, in wire order
	Thoughts        []ContentPart // thought-text parts, in wire order
	ToolCall        *ToolCall
	ToolResult      *ToolResult
	SourceIDMap     map[string]any
	SourceCount     int
	FinalReport     bool
	FinalReportText string
}

// ParseEvent classifies one complete structured object. It never fails
// outward: a malformed object is logged and the zero ParsedEvent returned
// so the pipeline continues.
func ParseEvent(data []byte, log *slog.Logger) ParsedEvent {
	if log == nil {
		log = slog.Default()
	}

	var raw agentEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		log.Warn("skipping malformed agent event", "error", err, "bytes", len(data))
		return ParsedEvent{}
	}

	ev := ParsedEvent{Author: raw.Author}

	if raw.Content != nil {
		for i := range raw.Content.Parts {
			part := raw.Content.Parts[i]
			if part.ToolCall != nil && ev.ToolCall == nil {
				ev.ToolCall = part.ToolCall
			}
			if part.ToolResult != nil && ev.ToolResult == nil {
				ev.ToolResult = part.ToolResult
			}
			if part.Text == "" {
				continue
			}
			if part.IsThought {
				ev.Thoughts = append(ev.Thoughts, part)
			} else {
				ev.Texts = append(ev.Texts, part)
			}
		}
	}

	if raw.Actions != nil && raw.Actions.ResultDelta != nil {
		rd := raw.Actions.ResultDelta
		if rd.FinalReportWithCitations != "" {
			ev.FinalReport = true
			ev.FinalReportText = rd.FinalReportWithCitations
		}
		// The id map is authoritative for the source counter; fall back to
		// the sources map when only that is populated.
		switch {
		case len(rd.SourceIDMap) > 0:
			ev.SourceIDMap = rd.SourceIDMap
			ev.SourceCount = len(rd.SourceIDMap)
		case len(rd.Sources) > 0:
			ev.SourceIDMap = rd.Sources
			ev.SourceCount = len(rd.Sources)
		}
	}

	return ev
}

// Empty reports whether the event carries no routable content.
func (e ParsedEvent) Empty() bool {
	return len(e.Texts) == 0 && len(e.Thoughts) == 0 &&
		e.ToolCall == nil && e.ToolResult == nil &&
		len(e.SourceIDMap) == 0 && !e.FinalReport
}
