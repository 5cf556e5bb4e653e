package stream

import (
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// TimelineEvent is a titled side-channel record emitted apart from the reply:
// a tool call, a tool result, a research step, or retrieved sources.
type TimelineEvent struct {
	Title string         `json:"title"`
	Data  map[string]any `json:"data,omitempty"`
}

// Callbacks is the only contract the engine requires from its surroundings.
// The host decides what updates mean (render, persist, fan out); the engine
// never touches storage or UI state directly.
type Callbacks interface {
	OnMessageUpdate(update MessageUpdate)
	OnEventUpdate(messageID string, event TimelineEvent)
	OnSourceCountUpdate(count int)
}

// RouterConfig configures per-deployment agent routing.
type RouterConfig struct {
	// PrimaryAgents are the planner/driver agents whose response text streams
	// directly into the single growing reply.
	PrimaryAgents []string
	// FinalReportAgent, together with a populated final-report flag, emits a
	// brand-new terminal message carrying the composed report.
	FinalReportAgent string
	// ForwardThoughts streams primary-agent thought text into the reply
	// instead of the timeline. The two observed deployments disagree on
	// this, so it is explicit configuration.
	ForwardThoughts bool
	// Finalize selects the turn finalization strategy.
	Finalize FinalizeStrategy
}

// DefaultRouterConfig returns the routing used by the hosted deployment.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		PrimaryAgents:    []string{"root_agent", "interactive_planner_agent"},
		FinalReportAgent: "report_composer_with_citations",
	}
}

// processor converts classified, deduplicated, terminated records into host
// callback invocations. All state is scoped to one session.
type processor struct {
	cfg        RouterConfig
	cb         Callbacks
	messageID  string
	primary    map[string]struct{}
	seen       *dedupeSet
	acc        *accumulator
	maxSources int
	halted     func() bool // cancellation gate, checked before every callback
	log        *slog.Logger
}

func newProcessor(cfg RouterConfig, cb Callbacks, messageID string, halted func() bool, log *slog.Logger) *processor {
	if log == nil {
		log = slog.Default()
	}
	if halted == nil {
		halted = func() bool { return false }
	}

	p := &processor{
		cfg:       cfg,
		cb:        cb,
		messageID: messageID,
		primary:   make(map[string]struct{}, len(cfg.PrimaryAgents)),
		seen:      newDedupeSet(),
		halted:    halted,
		log:       log,
	}
	for _, a := range cfg.PrimaryAgents {
		p.primary[a] = struct{}{}
	}
	p.acc = newAccumulator(messageID, cfg.Finalize, func(u MessageUpdate) {
		if p.halted() {
			return
		}
		p.cb.OnMessageUpdate(u)
	})
	return p
}

func (p *processor) isPrimary(author string) bool {
	_, ok := p.primary[author]
	return ok
}

// Process routes one classified event into callbacks.
func (p *processor) Process(ev ParsedEvent) {
	if p.halted() || ev.Empty() {
		return
	}

	// Tool activity always lands on the timeline, whatever the agent.
	if ev.ToolCall != nil && p.seen.FirstSeen(ContentPart{ToolCall: ev.ToolCall}) {
		p.emitEvent(TimelineEvent{
			Title: "Tool call: " + ev.ToolCall.Name,
			Data:  map[string]any{"name": ev.ToolCall.Name, "args": ev.ToolCall.Args, "id": ev.ToolCall.ID},
		})
	}
	if ev.ToolResult != nil && p.seen.FirstSeen(ContentPart{ToolResult: ev.ToolResult}) {
		p.emitEvent(TimelineEvent{
			Title: "Tool result: " + ev.ToolResult.Name,
			Data:  map[string]any{"name": ev.ToolResult.Name, "result": ev.ToolResult.Result, "id": ev.ToolResult.ID},
		})
	}

	p.routeThoughts(ev)
	p.routeTexts(ev)

	if len(ev.SourceIDMap) > 0 {
		p.emitEvent(TimelineEvent{
			Title: "Retrieved sources",
			Data:  map[string]any{"count": ev.SourceCount, "sources": ev.SourceIDMap},
		})
		// Running maximum: the counter never regresses within a turn.
		if ev.SourceCount > p.maxSources {
			p.maxSources = ev.SourceCount
			if !p.halted() {
				p.cb.OnSourceCountUpdate(p.maxSources)
			}
		}
	}
}

func (p *processor) routeThoughts(ev ParsedEvent) {
	var thoughts []string
	for _, part := range ev.Thoughts {
		if p.seen.FirstSeen(part) {
			thoughts = append(thoughts, part.Text)
		}
	}
	if len(thoughts) == 0 {
		return
	}

	if p.cfg.ForwardThoughts && p.isPrimary(ev.Author) {
		for _, t := range thoughts {
			p.acc.Append(t)
		}
		return
	}
	p.emitEvent(TimelineEvent{
		Title: "Thinking",
		Data:  map[string]any{"author": ev.Author, "text": strings.Join(thoughts, "\n\n")},
	})
}

func (p *processor) routeTexts(ev ParsedEvent) {
	var texts []string
	for _, part := range ev.Texts {
		if p.seen.FirstSeen(part) {
			texts = append(texts, part.Text)
		}
	}

	switch {
	case ev.FinalReport && ev.Author == p.cfg.FinalReportAgent:
		// The composed report is a brand-new terminal message, not an edit
		// of the streaming one.
		report := ev.FinalReportText
		if report == "" {
			report = strings.Join(texts, "")
		}
		if report == "" || p.halted() {
			return
		}
		p.cb.OnMessageUpdate(MessageUpdate{MessageID: uuid.NewString(), Content: report, Final: true})

	case len(texts) == 0:
		return

	case p.isPrimary(ev.Author):
		for _, t := range texts {
			p.acc.Append(t)
		}

	default:
		p.emitEvent(TimelineEvent{
			Title: ev.Author,
			Data:  map[string]any{"text": strings.Join(texts, "\n\n")},
		})
	}
}

// Finish finalizes the turn at natural stream end. Idempotent.
func (p *processor) Finish() {
	p.acc.Finish()
}

func (p *processor) emitEvent(ev TimelineEvent) {
	if p.halted() {
		return
	}
	p.cb.OnEventUpdate(p.messageID, ev)
}
