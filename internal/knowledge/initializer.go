package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/stride-ai/stride/internal/eventlog"
	"github.com/stride-ai/stride/internal/session"
)

// Selection names one source the decider wants appended.
type Selection struct {
	Source string         `json:"source"`
	Params map[string]any `json:"params,omitempty"`
	Reason string         `json:"reason,omitempty"`
}

// Decision is the decider's output for one user turn. Append lists new
// injections (or scope expansions); Reuse lists sources already in
// context that the turn relies on. There is no remove: knowledge only
// grows until a checkpoint clears the tracking.
type Decision struct {
	Append []Selection `json:"append"`
	Reuse  []string    `json:"reuse,omitempty"`
}

// Decider chooses knowledge for a user message. Implementations should
// be cheap and fast relative to the main agent model — this runs before
// every turn.
type Decider interface {
	Decide(ctx context.Context, catalog []*Descriptor, existing []session.KnowledgeRef, userMessage string) (Decision, error)
}

// Initializer runs once per user turn, before the user message is
// appended to the log. Knowledge lands first so the prompt prefix stays
// cache-friendly: the message that triggered the injection follows it.
type Initializer struct {
	registry *Registry
	decider  Decider
	logger   *slog.Logger
}

// NewInitializer creates an initializer.
func NewInitializer(registry *Registry, decider Decider, logger *slog.Logger) *Initializer {
	return &Initializer{registry: registry, decider: decider, logger: logger}
}

// Run decides, fetches, and returns the knowledge events to append for
// this turn, in order. It does not touch sess.Knowledge: the caller
// records a tracking ref only once the matching event is durably in the
// log. A ref without a logged event would suppress re-injection of that
// source on every later turn.
//
// Failure policy: a decider error falls back to appending nothing; a
// fetch error logs and skips that source. Missing optional knowledge is
// never fatal to the turn.
func (i *Initializer) Run(ctx context.Context, sess *session.Session, userMessage string) ([]eventlog.Event, error) {
	decision, err := i.decider.Decide(ctx, i.registry.List(), sess.Knowledge, userMessage)
	if err != nil {
		i.logger.Warn("knowledge decider failed, continuing without new knowledge",
			"session", sess.ID, "error", err)
		return nil, nil
	}

	var events []eventlog.Event
	var pending []session.KnowledgeRef
	for _, sel := range decision.Append {
		desc, ok := i.registry.Get(sel.Source)
		if !ok {
			i.logger.Warn("decider selected unknown knowledge source",
				"session", sess.ID, "source", sel.Source)
			continue
		}

		params := sel.Params
		if len(params) == 0 {
			params = desc.DefaultParams
		}

		// Skip sources already present with sufficient scope. The
		// decider should not ask for these, but the invariant is
		// enforced here regardless.
		if sess.HasKnowledge(sel.Source, params) || refsCover(pending, sel.Source, params) {
			continue
		}
		update := hasAnyScope(sess.Knowledge, sel.Source) || hasAnyScope(pending, sel.Source)

		data, err := desc.Fetch(ctx, sess.UserID, params)
		if err != nil {
			i.logger.Warn("knowledge fetch failed, skipping source",
				"session", sess.ID, "source", sel.Source, "error", err)
			continue
		}
		if desc.Format != nil {
			data = desc.Format(params, data)
		}

		ev := eventlog.NewKnowledge(sel.Source, params, sel.Reason, data, update)
		ev.SessionID = sess.ID
		events = append(events, ev)
		pending = append(pending, session.KnowledgeRef{
			Source: sel.Source,
			Params: params,
		})
	}
	return events, nil
}

func refsCover(refs []session.KnowledgeRef, source string, params map[string]any) bool {
	for _, ref := range refs {
		if ref.Source == source && session.ParamsCover(ref.Params, params) {
			return true
		}
	}
	return false
}

func hasAnyScope(refs []session.KnowledgeRef, source string) bool {
	for _, ref := range refs {
		if ref.Source == source {
			return true
		}
	}
	return false
}

// ChatFunc is a minimal completion function the LLM decider calls. Kept
// as a function type so this package does not depend on a concrete
// client.
type ChatFunc func(ctx context.Context, prompt string) (string, error)

// LLMDecider asks a small, low-randomness model which sources a message
// needs. Falls back to the heuristic decider when the model's output
// cannot be parsed.
type LLMDecider struct {
	chat     ChatFunc
	fallback Decider
}

// NewLLMDecider creates a model-backed decider with a heuristic fallback.
func NewLLMDecider(chat ChatFunc, fallback Decider) *LLMDecider {
	return &LLMDecider{chat: chat, fallback: fallback}
}

// Decide implements Decider.
func (d *LLMDecider) Decide(ctx context.Context, catalog []*Descriptor, existing []session.KnowledgeRef, userMessage string) (Decision, error) {
	prompt := buildDeciderPrompt(catalog, existing, userMessage)
	out, err := d.chat(ctx, prompt)
	if err != nil {
		if d.fallback != nil {
			return d.fallback.Decide(ctx, catalog, existing, userMessage)
		}
		return Decision{}, err
	}

	decision, err := parseDecision(out)
	if err != nil {
		if d.fallback != nil {
			return d.fallback.Decide(ctx, catalog, existing, userMessage)
		}
		return Decision{}, err
	}
	return decision, nil
}

func buildDeciderPrompt(catalog []*Descriptor, existing []session.KnowledgeRef, userMessage string) string {
	var sb strings.Builder
	sb.WriteString("Select which knowledge sources are needed to answer the user.\n")
	sb.WriteString("Available sources:\n")
	for _, d := range catalog {
		fmt.Fprintf(&sb, "- %s: %s\n", d.ID, d.Description)
	}
	if len(existing) > 0 {
		sb.WriteString("Already in context (do not re-select unless a wider scope is needed):\n")
		for _, ref := range existing {
			fmt.Fprintf(&sb, "- %s %v\n", ref.Source, ref.Params)
		}
	}
	fmt.Fprintf(&sb, "User message: %q\n", userMessage)
	sb.WriteString(`Respond with JSON only: {"append":[{"source":"...","params":{},"reason":"..."}],"reuse":["..."]}` + "\n")
	return sb.String()
}

// parseDecision extracts the decision JSON from model output, tolerating
// surrounding prose and code fences.
func parseDecision(out string) (Decision, error) {
	start := strings.Index(out, "{")
	end := strings.LastIndex(out, "}")
	if start == -1 || end <= start {
		return Decision{}, fmt.Errorf("no JSON object in decider output")
	}
	var decision Decision
	if err := json.Unmarshal([]byte(out[start:end+1]), &decision); err != nil {
		return Decision{}, fmt.Errorf("parse decider output: %w", err)
	}
	return decision, nil
}

// KeywordDecider selects sources whose keywords appear in the user
// message. It is the zero-cost fallback when no small model is
// configured or the model output is unusable.
type KeywordDecider struct {
	// Keywords maps source ID to trigger words (lowercase).
	Keywords map[string][]string
	// Always lists sources injected on every first turn.
	Always []string
}

// Decide implements Decider.
func (d *KeywordDecider) Decide(_ context.Context, catalog []*Descriptor, existing []session.KnowledgeRef, userMessage string) (Decision, error) {
	msg := strings.ToLower(userMessage)
	known := make(map[string]bool, len(catalog))
	for _, desc := range catalog {
		known[desc.ID] = true
	}
	inContext := make(map[string]bool, len(existing))
	for _, ref := range existing {
		inContext[ref.Source] = true
	}

	var decision Decision
	add := func(source, reason string) {
		if !known[source] {
			return
		}
		if inContext[source] {
			decision.Reuse = append(decision.Reuse, source)
			return
		}
		inContext[source] = true
		decision.Append = append(decision.Append, Selection{Source: source, Reason: reason})
	}

	for _, source := range d.Always {
		add(source, "baseline context")
	}
	// Walk the catalog, not the keyword map, so append order is
	// deterministic (registration order).
	for _, desc := range catalog {
		for _, w := range d.Keywords[desc.ID] {
			if strings.Contains(msg, w) {
				add(desc.ID, "message mentions "+w)
				break
			}
		}
	}
	return decision, nil
}
