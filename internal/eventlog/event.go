// Package eventlog provides the append-only, per-session event log.
//
// Every event carries a session-scoped sequence number. Sequence numbers
// are strictly increasing and gapless within a session; the log is never
// truncated. Compaction (see internal/checkpoint) only advances the
// session's read cursor — history stays queryable forever.
package eventlog

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies the variant of an event.
type Kind string

const (
	// KindUserMessage is a message from the user that started a turn.
	KindUserMessage Kind = "user_message"
	// KindKnowledge is external data injected for the model to read.
	KindKnowledge Kind = "knowledge"
	// KindKnowledgeUpdate re-injects a source with an expanded scope.
	// The earlier rendering stays visible; the model reconciles them.
	KindKnowledgeUpdate Kind = "knowledge_update"
	// KindAction records a tool call the model requested.
	KindAction Kind = "action"
	// KindObservation records a tool's formatted result.
	KindObservation Kind = "observation"
	// KindCheckpoint summarizes a prefix of the log.
	KindCheckpoint Kind = "checkpoint"
)

// UserMessage is the payload for KindUserMessage.
type UserMessage struct {
	Content string `json:"content"`
}

// Knowledge is the payload for KindKnowledge and KindKnowledgeUpdate.
// Data holds the source's own compact rendering, produced at fetch time
// so the context builder stays a pure function of the log.
type Knowledge struct {
	Source string         `json:"source"`
	Params map[string]any `json:"params,omitempty"`
	Reason string         `json:"reason,omitempty"`
	Data   string         `json:"data"`
}

// Action is the payload for KindAction.
type Action struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args,omitempty"`
}

// Observation is the payload for KindObservation.
type Observation struct {
	Tool      string          `json:"tool"`
	Formatted string          `json:"formatted"`
	Raw       json.RawMessage `json:"raw,omitempty"`
	Success   bool            `json:"success"`
	Error     string          `json:"error,omitempty"`
}

// Checkpoint is the payload for KindCheckpoint.
type Checkpoint struct {
	FromSeq  int64    `json:"from_seq"`
	ToSeq    int64    `json:"to_seq"`
	Summary  []string `json:"summary"`
	Snapshot string   `json:"snapshot"`
}

// Event is one record in a session's log. Exactly one payload pointer is
// non-nil, matching Kind. Events are immutable once appended.
type Event struct {
	SessionID string    `json:"session_id"`
	Seq       int64     `json:"seq"`
	Kind      Kind      `json:"kind"`
	At        time.Time `json:"at"`

	User        *UserMessage `json:"user,omitempty"`
	Knowledge   *Knowledge   `json:"knowledge,omitempty"`
	Action      *Action      `json:"action,omitempty"`
	Observation *Observation `json:"observation,omitempty"`
	Checkpoint  *Checkpoint  `json:"checkpoint,omitempty"`
}

// NewUserMessage builds a user-message event (sequence assigned on append).
func NewUserMessage(content string) Event {
	return Event{Kind: KindUserMessage, User: &UserMessage{Content: content}}
}

// NewKnowledge builds a knowledge event. update selects the
// knowledge_update variant for scope expansions of an existing source.
func NewKnowledge(source string, params map[string]any, reason, data string, update bool) Event {
	kind := KindKnowledge
	if update {
		kind = KindKnowledgeUpdate
	}
	return Event{Kind: kind, Knowledge: &Knowledge{
		Source: source,
		Params: params,
		Reason: reason,
		Data:   data,
	}}
}

// NewAction builds an action event for a tool call.
func NewAction(tool string, args map[string]any) Event {
	return Event{Kind: KindAction, Action: &Action{Tool: tool, Args: args}}
}

// NewObservation builds an observation event for a tool result.
func NewObservation(tool, formatted string, raw json.RawMessage, success bool, errMsg string) Event {
	return Event{Kind: KindObservation, Observation: &Observation{
		Tool:      tool,
		Formatted: formatted,
		Raw:       raw,
		Success:   success,
		Error:     errMsg,
	}}
}

// NewCheckpoint builds a checkpoint event covering [fromSeq, toSeq].
func NewCheckpoint(fromSeq, toSeq int64, summary []string, snapshot string) Event {
	return Event{Kind: KindCheckpoint, Checkpoint: &Checkpoint{
		FromSeq:  fromSeq,
		ToSeq:    toSeq,
		Summary:  summary,
		Snapshot: snapshot,
	}}
}

// payload returns the variant payload matching e.Kind.
func (e Event) payload() (any, error) {
	switch e.Kind {
	case KindUserMessage:
		return e.User, nil
	case KindKnowledge, KindKnowledgeUpdate:
		return e.Knowledge, nil
	case KindAction:
		return e.Action, nil
	case KindObservation:
		return e.Observation, nil
	case KindCheckpoint:
		return e.Checkpoint, nil
	}
	return nil, fmt.Errorf("unknown event kind %q", e.Kind)
}

// marshalPayload serializes the variant payload for storage.
func (e Event) marshalPayload() ([]byte, error) {
	p, err := e.payload()
	if err != nil {
		return nil, err
	}
	return json.Marshal(p)
}

// unmarshalPayload populates the variant pointer for e.Kind from stored JSON.
func (e *Event) unmarshalPayload(data []byte) error {
	switch e.Kind {
	case KindUserMessage:
		e.User = &UserMessage{}
		return json.Unmarshal(data, e.User)
	case KindKnowledge, KindKnowledgeUpdate:
		e.Knowledge = &Knowledge{}
		return json.Unmarshal(data, e.Knowledge)
	case KindAction:
		e.Action = &Action{}
		return json.Unmarshal(data, e.Action)
	case KindObservation:
		e.Observation = &Observation{}
		return json.Unmarshal(data, e.Observation)
	case KindCheckpoint:
		e.Checkpoint = &Checkpoint{}
		return json.Unmarshal(data, e.Checkpoint)
	}
	return fmt.Errorf("unknown event kind %q", e.Kind)
}
