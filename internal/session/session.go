// Package session manages conversation sessions: their lifecycle state,
// the stable context prefix, the event-log read cursor, injected
// knowledge tracking, and the displayable registry.
//
// A session has a single writer at a time. The turn lock (see Locks)
// rejects a second concurrent turn for the same session rather than
// interleaving two turns' tool calls.
package session

import (
	"encoding/json"
	"time"
)

// State is the lifecycle state of a session.
type State string

const (
	// StateActive means a turn is in progress or the session is freshly created.
	StateActive State = "active"
	// StateIdle means the last turn completed normally.
	StateIdle State = "idle"
	// StateCompleted means the session was closed deliberately.
	StateCompleted State = "completed"
	// StateError means the last turn failed; the session remains usable.
	StateError State = "error"
	// StateExpired means the archiver retired the session after inactivity.
	StateExpired State = "expired"
)

// Identified is implemented by displayable objects that carry their own
// ID. Registration keys such objects by that ID, so the identity
// embedded in the object matches the handle callers pass back.
type Identified interface {
	DisplayID() string
}

// KnowledgeRef records one knowledge injection since the last checkpoint.
// Order matters: it mirrors injection order in the log.
type KnowledgeRef struct {
	Source string         `json:"source"`
	Params map[string]any `json:"params,omitempty"`
}

// Session is one conversation. StablePrefix is built once at creation
// and never changes, so identical prompt prefixes serialize identically
// across turns. ContextStartSeq is the cursor the context builder reads
// from; the checkpoint manager advances it.
type Session struct {
	ID              string                     `json:"id"`
	UserID          string                     `json:"user_id"`
	State           State                      `json:"state"`
	StablePrefix    string                     `json:"stable_prefix"`
	ContextStartSeq int64                      `json:"context_start_seq"`
	Knowledge       []KnowledgeRef             `json:"knowledge,omitempty"`
	Displayables    map[string]json.RawMessage `json:"displayables,omitempty"`
	CreatedAt       time.Time                  `json:"created_at"`
	UpdatedAt       time.Time                  `json:"updated_at"`
}

// HasKnowledge reports whether a source is already in context with
// params that cover the requested scope. Numeric params cover when the
// existing value is greater or equal (a 30-day lookback covers a
// 14-day request); everything else requires equality.
func (s *Session) HasKnowledge(source string, params map[string]any) bool {
	for _, ref := range s.Knowledge {
		if ref.Source != source {
			continue
		}
		if ParamsCover(ref.Params, params) {
			return true
		}
	}
	return false
}

// ParamsCover reports whether existing params satisfy a requested scope.
func ParamsCover(existing, requested map[string]any) bool {
	for k, want := range requested {
		have, ok := existing[k]
		if !ok {
			return false
		}
		hn, hok := asFloat(have)
		wn, wok := asFloat(want)
		if hok && wok {
			if hn < wn {
				return false
			}
			continue
		}
		if have != want {
			return false
		}
	}
	return true
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
