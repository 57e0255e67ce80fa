// Package contextbuild renders a session's bounded prompt: the stable
// prefix followed by the event log from the context cursor forward.
//
// Build is a pure function of its inputs. Given the same prefix and the
// same event slice it produces byte-identical output — required both
// for testability and for prompt-cache hits across turns.
package contextbuild

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/stride-ai/stride/internal/eventlog"
)

// Build assembles the prompt for one model call.
func Build(stablePrefix string, events []eventlog.Event) string {
	var sb strings.Builder
	sb.WriteString(stablePrefix)
	if stablePrefix != "" && !strings.HasSuffix(stablePrefix, "\n") {
		sb.WriteString("\n")
	}

	for _, ev := range events {
		sb.WriteString("\n")
		sb.WriteString(renderEvent(ev))
		sb.WriteString("\n")
	}
	return sb.String()
}

// EstimateTokens returns the rough token count of the built prompt,
// using the same chars/4 heuristic everywhere so the checkpoint trigger
// and the builder agree on context size.
func EstimateTokens(stablePrefix string, events []eventlog.Event) int {
	return len(Build(stablePrefix, events)) / 4
}

// renderEvent formats one event for the prompt. Each variant has its
// own renderer; an unknown kind renders as an explicit marker rather
// than vanishing silently.
func renderEvent(ev eventlog.Event) string {
	switch ev.Kind {
	case eventlog.KindUserMessage:
		return fmt.Sprintf("[user]\n%s", ev.User.Content)
	case eventlog.KindKnowledge:
		return renderKnowledge("knowledge", ev.Knowledge)
	case eventlog.KindKnowledgeUpdate:
		return renderKnowledge("knowledge update", ev.Knowledge)
	case eventlog.KindAction:
		return fmt.Sprintf("[action] %s %s", ev.Action.Tool, renderArgs(ev.Action.Args))
	case eventlog.KindObservation:
		o := ev.Observation
		if !o.Success {
			return fmt.Sprintf("[observation] %s failed: %s", o.Tool, o.Error)
		}
		return fmt.Sprintf("[observation] %s\n%s", o.Tool, o.Formatted)
	case eventlog.KindCheckpoint:
		return renderCheckpoint(ev.Checkpoint)
	}
	return fmt.Sprintf("[event %s]", ev.Kind)
}

func renderKnowledge(label string, k *eventlog.Knowledge) string {
	header := fmt.Sprintf("[%s: %s", label, k.Source)
	if len(k.Params) > 0 {
		header += " " + renderArgs(k.Params)
	}
	header += "]"
	return header + "\n" + k.Data
}

func renderCheckpoint(cp *eventlog.Checkpoint) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[summary of events %d-%d]\n", cp.FromSeq, cp.ToSeq)
	for _, line := range cp.Summary {
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	if cp.Snapshot != "" {
		sb.WriteString("[current state]\n")
		sb.WriteString(cp.Snapshot)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// renderArgs serializes a params map with sorted keys so the output is
// deterministic regardless of map iteration order.
func renderArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString("{")
	for i, k := range keys {
		if i > 0 {
			sb.WriteString(", ")
		}
		v, err := json.Marshal(args[k])
		if err != nil {
			v = []byte(fmt.Sprintf("%q", fmt.Sprint(args[k])))
		}
		fmt.Fprintf(&sb, "%s: %s", k, v)
	}
	sb.WriteString("}")
	return sb.String()
}
