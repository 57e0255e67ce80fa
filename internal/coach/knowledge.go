package coach

import (
	"context"
	"fmt"
	"strings"

	"github.com/stride-ai/stride/internal/knowledge"
)

// Knowledge source IDs.
const (
	SourceGoals       = "goals"
	SourcePreferences = "preferences"
	SourceHistory     = "training_history"
	SourceEquipment   = "equipment"
)

// RegisterKnowledge adds the coaching knowledge sources to the
// registry. Registration order matters: it is the catalog order the
// decider sees and the order heuristic fallback selection follows.
func RegisterKnowledge(reg *knowledge.Registry, store *Store) error {
	sources := []*knowledge.Descriptor{
		{
			ID:          SourceGoals,
			Description: "The user's active training goals.",
			Fetch: func(ctx context.Context, userID string, _ map[string]any) (string, error) {
				goals, err := store.Goals(ctx, userID)
				if err != nil {
					return "", err
				}
				if len(goals) == 0 {
					return "no active goals", nil
				}
				lines := make([]string, len(goals))
				for i, g := range goals {
					lines[i] = "- " + g.Description
				}
				return strings.Join(lines, "\n"), nil
			},
		},
		{
			ID:          SourcePreferences,
			Description: "The user's coaching preferences (style, schedule, constraints).",
			Fetch: func(ctx context.Context, userID string, _ map[string]any) (string, error) {
				prefs, err := store.Preferences(ctx, userID)
				if err != nil {
					return "", err
				}
				if len(prefs) == 0 {
					return "no preferences set", nil
				}
				lines := make([]string, len(prefs))
				for i, p := range prefs {
					lines[i] = fmt.Sprintf("- %s: %s", p.Key, p.Value)
				}
				return strings.Join(lines, "\n"), nil
			},
		},
		{
			ID:          SourceHistory,
			Description: "Recent completed training sessions within a lookback window.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"lookback_days": map[string]any{
						"type":        "integer",
						"description": "How many days of history to include",
					},
				},
			},
			DefaultParams: map[string]any{"lookback_days": 14},
			Fetch: func(ctx context.Context, userID string, params map[string]any) (string, error) {
				days := intParam(params, "lookback_days", 14)
				history, err := store.History(ctx, userID, days)
				if err != nil {
					return "", err
				}
				if len(history) == 0 {
					return fmt.Sprintf("no training in the last %d days", days), nil
				}
				lines := make([]string, len(history))
				for i, ts := range history {
					lines[i] = fmt.Sprintf("- %s: %s, %d min, %s intensity",
						ts.CompletedAt.Format("2006-01-02"), ts.Kind, ts.DurationMin, ts.Intensity)
					if ts.Notes != "" {
						lines[i] += " (" + ts.Notes + ")"
					}
				}
				return strings.Join(lines, "\n"), nil
			},
			Format: func(params map[string]any, data string) string {
				days := intParam(params, "lookback_days", 14)
				return fmt.Sprintf("training history, last %d days:\n%s", days, data)
			},
		},
		{
			ID:          SourceEquipment,
			Description: "Exercise equipment the user has available.",
			Fetch: func(ctx context.Context, userID string, _ map[string]any) (string, error) {
				names, err := store.Equipment(ctx, userID)
				if err != nil {
					return "", err
				}
				if len(names) == 0 {
					return "bodyweight only, no equipment", nil
				}
				return strings.Join(names, ", "), nil
			},
		},
	}

	for _, d := range sources {
		if err := reg.Register(d); err != nil {
			return err
		}
	}
	return nil
}

func intParam(params map[string]any, key string, fallback int) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return fallback
}
