package coach

import (
	"context"
	"fmt"
	"strings"
)

// TrainingProvider contributes the user's training state to session
// checkpoints so a compacted context still knows where the plan stands.
type TrainingProvider struct {
	store *Store
}

// NewTrainingProvider creates the checkpoint collaborator.
func NewTrainingProvider(store *Store) *TrainingProvider {
	return &TrainingProvider{store: store}
}

// Name labels the snapshot section.
func (p *TrainingProvider) Name() string { return "training" }

// Snapshot summarizes active goals and the most recent session.
func (p *TrainingProvider) Snapshot(ctx context.Context, _, userID string) (string, error) {
	goals, err := p.store.Goals(ctx, userID)
	if err != nil {
		return "", err
	}
	history, err := p.store.History(ctx, userID, 7)
	if err != nil {
		return "", err
	}

	var parts []string
	if len(goals) > 0 {
		descs := make([]string, len(goals))
		for i, g := range goals {
			descs[i] = g.Description
		}
		parts = append(parts, "goals: "+strings.Join(descs, "; "))
	}
	if len(history) > 0 {
		last := history[0]
		parts = append(parts, fmt.Sprintf("last workout: %s on %s (%d min)",
			last.Kind, last.CompletedAt.Format("2006-01-02"), last.DurationMin))
	}
	return strings.Join(parts, ". "), nil
}
