package coach

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/stride-ai/stride/internal/stream"
	"github.com/stride-ai/stride/internal/tools"
)

// Toolset wires the coaching tools to their collaborators.
type Toolset struct {
	store *Store
	gen   *Generator
	bus   *stream.Bus
}

// NewToolset creates the coaching toolset. bus may be nil.
func NewToolset(store *Store, bus *stream.Bus) *Toolset {
	return &Toolset{store: store, gen: &Generator{}, bus: bus}
}

// RegisterAll registers the coaching tools on the registry.
// generate_workout and ask_user are full-data tools: the model must see
// the plan to discuss it and the question to track what it asked.
func (t *Toolset) RegisterAll(reg *tools.Registry) {
	reg.Register(&tools.Definition{
		Name:        "generate_workout",
		Description: "Generate a workout plan matched to the user's available equipment.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"duration_minutes": map[string]any{
					"type":        "integer",
					"description": "Total workout length in minutes",
				},
				"intensity": map[string]any{
					"type":        "string",
					"description": "low, moderate, or high",
				},
				"focus": map[string]any{
					"type":        "string",
					"description": "Optional focus: strength, cardio, or core",
				},
			},
			"required": []string{"duration_minutes"},
		},
		Tier:    tools.TierFull,
		Execute: t.generateWorkout,
	})

	reg.Register(&tools.Definition{
		Name:        "adjust_workout",
		Description: "Adjust a previously generated workout: swap an exercise or change the duration.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"workout_id": map[string]any{
					"type":        "string",
					"description": "ID of the workout to adjust",
				},
				"replace_exercise": map[string]any{
					"type":        "string",
					"description": "Name of the exercise to replace",
				},
				"with": map[string]any{
					"type":        "string",
					"description": "Replacement exercise name",
				},
				"duration_minutes": map[string]any{
					"type":        "integer",
					"description": "New total duration in minutes",
				},
			},
			"required": []string{"workout_id"},
		},
		Tier: tools.TierSummary,
		Summarize: func(res tools.Result) string {
			w, ok := res.Data.(*Workout)
			if !ok {
				return res.Text
			}
			// The registered ID is appended to the observation by the
			// dispatcher; repeating it here would advertise it twice.
			return fmt.Sprintf("workout adjusted: %s, %d min, %d exercises",
				w.Title, w.DurationMin, len(w.Exercises))
		},
		Execute: t.adjustWorkout,
	})

	reg.Register(&tools.Definition{
		Name:        "send_message",
		Description: "Send a message to the user, optionally attaching generated objects by ID.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{
					"type":        "string",
					"description": "Message text, markdown allowed",
				},
				"attachments": map[string]any{
					"type":        "array",
					"description": "IDs of displayable objects to attach",
					"items":       map[string]any{"type": "string"},
				},
			},
			"required": []string{"text"},
		},
		Tier:    tools.TierConfirm,
		Confirm: "sent",
		Execute: t.sendMessage,
	})

	reg.Register(&tools.Definition{
		Name:        "ask_user",
		Description: "Ask the user a clarifying question. Their reply arrives as the next message.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"question": map[string]any{
					"type":        "string",
					"description": "The question to ask",
				},
			},
			"required": []string{"question"},
		},
		Tier:    tools.TierFull,
		Execute: t.askUser,
	})

	reg.Register(&tools.Definition{
		Name:        "idle",
		Description: "Signal that the turn is complete and no further action is needed.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Tier:     tools.TierConfirm,
		Confirm:  "idle",
		Terminal: true,
		Execute: func(_ context.Context, _ map[string]any, _ *tools.SessionContext) (tools.Result, error) {
			return tools.Result{Text: "idle"}, nil
		},
	})
}

func (t *Toolset) generateWorkout(ctx context.Context, args map[string]any, sc *tools.SessionContext) (tools.Result, error) {
	userID := tools.UserIDFromContext(ctx)
	if userID == "" && sc != nil && sc.Session != nil {
		userID = sc.Session.UserID
	}

	equipment, err := t.store.Equipment(ctx, userID)
	if err != nil {
		return tools.Result{}, fmt.Errorf("load equipment: %w", err)
	}

	duration := intParam(args, "duration_minutes", 30)
	intensity, _ := args["intensity"].(string)
	focus, _ := args["focus"].(string)

	w := t.gen.Generate(duration, intensity, focus, equipment)
	return tools.Result{
		Text:        w.Render(),
		Data:        w,
		Displayable: w,
	}, nil
}

func (t *Toolset) adjustWorkout(ctx context.Context, args map[string]any, sc *tools.SessionContext) (tools.Result, error) {
	id, _ := args["workout_id"].(string)
	w, err := resolveWorkout(sc, id)
	if err != nil {
		return tools.Result{}, err
	}

	// Adjusted plans get a fresh identity so both versions remain
	// addressable in the session.
	adjusted := *w
	adjusted.ID = uuid.NewString()
	adjusted.Exercises = append([]Exercise(nil), w.Exercises...)

	if target, _ := args["replace_exercise"].(string); target != "" {
		replacement, _ := args["with"].(string)
		if replacement == "" {
			return tools.Result{}, fmt.Errorf("replace_exercise requires the 'with' argument")
		}
		if !swapExercise(adjusted.Exercises, target, replacement) {
			return tools.Result{}, fmt.Errorf("exercise %q not found in workout %s", target, id)
		}
	}

	if d := intParam(args, "duration_minutes", 0); d > 0 {
		adjusted.DurationMin = d
	}

	return tools.Result{
		Text:        adjusted.Render(),
		Data:        &adjusted,
		Displayable: &adjusted,
	}, nil
}

func (t *Toolset) sendMessage(ctx context.Context, args map[string]any, sc *tools.SessionContext) (tools.Result, error) {
	text, _ := args["text"].(string)

	var attachments []stream.Attachment
	if raw, ok := args["attachments"].([]any); ok {
		for _, v := range raw {
			id, _ := v.(string)
			if id == "" {
				continue
			}
			data, ok := resolveDisplayable(sc, id)
			if !ok {
				return tools.Result{}, fmt.Errorf("unknown attachment %q", id)
			}
			attachments = append(attachments, stream.Attachment{ID: id, Data: data})
		}
	}

	t.bus.Publish(stream.Message{
		SessionID:   sessionID(sc),
		Type:        stream.TypeMessage,
		Text:        text,
		HTML:        stream.RenderHTML(text),
		Attachments: attachments,
	})

	return tools.Result{Text: "message sent"}, nil
}

func (t *Toolset) askUser(ctx context.Context, args map[string]any, sc *tools.SessionContext) (tools.Result, error) {
	question, _ := args["question"].(string)

	t.bus.Publish(stream.Message{
		SessionID: sessionID(sc),
		Type:      stream.TypeMessage,
		Text:      question,
		HTML:      stream.RenderHTML(question),
	})

	return tools.Result{Text: "asked the user: " + question}, nil
}

func resolveWorkout(sc *tools.SessionContext, id string) (*Workout, error) {
	data, ok := resolveDisplayable(sc, id)
	if !ok {
		return nil, fmt.Errorf("unknown workout %q", id)
	}
	var w Workout
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("object %q is not a workout: %w", id, err)
	}
	return &w, nil
}

func resolveDisplayable(sc *tools.SessionContext, id string) (json.RawMessage, bool) {
	if sc == nil || sc.Session == nil {
		return nil, false
	}
	data, ok := sc.Session.Displayables[id]
	return data, ok
}

func sessionID(sc *tools.SessionContext) string {
	if sc == nil || sc.Session == nil {
		return ""
	}
	return sc.Session.ID
}

func swapExercise(exercises []Exercise, target, replacement string) bool {
	for i := range exercises {
		if strings.EqualFold(exercises[i].Name, target) {
			exercises[i] = Exercise{Name: replacement, Sets: exercises[i].Sets, Reps: exercises[i].Reps}
			return true
		}
	}
	return false
}
