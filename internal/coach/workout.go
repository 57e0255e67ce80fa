package coach

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Exercise is one block of a workout.
type Exercise struct {
	Name        string `json:"name"`
	Sets        int    `json:"sets,omitempty"`
	Reps        int    `json:"reps,omitempty"`
	DurationMin int    `json:"duration_min,omitempty"`
	Equipment   string `json:"equipment,omitempty"`
}

// Workout is a generated training plan. It is the displayable object
// the workout tools produce.
type Workout struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	DurationMin int        `json:"duration_min"`
	Intensity   string     `json:"intensity"`
	Focus       string     `json:"focus,omitempty"`
	Exercises   []Exercise `json:"exercises"`
}

// DisplayID keys the workout's displayable registration by its own ID,
// so the ID a plan carries is the one tools accept back.
func (w *Workout) DisplayID() string {
	return w.ID
}

// Render produces the full-text form of a workout for the model.
func (w *Workout) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%d min, %s intensity)\n", w.Title, w.DurationMin, w.Intensity)
	for i, ex := range w.Exercises {
		fmt.Fprintf(&b, "%d. %s", i+1, ex.Name)
		if ex.Sets > 0 {
			fmt.Fprintf(&b, " — %dx%d", ex.Sets, ex.Reps)
		}
		if ex.DurationMin > 0 {
			fmt.Fprintf(&b, " — %d min", ex.DurationMin)
		}
		if ex.Equipment != "" {
			fmt.Fprintf(&b, " [%s]", ex.Equipment)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// catalogEntry is a template the generator draws from.
type catalogEntry struct {
	name      string
	focus     string
	equipment string // "" means bodyweight
	sets      int
	reps      int
}

// exerciseCatalog is ordered: the generator walks it top to bottom, so
// generation is deterministic for a given input.
var exerciseCatalog = []catalogEntry{
	{name: "Goblet squat", focus: "strength", equipment: "kettlebell", sets: 3, reps: 10},
	{name: "Dumbbell bench press", focus: "strength", equipment: "dumbbells", sets: 3, reps: 8},
	{name: "Dumbbell row", focus: "strength", equipment: "dumbbells", sets: 3, reps: 10},
	{name: "Kettlebell swing", focus: "strength", equipment: "kettlebell", sets: 3, reps: 15},
	{name: "Pull-up", focus: "strength", equipment: "pull-up bar", sets: 3, reps: 6},
	{name: "Push-up", focus: "strength", equipment: "", sets: 3, reps: 12},
	{name: "Bodyweight squat", focus: "strength", equipment: "", sets: 3, reps: 15},
	{name: "Walking lunge", focus: "strength", equipment: "", sets: 3, reps: 10},
	{name: "Plank", focus: "core", equipment: "", sets: 3, reps: 0},
	{name: "Russian twist", focus: "core", equipment: "", sets: 3, reps: 20},
	{name: "Jump rope", focus: "cardio", equipment: "jump rope", sets: 0, reps: 0},
	{name: "Burpee", focus: "cardio", equipment: "", sets: 3, reps: 10},
	{name: "High knees", focus: "cardio", equipment: "", sets: 0, reps: 0},
	{name: "Mountain climber", focus: "cardio", equipment: "", sets: 3, reps: 20},
}

// minutes each selected exercise occupies, including rest.
const minutesPerExercise = 6

// warmup and cooldown bracket every plan.
const bracketMinutes = 4

// Generator builds workout plans from the catalog. Selection is rule
// based and deterministic; the model shapes the plan through the tool
// arguments, not through generation randomness.
type Generator struct{}

// Generate builds a plan for the requested duration, intensity, and
// focus, restricted to the given equipment (bodyweight exercises are
// always allowed).
func (g *Generator) Generate(durationMin int, intensity, focus string, equipment []string) *Workout {
	if durationMin < 10 {
		durationMin = 10
	}
	if intensity == "" {
		intensity = "moderate"
	}

	have := make(map[string]bool, len(equipment))
	for _, e := range equipment {
		have[strings.ToLower(e)] = true
	}

	budget := durationMin - 2*bracketMinutes
	slots := budget / minutesPerExercise
	if slots < 1 {
		slots = 1
	}

	var picked []Exercise
	// Two passes: focus-matched entries first, then anything usable.
	for _, matchFocus := range []bool{true, false} {
		for _, entry := range exerciseCatalog {
			if len(picked) >= slots {
				break
			}
			if matchFocus != (focus != "" && entry.focus == focus) {
				continue
			}
			if entry.equipment != "" && !have[entry.equipment] {
				continue
			}
			if containsExercise(picked, entry.name) {
				continue
			}
			ex := Exercise{
				Name:      entry.name,
				Sets:      entry.sets,
				Reps:      scaleReps(entry.reps, intensity),
				Equipment: entry.equipment,
			}
			if entry.sets == 0 {
				ex.DurationMin = minutesPerExercise
			}
			picked = append(picked, ex)
		}
	}

	title := "Workout"
	if focus != "" {
		title = strings.ToUpper(focus[:1]) + focus[1:] + " workout"
	}

	exercises := make([]Exercise, 0, len(picked)+2)
	exercises = append(exercises, Exercise{Name: "Warm-up", DurationMin: bracketMinutes})
	exercises = append(exercises, picked...)
	exercises = append(exercises, Exercise{Name: "Cool-down", DurationMin: bracketMinutes})

	return &Workout{
		ID:          uuid.NewString(),
		Title:       title,
		DurationMin: durationMin,
		Intensity:   intensity,
		Focus:       focus,
		Exercises:   exercises,
	}
}

func scaleReps(base int, intensity string) int {
	switch intensity {
	case "low":
		return base * 3 / 4
	case "high":
		return base * 5 / 4
	}
	return base
}

func containsExercise(list []Exercise, name string) bool {
	for _, ex := range list {
		if ex.Name == name {
			return true
		}
	}
	return false
}
