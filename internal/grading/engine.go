package grading

import "strings"

// Q is the minimal view of a question needed for grading.
type Q struct {
	ID            string
	CorrectOption string
	Marks         float64
}

// Config is the per-exam marking configuration.
type Config struct {
	NegativeMarking bool
	NegativeMarks   float64 // deducted per wrong answer when enabled
	FloorAtZero     bool    // clamp the obtained total at 0
}

// Outcome is the graded result of one attempt.
type Outcome struct {
	TotalMarks    float64
	ObtainedMarks float64
	Correct       int
	Wrong         int
	Unattempted   int
}

// Grade scores a submitted answer set against the answer key. It is a pure
// function of its inputs: the same questions, answers and config always yield
// the same Outcome. answers maps question ID to the selected option label; a
// missing or empty entry counts as unattempted.
func Grade(questions []Q, answers map[string]string, cfg Config) Outcome {
	var out Outcome
	penalty := 0.0
	if cfg.NegativeMarking && cfg.NegativeMarks > 0 {
		penalty = cfg.NegativeMarks
	}
	for _, q := range questions {
		out.TotalMarks += q.Marks
		selected := strings.TrimSpace(answers[q.ID])
		switch {
		case selected == "":
			out.Unattempted++
		case strings.EqualFold(selected, q.CorrectOption):
			out.Correct++
			out.ObtainedMarks += q.Marks
		default:
			out.Wrong++
			out.ObtainedMarks -= penalty
		}
	}
	if cfg.FloorAtZero && out.ObtainedMarks < 0 {
		out.ObtainedMarks = 0
	}
	return out
}
