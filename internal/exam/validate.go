package exam

import "strings"

var optionLabels = []string{"A", "B", "C", "D", "E"}

func validateCreateExam(in *CreateExamInput) error {
	in.Title = strings.TrimSpace(in.Title)
	in.Code = strings.TrimSpace(in.Code)
	if in.Title == "" {
		return validationf("title is required")
	}
	if in.Code == "" {
		return validationf("exam code is required")
	}
	if in.NegativeMarks < 0 {
		return validationf("negative_marks must be >= 0")
	}
	// A configured value without the flag is normalized away, not rejected.
	if !in.NegativeMarking {
		in.NegativeMarks = 0
	}
	return nil
}

// validateQuestion normalizes the payload in place: labels are forced upper
// case and assigned A..E in order.
func validateQuestion(in *QuestionInput) error {
	in.Prompt = strings.TrimSpace(in.Prompt)
	if in.Prompt == "" {
		return validationf("prompt is required")
	}
	if in.Marks <= 0 {
		return validationf("marks must be > 0")
	}
	if len(in.Options) < 4 || len(in.Options) > 5 {
		return validationf("a question needs 4 or 5 options, got %d", len(in.Options))
	}
	for i := range in.Options {
		in.Options[i].Label = optionLabels[i]
		in.Options[i].Text = strings.TrimSpace(in.Options[i].Text)
		if in.Options[i].Text == "" {
			return validationf("option %s must not be empty", in.Options[i].Label)
		}
	}
	in.CorrectOption = strings.ToUpper(strings.TrimSpace(in.CorrectOption))
	for _, opt := range in.Options {
		if opt.Label == in.CorrectOption {
			return nil
		}
	}
	return validationf("correct_option %q does not reference a populated option", in.CorrectOption)
}

// validateAnswers checks a submission against the exam's question set: every
// referenced question must belong to the exam and appear at most once. The
// returned map is keyed by question ID; blank selections are dropped so they
// grade as unattempted.
func validateAnswers(questions []Question, answers []AnswerInput) (map[string]string, error) {
	known := make(map[string]struct{}, len(questions))
	for _, q := range questions {
		known[q.ID] = struct{}{}
	}
	selected := make(map[string]string, len(answers))
	for _, a := range answers {
		if _, ok := known[a.QuestionID]; !ok {
			return nil, validationf("answer references unknown question %q", a.QuestionID)
		}
		if _, dup := selected[a.QuestionID]; dup {
			return nil, validationf("duplicate answer for question %q", a.QuestionID)
		}
		sel := strings.ToUpper(strings.TrimSpace(a.SelectedOption))
		selected[a.QuestionID] = sel
	}
	for id, sel := range selected {
		if sel == "" {
			delete(selected, id)
		}
	}
	return selected, nil
}

func normalizePatch(e *Exam, patch SettingsPatch) error {
	if patch.NegativeMarking != nil {
		e.NegativeMarking = *patch.NegativeMarking
	}
	if patch.NegativeMarks != nil {
		e.NegativeMarks = *patch.NegativeMarks
	}
	if e.NegativeMarks < 0 {
		return validationf("negative_marks must be >= 0")
	}
	if !e.NegativeMarking {
		e.NegativeMarks = 0
	}
	return nil
}
