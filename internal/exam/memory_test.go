package exam

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
)

const (
	teacherID = "t-1"
	studentID = "s-1"
)

func fourOptions() []Option {
	return []Option{{Text: "red"}, {Text: "green"}, {Text: "blue"}, {Text: "yellow"}}
}

// seedExam creates an exam with three questions (marks 1, 1, 2; keys A, B, C)
// and negative marking 0.5.
func seedExam(t *testing.T, s Store) Exam {
	t.Helper()
	ctx := context.Background()
	e, err := s.CreateExam(ctx, teacherID, CreateExamInput{
		Title:           "Midterm",
		Code:            "MID-" + t.Name(),
		NegativeMarking: true,
		NegativeMarks:   0.5,
	})
	if err != nil {
		t.Fatalf("create exam: %v", err)
	}
	for i, in := range []QuestionInput{
		{Prompt: "first", Options: fourOptions(), CorrectOption: "A", Marks: 1},
		{Prompt: "second", Options: fourOptions(), CorrectOption: "B", Marks: 1},
		{Prompt: "third", Options: fourOptions(), CorrectOption: "C", Marks: 2},
	} {
		if _, err := s.AddQuestion(ctx, e.ID, teacherID, in); err != nil {
			t.Fatalf("add question %d: %v", i, err)
		}
	}
	return e
}

func activate(t *testing.T, s Store, examID string) {
	t.Helper()
	if _, err := s.Activate(context.Background(), examID, teacherID); err != nil {
		t.Fatalf("activate: %v", err)
	}
}

func TestCreateExam_Validation(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore(Policy{})

	if _, err := s.CreateExam(ctx, teacherID, CreateExamInput{Title: "x", Code: "C1", NegativeMarks: -1}); !IsValidation(err) {
		t.Fatalf("negative value: got %v, want validation error", err)
	}

	// A value without the flag is normalized to zero, not rejected.
	e, err := s.CreateExam(ctx, teacherID, CreateExamInput{Title: "x", Code: "C1", NegativeMarking: false, NegativeMarks: 2})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if e.NegativeMarks != 0 {
		t.Fatalf("negative marks = %v, want normalized 0", e.NegativeMarks)
	}
	if e.Status != StatusDraft {
		t.Fatalf("status = %s, want draft", e.Status)
	}

	if _, err := s.CreateExam(ctx, "t-2", CreateExamInput{Title: "y", Code: "C1"}); !IsValidation(err) {
		t.Fatalf("duplicate code: got %v, want validation error", err)
	}
}

func TestActivate_RequiresQuestions(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore(Policy{})
	e, err := s.CreateExam(ctx, teacherID, CreateExamInput{Title: "empty", Code: "E1"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Activate(ctx, e.ID, teacherID); !IsInvalidState(err) {
		t.Fatalf("activate empty exam: got %v, want invalid state", err)
	}
	if _, err := s.AddQuestion(ctx, e.ID, teacherID, QuestionInput{
		Prompt: "q", Options: fourOptions(), CorrectOption: "A", Marks: 1,
	}); err != nil {
		t.Fatal(err)
	}
	got, err := s.Activate(ctx, e.ID, teacherID)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if got.Status != StatusLive {
		t.Fatalf("status = %s, want live", got.Status)
	}
	if _, err := s.Activate(ctx, e.ID, teacherID); !IsInvalidState(err) {
		t.Fatalf("double activate: got %v, want invalid state", err)
	}
}

func TestQuestionFreezeAfterActivate(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore(Policy{})
	e := seedExam(t, s)
	activate(t, s, e.ID)

	_, err := s.AddQuestion(ctx, e.ID, teacherID, QuestionInput{
		Prompt: "late", Options: fourOptions(), CorrectOption: "A", Marks: 1,
	})
	if !IsInvalidState(err) {
		t.Fatalf("add question to live exam: got %v, want invalid state", err)
	}
}

func TestUpdateSettings(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore(Policy{})
	e := seedExam(t, s)

	off := false
	val := 1.25
	got, err := s.UpdateSettings(ctx, e.ID, teacherID, SettingsPatch{NegativeMarks: &val})
	if err != nil {
		t.Fatalf("patch draft: %v", err)
	}
	if got.NegativeMarks != 1.25 {
		t.Fatalf("negative marks = %v, want 1.25", got.NegativeMarks)
	}

	// Disabling the flag zeroes the value.
	got, err = s.UpdateSettings(ctx, e.ID, teacherID, SettingsPatch{NegativeMarking: &off})
	if err != nil {
		t.Fatal(err)
	}
	if got.NegativeMarking || got.NegativeMarks != 0 {
		t.Fatalf("got %v/%v, want disabled with 0", got.NegativeMarking, got.NegativeMarks)
	}

	activate(t, s, e.ID)
	if _, err := s.UpdateSettings(ctx, e.ID, teacherID, SettingsPatch{NegativeMarks: &val}); !IsInvalidState(err) {
		t.Fatalf("patch live exam marking: got %v, want invalid state", err)
	}

	// Closing is always allowed, and only in one direction.
	closed, err := s.UpdateSettings(ctx, e.ID, teacherID, SettingsPatch{Active: &off})
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.Status != StatusClosed {
		t.Fatalf("status = %s, want closed", closed.Status)
	}
	on := true
	if _, err := s.UpdateSettings(ctx, e.ID, teacherID, SettingsPatch{Active: &on}); !IsInvalidState(err) {
		t.Fatalf("reopen: got %v, want invalid state", err)
	}
}

func TestDeleteExam(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore(Policy{})
	e := seedExam(t, s)
	activate(t, s, e.ID)

	if err := s.DeleteExam(ctx, e.ID, teacherID); !IsInvalidState(err) {
		t.Fatalf("delete live exam: got %v, want invalid state", err)
	}

	off := false
	if _, err := s.UpdateSettings(ctx, e.ID, teacherID, SettingsPatch{Active: &off}); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteExam(ctx, e.ID, teacherID); err != nil {
		t.Fatalf("delete closed exam: %v", err)
	}
	if _, err := s.GetExam(ctx, e.ID); !IsNotFound(err) {
		t.Fatalf("deleted exam lookup: got %v, want not found", err)
	}
	// The code is free again.
	if _, err := s.CreateExam(ctx, teacherID, CreateExamInput{Title: "again", Code: e.Code}); err != nil {
		t.Fatalf("reuse code after delete: %v", err)
	}
}

func TestOwnership(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore(Policy{})
	e := seedExam(t, s)

	if _, err := s.Activate(ctx, e.ID, "impostor"); !IsForbidden(err) {
		t.Fatalf("activate by non-owner: got %v, want forbidden", err)
	}
	if _, err := s.ListQuestions(ctx, e.ID, "impostor"); !IsForbidden(err) {
		t.Fatalf("list questions by non-owner: got %v, want forbidden", err)
	}
	if _, err := s.ResultsByExam(ctx, e.ID, "impostor"); !IsForbidden(err) {
		t.Fatalf("results by non-owner: got %v, want forbidden", err)
	}
}

func TestJoin(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore(Policy{})
	e := seedExam(t, s)

	if _, err := s.Join(ctx, "no-such-code", studentID); !IsNotFound(err) {
		t.Fatalf("bad code: got %v, want not found", err)
	}
	if _, err := s.Join(ctx, e.Code, studentID); !IsInvalidState(err) {
		t.Fatalf("join draft: got %v, want invalid state", err)
	}

	activate(t, s, e.ID)
	a, err := s.Join(ctx, e.Code, studentID)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if a.ExamID != e.ID || a.StudentID != studentID || a.Submitted() {
		t.Fatalf("unexpected attempt: %+v", a)
	}
	if a.ExamTitle != e.Title || !a.NegativeMarking || a.NegativeMarks != 0.5 {
		t.Fatalf("attempt missing exam metadata: %+v", a)
	}

	if _, err := s.Join(ctx, e.Code, studentID); !IsConflict(err) {
		t.Fatalf("second join: got %v, want conflict", err)
	}

	off := false
	if _, err := s.UpdateSettings(ctx, e.ID, teacherID, SettingsPatch{Active: &off}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Join(ctx, e.Code, "s-2"); !IsInvalidState(err) {
		t.Fatalf("join closed: got %v, want invalid state", err)
	}
}

func TestJoin_ConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore(Policy{})
	e := seedExam(t, s)
	activate(t, s, e.ID)

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Join(ctx, e.Code, studentID)
		}(i)
	}
	wg.Wait()

	wins, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case IsConflict(err):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || conflicts != n-1 {
		t.Fatalf("wins=%d conflicts=%d, want 1/%d", wins, conflicts, n-1)
	}
}

func TestDeliverableQuestions_Redaction(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore(Policy{})
	e := seedExam(t, s)
	activate(t, s, e.ID)
	a, err := s.Join(ctx, e.Code, studentID)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.DeliverableQuestions(ctx, a.ID, "someone-else"); !IsForbidden(err) {
		t.Fatalf("foreign attempt: got %v, want forbidden", err)
	}

	qs, err := s.DeliverableQuestions(ctx, a.ID, studentID)
	if err != nil {
		t.Fatal(err)
	}
	if len(qs) != 3 {
		t.Fatalf("len = %d, want 3", len(qs))
	}
	for i, q := range qs {
		if q.Position != i+1 {
			t.Fatalf("question %d position = %d, want %d", i, q.Position, i+1)
		}
	}
	// No serialization path may leak the key.
	buf, err := json.Marshal(qs)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(strings.ToLower(string(buf)), "correct") {
		t.Fatalf("redacted payload leaks answer key: %s", buf)
	}

	if _, err := s.Submit(ctx, a.ID, studentID, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.DeliverableQuestions(ctx, a.ID, studentID); !IsInvalidState(err) {
		t.Fatalf("questions after submit: got %v, want invalid state", err)
	}
}

func submitAnswers(qs []RedactedQuestion, picks ...string) []AnswerInput {
	out := make([]AnswerInput, 0, len(picks))
	for i, p := range picks {
		if i >= len(qs) {
			break
		}
		out = append(out, AnswerInput{QuestionID: qs[i].ID, SelectedOption: p})
	}
	return out
}

func TestSubmit_ScoringAndIdempotence(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore(Policy{FloorScoreAtZero: true})
	e := seedExam(t, s)
	activate(t, s, e.ID)
	a, _ := s.Join(ctx, e.Code, studentID)
	qs, _ := s.DeliverableQuestions(ctx, a.ID, studentID)

	// Q1 correct, Q2 wrong, Q3 unattempted: 1 - 0.5 = 0.5 out of 4.
	res, err := s.Submit(ctx, a.ID, studentID, submitAnswers(qs, "A", "D"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.ObtainedMarks != 0.5 || res.TotalMarks != 4 {
		t.Fatalf("obtained %v/%v, want 0.5/4", res.ObtainedMarks, res.TotalMarks)
	}
	if res.Correct != 1 || res.Wrong != 1 || res.Unattempted != 1 {
		t.Fatalf("counts %d/%d/%d, want 1/1/1", res.Correct, res.Wrong, res.Unattempted)
	}

	// A retry with a different payload observes the original result.
	again, err := s.Submit(ctx, a.ID, studentID, submitAnswers(qs, "A", "B", "C"))
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if again != res {
		t.Fatalf("resubmit result %+v, want original %+v", again, res)
	}

	stored, err := s.ResultByAttempt(ctx, a.ID, studentID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.ObtainedMarks != 0.5 {
		t.Fatalf("stored obtained = %v, want 0.5", stored.ObtainedMarks)
	}
}

func TestSubmit_RejectsBadAnswerSets(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore(Policy{})
	e := seedExam(t, s)
	activate(t, s, e.ID)
	a, _ := s.Join(ctx, e.Code, studentID)
	qs, _ := s.DeliverableQuestions(ctx, a.ID, studentID)

	_, err := s.Submit(ctx, a.ID, studentID, []AnswerInput{{QuestionID: "bogus", SelectedOption: "A"}})
	if !IsValidation(err) {
		t.Fatalf("unknown question: got %v, want validation error", err)
	}
	_, err = s.Submit(ctx, a.ID, studentID, []AnswerInput{
		{QuestionID: qs[0].ID, SelectedOption: "A"},
		{QuestionID: qs[0].ID, SelectedOption: "B"},
	})
	if !IsValidation(err) {
		t.Fatalf("duplicate answer: got %v, want validation error", err)
	}
	// A failed validation must not consume the submission.
	if res, err := s.Submit(ctx, a.ID, studentID, submitAnswers(qs, "A", "B", "C")); err != nil || res.ObtainedMarks != 4 {
		t.Fatalf("submit after rejected payloads: res=%+v err=%v", res, err)
	}
}

func TestSubmit_NegativeTotalPolicy(t *testing.T) {
	ctx := context.Background()
	for _, tc := range []struct {
		name  string
		floor bool
		want  float64
	}{
		{name: "unfloored", floor: false, want: -1.5},
		{name: "floored", floor: true, want: 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := NewInMemoryStore(Policy{FloorScoreAtZero: tc.floor})
			e := seedExam(t, s)
			activate(t, s, e.ID)
			a, _ := s.Join(ctx, e.Code, studentID)
			qs, _ := s.DeliverableQuestions(ctx, a.ID, studentID)
			res, err := s.Submit(ctx, a.ID, studentID, submitAnswers(qs, "D", "D", "D"))
			if err != nil {
				t.Fatal(err)
			}
			if res.ObtainedMarks != tc.want {
				t.Fatalf("obtained = %v, want %v", res.ObtainedMarks, tc.want)
			}
		})
	}
}

func TestSubmit_AutoCloseOnGrade(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore(Policy{AutoCloseOnGrade: true})
	e := seedExam(t, s)
	activate(t, s, e.ID)
	a, _ := s.Join(ctx, e.Code, studentID)
	if _, err := s.Submit(ctx, a.ID, studentID, nil); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetExam(ctx, e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusClosed {
		t.Fatalf("status after first grade = %s, want closed", got.Status)
	}
}

func TestResultsByExam(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore(Policy{})
	e := seedExam(t, s)
	activate(t, s, e.ID)

	for _, sub := range []struct {
		student string
		picks   []string
	}{
		{student: "s-1", picks: []string{"A", "B", "C"}}, // 4
		{student: "s-2", picks: []string{"A", "D", ""}},  // 0.5
	} {
		a, err := s.Join(ctx, e.Code, sub.student)
		if err != nil {
			t.Fatal(err)
		}
		qs, _ := s.DeliverableQuestions(ctx, a.ID, sub.student)
		if _, err := s.Submit(ctx, a.ID, sub.student, submitAnswers(qs, sub.picks...)); err != nil {
			t.Fatal(err)
		}
	}

	out, err := s.ResultsByExam(ctx, e.ID, teacherID)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Results) != 2 {
		t.Fatalf("results len = %d, want 2", len(out.Results))
	}
	// Insertion order.
	if out.Results[0].ObtainedMarks != 4 || out.Results[1].ObtainedMarks != 0.5 {
		t.Fatalf("ordered obtained = %v, %v; want 4, 0.5", out.Results[0].ObtainedMarks, out.Results[1].ObtainedMarks)
	}
	sum := out.Summary
	if sum.Attempts != 2 || sum.Highest != 4 || sum.Lowest != 0.5 || sum.Average != 2.25 {
		t.Fatalf("summary = %+v", sum)
	}
}

func TestResultByAttempt_Ungraded(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore(Policy{})
	e := seedExam(t, s)
	activate(t, s, e.ID)
	a, _ := s.Join(ctx, e.Code, studentID)
	if _, err := s.ResultByAttempt(ctx, a.ID, studentID); !IsNotFound(err) {
		t.Fatalf("ungraded result: got %v, want not found", err)
	}
}
