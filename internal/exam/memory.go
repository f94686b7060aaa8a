package exam

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quizforge/quizforge/internal/grading"
)

// memoryStore holds everything behind one lock, which trivially satisfies the
// atomicity requirements of Join and Submit. Used by tests and offline demos.
type memoryStore struct {
	mu     sync.RWMutex
	policy Policy

	exams       map[string]Exam
	examByCode  map[string]string
	questions   map[string][]Question // examID -> ordered by position
	attempts    map[string]Attempt
	attemptKeys map[string]string // examID|studentID -> attemptID
	answers     map[string]map[string]string
	results     map[string]Result
	resultOrder map[string][]string // examID -> attemptIDs, insertion order
}

func NewInMemoryStore(policy Policy) Store {
	return &memoryStore{
		policy:      policy,
		exams:       map[string]Exam{},
		examByCode:  map[string]string{},
		questions:   map[string][]Question{},
		attempts:    map[string]Attempt{},
		attemptKeys: map[string]string{},
		answers:     map[string]map[string]string{},
		results:     map[string]Result{},
		resultOrder: map[string][]string{},
	}
}

func attemptKey(examID, studentID string) string { return examID + "|" + studentID }

func (m *memoryStore) CreateExam(_ context.Context, teacherID string, in CreateExamInput) (Exam, error) {
	if err := validateCreateExam(&in); err != nil {
		return Exam{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.examByCode[in.Code]; taken {
		return Exam{}, validationf("exam code %q already in use", in.Code)
	}
	e := Exam{
		ID:              uuid.NewString(),
		Title:           in.Title,
		Code:            in.Code,
		Status:          StatusDraft,
		NegativeMarking: in.NegativeMarking,
		NegativeMarks:   in.NegativeMarks,
		CreatedBy:       teacherID,
		CreatedAt:       time.Now().Unix(),
	}
	m.exams[e.ID] = e
	m.examByCode[e.Code] = e.ID
	return e, nil
}

func (m *memoryStore) GetExam(_ context.Context, examID string) (Exam, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.examLocked(examID)
}

func (m *memoryStore) examLocked(examID string) (Exam, error) {
	e, ok := m.exams[examID]
	if !ok {
		return Exam{}, notFoundf("exam %q not found", examID)
	}
	e.QuestionCount = len(m.questions[examID])
	for _, q := range m.questions[examID] {
		e.TotalMarks += float64(q.Marks)
	}
	return e, nil
}

// ownedExamLocked resolves an exam and enforces teacher ownership.
func (m *memoryStore) ownedExamLocked(examID, teacherID string) (Exam, error) {
	e, err := m.examLocked(examID)
	if err != nil {
		return Exam{}, err
	}
	if e.CreatedBy != teacherID {
		return Exam{}, forbiddenf("exam %q belongs to another teacher", examID)
	}
	return e, nil
}

func (m *memoryStore) ListExams(_ context.Context, teacherID string) ([]Exam, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []Exam{}
	for id, e := range m.exams {
		if e.CreatedBy != teacherID {
			continue
		}
		full, _ := m.examLocked(id)
		out = append(out, full)
	}
	return out, nil
}

func (m *memoryStore) UpdateSettings(_ context.Context, examID, teacherID string, patch SettingsPatch) (Exam, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.ownedExamLocked(examID, teacherID)
	if err != nil {
		return Exam{}, err
	}
	if patch.touchesMarking() {
		if e.Status != StatusDraft {
			return Exam{}, invalidStatef("negative marking is frozen once the exam leaves draft")
		}
		if err := normalizePatch(&e, patch); err != nil {
			return Exam{}, err
		}
	}
	if patch.Active != nil {
		if *patch.Active {
			return Exam{}, invalidStatef("an exam cannot be reopened; use activate on a draft")
		}
		e.Status = StatusClosed
	}
	stored := m.exams[examID]
	stored.Status = e.Status
	stored.NegativeMarking = e.NegativeMarking
	stored.NegativeMarks = e.NegativeMarks
	m.exams[examID] = stored
	return e, nil
}

func (m *memoryStore) Activate(_ context.Context, examID, teacherID string) (Exam, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.ownedExamLocked(examID, teacherID)
	if err != nil {
		return Exam{}, err
	}
	if e.Status != StatusDraft {
		return Exam{}, invalidStatef("exam is %s, only a draft can be activated", e.Status)
	}
	if len(m.questions[examID]) == 0 {
		return Exam{}, invalidStatef("an exam with no questions cannot go live")
	}
	stored := m.exams[examID]
	stored.Status = StatusLive
	m.exams[examID] = stored
	e.Status = StatusLive
	return e, nil
}

func (m *memoryStore) DeleteExam(_ context.Context, examID, teacherID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.ownedExamLocked(examID, teacherID)
	if err != nil {
		return err
	}
	if e.Status == StatusLive {
		return invalidStatef("a live exam cannot be deleted; close it first")
	}
	delete(m.exams, examID)
	delete(m.examByCode, e.Code)
	delete(m.questions, examID)
	for id, a := range m.attempts {
		if a.ExamID != examID {
			continue
		}
		delete(m.attempts, id)
		delete(m.attemptKeys, attemptKey(examID, a.StudentID))
		delete(m.answers, id)
		delete(m.results, id)
	}
	delete(m.resultOrder, examID)
	return nil
}

func (m *memoryStore) AddQuestion(_ context.Context, examID, teacherID string, in QuestionInput) (Question, error) {
	if err := validateQuestion(&in); err != nil {
		return Question{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.ownedExamLocked(examID, teacherID)
	if err != nil {
		return Question{}, err
	}
	if e.Status != StatusDraft {
		return Question{}, invalidStatef("questions are frozen once the exam leaves draft")
	}
	q := Question{
		ID:            uuid.NewString(),
		ExamID:        examID,
		Position:      len(m.questions[examID]) + 1,
		Prompt:        in.Prompt,
		Options:       in.Options,
		CorrectOption: in.CorrectOption,
		Marks:         in.Marks,
		CreatedAt:     time.Now().Unix(),
	}
	m.questions[examID] = append(m.questions[examID], q)
	return q, nil
}

func (m *memoryStore) ListQuestions(_ context.Context, examID, teacherID string) ([]Question, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, err := m.ownedExamLocked(examID, teacherID); err != nil {
		return nil, err
	}
	return append([]Question{}, m.questions[examID]...), nil
}

func (m *memoryStore) ListRedacted(_ context.Context, examID string) ([]RedactedQuestion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, err := m.examLocked(examID); err != nil {
		return nil, err
	}
	return redactAll(m.questions[examID]), nil
}

func redactAll(qs []Question) []RedactedQuestion {
	out := make([]RedactedQuestion, 0, len(qs))
	for _, q := range qs {
		out = append(out, q.Redacted())
	}
	return out
}

func (m *memoryStore) Join(_ context.Context, code, studentID string) (Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	examID, ok := m.examByCode[code]
	if !ok {
		return Attempt{}, notFoundf("no exam matches code %q", code)
	}
	e := m.exams[examID]
	if e.Status != StatusLive {
		return Attempt{}, invalidStatef("exam is %s, not open for joining", e.Status)
	}
	key := attemptKey(examID, studentID)
	if _, exists := m.attemptKeys[key]; exists {
		return Attempt{}, ErrAlreadyAttempted
	}
	a := Attempt{
		ID:              uuid.NewString(),
		ExamID:          examID,
		StudentID:       studentID,
		StartedAt:       time.Now().Unix(),
		ExamTitle:       e.Title,
		ExamCode:        e.Code,
		NegativeMarking: e.NegativeMarking,
		NegativeMarks:   e.NegativeMarks,
	}
	m.attempts[a.ID] = a
	m.attemptKeys[key] = a.ID
	return a, nil
}

// ownAttemptLocked resolves an attempt and enforces student ownership.
func (m *memoryStore) ownAttemptLocked(attemptID, studentID string) (Attempt, error) {
	a, ok := m.attempts[attemptID]
	if !ok {
		return Attempt{}, notFoundf("attempt %q not found", attemptID)
	}
	if a.StudentID != studentID {
		return Attempt{}, forbiddenf("attempt %q belongs to another student", attemptID)
	}
	return a, nil
}

func (m *memoryStore) GetAttempt(_ context.Context, attemptID, studentID string) (Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ownAttemptLocked(attemptID, studentID)
}

func (m *memoryStore) DeliverableQuestions(_ context.Context, attemptID, studentID string) ([]RedactedQuestion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, err := m.ownAttemptLocked(attemptID, studentID)
	if err != nil {
		return nil, err
	}
	if a.Submitted() {
		return nil, invalidStatef("attempt is submitted; fetch the result instead")
	}
	return redactAll(m.questions[a.ExamID]), nil
}

func (m *memoryStore) Submit(_ context.Context, attemptID, studentID string, answers []AnswerInput) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.ownAttemptLocked(attemptID, studentID)
	if err != nil {
		return Result{}, err
	}
	if a.Submitted() {
		// Idempotent: the original result stands, later payloads are ignored.
		return m.results[attemptID], nil
	}
	questions := m.questions[a.ExamID]
	selected, err := validateAnswers(questions, answers)
	if err != nil {
		return Result{}, err
	}
	e := m.exams[a.ExamID]
	out := grading.Grade(gradingView(questions), selected, grading.Config{
		NegativeMarking: e.NegativeMarking,
		NegativeMarks:   e.NegativeMarks,
		FloorAtZero:     m.policy.FloorScoreAtZero,
	})
	now := time.Now().Unix()
	a.SubmittedAt = &now
	m.attempts[attemptID] = a
	m.answers[attemptID] = selected
	res := Result{
		AttemptID:       attemptID,
		TotalMarks:      out.TotalMarks,
		ObtainedMarks:   out.ObtainedMarks,
		Correct:         out.Correct,
		Wrong:           out.Wrong,
		Unattempted:     out.Unattempted,
		GradedAt:        now,
		StudentID:       studentID,
		StudentUsername: studentID,
	}
	m.results[attemptID] = res
	m.resultOrder[a.ExamID] = append(m.resultOrder[a.ExamID], attemptID)
	if m.policy.AutoCloseOnGrade && e.Status == StatusLive {
		e.Status = StatusClosed
		m.exams[a.ExamID] = e
	}
	return res, nil
}

func gradingView(qs []Question) []grading.Q {
	out := make([]grading.Q, 0, len(qs))
	for _, q := range qs {
		out = append(out, grading.Q{ID: q.ID, CorrectOption: q.CorrectOption, Marks: float64(q.Marks)})
	}
	return out
}

func (m *memoryStore) ResultByAttempt(_ context.Context, attemptID, studentID string) (Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, err := m.ownAttemptLocked(attemptID, studentID); err != nil {
		return Result{}, err
	}
	res, ok := m.results[attemptID]
	if !ok {
		return Result{}, notFoundf("attempt %q is not graded yet", attemptID)
	}
	return res, nil
}

func (m *memoryStore) ResultsByExam(_ context.Context, examID, teacherID string) (ExamResults, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, err := m.ownedExamLocked(examID, teacherID); err != nil {
		return ExamResults{}, err
	}
	out := ExamResults{ExamID: examID, Results: []Result{}}
	for _, attemptID := range m.resultOrder[examID] {
		out.Results = append(out.Results, m.results[attemptID])
	}
	out.Summary = summarize(out.Results)
	return out, nil
}

func summarize(results []Result) ResultSummary {
	s := ResultSummary{Attempts: len(results)}
	if len(results) == 0 {
		return s
	}
	sum := 0.0
	s.Highest = results[0].ObtainedMarks
	s.Lowest = results[0].ObtainedMarks
	for _, r := range results {
		sum += r.ObtainedMarks
		if r.ObtainedMarks > s.Highest {
			s.Highest = r.ObtainedMarks
		}
		if r.ObtainedMarks < s.Lowest {
			s.Lowest = r.ObtainedMarks
		}
	}
	s.Average = sum / float64(len(results))
	return s
}
