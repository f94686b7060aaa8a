package exam

import "context"

// Store is the persistence boundary for the exam core. Implementations must
// uphold two atomicity guarantees: Join performs a single check-and-insert on
// the (exam, student) pair, and Submit claims the submission slot exactly once
// so grading runs once per attempt no matter how often it is retried.
type Store interface {
	// Exam registry.
	CreateExam(ctx context.Context, teacherID string, in CreateExamInput) (Exam, error)
	GetExam(ctx context.Context, examID string) (Exam, error)
	ListExams(ctx context.Context, teacherID string) ([]Exam, error)
	UpdateSettings(ctx context.Context, examID, teacherID string, patch SettingsPatch) (Exam, error)
	Activate(ctx context.Context, examID, teacherID string) (Exam, error)
	DeleteExam(ctx context.Context, examID, teacherID string) error

	// Question bank.
	AddQuestion(ctx context.Context, examID, teacherID string, in QuestionInput) (Question, error)
	ListQuestions(ctx context.Context, examID, teacherID string) ([]Question, error)
	ListRedacted(ctx context.Context, examID string) ([]RedactedQuestion, error)

	// Attempts.
	Join(ctx context.Context, code, studentID string) (Attempt, error)
	GetAttempt(ctx context.Context, attemptID, studentID string) (Attempt, error)
	DeliverableQuestions(ctx context.Context, attemptID, studentID string) ([]RedactedQuestion, error)
	Submit(ctx context.Context, attemptID, studentID string, answers []AnswerInput) (Result, error)

	// Results.
	ResultByAttempt(ctx context.Context, attemptID, studentID string) (Result, error)
	ResultsByExam(ctx context.Context, examID, teacherID string) (ExamResults, error)
}
