package exam

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quizforge/quizforge/internal/grading"
	syncx "github.com/quizforge/quizforge/internal/sync"
)

// SQLStore runs against sqlite or postgres through database/sql. Uniqueness of
// (exam, student) is delegated to the storage-layer constraint; lifecycle
// transitions and the submit claim use guarded UPDATEs (compare-and-swap on
// status / submitted_at) so they stay correct under concurrent requests.
type SQLStore struct {
	db     *sql.DB
	driver string // "sqlite" or "postgres"
	policy Policy
	events *syncx.EventRepo // optional
}

func NewSQLStore(db *sql.DB, driver string, policy Policy) *SQLStore {
	return &SQLStore{db: db, driver: driver, policy: policy}
}

// WithEventLog enables append-only event records for lifecycle transitions and
// graded submissions.
func (s *SQLStore) WithEventLog(repo *syncx.EventRepo) *SQLStore {
	s.events = repo
	return s
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || // sqlite + postgres
		strings.Contains(msg, "constraint failed: unique") // sqlite variants
}

const examColumns = `
	e.id, e.title, e.code, e.status, e.negative_marking, e.negative_marks,
	e.created_by, e.created_at,
	(SELECT COUNT(*) FROM questions q WHERE q.exam_id = e.id),
	COALESCE((SELECT SUM(q.marks) FROM questions q WHERE q.exam_id = e.id), 0)`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExam(row rowScanner) (Exam, error) {
	var e Exam
	if err := row.Scan(&e.ID, &e.Title, &e.Code, &e.Status, &e.NegativeMarking,
		&e.NegativeMarks, &e.CreatedBy, &e.CreatedAt, &e.QuestionCount, &e.TotalMarks); err != nil {
		return Exam{}, err
	}
	return e, nil
}

func (s *SQLStore) CreateExam(ctx context.Context, teacherID string, in CreateExamInput) (Exam, error) {
	if err := validateCreateExam(&in); err != nil {
		return Exam{}, err
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
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO exams (id, title, code, status, negative_marking, negative_marks, created_by, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		e.ID, e.Title, e.Code, e.Status, e.NegativeMarking, e.NegativeMarks, e.CreatedBy, e.CreatedAt)
	if isUniqueViolation(err) {
		return Exam{}, validationf("exam code %q already in use", e.Code)
	}
	if err != nil {
		return Exam{}, err
	}
	return e, nil
}

func (s *SQLStore) GetExam(ctx context.Context, examID string) (Exam, error) {
	row := s.db.QueryRowContext(ctx, `SELECT`+examColumns+` FROM exams e WHERE e.id=$1`, examID)
	e, err := scanExam(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Exam{}, notFoundf("exam %q not found", examID)
	}
	return e, err
}

// ownedExam resolves an exam and enforces teacher ownership.
func (s *SQLStore) ownedExam(ctx context.Context, examID, teacherID string) (Exam, error) {
	e, err := s.GetExam(ctx, examID)
	if err != nil {
		return Exam{}, err
	}
	if e.CreatedBy != teacherID {
		return Exam{}, forbiddenf("exam %q belongs to another teacher", examID)
	}
	return e, nil
}

func (s *SQLStore) ListExams(ctx context.Context, teacherID string) ([]Exam, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT`+examColumns+` FROM exams e WHERE e.created_by=$1 ORDER BY e.created_at DESC, e.id`, teacherID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Exam{}
	for rows.Next() {
		e, err := scanExam(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLStore) UpdateSettings(ctx context.Context, examID, teacherID string, patch SettingsPatch) (Exam, error) {
	e, err := s.ownedExam(ctx, examID, teacherID)
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
		res, err := s.db.ExecContext(ctx,
			`UPDATE exams SET negative_marking=$1, negative_marks=$2 WHERE id=$3 AND status='draft'`,
			e.NegativeMarking, e.NegativeMarks, examID)
		if err != nil {
			return Exam{}, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return Exam{}, invalidStatef("negative marking is frozen once the exam leaves draft")
		}
	}
	if patch.Active != nil {
		if *patch.Active {
			return Exam{}, invalidStatef("an exam cannot be reopened; use activate on a draft")
		}
		if err := s.close(ctx, examID); err != nil {
			return Exam{}, err
		}
		e.Status = StatusClosed
	}
	return e, nil
}

// close is one-directional: draft or live goes to closed, closed stays closed.
func (s *SQLStore) close(ctx context.Context, examID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE exams SET status='closed' WHERE id=$1 AND status IN ('draft','live')`, examID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.appendEvent(ctx, "ExamClosed", examID, map[string]any{"exam_id": examID})
	}
	return nil
}

func (s *SQLStore) Activate(ctx context.Context, examID, teacherID string) (Exam, error) {
	e, err := s.ownedExam(ctx, examID, teacherID)
	if err != nil {
		return Exam{}, err
	}
	if e.Status != StatusDraft {
		return Exam{}, invalidStatef("exam is %s, only a draft can be activated", e.Status)
	}
	if e.QuestionCount == 0 {
		return Exam{}, invalidStatef("an exam with no questions cannot go live")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE exams SET status='live' WHERE id=$1 AND status='draft'`, examID)
	if err != nil {
		return Exam{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost a race with a concurrent activate or close.
		return Exam{}, invalidStatef("exam is no longer a draft")
	}
	e.Status = StatusLive
	s.appendEvent(ctx, "ExamActivated", examID, map[string]any{"exam_id": examID, "code": e.Code})
	return e, nil
}

func (s *SQLStore) DeleteExam(ctx context.Context, examID, teacherID string) error {
	e, err := s.ownedExam(ctx, examID, teacherID)
	if err != nil {
		return err
	}
	if e.Status == StatusLive {
		return invalidStatef("a live exam cannot be deleted; close it first")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	// Explicit cascade keeps deletion correct even when the driver has
	// foreign-key enforcement disabled.
	stmts := []string{
		`DELETE FROM results WHERE attempt_id IN (SELECT id FROM attempts WHERE exam_id=$1)`,
		`DELETE FROM answers WHERE attempt_id IN (SELECT id FROM attempts WHERE exam_id=$1)`,
		`DELETE FROM attempts WHERE exam_id=$1`,
		`DELETE FROM questions WHERE exam_id=$1`,
		`DELETE FROM exams WHERE id=$1 AND status <> 'live'`,
	}
	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q, examID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLStore) AddQuestion(ctx context.Context, examID, teacherID string, in QuestionInput) (Question, error) {
	if err := validateQuestion(&in); err != nil {
		return Question{}, err
	}
	e, err := s.ownedExam(ctx, examID, teacherID)
	if err != nil {
		return Question{}, err
	}
	if e.Status != StatusDraft {
		return Question{}, invalidStatef("questions are frozen once the exam leaves draft")
	}
	optsJSON, err := json.Marshal(in.Options)
	if err != nil {
		return Question{}, err
	}
	q := Question{
		ID:            uuid.NewString(),
		ExamID:        examID,
		Position:      e.QuestionCount + 1,
		Prompt:        in.Prompt,
		Options:       in.Options,
		CorrectOption: in.CorrectOption,
		Marks:         in.Marks,
		CreatedAt:     time.Now().Unix(),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO questions (id, exam_id, position, prompt, options_json, correct_option, marks, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		q.ID, q.ExamID, q.Position, q.Prompt, string(optsJSON), q.CorrectOption, q.Marks, q.CreatedAt)
	if err != nil {
		return Question{}, err
	}
	return q, nil
}

func (s *SQLStore) listQuestions(ctx context.Context, db interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}, examID string) ([]Question, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, exam_id, position, prompt, options_json, correct_option, marks, created_at
		 FROM questions WHERE exam_id=$1 ORDER BY position, created_at`, examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Question{}
	for rows.Next() {
		var q Question
		var optsJSON string
		if err := rows.Scan(&q.ID, &q.ExamID, &q.Position, &q.Prompt, &optsJSON,
			&q.CorrectOption, &q.Marks, &q.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(optsJSON), &q.Options); err != nil {
			return nil, fmt.Errorf("question %s: decode options: %w", q.ID, err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (s *SQLStore) ListQuestions(ctx context.Context, examID, teacherID string) ([]Question, error) {
	if _, err := s.ownedExam(ctx, examID, teacherID); err != nil {
		return nil, err
	}
	return s.listQuestions(ctx, s.db, examID)
}

func (s *SQLStore) ListRedacted(ctx context.Context, examID string) ([]RedactedQuestion, error) {
	if _, err := s.GetExam(ctx, examID); err != nil {
		return nil, err
	}
	qs, err := s.listQuestions(ctx, s.db, examID)
	if err != nil {
		return nil, err
	}
	return redactAll(qs), nil
}

func (s *SQLStore) Join(ctx context.Context, code, studentID string) (Attempt, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, code, status, negative_marking, negative_marks FROM exams WHERE code=$1`, code)
	var e Exam
	err := row.Scan(&e.ID, &e.Title, &e.Code, &e.Status, &e.NegativeMarking, &e.NegativeMarks)
	if errors.Is(err, sql.ErrNoRows) {
		return Attempt{}, notFoundf("no exam matches code %q", code)
	}
	if err != nil {
		return Attempt{}, err
	}
	if e.Status != StatusLive {
		return Attempt{}, invalidStatef("exam is %s, not open for joining", e.Status)
	}
	a := Attempt{
		ID:              uuid.NewString(),
		ExamID:          e.ID,
		StudentID:       studentID,
		StartedAt:       time.Now().Unix(),
		ExamTitle:       e.Title,
		ExamCode:        e.Code,
		NegativeMarking: e.NegativeMarking,
		NegativeMarks:   e.NegativeMarks,
	}
	// Single atomic check-and-insert: the UNIQUE(exam_id, student_id)
	// constraint decides the winner under concurrent joins.
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO attempts (id, exam_id, student_id, started_at) VALUES ($1,$2,$3,$4)`,
		a.ID, a.ExamID, a.StudentID, a.StartedAt)
	if isUniqueViolation(err) {
		return Attempt{}, ErrAlreadyAttempted
	}
	if err != nil {
		return Attempt{}, err
	}
	return a, nil
}

// ownAttempt resolves an attempt and enforces student ownership.
func (s *SQLStore) ownAttempt(ctx context.Context, attemptID, studentID string) (Attempt, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT a.id, a.exam_id, a.student_id, a.started_at, a.submitted_at,
		        e.title, e.code, e.negative_marking, e.negative_marks
		 FROM attempts a JOIN exams e ON e.id = a.exam_id WHERE a.id=$1`, attemptID)
	var a Attempt
	var submitted sql.NullInt64
	err := row.Scan(&a.ID, &a.ExamID, &a.StudentID, &a.StartedAt, &submitted,
		&a.ExamTitle, &a.ExamCode, &a.NegativeMarking, &a.NegativeMarks)
	if errors.Is(err, sql.ErrNoRows) {
		return Attempt{}, notFoundf("attempt %q not found", attemptID)
	}
	if err != nil {
		return Attempt{}, err
	}
	if submitted.Valid {
		a.SubmittedAt = &submitted.Int64
	}
	if a.StudentID != studentID {
		return Attempt{}, forbiddenf("attempt %q belongs to another student", attemptID)
	}
	return a, nil
}

func (s *SQLStore) GetAttempt(ctx context.Context, attemptID, studentID string) (Attempt, error) {
	return s.ownAttempt(ctx, attemptID, studentID)
}

func (s *SQLStore) DeliverableQuestions(ctx context.Context, attemptID, studentID string) ([]RedactedQuestion, error) {
	a, err := s.ownAttempt(ctx, attemptID, studentID)
	if err != nil {
		return nil, err
	}
	if a.Submitted() {
		return nil, invalidStatef("attempt is submitted; fetch the result instead")
	}
	qs, err := s.listQuestions(ctx, s.db, a.ExamID)
	if err != nil {
		return nil, err
	}
	return redactAll(qs), nil
}

func (s *SQLStore) Submit(ctx context.Context, attemptID, studentID string, answers []AnswerInput) (Result, error) {
	a, err := s.ownAttempt(ctx, attemptID, studentID)
	if err != nil {
		return Result{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	// Set-if-null claim on the submission slot. Exactly one caller wins;
	// everyone else observes the stored result below.
	claim, err := tx.ExecContext(ctx,
		`UPDATE attempts SET submitted_at=$1 WHERE id=$2 AND submitted_at IS NULL`, now, attemptID)
	if err != nil {
		return Result{}, err
	}
	if n, _ := claim.RowsAffected(); n == 0 {
		tx.Rollback()
		return s.storedResult(ctx, attemptID, studentID)
	}

	questions, err := s.listQuestions(ctx, tx, a.ExamID)
	if err != nil {
		return Result{}, err
	}
	selected, err := validateAnswers(questions, answers)
	if err != nil {
		return Result{}, err
	}
	for qid, sel := range selected {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO answers (attempt_id, question_id, selected_option) VALUES ($1,$2,$3)`,
			attemptID, qid, sel); err != nil {
			return Result{}, err
		}
	}

	out := grading.Grade(gradingView(questions), selected, grading.Config{
		NegativeMarking: a.NegativeMarking,
		NegativeMarks:   a.NegativeMarks,
		FloorAtZero:     s.policy.FloorScoreAtZero,
	})
	res := Result{
		AttemptID:     attemptID,
		TotalMarks:    out.TotalMarks,
		ObtainedMarks: out.ObtainedMarks,
		Correct:       out.Correct,
		Wrong:         out.Wrong,
		Unattempted:   out.Unattempted,
		GradedAt:      now,
		StudentID:     studentID,
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO results (attempt_id, total_marks, obtained_marks, correct_count, wrong_count, unattempted_count, graded_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		res.AttemptID, res.TotalMarks, res.ObtainedMarks, res.Correct, res.Wrong, res.Unattempted, res.GradedAt); err != nil {
		if isUniqueViolation(err) {
			// Defense in depth: the claim should have prevented this.
			tx.Rollback()
			return s.storedResult(ctx, attemptID, studentID)
		}
		return Result{}, err
	}
	if s.policy.AutoCloseOnGrade {
		if _, err := tx.ExecContext(ctx,
			`UPDATE exams SET status='closed' WHERE id=$1 AND status='live'`, a.ExamID); err != nil {
			return Result{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return Result{}, err
	}
	s.appendEvent(ctx, "AttemptSubmitted", attemptID, map[string]any{
		"attempt_id": attemptID,
		"exam_id":    a.ExamID,
		"obtained":   res.ObtainedMarks,
		"total":      res.TotalMarks,
	})
	return res, nil
}

func (s *SQLStore) storedResult(ctx context.Context, attemptID, studentID string) (Result, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT attempt_id, total_marks, obtained_marks, correct_count, wrong_count, unattempted_count, graded_at
		 FROM results WHERE attempt_id=$1`, attemptID)
	var res Result
	err := row.Scan(&res.AttemptID, &res.TotalMarks, &res.ObtainedMarks,
		&res.Correct, &res.Wrong, &res.Unattempted, &res.GradedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Result{}, notFoundf("attempt %q is not graded yet", attemptID)
	}
	if err != nil {
		return Result{}, err
	}
	res.StudentID = studentID
	return res, nil
}

func (s *SQLStore) ResultByAttempt(ctx context.Context, attemptID, studentID string) (Result, error) {
	if _, err := s.ownAttempt(ctx, attemptID, studentID); err != nil {
		return Result{}, err
	}
	return s.storedResult(ctx, attemptID, studentID)
}

func (s *SQLStore) ResultsByExam(ctx context.Context, examID, teacherID string) (ExamResults, error) {
	if _, err := s.ownedExam(ctx, examID, teacherID); err != nil {
		return ExamResults{}, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.attempt_id, r.total_marks, r.obtained_marks, r.correct_count, r.wrong_count,
		        r.unattempted_count, r.graded_at, a.student_id, COALESCE(u.username, a.student_id)
		 FROM results r
		 JOIN attempts a ON a.id = r.attempt_id
		 LEFT JOIN users u ON u.id = a.student_id
		 WHERE a.exam_id=$1
		 ORDER BY r.seq`, examID)
	if err != nil {
		return ExamResults{}, err
	}
	defer rows.Close()
	out := ExamResults{ExamID: examID, Results: []Result{}}
	for rows.Next() {
		var res Result
		if err := rows.Scan(&res.AttemptID, &res.TotalMarks, &res.ObtainedMarks, &res.Correct,
			&res.Wrong, &res.Unattempted, &res.GradedAt, &res.StudentID, &res.StudentUsername); err != nil {
			return ExamResults{}, err
		}
		out.Results = append(out.Results, res)
	}
	if err := rows.Err(); err != nil {
		return ExamResults{}, err
	}
	out.Summary = summarize(out.Results)
	return out, nil
}

func (s *SQLStore) appendEvent(ctx context.Context, typ, key string, data map[string]any) {
	if s.events == nil {
		return
	}
	buf, _ := json.Marshal(data)
	// Best effort: the event log is observability, not correctness.
	_ = s.events.Append(ctx, syncx.Event{Type: typ, Key: key, DataJSON: string(buf)})
}
