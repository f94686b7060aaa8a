package exam

type ExamStatus string

const (
	StatusDraft  ExamStatus = "draft"
	StatusLive   ExamStatus = "live"
	StatusClosed ExamStatus = "closed"
)

type Exam struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Code            string     `json:"code"`
	Status          ExamStatus `json:"status"`
	NegativeMarking bool       `json:"negative_marking"`
	NegativeMarks   float64    `json:"negative_marks"`
	TotalMarks      float64    `json:"total_marks"`    // sum of question marks
	QuestionCount   int        `json:"question_count"` //
	CreatedBy       string     `json:"created_by,omitempty"`
	CreatedAt       int64      `json:"created_at,omitempty"`
}

// Option is one labeled answer choice. Labels run A..E in order; E is optional.
type Option struct {
	Label string `json:"label"`
	Text  string `json:"text"`
}

type Question struct {
	ID            string   `json:"id"`
	ExamID        string   `json:"exam_id"`
	Position      int      `json:"position"`
	Prompt        string   `json:"prompt"`
	Options       []Option `json:"options"`
	CorrectOption string   `json:"correct_option"`
	Marks         int      `json:"marks"`
	CreatedAt     int64    `json:"created_at,omitempty"`
}

// RedactedQuestion is the student-facing view. It has no correct-option field
// at all, so no serialization path can leak the key.
type RedactedQuestion struct {
	ID       string   `json:"id"`
	Position int      `json:"position"`
	Prompt   string   `json:"prompt"`
	Options  []Option `json:"options"`
	Marks    int      `json:"marks"`
}

// Redacted strips the answer key from a full question.
func (q Question) Redacted() RedactedQuestion {
	return RedactedQuestion{
		ID:       q.ID,
		Position: q.Position,
		Prompt:   q.Prompt,
		Options:  q.Options,
		Marks:    q.Marks,
	}
}

type Attempt struct {
	ID        string `json:"id"`
	ExamID    string `json:"exam_id"`
	StudentID string `json:"student_id"`
	StartedAt int64  `json:"started_at"`
	// SubmittedAt is set exactly once, when grading commits.
	SubmittedAt *int64 `json:"submitted_at,omitempty"`

	// Exam metadata echoed for the join response so clients need no second
	// round trip. Always resolved server-side from the exam row.
	ExamTitle       string  `json:"exam_title,omitempty"`
	ExamCode        string  `json:"exam_code,omitempty"`
	NegativeMarking bool    `json:"exam_negative_marking"`
	NegativeMarks   float64 `json:"exam_negative_marks"`
}

func (a Attempt) Submitted() bool { return a.SubmittedAt != nil }

// AnswerInput is one submitted answer. An empty SelectedOption (or a question
// absent from the submission) counts as unattempted.
type AnswerInput struct {
	QuestionID     string `json:"question_id"`
	SelectedOption string `json:"selected_option"`
}

type Result struct {
	AttemptID     string  `json:"attempt_id"`
	TotalMarks    float64 `json:"total_marks"`
	ObtainedMarks float64 `json:"obtained_marks"`
	Correct       int     `json:"correct"`
	Wrong         int     `json:"wrong"`
	Unattempted   int     `json:"unattempted"`
	GradedAt      int64   `json:"graded_at"`

	// Set on teacher-facing listings.
	StudentID       string `json:"student_id,omitempty"`
	StudentUsername string `json:"student_username,omitempty"`
}

// ExamResults is the teacher reporting view for one exam.
type ExamResults struct {
	ExamID  string        `json:"exam_id"`
	Results []Result      `json:"results"` // insertion order
	Summary ResultSummary `json:"summary"`
}

type ResultSummary struct {
	Attempts int     `json:"attempts"`
	Average  float64 `json:"average"`
	Highest  float64 `json:"highest"`
	Lowest   float64 `json:"lowest"`
}

// CreateExamInput is the teacher-supplied exam configuration.
type CreateExamInput struct {
	Title           string  `json:"title"`
	Code            string  `json:"code"`
	NegativeMarking bool    `json:"negative_marking"`
	NegativeMarks   float64 `json:"negative_marks"`
}

// SettingsPatch is a partial update. Negative-marking fields are mutable only
// while the exam is draft; Active=false closes the exam from any stage.
type SettingsPatch struct {
	NegativeMarking *bool    `json:"negative_marking,omitempty"`
	NegativeMarks   *float64 `json:"negative_marks,omitempty"`
	Active          *bool    `json:"is_active,omitempty"`
}

func (p SettingsPatch) touchesMarking() bool {
	return p.NegativeMarking != nil || p.NegativeMarks != nil
}

// QuestionInput is the teacher-supplied question payload.
type QuestionInput struct {
	Prompt        string   `json:"prompt"`
	Options       []Option `json:"options"`
	CorrectOption string   `json:"correct_option"`
	Marks         int      `json:"marks"`
}

// Policy carries the grading knobs left to deployment: whether a negative
// total is clamped at zero, and whether an exam closes automatically once its
// first result commits.
type Policy struct {
	FloorScoreAtZero bool
	AutoCloseOnGrade bool
}
