package http

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	authmw "github.com/quizforge/quizforge/internal/auth/middleware"
	"github.com/quizforge/quizforge/internal/exam"
)

// POST /attempts/join {"exam_code": "..."} — creates the student's single
// attempt for the exam, or 409 already_attempted.
func JoinExamHandler(store exam.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ExamCode string `json:"exam_code"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		req.ExamCode = strings.TrimSpace(req.ExamCode)
		if req.ExamCode == "" {
			http.Error(w, "exam_code required", http.StatusBadRequest)
			return
		}
		a, err := store.Join(r.Context(), req.ExamCode, authmw.SubjectFromContext(r.Context()))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, a)
	}
}

func GetAttemptHandler(store exam.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := store.GetAttempt(r.Context(), chi.URLParam(r, "attemptID"),
			authmw.SubjectFromContext(r.Context()))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, a)
	}
}

// GET /attempts/{attemptID}/questions — redacted questions for an in-progress
// attempt. A submitted attempt redirects the caller to the result.
func AttemptQuestionsHandler(store exam.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		qs, err := store.DeliverableQuestions(r.Context(), chi.URLParam(r, "attemptID"),
			authmw.SubjectFromContext(r.Context()))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, qs)
	}
}

// POST /attempts/{attemptID}/submit {"answers": [...]} — grades once;
// retries return the stored result, never an error.
func SubmitAttemptHandler(store exam.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Answers []exam.AnswerInput `json:"answers"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		res, err := store.Submit(r.Context(), chi.URLParam(r, "attemptID"),
			authmw.SubjectFromContext(r.Context()), req.Answers)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// GET /attempts/{attemptID}/result
func AttemptResultHandler(store exam.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := store.ResultByAttempt(r.Context(), chi.URLParam(r, "attemptID"),
			authmw.SubjectFromContext(r.Context()))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}
