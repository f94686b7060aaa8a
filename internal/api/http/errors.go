package http

import (
	"encoding/json"
	"net/http"

	"github.com/quizforge/quizforge/internal/exam"
)

type errBody struct {
	Detail string `json:"detail"`
	Code   string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the core error taxonomy onto HTTP statuses. The code field
// lets clients distinguish e.g. already_attempted from other conflicts.
// Storage failures surface as an opaque 500.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	body := errBody{Detail: "internal error", Code: "internal"}
	switch {
	case exam.IsValidation(err):
		status = http.StatusBadRequest
	case exam.IsNotFound(err):
		status = http.StatusNotFound
	case exam.IsForbidden(err):
		status = http.StatusForbidden
	case exam.IsInvalidState(err):
		status = http.StatusConflict
	case exam.IsConflict(err):
		status = http.StatusConflict
	}
	if status != http.StatusInternalServerError {
		body = errBody{Detail: err.Error(), Code: exam.CodeOf(err)}
	}
	writeJSON(w, status, body)
}
