package http

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	authmw "github.com/quizforge/quizforge/internal/auth/middleware"
	"github.com/quizforge/quizforge/internal/exam"
	"github.com/quizforge/quizforge/internal/rbac"
)

func newTestServer(t *testing.T) (*httptest.Server, *authmw.AuthService) {
	t.Helper()
	store := exam.NewInMemoryStore(exam.Policy{FloorScoreAtZero: true})
	authSvc := authmw.NewAuthService("test-secret")

	r := chi.NewRouter()
	r.Group(func(pr chi.Router) {
		pr.Use(authmw.JWTMiddleware(authSvc))
		pr.With(rbac.Require("exam:create")).Post("/exams", CreateExamHandler(store))
		pr.With(rbac.Require("exam:update")).Patch("/exams/{examID}", UpdateExamHandler(store))
		pr.With(rbac.Require("exam:activate")).Post("/exams/{examID}/activate", ActivateExamHandler(store))
		pr.With(rbac.Require("question:create")).Post("/exams/{examID}/questions", AddQuestionHandler(store))
		pr.With(rbac.Require("result:view-all")).Get("/exams/{examID}/results", ExamResultsHandler(store))
		pr.With(rbac.Require("attempt:join")).Post("/attempts/join", JoinExamHandler(store))
		pr.With(rbac.Require("attempt:view-own")).Get("/attempts/{attemptID}/questions", AttemptQuestionsHandler(store))
		pr.With(rbac.Require("attempt:submit")).Post("/attempts/{attemptID}/submit", SubmitAttemptHandler(store))
		pr.With(rbac.Require("result:view-own")).Get("/attempts/{attemptID}/result", AttemptResultHandler(store))
	})

	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return ts, authSvc
}

func bearer(t *testing.T, a *authmw.AuthService, sub, role string) string {
	t.Helper()
	tok, err := a.IssueJWT(sub, role)
	if err != nil {
		t.Fatalf("issue jwt: %v", err)
	}
	return "Bearer " + tok
}

func doJSON(t *testing.T, method, url, auth string, body any) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatal(err)
	}
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, out
}

func decodeInto(t *testing.T, buf []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(buf, v); err != nil {
		t.Fatalf("decode %s: %v", buf, err)
	}
}

func question(correct string) map[string]any {
	return map[string]any{
		"prompt": "pick " + correct,
		"options": []map[string]string{
			{"text": "one"}, {"text": "two"}, {"text": "three"}, {"text": "four"},
		},
		"correct_option": correct,
		"marks":          1,
	}
}

func TestAPI_ExamFlow(t *testing.T) {
	ts, authSvc := newTestServer(t)
	teacher := bearer(t, authSvc, "t-1", "teacher")
	student := bearer(t, authSvc, "s-1", "student")

	// Teacher authors and activates.
	code, buf := doJSON(t, "POST", ts.URL+"/exams", teacher, map[string]any{
		"title": "API exam", "code": "API1", "negative_marking": true, "negative_marks": 0.5,
	})
	if code != http.StatusCreated {
		t.Fatalf("create exam: %d %s", code, buf)
	}
	var e exam.Exam
	decodeInto(t, buf, &e)

	for _, correct := range []string{"A", "B"} {
		if code, buf := doJSON(t, "POST", ts.URL+"/exams/"+e.ID+"/questions", teacher, question(correct)); code != http.StatusCreated {
			t.Fatalf("add question: %d %s", code, buf)
		}
	}
	if code, buf := doJSON(t, "POST", ts.URL+"/exams/"+e.ID+"/activate", teacher, nil); code != http.StatusOK {
		t.Fatalf("activate: %d %s", code, buf)
	}

	// Student joins and receives redacted questions.
	code, buf = doJSON(t, "POST", ts.URL+"/attempts/join", student, map[string]string{"exam_code": "API1"})
	if code != http.StatusCreated {
		t.Fatalf("join: %d %s", code, buf)
	}
	var a exam.Attempt
	decodeInto(t, buf, &a)

	code, buf = doJSON(t, "GET", ts.URL+"/attempts/"+a.ID+"/questions", student, nil)
	if code != http.StatusOK {
		t.Fatalf("questions: %d %s", code, buf)
	}
	if strings.Contains(strings.ToLower(string(buf)), "correct") {
		t.Fatalf("redacted payload leaks answer key: %s", buf)
	}
	var qs []exam.RedactedQuestion
	decodeInto(t, buf, &qs)
	if len(qs) != 2 {
		t.Fatalf("question count = %d, want 2", len(qs))
	}

	// Duplicate join is a distinguishable conflict.
	code, buf = doJSON(t, "POST", ts.URL+"/attempts/join", student, map[string]string{"exam_code": "API1"})
	if code != http.StatusConflict {
		t.Fatalf("second join: %d %s", code, buf)
	}
	var eb errBody
	decodeInto(t, buf, &eb)
	if eb.Code != "already_attempted" {
		t.Fatalf("conflict code = %q, want already_attempted", eb.Code)
	}

	// Submit grades once; the retry returns the stored result.
	answers := map[string]any{"answers": []map[string]string{
		{"question_id": qs[0].ID, "selected_option": "A"},
		{"question_id": qs[1].ID, "selected_option": "C"},
	}}
	code, buf = doJSON(t, "POST", ts.URL+"/attempts/"+a.ID+"/submit", student, answers)
	if code != http.StatusOK {
		t.Fatalf("submit: %d %s", code, buf)
	}
	var res exam.Result
	decodeInto(t, buf, &res)
	if res.ObtainedMarks != 0.5 || res.Correct != 1 || res.Wrong != 1 {
		t.Fatalf("result = %+v", res)
	}

	code, buf = doJSON(t, "POST", ts.URL+"/attempts/"+a.ID+"/submit", student, map[string]any{"answers": []map[string]string{}})
	if code != http.StatusOK {
		t.Fatalf("resubmit: %d %s", code, buf)
	}
	var res2 exam.Result
	decodeInto(t, buf, &res2)
	if res2.ObtainedMarks != res.ObtainedMarks || res2.GradedAt != res.GradedAt {
		t.Fatalf("resubmit result %+v, want original %+v", res2, res)
	}

	// Questions are no longer deliverable after submission.
	if code, _ := doJSON(t, "GET", ts.URL+"/attempts/"+a.ID+"/questions", student, nil); code != http.StatusConflict {
		t.Fatalf("questions after submit: %d, want 409", code)
	}

	// Student reads own result; teacher reads the exam roll-up.
	if code, _ := doJSON(t, "GET", ts.URL+"/attempts/"+a.ID+"/result", student, nil); code != http.StatusOK {
		t.Fatalf("own result: %d", code)
	}
	code, buf = doJSON(t, "GET", ts.URL+"/exams/"+e.ID+"/results", teacher, nil)
	if code != http.StatusOK {
		t.Fatalf("exam results: %d %s", code, buf)
	}
	var roll exam.ExamResults
	decodeInto(t, buf, &roll)
	if roll.Summary.Attempts != 1 || roll.Summary.Highest != 0.5 {
		t.Fatalf("summary = %+v", roll.Summary)
	}
}

func TestAPI_AuthAndRoles(t *testing.T) {
	ts, authSvc := newTestServer(t)
	student := bearer(t, authSvc, "s-1", "student")

	if code, _ := doJSON(t, "POST", ts.URL+"/exams", "", map[string]string{"title": "x", "code": "C"}); code != http.StatusUnauthorized {
		t.Fatalf("missing token: %d, want 401", code)
	}
	if code, _ := doJSON(t, "POST", ts.URL+"/exams", student, map[string]string{"title": "x", "code": "C"}); code != http.StatusForbidden {
		t.Fatalf("student creating exam: %d, want 403", code)
	}
	if code, _ := doJSON(t, "POST", ts.URL+"/attempts/join", "Bearer garbage", map[string]string{"exam_code": "C"}); code != http.StatusUnauthorized {
		t.Fatalf("garbage token: %d, want 401", code)
	}
}

func TestAPI_ForeignAttemptIsForbidden(t *testing.T) {
	ts, authSvc := newTestServer(t)
	teacher := bearer(t, authSvc, "t-1", "teacher")
	alice := bearer(t, authSvc, "s-alice", "student")
	mallory := bearer(t, authSvc, "s-mallory", "student")

	_, buf := doJSON(t, "POST", ts.URL+"/exams", teacher, map[string]any{"title": "owned", "code": "OWN1"})
	var e exam.Exam
	decodeInto(t, buf, &e)
	doJSON(t, "POST", ts.URL+"/exams/"+e.ID+"/questions", teacher, question("A"))
	doJSON(t, "POST", ts.URL+"/exams/"+e.ID+"/activate", teacher, nil)

	_, buf = doJSON(t, "POST", ts.URL+"/attempts/join", alice, map[string]string{"exam_code": "OWN1"})
	var a exam.Attempt
	decodeInto(t, buf, &a)

	if code, _ := doJSON(t, "GET", ts.URL+"/attempts/"+a.ID+"/questions", mallory, nil); code != http.StatusForbidden {
		t.Fatalf("foreign questions: %d, want 403", code)
	}
	if code, _ := doJSON(t, "POST", ts.URL+"/attempts/"+a.ID+"/submit", mallory, map[string]any{"answers": []any{}}); code != http.StatusForbidden {
		t.Fatalf("foreign submit: %d, want 403", code)
	}
}
