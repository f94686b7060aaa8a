package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	api "github.com/quizforge/quizforge/internal/api/http"
	"github.com/quizforge/quizforge/internal/auth"
	authmw "github.com/quizforge/quizforge/internal/auth/middleware"
	"github.com/quizforge/quizforge/internal/config"
	"github.com/quizforge/quizforge/internal/db"
	"github.com/quizforge/quizforge/internal/exam"
	"github.com/quizforge/quizforge/internal/rbac"
	syncx "github.com/quizforge/quizforge/internal/sync"
)

func main() {
	cfg := config.FromEnv()

	// --- DB ---
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dbh, err := db.Open(ctx, db.Driver(cfg.DBDriver), cfg.DBDSN)
	if err != nil {
		log.Fatalf("db open failed: %v", err)
	}

	store := exam.NewSQLStore(dbh, cfg.DBDriver, exam.Policy{
		FloorScoreAtZero: cfg.FloorScoreAtZero,
		AutoCloseOnGrade: cfg.AutoCloseOnGrade,
	}).WithEventLog(syncx.NewEventRepo(dbh))

	authSvc := authmw.NewAuthService(cfg.AuthSecret)

	// Optional teacher bootstrap for fresh deployments.
	if u, p := os.Getenv("BOOTSTRAP_TEACHER_USER"), os.Getenv("BOOTSTRAP_TEACHER_PASS"); u != "" && p != "" {
		if _, err := auth.EnsureUser(dbh, u, p, "teacher"); err != nil {
			log.Fatalf("bootstrap teacher: %v", err)
		}
	}

	// --- Router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Post("/auth/login", auth.LoginHandler(authSvc, dbh))
	r.Post("/auth/signup", auth.SignupHandler(authSvc, dbh))

	// Protected API (JWT → subject/role in context → RBAC)
	r.Group(func(pr chi.Router) {
		pr.Use(authmw.JWTMiddleware(authSvc))

		pr.Get("/auth/me", auth.MeHandler(dbh))

		// Teacher surface
		pr.With(rbac.Require("exam:create")).
			Post("/exams", api.CreateExamHandler(store))
		pr.With(rbac.Require("exam:list")).
			Get("/exams", api.ListExamsHandler(store))
		pr.With(rbac.Require("exam:update")).
			Patch("/exams/{examID}", api.UpdateExamHandler(store))
		pr.With(rbac.Require("exam:activate")).
			Post("/exams/{examID}/activate", api.ActivateExamHandler(store))
		pr.With(rbac.Require("exam:delete")).
			Delete("/exams/{examID}", api.DeleteExamHandler(store))
		pr.With(rbac.Require("question:create")).
			Post("/exams/{examID}/questions", api.AddQuestionHandler(store))
		pr.With(rbac.Require("question:list")).
			Get("/exams/{examID}/questions", api.ListQuestionsHandler(store))
		pr.With(rbac.Require("result:view-all")).
			Get("/exams/{examID}/results", api.ExamResultsHandler(store))

		// Student surface
		pr.With(rbac.Require("attempt:join")).
			Post("/attempts/join", api.JoinExamHandler(store))
		pr.With(rbac.RequireAny("attempt:view-own", "result:view-all")).
			Get("/attempts/{attemptID}", api.GetAttemptHandler(store))
		pr.With(rbac.Require("attempt:view-own")).
			Get("/attempts/{attemptID}/questions", api.AttemptQuestionsHandler(store))
		pr.With(rbac.Require("attempt:submit")).
			Post("/attempts/{attemptID}/submit", api.SubmitAttemptHandler(store))
		pr.With(rbac.Require("result:view-own")).
			Get("/attempts/{attemptID}/result", api.AttemptResultHandler(store))
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	log.Printf("listening on %s (db=%s)", cfg.HTTPAddr, cfg.DBDriver)
	log.Fatal(http.ListenAndServe(cfg.HTTPAddr, r))
}
