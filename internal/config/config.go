package config

import (
	"os"
	"strings"
)

type Config struct {
	HTTPAddr  string
	PublicURL string

	DBDriver string
	DBDSN    string

	AuthSecret string

	// Grading policy. FloorScoreAtZero clamps a negatively marked total at 0;
	// AutoCloseOnGrade flips an exam to closed once its first result commits.
	FloorScoreAtZero bool
	AutoCloseOnGrade bool

	CORSOrigins []string
}

func FromEnv() Config {
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	return Config{
		HTTPAddr:         addr,
		PublicURL:        os.Getenv("PUBLIC_URL"),
		DBDriver:         envOr("DB_DRIVER", "sqlite"),
		DBDSN:            envOr("DB_DSN", ""),
		AuthSecret:       envOr("AUTH_HMAC_SECRET", "supersecret-dev-key"),
		FloorScoreAtZero: envBool("SCORE_FLOOR_AT_ZERO", true),
		AutoCloseOnGrade: envBool("AUTO_CLOSE_ON_GRADE", false),
		CORSOrigins:      csvOr("CORS_ORIGINS", "http://localhost:3000,http://localhost:5173"),
	}
}

func envOr(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func envBool(k string, def bool) bool {
	switch os.Getenv(k) {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return def
	}
}

func csvOr(k, def string) []string {
	v := envOr(k, def)
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
