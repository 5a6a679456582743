package controllers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"gorm.io/gorm"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error {
	return f(ctx)
}

type HealthCheckResponse struct {
	Status           string            `json:"status"`
	Database         string            `json:"database"`
	ExternalServices map[string]string `json:"external_services,omitempty"`
}

// HealthCheckHandler reports database reachability and the state of each
// named dependency. Any failure answers 503.
func HealthCheckHandler(db *gorm.DB, deps map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		response := HealthCheckResponse{
			Status:   "ok",
			Database: "healthy",
		}
		code := http.StatusOK

		if err := pingDB(ctx, db); err != nil {
			response.Status = "degraded"
			response.Database = "unreachable"
			code = http.StatusServiceUnavailable
		}

		if len(deps) > 0 {
			response.ExternalServices = make(map[string]string, len(deps))
		}
		for name, dep := range deps {
			if err := dep.Ping(ctx); err != nil {
				response.ExternalServices[name] = "unreachable"
				response.Status = "degraded"
				code = http.StatusServiceUnavailable
				continue
			}
			response.ExternalServices[name] = "healthy"
		}

		respondWithJSON(w, code, response)
	}
}

func pingDB(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// respondWithJSON sends a JSON response
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}
