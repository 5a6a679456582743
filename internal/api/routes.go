package api

import (
	"net/http"

	"quota-api/internal/api/controllers"
	"quota-api/internal/middleware"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

// SetupRoutes builds the operational router: health and metrics only.
func SetupRoutes(db *gorm.DB, deps map[string]controllers.Pinger, gatherer prometheus.Gatherer) *mux.Router {
	router := mux.NewRouter()
	router.Use(middleware.LoggingMiddleware)

	router.HandleFunc("/health", controllers.HealthCheckHandler(db, deps)).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	return router
}
