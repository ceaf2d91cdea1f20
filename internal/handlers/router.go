package handlers

import (
	"net/http"

	"github.com/go-logr/logr"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/Brownie44l1/medscan-api/internal/metrics"
)

// Options configures the HTTP surface.
type Options struct {
	MaxUploadBytes int64
	CORSOrigins    []string
	Logger         logr.Logger
	// Metrics records request metrics and backs /metrics; nil uses metrics.Default().
	Metrics *metrics.Manager
}

func DefaultOptions() *Options {
	return &Options{
		MaxUploadBytes: 10 << 20,
		CORSOrigins:    []string{"*"},
		Logger:         logr.Discard(),
	}
}

type rootHealthResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Models  map[string]bool `json:"models"`
}

// NewRouter mounts every predictor under its task prefix alongside the root
// health check and the metrics endpoint.
func NewRouter(opts *Options, predictors ...Predictor) http.Handler {
	if opts == nil {
		opts = DefaultOptions()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.Default()
	}

	router := mux.NewRouter()
	router = router.StrictSlash(true)
	router.Use(requestIDMiddleware(opts.Logger), observeMiddleware(m))

	router.Methods("GET").Path("/").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		models := make(map[string]bool, len(predictors))
		for _, p := range predictors {
			models[p.Task().Name] = p.Ready()
		}
		writeJSON(w, http.StatusOK, rootHealthResponse{
			Status:  "healthy",
			Message: "Medical Scan Detection API is running",
			Models:  models,
		})
	})
	router.Methods("GET").Path("/metrics").Handler(m.Handler())

	for _, p := range predictors {
		h := NewHandler(p, opts.MaxUploadBytes)
		task := router.PathPrefix(p.Task().Prefix).Subrouter()
		task.Methods("GET").Path("/").HandlerFunc(h.Health)
		task.Methods("POST").Path("/predict").HandlerFunc(h.Predict)
	}

	cors := handlers.CORS(
		handlers.AllowedOrigins(opts.CORSOrigins),
		handlers.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", RequestIDHeader}),
	)
	recovery := handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{log: opts.Logger}),
		handlers.PrintRecoveryStack(false),
	)
	return recovery(cors(router))
}
