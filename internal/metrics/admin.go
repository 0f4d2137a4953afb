package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// StatsFunc returns a JSON-encodable snapshot for the /stats endpoint.
type StatsFunc func() any

type healthResponse struct {
	Status string `json:"status"`
}

// Admin serves /metrics, /healthz and /stats.
type Admin struct {
	router *chi.Mux
	log    logrus.FieldLogger
	stats  StatsFunc
	addr   string
}

// NewAdmin builds the admin router. stats may be nil.
func NewAdmin(addr string, stats StatsFunc, log logrus.FieldLogger) *Admin {
	if log == nil {
		log = logrus.StandardLogger()
	}
	a := &Admin{
		router: chi.NewRouter(),
		log:    log.WithField("component", "admin"),
		stats:  stats,
		addr:   addr,
	}

	a.router.Use(middleware.RequestID)
	a.router.Use(middleware.Recoverer)
	a.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		MaxAge:         300,
	}))

	a.router.Get("/healthz", a.handleHealthz)
	a.router.Get("/stats", a.handleStats)
	a.router.Handle("/metrics", promhttp.Handler())
	return a
}

// Handler returns the admin router.
func (a *Admin) Handler() http.Handler { return a.router }

// Run serves until ctx is cancelled, then shuts the HTTP server down.
func (a *Admin) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.addr,
		Handler:           a.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.WithField("addr", a.addr).Info("admin listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (a *Admin) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, healthResponse{Status: "ok"})
}

func (a *Admin) handleStats(w http.ResponseWriter, _ *http.Request) {
	var v any = struct{}{}
	if a.stats != nil {
		v = a.stats()
	}
	a.writeJSON(w, v)
}

func (a *Admin) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.WithError(err).Error("encode response")
	}
}
