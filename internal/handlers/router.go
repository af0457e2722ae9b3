// Package handlers exposes the hub over HTTP: the WebSocket endpoint, health,
// Prometheus metrics and a presence lookup.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"docsync/internal/auth"
	"docsync/internal/hub"
	"docsync/internal/logging"
	"docsync/internal/metrics"
	"docsync/internal/models"
	"docsync/internal/permission"
)

// Deps are what the routes need. Metrics may be nil; Gatherer defaults to
// the global registry.
type Deps struct {
	Hub             *hub.Hub
	Verifier        auth.TokenVerifier
	Oracle          *permission.Oracle
	Throttle        *IPThrottle
	Metrics         *metrics.Metrics
	Gatherer        prometheus.Gatherer
	SendBuffer      int
	MaxMessageBytes int64
	Logger          logrus.FieldLogger
}

// NewRouter builds the HTTP routes.
func NewRouter(d Deps) *mux.Router {
	gatherer := d.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	api := &apiHandler{
		hub:      d.Hub,
		verifier: d.Verifier,
		oracle:   d.Oracle,
		log:      logging.Component(d.Logger, "http"),
	}

	r := mux.NewRouter()
	r.Handle("/ws", NewWebSocketHandler(d))
	r.HandleFunc("/health", api.health).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/api/documents/{id}/presence", api.presence).Methods(http.MethodGet, http.MethodOptions)

	r.Use(cors)
	return r
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type apiHandler struct {
	hub      *hub.Hub
	verifier auth.TokenVerifier
	oracle   *permission.Oracle
	log      *logrus.Entry
}

func (a *apiHandler) health(w http.ResponseWriter, r *http.Request) {
	report := a.hub.Health(r.Context())
	status := http.StatusOK
	if report.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	a.writeJSON(w, status, report)
}

func (a *apiHandler) presence(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["id"]

	token, err := auth.ExtractToken(r.Header.Get("Authorization"))
	if err != nil {
		a.writeError(w, http.StatusUnauthorized, models.CodeUnauthorized, err.Error())
		return
	}
	id, err := a.verifier.Verify(token)
	if err != nil {
		a.writeError(w, http.StatusUnauthorized, models.CodeUnauthorized, "invalid token")
		return
	}
	if _, ok := a.oracle.Check(r.Context(), documentID, id.UserID, permission.Read); !ok {
		a.writeError(w, http.StatusForbidden, models.CodeForbidden, "you do not have access to this document")
		return
	}

	users := a.hub.ConnectedUsers(r.Context(), documentID)
	a.writeJSON(w, http.StatusOK, models.ConnectedUsersResponse{Users: users, Count: len(users)})
}

func (a *apiHandler) writeError(w http.ResponseWriter, status int, code models.ErrorCode, message string) {
	a.writeJSON(w, status, models.NewError(code, message).Payload(time.Now()))
}

func (a *apiHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.WithError(err).Warn("failed to write response")
	}
}
