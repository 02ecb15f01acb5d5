package routes

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/stanstork/stratum-notify/internal/authz"
	"github.com/stanstork/stratum-notify/internal/handlers"
	"github.com/stanstork/stratum-notify/internal/models"
)

type Dependencies struct {
	Bus           handlers.QueueSizer
	Notifications *handlers.NotificationHandler
	Events        *handlers.EventHandler
	// Feed serves the websocket live feed.
	Feed      http.Handler
	Metrics   http.Handler
	JWTSecret string
}

// NewRouter sets up the API routes
func NewRouter(deps Dependencies) *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", handlers.HealthCheck(deps.Bus)).Methods(http.MethodGet)
	if deps.Metrics != nil {
		router.Handle("/metrics", deps.Metrics).Methods(http.MethodGet)
	}

	api := router.PathPrefix("/api").Subrouter()
	api.Use(authz.JWTMiddleware(deps.JWTSecret))

	api.HandleFunc("/notifications", deps.Notifications.List).Methods(http.MethodGet)
	api.HandleFunc("/notifications/{notificationID}", deps.Notifications.Get).Methods(http.MethodGet)
	api.HandleFunc("/notifications/{notificationID}/read", deps.Notifications.MarkRead).Methods(http.MethodPost)
	api.HandleFunc("/notifications/{notificationID}/archive", deps.Notifications.Archive).Methods(http.MethodPost)

	if deps.Feed != nil {
		api.Handle("/feed", deps.Feed).Methods(http.MethodGet)
	}

	api.Handle("/events", authz.RequireRole(models.RoleService)(http.HandlerFunc(deps.Events.Publish))).Methods(http.MethodPost)

	return router
}
