package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"riskengine/internal/api/handlers"
	"riskengine/internal/api/middleware"
	"riskengine/internal/config"
)

// Dependencies содержит все зависимости для API handlers.
// Engine обязателен; History и Events опциональны.
type Dependencies struct {
	Engine         handlers.EngineService
	History        *handlers.HistoryHandler // nil, если база выключена
	Events         http.HandlerFunc         // /ws/events, nil если лента выключена
	Security       config.SecurityConfig
	AllowedOrigins []string
}

// SetupRoutes настраивает все HTTP маршруты ops API
//
// Структура маршрутов:
//
//	/health                                  без авторизации
//	/metrics                                 prometheus
//	/api/v1/
//	├── GET  /positions[?symbol=]
//	├── GET  /positions/closed[?limit=]
//	├── GET  /orders[?symbol=]
//	├── GET  /account
//	├── GET  /symbols
//	├── POST /symbols/{symbol}/halt          + TOTP
//	├── POST /symbols/{symbol}/resume        + TOTP
//	├── POST /symbols/{symbol}/flatten       + TOTP
//	├── GET  /trades                         при включённой базе
//	├── GET  /notifications                  при включённой базе
//	└── GET  /rejections                     при включённой базе
//	/ws/events                               живая лента событий
//
// Middleware применяется в следующем порядке:
// 1. Recovery (для всех маршрутов)
// 2. Logging (для всех маршрутов)
// 3. CORS (для всех маршрутов)
// 4. BasicAuth (всё, кроме /health)
// 5. TOTP (изменяющие маршруты)
func SetupRoutes(deps *Dependencies) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.Recovery)
	router.Use(middleware.Logging)
	router.Use(middleware.CORS(deps.AllowedOrigins))

	auth := middleware.BasicAuth(deps.Security.OpsUser, deps.Security.OpsPasswordHash, deps.Security.ReadOnlyNoAuth)
	second := middleware.TOTP(deps.Security.TOTPSecret, deps.Security.RequireTOTP)

	engineHandler := handlers.NewEngineHandler(deps.Engine, deps.Security.MaxBodyBytes)

	// Preflight: маршрут должен совпасть, иначе middleware (и CORS) не вызываются
	router.MatcherFunc(func(r *http.Request, _ *mux.RouteMatch) bool {
		return r.Method == http.MethodOptions
	}).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	router.HandleFunc("/health", engineHandler.Health).Methods("GET")
	router.Handle("/metrics", auth(promhttp.Handler())).Methods("GET")

	// API v1 routes
	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(auth)

	api.HandleFunc("/positions", engineHandler.GetPositions).Methods("GET")
	api.HandleFunc("/positions/closed", engineHandler.GetClosedPositions).Methods("GET")
	api.HandleFunc("/orders", engineHandler.GetOrders).Methods("GET")
	api.HandleFunc("/account", engineHandler.GetAccount).Methods("GET")
	api.HandleFunc("/symbols", engineHandler.GetSymbols).Methods("GET")

	control := api.PathPrefix("/symbols/{symbol}").Subrouter()
	control.Use(second)
	control.HandleFunc("/halt", engineHandler.HaltSymbol).Methods("POST")
	control.HandleFunc("/resume", engineHandler.ResumeSymbol).Methods("POST")
	control.HandleFunc("/flatten", engineHandler.FlattenSymbol).Methods("POST")

	if deps.History != nil {
		api.HandleFunc("/trades", deps.History.GetTrades).Methods("GET")
		api.HandleFunc("/notifications", deps.History.GetNotifications).Methods("GET")
		api.HandleFunc("/rejections", deps.History.GetRejections).Methods("GET")
	}

	if deps.Events != nil {
		router.Handle("/ws/events", auth(deps.Events)).Methods("GET")
	}

	return router
}
