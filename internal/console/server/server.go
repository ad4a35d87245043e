package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xela07ax/commerce-gate/internal/console/handler"
	"github.com/xela07ax/commerce-gate/internal/domain"
	"github.com/xela07ax/commerce-gate/internal/infra/auth"
)

// Deps — обработчики и точка входа агентов, собранные в main.
type Deps struct {
	// Проверка токенов операторов (RS256), реализуется AuthService через встроенный BaseValidator
	Validator auth.TokenValidator

	Actions  http.Handler // POST /v1/actions: шлюз для агентов
	Auth     *handler.AuthHandler
	Controls *handler.ControlHandler
	Policy   *handler.PolicyHandler
	Audit    *handler.AuditHandler
	Ready    func() error // nil — всегда готов
}

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger
	deps   Deps
}

func NewConsoleServer(deps Deps, logger *zap.Logger) *ConsoleServer {
	s := &ConsoleServer{
		router: chi.NewRouter(),
		logger: logger.Named("console-api"),
		deps:   deps,
	}
	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ ---
	r.Group(func(r chi.Router) {
		r.Post("/auth/token", s.deps.Auth.Login)
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		r.Get("/ready", s.ready)

		// Агенты ходят без токена оператора: их права целиком определяет политика
		r.Method(http.MethodPost, "/v1/actions", s.deps.Actions)
	})

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (RS256 токен оператора) ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.Logger)
		r.Use(auth.NewMiddleware(s.deps.Validator, s.logger))

		// Чтение: CFO и аудитор
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireScope(s.logger, domain.ScopeCFO, domain.ScopeAuditor))
			r.Get("/v1/audit", s.deps.Audit.GetLogs)
			r.Get("/v1/dashboard", s.deps.Controls.Dashboard)
			r.Get("/v1/policy", s.deps.Policy.Get)
			r.Get("/v1/policy/history", s.deps.Policy.History)
		})

		// Управление: только CFO
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireScope(s.logger, domain.ScopeCFO))
			r.Put("/v1/policy", s.deps.Policy.Replace)
			r.Post("/v1/org/pause", s.deps.Controls.Pause)
			r.Post("/v1/org/resume", s.deps.Controls.Resume)
			r.Route("/v1/agents/{agentID}", func(r chi.Router) {
				r.Post("/halt", s.deps.Controls.Halt)
				r.Post("/release", s.deps.Controls.Release)
			})
			r.Post("/v1/reconcile", s.deps.Controls.Reconcile)
		})
	})
}

func (s *ConsoleServer) ready(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
