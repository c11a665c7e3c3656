package httpserver

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"eduscrumawards/portal/internal/audit"
	"eduscrumawards/portal/internal/auth"
	"eduscrumawards/portal/internal/backend"
	"eduscrumawards/portal/internal/config"
	"eduscrumawards/portal/internal/guard"
	"eduscrumawards/portal/internal/nav"
	"eduscrumawards/portal/internal/observability"
)

// SessionManager is the portal's view of the auth manager.
type SessionManager interface {
	Ready() <-chan struct{}
	Snapshot() auth.Snapshot
	User() (auth.User, bool)
	TokenInfo(ctx context.Context) (auth.TokenInfo, error)
	Login(ctx context.Context, email, password string) (auth.User, error)
	Register(ctx context.Context, reg auth.Registration) (auth.User, error)
	Logout(ctx context.Context) error
}

// PortalData is the read side of the backend used by the dashboards.
type PortalData interface {
	Courses(ctx context.Context) ([]backend.Course, error)
	Course(ctx context.Context, id int64) (backend.Course, error)
	StudentCourses(ctx context.Context, studentID int64) ([]backend.Course, error)
	ProfessorCourses(ctx context.Context, professorID int64) ([]backend.Course, error)
	Users(ctx context.Context) ([]auth.User, error)
	GlobalRanking(ctx context.Context) ([]backend.StudentRank, error)
	CourseRanking(ctx context.Context, courseID int64) ([]backend.StudentRank, error)
	TeamRanking(ctx context.Context, projectID int64) ([]backend.TeamRank, error)
	StudentAchievements(ctx context.Context, studentID int64) ([]backend.Achievement, error)
	DisciplinePrizes(ctx context.Context, disciplineID int64) ([]backend.Prize, error)
}

type AuditLogger interface {
	Log(actor, action, target, outcome, detail string) error
}

type AuditTrail interface {
	Recent(limit int) ([]audit.Event, error)
}

type Deps struct {
	Session    SessionManager
	Data       PortalData
	Audit      AuditLogger
	AuditTrail AuditTrail
	Metrics    *observability.Metrics
	Logger     *logrus.Logger
}

type Server struct {
	httpServer *http.Server
}

func New(cfg config.HTTPConfig, deps Deps) (*Server, error) {
	handler, err := NewHandler(deps)
	if err != nil {
		return nil, err
	}
	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Addr,
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  60 * time.Second,
		},
	}, nil
}

func NewHandler(deps Deps) (http.Handler, error) {
	if deps.Logger == nil {
		deps.Logger = logrus.New()
	}
	pages, err := parseTemplates()
	if err != nil {
		return nil, err
	}
	h := &handlers{deps: deps, pages: pages}

	r := mux.NewRouter()
	r.Use(metricsMiddleware(deps.Metrics))

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	r.HandleFunc("/readyz", h.readyz).Methods(http.MethodGet)
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics.Handler()).Methods(http.MethodGet)
	}

	site := r.NewRoute().Subrouter()
	site.Use(h.providerMiddleware)
	site.HandleFunc(nav.HomePath, h.home).Methods(http.MethodGet)
	site.HandleFunc(nav.AboutPath, h.about).Methods(http.MethodGet)
	site.HandleFunc(nav.LoginPath, h.loginForm).Methods(http.MethodGet)
	site.HandleFunc(nav.LoginPath, h.login).Methods(http.MethodPost)
	site.HandleFunc(nav.RegisterPath, h.registerForm).Methods(http.MethodGet)
	site.HandleFunc(nav.RegisterPath, h.register).Methods(http.MethodPost)
	site.HandleFunc(nav.LogoutPath, h.logout).Methods(http.MethodPost)

	protected := site.NewRoute().Subrouter()
	protected.Use(func(next http.Handler) http.Handler {
		return guard.Middleware(deps.Session, next)
	})
	protected.HandleFunc(nav.StudentDashboardPath, h.studentDashboard).Methods(http.MethodGet)
	protected.HandleFunc(nav.ProfessorDashboardPath, h.professorDashboard).Methods(http.MethodGet)
	protected.HandleFunc(nav.AdminDashboardPath, h.adminDashboard).Methods(http.MethodGet)
	protected.HandleFunc(nav.ProfilePath, h.profile).Methods(http.MethodGet)
	protected.HandleFunc(nav.RankingsPath, h.rankings).Methods(http.MethodGet)
	protected.HandleFunc("/rankings/projetos/{id:[0-9]+}", h.teamRanking).Methods(http.MethodGet)
	protected.HandleFunc("/disciplinas/{id:[0-9]+}/premios", h.disciplinePrizes).Methods(http.MethodGet)

	students := protected.NewRoute().Subrouter()
	students.Use(guard.RequireRole(deps.Session, auth.RoleStudent))
	students.HandleFunc(nav.StudentCoursesPath, h.studentCourses).Methods(http.MethodGet)
	students.HandleFunc(nav.StudentCoursesPath+"/{id:[0-9]+}", h.courseDetail).Methods(http.MethodGet)

	professors := protected.NewRoute().Subrouter()
	professors.Use(guard.RequireRole(deps.Session, auth.RoleProfessor))
	professors.HandleFunc(nav.ProfessorCoursesPath, h.professorCourses).Methods(http.MethodGet)
	professors.HandleFunc(nav.ProfessorCoursesPath+"/{id:[0-9]+}", h.courseDetail).Methods(http.MethodGet)

	admins := protected.NewRoute().Subrouter()
	admins.Use(guard.RequireRole(deps.Session, auth.RoleAdmin))
	admins.HandleFunc(nav.AdminManagementPath, h.management).Methods(http.MethodGet)

	return loggingMiddleware(deps.Logger, r), nil
}

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.status = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func loggingMiddleware(log *logrus.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", reqID)
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, reqID))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.WithFields(logrus.Fields{
			"request_id":  reqID,
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Info("http request")
	})
}

// metricsMiddleware labels requests by route template so path parameters do
// not become label values.
func metricsMiddleware(m *observability.Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			route := r.URL.Path
			if cur := mux.CurrentRoute(r); cur != nil {
				if tpl, err := cur.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			m.ObserveHTTPRequest(r.Method, route, rec.status, time.Since(start))
		})
	}
}

type requestIDKey struct{}

func requestIDFromContext(ctx context.Context) string {
	v := ctx.Value(requestIDKey{})
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func clientIP(r *http.Request) string {
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}

func auditReq(a AuditLogger, r *http.Request, actor, action, outcome, detail string) {
	parts := []string{
		"rid=" + requestIDFromContext(r.Context()),
		"ip=" + clientIP(r),
		"ua=" + strings.TrimSpace(r.UserAgent()),
	}
	if strings.TrimSpace(detail) != "" {
		parts = append(parts, "detail="+strings.TrimSpace(detail))
	}
	auditSafe(a, actor, action, "", outcome, strings.Join(parts, " | "))
}

func auditSafe(a AuditLogger, actor, action, target, outcome, detail string) {
	if a == nil {
		return
	}
	_ = a.Log(actor, action, target, outcome, detail)
}
