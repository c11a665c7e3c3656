package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"

	"eduscrumawards/portal/internal/audit"
	"eduscrumawards/portal/internal/auth"
	"eduscrumawards/portal/internal/backend"
	"eduscrumawards/portal/internal/observability"
)

type fakeSession struct {
	mu           sync.Mutex
	ready        chan struct{}
	user         *auth.User
	loginFunc    func(email, password string) (auth.User, error)
	registerFunc func(reg auth.Registration) (auth.User, error)
	registers    int
	logouts      int
}

func newFakeSession(user *auth.User) *fakeSession {
	s := &fakeSession{ready: make(chan struct{}), user: user}
	close(s.ready)
	return s
}

func (s *fakeSession) Ready() <-chan struct{} { return s.ready }

func (s *fakeSession) Snapshot() auth.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.ready:
	default:
		return auth.Snapshot{State: auth.StateBootstrapping}
	}
	if s.user == nil {
		return auth.Snapshot{State: auth.StateUnauthenticated}
	}
	u := *s.user
	return auth.Snapshot{State: auth.StateAuthenticated, User: &u}
}

func (s *fakeSession) User() (auth.User, bool) {
	snap := s.Snapshot()
	if !snap.IsAuthenticated() {
		return auth.User{}, false
	}
	return *snap.User, true
}

func (s *fakeSession) TokenInfo(context.Context) (auth.TokenInfo, error) {
	if _, ok := s.User(); !ok {
		return auth.TokenInfo{}, auth.ErrNoSession
	}
	return auth.TokenInfo{Subject: "ana@uni.pt", ExpiresAt: time.Date(2030, 1, 2, 3, 4, 0, 0, time.UTC)}, nil
}

func (s *fakeSession) Login(_ context.Context, email, password string) (auth.User, error) {
	if s.loginFunc == nil {
		return auth.User{}, errors.New("not implemented")
	}
	u, err := s.loginFunc(email, password)
	if err != nil {
		return auth.User{}, err
	}
	s.mu.Lock()
	s.user = &u
	s.mu.Unlock()
	return u, nil
}

func (s *fakeSession) Register(_ context.Context, reg auth.Registration) (auth.User, error) {
	s.mu.Lock()
	s.registers++
	s.mu.Unlock()
	if s.registerFunc == nil {
		return auth.User{}, errors.New("not implemented")
	}
	return s.registerFunc(reg)
}

func (s *fakeSession) Logout(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = nil
	s.logouts++
	return nil
}

type fakeData struct {
	err          error
	courses      []backend.Course
	users        []auth.User
	ranking      []backend.StudentRank
	teams        []backend.TeamRank
	achievements []backend.Achievement
	prizes       []backend.Prize
	rankedCourse int64
}

func (f *fakeData) Courses(context.Context) ([]backend.Course, error) { return f.courses, f.err }

func (f *fakeData) Course(_ context.Context, id int64) (backend.Course, error) {
	for _, c := range f.courses {
		if c.ID == id {
			return c, f.err
		}
	}
	return backend.Course{}, fmt.Errorf("get course: %w", &backend.APIError{Status: http.StatusNotFound, Message: "not found"})
}

func (f *fakeData) StudentCourses(context.Context, int64) ([]backend.Course, error) {
	return f.courses, f.err
}

func (f *fakeData) ProfessorCourses(context.Context, int64) ([]backend.Course, error) {
	return f.courses, f.err
}

func (f *fakeData) Users(context.Context) ([]auth.User, error) { return f.users, f.err }

func (f *fakeData) GlobalRanking(context.Context) ([]backend.StudentRank, error) {
	return f.ranking, f.err
}

func (f *fakeData) CourseRanking(_ context.Context, id int64) ([]backend.StudentRank, error) {
	f.rankedCourse = id
	return f.ranking, f.err
}

func (f *fakeData) TeamRanking(context.Context, int64) ([]backend.TeamRank, error) {
	return f.teams, f.err
}

func (f *fakeData) StudentAchievements(context.Context, int64) ([]backend.Achievement, error) {
	return f.achievements, f.err
}

func (f *fakeData) DisciplinePrizes(context.Context, int64) ([]backend.Prize, error) {
	return f.prizes, f.err
}

type recordingAudit struct {
	mu      sync.Mutex
	entries []string
}

func (a *recordingAudit) Log(actor, action, _, outcome, detail string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, strings.Join([]string{actor, action, outcome, detail}, " "))
	return nil
}

type fakeTrail struct{ events []audit.Event }

func (f fakeTrail) Recent(limit int) ([]audit.Event, error) {
	if len(f.events) > limit {
		return f.events[:limit], nil
	}
	return f.events, nil
}

var (
	student   = &auth.User{ID: 7, Name: "Ana Silva", Email: "ana@uni.pt", Role: auth.RoleStudent}
	professor = &auth.User{ID: 3, Name: "Rui Costa", Email: "rui@uni.pt", Role: auth.RoleProfessor}
	admin     = &auth.User{ID: 1, Name: "Admin", Email: "admin@uni.pt", Role: auth.RoleAdmin}
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestHandler(t *testing.T, deps Deps) http.Handler {
	t.Helper()
	if deps.Data == nil {
		deps.Data = &fakeData{}
	}
	deps.Logger = quietLogger()
	h, err := NewHandler(deps)
	if err != nil {
		t.Fatalf("NewHandler() error: %v", err)
	}
	return h
}

func serve(h http.Handler, method, target string, form url.Values) *httptest.ResponseRecorder {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req := httptest.NewRequest(method, target, body)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	h := newTestHandler(t, Deps{Session: newFakeSession(nil)})
	rec := serve(h, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("expected X-Request-Id header to be set")
	}
}

func TestPagesWaitForSessionBootstrap(t *testing.T) {
	sess := &fakeSession{ready: make(chan struct{}), user: student}
	h := newTestHandler(t, Deps{Session: sess})

	rec := serve(h, http.MethodGet, "/dashboard", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503 while bootstrapping, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Fatalf("expected Retry-After header")
	}
	if strings.Contains(rec.Body.String(), "Sign in") || strings.Contains(rec.Body.String(), "Ana") {
		t.Fatalf("placeholder must not render session-dependent content: %s", rec.Body.String())
	}

	rec = serve(h, http.MethodGet, "/readyz", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected readyz 503, got %d", rec.Code)
	}

	close(sess.ready)
	rec = serve(h, http.MethodGet, "/readyz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected readyz 200, got %d", rec.Code)
	}
	var got map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode readyz body: %v", err)
	}
	if got["session"] != "authenticated" {
		t.Fatalf("expected authenticated session, got %q", got["session"])
	}
}

func TestProtectedPageRedirectsAnonymousToLogin(t *testing.T) {
	h := newTestHandler(t, Deps{Session: newFakeSession(nil)})
	for _, path := range []string{"/dashboard", "/professor/dashboard", "/admin/gestao", "/perfil", "/rankings"} {
		rec := serve(h, http.MethodGet, path, nil)
		if rec.Code != http.StatusSeeOther {
			t.Fatalf("%s: expected 303, got %d", path, rec.Code)
		}
		if loc := rec.Header().Get("Location"); loc != "/login" {
			t.Fatalf("%s: expected redirect to /login, got %q", path, loc)
		}
		if rec.Header().Get("Cache-Control") != "no-store" {
			t.Fatalf("%s: expected no-store on guard redirect", path)
		}
	}
}

func TestPublicPagesRenderForAnonymous(t *testing.T) {
	h := newTestHandler(t, Deps{Session: newFakeSession(nil)})
	for _, path := range []string{"/", "/sobre", "/login", "/register"} {
		rec := serve(h, http.MethodGet, path, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rec.Code)
		}
	}
}

func TestLoginSuccessRedirectsToLanding(t *testing.T) {
	sess := newFakeSession(nil)
	sess.loginFunc = func(email, password string) (auth.User, error) {
		if email != "rui@uni.pt" || password != "secret" {
			t.Fatalf("unexpected credentials %q %q", email, password)
		}
		return *professor, nil
	}
	h := newTestHandler(t, Deps{Session: sess})

	rec := serve(h, http.MethodPost, "/login", url.Values{"email": {" rui@uni.pt "}, "password": {"secret"}})
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("expected 303, got %d body=%s", rec.Code, rec.Body.String())
	}
	if loc := rec.Header().Get("Location"); loc != "/professor/dashboard" {
		t.Fatalf("expected professor landing, got %q", loc)
	}

	rec = serve(h, http.MethodGet, "/login", nil)
	if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != "/professor/dashboard" {
		t.Fatalf("expected signed-in user to skip login form, got %d %q", rec.Code, rec.Header().Get("Location"))
	}
}

func TestLoginFailureShowsGenericMessage(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"rejected", fmt.Errorf("login: %w", auth.ErrInvalidCredentials), http.StatusUnauthorized},
		{"backend down", errors.New("dial tcp: connection refused"), http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sess := newFakeSession(nil)
			sess.loginFunc = func(string, string) (auth.User, error) { return auth.User{}, tc.err }
			h := newTestHandler(t, Deps{Session: sess})

			rec := serve(h, http.MethodPost, "/login", url.Values{"email": {"ana@uni.pt"}, "password": {"bad"}})
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rec.Code)
			}
			body := rec.Body.String()
			if !strings.Contains(body, loginFailedMessage) {
				t.Fatalf("expected generic message, got %s", body)
			}
			if strings.Contains(body, "connection refused") {
				t.Fatalf("backend detail leaked into page")
			}
			if !strings.Contains(body, `value="ana@uni.pt"`) {
				t.Fatalf("expected email to be kept in the form")
			}
		})
	}
}

func TestLoginMissingFieldsIsAudited(t *testing.T) {
	sess := newFakeSession(nil)
	rec := &recordingAudit{}
	h := newTestHandler(t, Deps{Session: sess, Audit: rec})

	resp := serve(h, http.MethodPost, "/login", url.Values{"email": {"ana@uni.pt"}})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
	if len(rec.entries) != 1 || !strings.HasPrefix(rec.entries[0], "ana@uni.pt auth.login failed rid=") {
		t.Fatalf("unexpected audit entries: %v", rec.entries)
	}
}

func TestRegisterPasswordMismatch(t *testing.T) {
	sess := newFakeSession(nil)
	rec := &recordingAudit{}
	h := newTestHandler(t, Deps{Session: sess, Audit: rec})

	resp := serve(h, http.MethodPost, "/register", url.Values{
		"nome":            {"Ana Silva"},
		"email":           {"ana@uni.pt"},
		"password":        {"one"},
		"confirmPassword": {"two"},
		"papelSistema":    {"PROFESSOR"},
	})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), passwordMismatch) {
		t.Fatalf("expected mismatch message")
	}
	if !strings.Contains(resp.Body.String(), `<option value="PROFESSOR" selected>`) {
		t.Fatalf("expected selected role to be kept")
	}
	if sess.registers != 0 {
		t.Fatalf("backend must not be called on mismatch")
	}
	if len(rec.entries) != 1 {
		t.Fatalf("expected one audit entry, got %v", rec.entries)
	}
}

func TestRegisterShowsBackendMessage(t *testing.T) {
	sess := newFakeSession(nil)
	sess.registerFunc = func(auth.Registration) (auth.User, error) {
		return auth.User{}, auth.NewValidationError("email already exists", nil)
	}
	h := newTestHandler(t, Deps{Session: sess})

	resp := serve(h, http.MethodPost, "/register", url.Values{
		"nome":            {"Ana Silva"},
		"email":           {"ana@uni.pt"},
		"password":        {"pw"},
		"confirmPassword": {"pw"},
	})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), "email already exists") {
		t.Fatalf("expected backend message verbatim, got %s", resp.Body.String())
	}
}

func TestRegisterFallbackOnTransportError(t *testing.T) {
	sess := newFakeSession(nil)
	sess.registerFunc = func(auth.Registration) (auth.User, error) {
		return auth.User{}, errors.New("dial tcp: timeout")
	}
	h := newTestHandler(t, Deps{Session: sess})

	resp := serve(h, http.MethodPost, "/register", url.Values{
		"nome": {"Ana"}, "email": {"ana@uni.pt"}, "password": {"pw"}, "confirmPassword": {"pw"},
	})
	if resp.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), auth.RegistrationFallbackMessage) {
		t.Fatalf("expected fallback message")
	}
}

func TestRegisterSuccessRedirectsToLoginWithoutSignIn(t *testing.T) {
	sess := newFakeSession(nil)
	sess.registerFunc = func(reg auth.Registration) (auth.User, error) {
		return auth.User{Name: reg.Name, Email: reg.Email, Role: auth.RoleStudent}, nil
	}
	h := newTestHandler(t, Deps{Session: sess})

	resp := serve(h, http.MethodPost, "/register", url.Values{
		"nome": {"Ana"}, "email": {"ana@uni.pt"}, "password": {"pw"}, "confirmPassword": {"pw"}, "papelSistema": {"ALUNO"},
	})
	if resp.Code != http.StatusSeeOther {
		t.Fatalf("expected 303, got %d", resp.Code)
	}
	if loc := resp.Header().Get("Location"); loc != "/login?registered=1" {
		t.Fatalf("unexpected redirect %q", loc)
	}
	if _, ok := sess.User(); ok {
		t.Fatalf("registration must not sign the user in")
	}

	resp = serve(h, http.MethodGet, "/login?registered=1", nil)
	if !strings.Contains(resp.Body.String(), registeredFlash) {
		t.Fatalf("expected registration flash on login page")
	}
}

func TestLogout(t *testing.T) {
	sess := newFakeSession(student)
	h := newTestHandler(t, Deps{Session: sess})

	for i := 0; i < 2; i++ {
		rec := serve(h, http.MethodPost, "/logout", nil)
		if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != "/login" {
			t.Fatalf("expected redirect to /login, got %d %q", rec.Code, rec.Header().Get("Location"))
		}
	}
	if sess.logouts != 2 {
		t.Fatalf("expected 2 logout calls, got %d", sess.logouts)
	}
	if rec := serve(h, http.MethodGet, "/dashboard", nil); rec.Code != http.StatusSeeOther {
		t.Fatalf("expected dashboard to redirect after logout, got %d", rec.Code)
	}
}

func TestRoleRoutesRedirectOtherRolesToTheirLanding(t *testing.T) {
	cases := []struct {
		user *auth.User
		path string
		want string
	}{
		{student, "/admin/gestao", "/dashboard"},
		{professor, "/aluno/cursos", "/professor/dashboard"},
		{admin, "/professor/cursos/4", "/admin/dashboard"},
	}
	for _, tc := range cases {
		h := newTestHandler(t, Deps{Session: newFakeSession(tc.user)})
		rec := serve(h, http.MethodGet, tc.path, nil)
		if rec.Code != http.StatusSeeOther {
			t.Fatalf("%s as %s: expected 303, got %d", tc.path, tc.user.Role, rec.Code)
		}
		if loc := rec.Header().Get("Location"); loc != tc.want {
			t.Fatalf("%s as %s: expected %q, got %q", tc.path, tc.user.Role, tc.want, loc)
		}
	}
}

func TestStudentDashboard(t *testing.T) {
	data := &fakeData{
		courses: []backend.Course{{ID: 4, Name: "Engenharia Informatica", Code: "LEI"}},
		ranking: []backend.StudentRank{{ID: 7, Name: "Ana Silva", TotalPoints: 15}},
		achievements: []backend.Achievement{
			{ID: 1, Prize: backend.Prize{Name: "Sprint Hero", Points: 10}},
			{ID: 2, Prize: backend.Prize{Name: "Clean Code", Points: 5}},
		},
	}
	h := newTestHandler(t, Deps{Session: newFakeSession(student), Data: data})

	rec := serve(h, http.MethodGet, "/dashboard", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"Sprint Hero", "Total points: 15", `href="/aluno/cursos/4"`, "Ana", "Student"} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in dashboard body", want)
		}
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("expected no-store on authenticated page")
	}
}

func TestAdminDashboardListsCoursesWithoutLinks(t *testing.T) {
	data := &fakeData{
		courses: []backend.Course{{ID: 4, Name: "Engenharia Informatica", Code: "LEI"}},
		users:   []auth.User{*student, *professor},
	}
	h := newTestHandler(t, Deps{Session: newFakeSession(admin), Data: data})

	rec := serve(h, http.MethodGet, "/admin/dashboard", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "2 registered users.") {
		t.Fatalf("expected user count, got %s", body)
	}
	if strings.Contains(body, "/cursos/4") {
		t.Fatalf("admin dashboard should not link to role course pages")
	}
}

func TestBackendUnauthorizedRedirectsToLogin(t *testing.T) {
	data := &fakeData{err: fmt.Errorf("global ranking: %w", auth.ErrUnauthorized)}
	h := newTestHandler(t, Deps{Session: newFakeSession(professor), Data: data})

	rec := serve(h, http.MethodGet, "/professor/dashboard", nil)
	if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != "/login" {
		t.Fatalf("expected redirect to login, got %d %q", rec.Code, rec.Header().Get("Location"))
	}
}

func TestBackendFailureRendersErrorPage(t *testing.T) {
	data := &fakeData{err: errors.New("connection refused")}
	h := newTestHandler(t, Deps{Session: newFakeSession(student), Data: data})

	rec := serve(h, http.MethodGet, "/rankings", nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), backendDownMessage) {
		t.Fatalf("expected backend failure message")
	}
}

func TestCourseDetailAndRankings(t *testing.T) {
	data := &fakeData{
		courses: []backend.Course{{
			ID: 4, Name: "Engenharia Informatica", Code: "LEI",
			Disciplines: []backend.Discipline{{ID: 9, Name: "Gestao de Projetos", Code: "GP"}},
		}},
		ranking: []backend.StudentRank{{ID: 7, Name: "Ana Silva", Email: "ana@uni.pt", TotalPoints: 15}},
	}
	h := newTestHandler(t, Deps{Session: newFakeSession(student), Data: data})

	rec := serve(h, http.MethodGet, "/aluno/cursos/4", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `href="/disciplinas/9/premios"`) {
		t.Fatalf("unexpected course page %d %s", rec.Code, rec.Body.String())
	}

	rec = serve(h, http.MethodGet, "/aluno/cursos/99", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown course, got %d", rec.Code)
	}

	rec = serve(h, http.MethodGet, "/rankings?curso=4", nil)
	if rec.Code != http.StatusOK || data.rankedCourse != 4 {
		t.Fatalf("expected course ranking for 4, got %d %d", rec.Code, data.rankedCourse)
	}

	rec = serve(h, http.MethodGet, "/rankings?curso=abc", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for bad course id, got %d", rec.Code)
	}
}

func TestProfileShowsTokenExpiry(t *testing.T) {
	h := newTestHandler(t, Deps{Session: newFakeSession(student)})
	rec := serve(h, http.MethodGet, "/perfil", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "2030-01-02 03:04 UTC") {
		t.Fatalf("expected token expiry, got %s", rec.Body.String())
	}
}

func TestManagementShowsAuditTrail(t *testing.T) {
	trail := fakeTrail{events: []audit.Event{{Actor: "ana@uni.pt", Action: "auth.login", Outcome: "success"}}}
	data := &fakeData{users: []auth.User{*student}}
	h := newTestHandler(t, Deps{Session: newFakeSession(admin), Data: data, AuditTrail: trail})

	rec := serve(h, http.MethodGet, "/admin/gestao", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "auth.login") || !strings.Contains(body, "Ana Silva") {
		t.Fatalf("expected users and audit events, got %s", body)
	}
}

func TestMetricsUseRouteTemplate(t *testing.T) {
	m := observability.NewMetrics(prometheus.NewRegistry())
	data := &fakeData{teams: []backend.TeamRank{{TeamID: 1, TeamName: "Alpha", TotalPoints: 30, AveragePoints: 10}}}
	h := newTestHandler(t, Deps{Session: newFakeSession(student), Data: data, Metrics: m})

	if rec := serve(h, http.MethodGet, "/rankings/projetos/12", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/rankings/projetos/{id:[0-9]+}", "200"))
	if got != 1 {
		t.Fatalf("expected one request under the route template, got %v", got)
	}

	rec := serve(h, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "eduscrum_portal_http_requests_total") {
		t.Fatalf("expected metrics exposition, got %d", rec.Code)
	}
}
