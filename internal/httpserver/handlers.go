package httpserver

import (
	"errors"
	"html/template"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"eduscrumawards/portal/internal/audit"
	"eduscrumawards/portal/internal/auth"
	"eduscrumawards/portal/internal/backend"
	"eduscrumawards/portal/internal/nav"
)

const (
	loginFailedMessage  = "Incorrect email or password."
	passwordMismatch    = "Passwords do not match."
	registeredFlash     = "Account created. You can now sign in."
	backendDownMessage  = "The awards service could not be reached. Try again shortly."
	dashboardRankingTop = 10
	managementEvents    = 20
)

type handlers struct {
	deps  Deps
	pages map[string]*template.Template
}

type loginForm struct {
	Email string
}

type roleOption struct {
	Value    string
	Label    string
	Selected bool
}

type registerForm struct {
	Name  string
	Email string
	Roles []roleOption
}

type dashboardData struct {
	Courses      []backend.Course
	CoursePath   string
	Achievements []backend.Achievement
	TotalPoints  int
	Users        []auth.User
	Ranking      []backend.StudentRank
}

type rankingData struct {
	CourseID int64
	Students []backend.StudentRank
}

type coursesData struct {
	Courses    []backend.Course
	CoursePath string
}

type managementData struct {
	Users  []auth.User
	Events []audit.Event
}

func (h *handlers) readyz(w http.ResponseWriter, _ *http.Request) {
	select {
	case <-h.deps.Session.Ready():
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "ready",
			"session": h.deps.Session.Snapshot().State.String(),
		})
	default:
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "bootstrapping"})
	}
}

// providerMiddleware holds every page behind a neutral placeholder until the
// stored session has been confirmed or discarded.
func (h *handlers) providerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-h.deps.Session.Ready():
			next.ServeHTTP(w, r)
		default:
			w.Header().Set("Retry-After", "1")
			w.Header().Set("Cache-Control", "no-store")
			h.render(w, http.StatusServiceUnavailable, "loading", newPageData("Loading", auth.Snapshot{}))
		}
	})
}

func (h *handlers) page(title string) pageData {
	return newPageData(title, h.deps.Session.Snapshot())
}

func (h *handlers) home(w http.ResponseWriter, _ *http.Request) {
	p := h.page("EduScrum Awards")
	if p.User != nil {
		p.Data = map[string]string{"Landing": nav.LandingPath(p.User.Role)}
	}
	h.render(w, http.StatusOK, "home", p)
}

func (h *handlers) about(w http.ResponseWriter, _ *http.Request) {
	h.render(w, http.StatusOK, "about", h.page("About"))
}

func (h *handlers) loginForm(w http.ResponseWriter, r *http.Request) {
	if u, ok := h.deps.Session.User(); ok {
		http.Redirect(w, r, nav.LandingPath(u.Role), http.StatusSeeOther)
		return
	}
	p := h.page("Sign in")
	p.Data = loginForm{}
	if r.URL.Query().Get("registered") == "1" {
		p.Flash = registeredFlash
	}
	h.render(w, http.StatusOK, "login", p)
}

func (h *handlers) login(w http.ResponseWriter, r *http.Request) {
	p := h.page("Sign in")
	if err := r.ParseForm(); err != nil {
		p.Data = loginForm{}
		p.Error = loginFailedMessage
		h.render(w, http.StatusBadRequest, "login", p)
		return
	}
	email := strings.TrimSpace(r.PostFormValue("email"))
	password := r.PostFormValue("password")
	p.Data = loginForm{Email: email}

	if email == "" || password == "" {
		auditReq(h.deps.Audit, r, email, "auth.login", "failed", "missing email or password")
		p.Error = loginFailedMessage
		h.render(w, http.StatusBadRequest, "login", p)
		return
	}

	user, err := h.deps.Session.Login(r.Context(), email, password)
	if err != nil {
		status := http.StatusUnauthorized
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			status = http.StatusBadGateway
			h.deps.Logger.WithError(err).WithField("request_id", requestIDFromContext(r.Context())).Warn("login failed")
		}
		p.Error = loginFailedMessage
		h.render(w, status, "login", p)
		return
	}
	http.Redirect(w, r, nav.LandingPath(user.Role), http.StatusSeeOther)
}

func roleOptions(selected auth.Role) []roleOption {
	opts := make([]roleOption, 0, len(auth.Roles))
	for _, role := range auth.Roles {
		opts = append(opts, roleOption{
			Value:    role.String(),
			Label:    nav.RoleLabel(role),
			Selected: role == selected,
		})
	}
	return opts
}

func (h *handlers) registerForm(w http.ResponseWriter, _ *http.Request) {
	p := h.page("Create account")
	p.Data = registerForm{Roles: roleOptions(auth.RoleStudent)}
	h.render(w, http.StatusOK, "register", p)
}

func (h *handlers) register(w http.ResponseWriter, r *http.Request) {
	p := h.page("Create account")
	if err := r.ParseForm(); err != nil {
		p.Data = registerForm{Roles: roleOptions(auth.RoleStudent)}
		p.Error = auth.RegistrationFallbackMessage
		h.render(w, http.StatusBadRequest, "register", p)
		return
	}
	reg := auth.Registration{
		Name:     strings.TrimSpace(r.PostFormValue("nome")),
		Email:    strings.TrimSpace(r.PostFormValue("email")),
		Password: r.PostFormValue("password"),
		Role:     r.PostFormValue("papelSistema"),
	}
	selected, _ := auth.ParseRole(reg.Role)
	p.Data = registerForm{Name: reg.Name, Email: reg.Email, Roles: roleOptions(selected)}

	if reg.Password != r.PostFormValue("confirmPassword") {
		auditReq(h.deps.Audit, r, reg.Email, "auth.register", "failed", "password confirmation mismatch")
		p.Error = passwordMismatch
		h.render(w, http.StatusBadRequest, "register", p)
		return
	}

	if _, err := h.deps.Session.Register(r.Context(), reg); err != nil {
		status := http.StatusBadGateway
		p.Error = auth.RegistrationFallbackMessage
		var verr *auth.ValidationError
		if errors.As(err, &verr) {
			status = http.StatusBadRequest
			p.Error = verr.Message
		} else {
			h.deps.Logger.WithError(err).WithField("request_id", requestIDFromContext(r.Context())).Warn("register failed")
		}
		h.render(w, status, "register", p)
		return
	}
	http.Redirect(w, r, nav.LoginPath+"?registered=1", http.StatusSeeOther)
}

func (h *handlers) logout(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Session.Logout(r.Context()); err != nil {
		h.deps.Logger.WithError(err).Warn("clear session on logout failed")
	}
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, nav.LoginPath, http.StatusSeeOther)
}

// currentUser returns the signed-in user. The guard has already admitted the
// request, but the session can end between the guard and the handler.
func (h *handlers) currentUser(w http.ResponseWriter, r *http.Request) (auth.User, bool) {
	u, ok := h.deps.Session.User()
	if !ok {
		w.Header().Set("Cache-Control", "no-store")
		http.Redirect(w, r, nav.LoginPath, http.StatusSeeOther)
	}
	return u, ok
}

func (h *handlers) fail(w http.ResponseWriter, r *http.Request, title string, err error) {
	if errors.Is(err, auth.ErrUnauthorized) {
		w.Header().Set("Cache-Control", "no-store")
		http.Redirect(w, r, nav.LoginPath, http.StatusSeeOther)
		return
	}
	p := h.page(title)
	status := http.StatusBadGateway
	p.Error = backendDownMessage
	switch backend.StatusOf(err) {
	case http.StatusNotFound:
		status = http.StatusNotFound
		p.Error = "Not found."
	case http.StatusForbidden:
		status = http.StatusForbidden
		p.Error = "You do not have access to this page."
	default:
		h.deps.Logger.WithError(err).WithFields(logrus.Fields{
			"request_id": requestIDFromContext(r.Context()),
			"path":       r.URL.Path,
		}).Warn("backend request failed")
	}
	h.render(w, status, "error", p)
}

func (h *handlers) notFound(w http.ResponseWriter) {
	p := h.page("Not found")
	p.Error = "Not found."
	h.render(w, http.StatusNotFound, "error", p)
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func topRanks(ranks []backend.StudentRank, n int) []backend.StudentRank {
	if len(ranks) > n {
		return ranks[:n]
	}
	return ranks
}

func (h *handlers) studentDashboard(w http.ResponseWriter, r *http.Request) {
	u, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	var data dashboardData
	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		var err error
		data.Achievements, err = h.deps.Data.StudentAchievements(ctx, u.ID)
		return err
	})
	g.Go(func() error {
		var err error
		data.Courses, err = h.deps.Data.StudentCourses(ctx, u.ID)
		return err
	})
	g.Go(func() error {
		var err error
		data.Ranking, err = h.deps.Data.GlobalRanking(ctx)
		return err
	})
	if err := g.Wait(); err != nil {
		h.fail(w, r, "Student dashboard", err)
		return
	}
	for _, a := range data.Achievements {
		data.TotalPoints += a.Prize.Points
	}
	data.CoursePath = nav.StudentCoursesPath
	data.Ranking = topRanks(data.Ranking, dashboardRankingTop)

	p := h.page("Student dashboard")
	p.Data = data
	h.render(w, http.StatusOK, "dashboard", p)
}

func (h *handlers) professorDashboard(w http.ResponseWriter, r *http.Request) {
	u, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	var data dashboardData
	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		var err error
		data.Courses, err = h.deps.Data.ProfessorCourses(ctx, u.ID)
		return err
	})
	g.Go(func() error {
		var err error
		data.Ranking, err = h.deps.Data.GlobalRanking(ctx)
		return err
	})
	if err := g.Wait(); err != nil {
		h.fail(w, r, "Professor dashboard", err)
		return
	}
	data.CoursePath = nav.ProfessorCoursesPath
	data.Ranking = topRanks(data.Ranking, dashboardRankingTop)

	p := h.page("Professor dashboard")
	p.Data = data
	h.render(w, http.StatusOK, "dashboard", p)
}

func (h *handlers) adminDashboard(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.currentUser(w, r); !ok {
		return
	}
	var data dashboardData
	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		var err error
		data.Courses, err = h.deps.Data.Courses(ctx)
		return err
	})
	g.Go(func() error {
		var err error
		data.Users, err = h.deps.Data.Users(ctx)
		return err
	})
	g.Go(func() error {
		var err error
		data.Ranking, err = h.deps.Data.GlobalRanking(ctx)
		return err
	})
	if err := g.Wait(); err != nil {
		h.fail(w, r, "Admin dashboard", err)
		return
	}
	data.Ranking = topRanks(data.Ranking, dashboardRankingTop)

	p := h.page("Admin dashboard")
	p.Data = data
	h.render(w, http.StatusOK, "dashboard", p)
}

func (h *handlers) profile(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.currentUser(w, r); !ok {
		return
	}
	p := h.page("Profile")
	if info, err := h.deps.Session.TokenInfo(r.Context()); err == nil {
		p.Data = &info
	} else if !errors.Is(err, auth.ErrNoSession) {
		h.deps.Logger.WithError(err).Debug("inspect session token failed")
	}
	h.render(w, http.StatusOK, "profile", p)
}

func (h *handlers) rankings(w http.ResponseWriter, r *http.Request) {
	var data rankingData
	var err error
	if raw := strings.TrimSpace(r.URL.Query().Get("curso")); raw != "" {
		id, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil || id <= 0 {
			h.notFound(w)
			return
		}
		data.CourseID = id
		data.Students, err = h.deps.Data.CourseRanking(r.Context(), id)
	} else {
		data.Students, err = h.deps.Data.GlobalRanking(r.Context())
	}
	if err != nil {
		h.fail(w, r, "Rankings", err)
		return
	}
	p := h.page("Rankings")
	p.Data = data
	h.render(w, http.StatusOK, "rankings", p)
}

func (h *handlers) teamRanking(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		h.notFound(w)
		return
	}
	teams, err := h.deps.Data.TeamRanking(r.Context(), id)
	if err != nil {
		h.fail(w, r, "Team ranking", err)
		return
	}
	p := h.page("Team ranking")
	p.Data = teams
	h.render(w, http.StatusOK, "team_ranking", p)
}

func (h *handlers) disciplinePrizes(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		h.notFound(w)
		return
	}
	prizes, err := h.deps.Data.DisciplinePrizes(r.Context(), id)
	if err != nil {
		h.fail(w, r, "Prizes", err)
		return
	}
	p := h.page("Prizes")
	p.Data = prizes
	h.render(w, http.StatusOK, "prizes", p)
}

func (h *handlers) studentCourses(w http.ResponseWriter, r *http.Request) {
	u, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	courses, err := h.deps.Data.StudentCourses(r.Context(), u.ID)
	if err != nil {
		h.fail(w, r, "My courses", err)
		return
	}
	p := h.page("My courses")
	p.Data = coursesData{Courses: courses, CoursePath: nav.StudentCoursesPath}
	h.render(w, http.StatusOK, "courses", p)
}

func (h *handlers) professorCourses(w http.ResponseWriter, r *http.Request) {
	u, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	courses, err := h.deps.Data.ProfessorCourses(r.Context(), u.ID)
	if err != nil {
		h.fail(w, r, "My courses", err)
		return
	}
	p := h.page("My courses")
	p.Data = coursesData{Courses: courses, CoursePath: nav.ProfessorCoursesPath}
	h.render(w, http.StatusOK, "courses", p)
}

func (h *handlers) courseDetail(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		h.notFound(w)
		return
	}
	course, err := h.deps.Data.Course(r.Context(), id)
	if err != nil {
		h.fail(w, r, "Course", err)
		return
	}
	p := h.page(course.Name)
	p.Data = course
	h.render(w, http.StatusOK, "course", p)
}

func (h *handlers) management(w http.ResponseWriter, r *http.Request) {
	users, err := h.deps.Data.Users(r.Context())
	if err != nil {
		h.fail(w, r, "Management", err)
		return
	}
	data := managementData{Users: users}
	if h.deps.AuditTrail != nil {
		events, err := h.deps.AuditTrail.Recent(managementEvents)
		if err != nil {
			h.deps.Logger.WithError(err).Warn("read audit trail failed")
		}
		data.Events = events
	}
	p := h.page("Management")
	p.Data = data
	h.render(w, http.StatusOK, "management", p)
}
