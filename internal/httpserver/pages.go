package httpserver

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"

	"eduscrumawards/portal/internal/auth"
	"eduscrumawards/portal/internal/nav"
)

//go:embed templates/*.html
var templateFS embed.FS

var pageNames = []string{
	"loading",
	"home",
	"about",
	"login",
	"register",
	"dashboard",
	"profile",
	"rankings",
	"team_ranking",
	"courses",
	"course",
	"prizes",
	"management",
	"error",
}

var templateFuncs = template.FuncMap{
	"inc":       func(i int) int { return i + 1 },
	"roleLabel": nav.RoleLabel,
}

func parseTemplates() (map[string]*template.Template, error) {
	pages := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		t, err := template.New("layout.html").Funcs(templateFuncs).ParseFS(templateFS, "templates/layout.html", "templates/"+name+".html")
		if err != nil {
			return nil, fmt.Errorf("parse %s template: %w", name, err)
		}
		pages[name] = t
	}
	return pages, nil
}

type pageData struct {
	Title     string
	User      *auth.User
	Links     []nav.Link
	Badge     string
	FirstName string
	Flash     string
	Error     string
	Data      any
}

func newPageData(title string, snap auth.Snapshot) pageData {
	p := pageData{Title: title, Links: nav.Links(nil)}
	if snap.IsAuthenticated() {
		p.User = snap.User
		p.Links = nav.Links(snap.User)
		p.Badge = nav.RoleLabel(snap.User.Role)
		p.FirstName = nav.FirstName(*snap.User)
	}
	return p
}

func (h *handlers) render(w http.ResponseWriter, status int, name string, data pageData) {
	t, ok := h.pages[name]
	if !ok {
		http.Error(w, "page not found", http.StatusInternalServerError)
		return
	}
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout.html", data); err != nil {
		h.deps.Logger.WithError(err).WithField("page", name).Error("render page failed")
		http.Error(w, "render failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if data.User != nil {
		w.Header().Set("Cache-Control", "no-store")
	}
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
