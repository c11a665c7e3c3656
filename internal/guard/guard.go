// Package guard decides whether protected content may be shown.
package guard

import (
	"errors"
	"net/http"

	"eduscrumawards/portal/internal/auth"
	"eduscrumawards/portal/internal/nav"
)

var ErrLoginRequired = errors.New("login required")

// SessionState reports the confirmed user. ok is false unless the session is
// authenticated. *auth.Manager satisfies it.
type SessionState interface {
	User() (auth.User, bool)
}

type Decision struct {
	Allow    bool
	Redirect string
	// Replace marks a redirect that must not leave the protected page in
	// history or in a cache.
	Replace bool
}

func Decide(authenticated bool) Decision {
	if authenticated {
		return Decision{Allow: true}
	}
	return Decision{Redirect: nav.LoginPath, Replace: true}
}

// Middleware serves next only to an authenticated session.
func Middleware(state SessionState, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, ok := state.User()
		d := Decide(ok)
		if !d.Allow {
			redirect(w, r, d)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireRole wraps Middleware and additionally sends users of any other role
// to their own landing page.
func RequireRole(state SessionState, roles ...auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return Middleware(state, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, _ := state.User()
			for _, role := range roles {
				if u.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			redirect(w, r, Decision{Redirect: nav.LandingPath(u.Role), Replace: true})
		}))
	}
}

// Require is the gate for non-HTTP callers.
func Require(state SessionState) (auth.User, error) {
	u, ok := state.User()
	if !Decide(ok).Allow {
		return auth.User{}, ErrLoginRequired
	}
	return u, nil
}

func redirect(w http.ResponseWriter, r *http.Request, d Decision) {
	if d.Replace {
		w.Header().Set("Cache-Control", "no-store")
	}
	http.Redirect(w, r, d.Redirect, http.StatusSeeOther)
}
