// Package nav maps a user's role to the portal's navigation entries.
package nav

import (
	"strings"

	"eduscrumawards/portal/internal/auth"
)

const (
	HomePath               = "/"
	AboutPath              = "/sobre"
	LoginPath              = "/login"
	RegisterPath           = "/register"
	LogoutPath             = "/logout"
	StudentDashboardPath   = "/dashboard"
	ProfessorDashboardPath = "/professor/dashboard"
	AdminDashboardPath     = "/admin/dashboard"
	RankingsPath           = "/rankings"
	AdminManagementPath    = "/admin/gestao"
	ProfessorCoursesPath   = "/professor/cursos"
	StudentCoursesPath     = "/aluno/cursos"
	ProfilePath            = "/perfil"
)

type Link struct {
	Label string
	Path  string
}

// LandingPath is where a user of the given role starts after login.
func LandingPath(role auth.Role) string {
	switch role {
	case auth.RoleAdmin:
		return AdminDashboardPath
	case auth.RoleProfessor:
		return ProfessorDashboardPath
	case auth.RoleStudent:
		return StudentDashboardPath
	}
	return StudentDashboardPath
}

// Links returns the navigation entries for user, or the anonymous set when
// user is nil.
func Links(user *auth.User) []Link {
	if user == nil {
		return []Link{
			{Label: "Home", Path: HomePath},
			{Label: "About", Path: AboutPath},
			{Label: "Login", Path: LoginPath},
		}
	}
	return []Link{
		{Label: "Home", Path: HomePath},
		{Label: "Dashboard", Path: LandingPath(user.Role)},
		{Label: "Rankings", Path: RankingsPath},
		roleLink(user.Role),
		{Label: "Profile", Path: ProfilePath},
		{Label: "About", Path: AboutPath},
		{Label: "Logout", Path: LogoutPath},
	}
}

func roleLink(role auth.Role) Link {
	switch role {
	case auth.RoleAdmin:
		return Link{Label: "Management", Path: AdminManagementPath}
	case auth.RoleProfessor:
		return Link{Label: "My courses", Path: ProfessorCoursesPath}
	case auth.RoleStudent:
		return Link{Label: "My courses", Path: StudentCoursesPath}
	}
	return Link{Label: "My courses", Path: StudentCoursesPath}
}

// RoleLabel is the badge text shown next to the user's name.
func RoleLabel(role auth.Role) string {
	switch role {
	case auth.RoleAdmin:
		return "Admin"
	case auth.RoleProfessor:
		return "Professor"
	case auth.RoleStudent:
		return "Student"
	}
	return "Student"
}

func FirstName(u auth.User) string {
	fields := strings.Fields(u.Name)
	if len(fields) == 0 {
		return u.Email
	}
	return fields[0]
}
