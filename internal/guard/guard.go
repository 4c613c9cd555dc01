// Package guard decides which portal pages a stored role may view.
//
// The guard is a navigation convenience. The backend's token validation is
// the only thing that actually protects data.
package guard

import (
	"strings"

	"github.com/marutha-support/portal/internal/models"
)

const LoginPage = "login.html"

// Navigator moves the client to another page.
type Navigator interface {
	Navigate(page string)
}

type NavigatorFunc func(page string)

func (f NavigatorFunc) Navigate(page string) { f(page) }

var publicPages = []string{
	"login.html",
	"register.html",
	"create_account.html",
	"landing.html",
	"index.html",
	"forgot_password.html",
	"reset_password.html",
	"/",
}

var rolePages = map[models.Role][]string{
	models.RoleDoctor: {
		"dashboard_doctor.html",
		"patients.html",
		"requests.html",
		"manage_records_doctor.html",
		"manage_profile_doctor.html",
		"chat_doctor.html",
		"patient_details.html",
	},
	models.RolePatient: {
		"dashboard_patient.html",
		"manage_health_patient.html",
		"chat.html",
		"manage_profile_patient.html",
		"doctor_profile.html",
	},
	models.RoleVolunteer: {
		"dashboard_volunteer.html",
		"chat_volunteer.html",
		"manage_profile_volunteer.html",
		"assigned_patients.html",
		"volunteer_activities.html",
		"setup_profile_volunteer.html",
	},
	models.RoleAdmin: {
		"dashboard_admin.html",
		"manage_users.html",
	},
}

var dashboards = map[models.Role]string{
	models.RoleDoctor:    "dashboard_doctor.html",
	models.RolePatient:   "dashboard_patient.html",
	models.RoleVolunteer: "dashboard_volunteer.html",
	models.RoleAdmin:     "dashboard_admin.html",
}

// Dashboard returns the landing page for a role, or the login page for an
// unknown one.
func Dashboard(role models.Role) string {
	if page, ok := dashboards[role]; ok {
		return page
	}
	return LoginPage
}

// Pages returns the page set of a role.
func Pages(role models.Role) []string {
	return append([]string(nil), rolePages[role]...)
}

// Decision is the outcome of a guard check. An empty Redirect means the page
// may be shown.
type Decision struct {
	Redirect string
	Reason   string
}

func (d Decision) Allowed() bool { return d.Redirect == "" }

// IsPublic reports whether path is viewable without a session.
func IsPublic(path string) bool {
	return matchesAny(path, publicPages)
}

// Owner returns the role whose page set contains path.
func Owner(path string) (models.Role, bool) {
	for _, role := range models.Roles {
		if matchesAny(path, rolePages[role]) {
			return role, true
		}
	}
	return "", false
}

// Check applies the guard to a page load. Matching is by path suffix, so
// "/portal/chat.html?userId=3" is treated like "chat.html" once the query is
// stripped.
func Check(path string, role models.Role) Decision {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	if IsPublic(path) {
		return Decision{}
	}
	if !role.Valid() {
		return Decision{Redirect: LoginPage, Reason: "no session"}
	}
	if matchesAny(path, rolePages[role]) {
		return Decision{}
	}
	if owner, ok := Owner(path); ok && owner != role {
		return Decision{Redirect: Dashboard(role), Reason: "page belongs to " + string(owner)}
	}
	return Decision{}
}

// Enforce runs Check once and navigates when the page is not allowed. It
// returns the decision so callers can stop rendering.
func Enforce(path string, role models.Role, nav Navigator) Decision {
	d := Check(path, role)
	if !d.Allowed() && nav != nil {
		nav.Navigate(d.Redirect)
	}
	return d
}

func matchesAny(path string, pages []string) bool {
	for _, p := range pages {
		if matches(path, p) {
			return true
		}
	}
	return false
}

// matches compares on a path segment boundary so that
// "assigned_patients.html" is not mistaken for "patients.html".
func matches(path, page string) bool {
	if page == "/" {
		return path == "" || strings.HasSuffix(path, "/")
	}
	return path == page || strings.HasSuffix(path, "/"+page)
}
