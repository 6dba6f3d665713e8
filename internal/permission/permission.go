// Package permission answers role-based capability questions for a session
// snapshot. It is pure: the policy lives in static tables and every function
// is safe to call from any goroutine.
//
// Admins satisfy every check. Signed-out snapshots fail every check.
package permission

import (
	"slices"
	"strings"

	"github.com/reservei/backoffice/internal/session"
	"github.com/reservei/backoffice/pkg/authapi"
)

// Action is a "<area>:<verb>" capability.
type Action string

const (
	DashboardView      Action = "dashboard:view"
	DashboardAnalytics Action = "dashboard:analytics"
	DashboardReports   Action = "dashboard:reports"

	UsersView        Action = "users:view"
	UsersCreate      Action = "users:create"
	UsersEdit        Action = "users:edit"
	UsersDelete      Action = "users:delete"
	UsersManageRoles Action = "users:manage_roles"

	CustomersView   Action = "customers:view"
	CustomersCreate Action = "customers:create"
	CustomersEdit   Action = "customers:edit"
	CustomersDelete Action = "customers:delete"
	CustomersExport Action = "customers:export"

	BookingsView    Action = "bookings:view"
	BookingsCreate  Action = "bookings:create"
	BookingsEdit    Action = "bookings:edit"
	BookingsDelete  Action = "bookings:delete"
	BookingsApprove Action = "bookings:approve"
	BookingsCancel  Action = "bookings:cancel"

	FinanceView         Action = "finance:view"
	FinanceTransactions Action = "finance:transactions"
	FinanceRefunds      Action = "finance:refunds"
	FinanceReports      Action = "finance:reports"
	FinanceSettings     Action = "finance:settings"

	MarketingView      Action = "marketing:view"
	MarketingCampaigns Action = "marketing:campaigns"
	MarketingEmails    Action = "marketing:emails"
	MarketingSMS       Action = "marketing:sms"
	MarketingAnalytics Action = "marketing:analytics"

	ReportsView     Action = "reports:view"
	ReportsCreate   Action = "reports:create"
	ReportsExport   Action = "reports:export"
	ReportsSchedule Action = "reports:schedule"

	SettingsView         Action = "settings:view"
	SettingsGeneral      Action = "settings:general"
	SettingsSecurity     Action = "settings:security"
	SettingsIntegrations Action = "settings:integrations"
	SettingsBackup       Action = "settings:backup"

	DeployView       Action = "deploy:view"
	DeployStaging    Action = "deploy:staging"
	DeployProduction Action = "deploy:production"
	DeployMonitoring Action = "deploy:monitoring"
	DeployRollback   Action = "deploy:rollback"
)

// Area returns the part before the colon.
func (a Action) Area() string {
	area, _, _ := strings.Cut(string(a), ":")
	return area
}

// ============================================================================
// Policy tables
// ============================================================================

// All lists every known action in catalogue order.
var All = []Action{
	DashboardView, DashboardAnalytics, DashboardReports,
	UsersView, UsersCreate, UsersEdit, UsersDelete, UsersManageRoles,
	CustomersView, CustomersCreate, CustomersEdit, CustomersDelete, CustomersExport,
	BookingsView, BookingsCreate, BookingsEdit, BookingsDelete, BookingsApprove, BookingsCancel,
	FinanceView, FinanceTransactions, FinanceRefunds, FinanceReports, FinanceSettings,
	MarketingView, MarketingCampaigns, MarketingEmails, MarketingSMS, MarketingAnalytics,
	ReportsView, ReportsCreate, ReportsExport, ReportsSchedule,
	SettingsView, SettingsGeneral, SettingsSecurity, SettingsIntegrations, SettingsBackup,
	DeployView, DeployStaging, DeployProduction, DeployMonitoring, DeployRollback,
}

// grants lists what each non-admin role may do. Admin is implicit.
var grants = map[authapi.Role][]Action{
	authapi.RoleManager: {
		DashboardView, DashboardAnalytics, DashboardReports,
		UsersView,
		CustomersView, CustomersCreate, CustomersEdit, CustomersExport,
		BookingsView, BookingsCreate, BookingsEdit, BookingsApprove, BookingsCancel,
		FinanceView, FinanceTransactions, FinanceRefunds, FinanceReports,
		MarketingView, MarketingCampaigns, MarketingEmails, MarketingSMS, MarketingAnalytics,
		ReportsView, ReportsCreate, ReportsExport, ReportsSchedule,
		SettingsView, SettingsGeneral,
		DeployView, DeployStaging, DeployMonitoring,
	},
	authapi.RoleUser: {
		DashboardView,
		CustomersView, CustomersCreate, CustomersEdit,
		BookingsView, BookingsCreate, BookingsEdit,
		FinanceView,
		MarketingView,
		ReportsView,
		SettingsView,
	},
}

// routes maps path prefixes to the action they require. The longest
// matching prefix wins; paths with no match only need a signed-in session.
var routes = map[string]Action{
	"/dashboard":          DashboardView,
	"/analytics":          DashboardAnalytics,
	"/users":              UsersView,
	"/users/new":          UsersCreate,
	"/users/roles":        UsersManageRoles,
	"/customers":          CustomersView,
	"/customers/new":      CustomersCreate,
	"/customers/export":   CustomersExport,
	"/bookings":           BookingsView,
	"/bookings/new":       BookingsCreate,
	"/bookings/pending":   BookingsApprove,
	"/finance":            FinanceView,
	"/finance/refunds":    FinanceRefunds,
	"/finance/settings":   FinanceSettings,
	"/marketing":          MarketingView,
	"/marketing/campaign": MarketingCampaigns,
	"/reports":            ReportsView,
	"/reports/schedule":   ReportsSchedule,
	"/settings":           SettingsView,
	"/settings/security":  SettingsSecurity,
	"/settings/backup":    SettingsBackup,
	"/integrations":       SettingsIntegrations,
	"/deploy":             DeployView,
	"/deploy/production":  DeployProduction,
	"/deploy/rollback":    DeployRollback,
}

// publicRoutes are reachable without a session.
var publicRoutes = []string{"/login", "/register", "/forgot-password", "/reset-password"}

// ============================================================================
// Checks
// ============================================================================

// HasPermission reports whether the snapshot's user may perform a.
func HasPermission(s session.Snapshot, a Action) bool {
	return roleAllows(s.Role(), a)
}

// HasAnyPermission reports whether at least one of actions is allowed.
func HasAnyPermission(s session.Snapshot, actions ...Action) bool {
	role := s.Role()
	for _, a := range actions {
		if roleAllows(role, a) {
			return true
		}
	}
	return false
}

// HasAllPermissions reports whether every one of actions is allowed. It is
// false for an empty list on a signed-out snapshot.
func HasAllPermissions(s session.Snapshot, actions ...Action) bool {
	role := s.Role()
	if role == "" {
		return false
	}
	for _, a := range actions {
		if !roleAllows(role, a) {
			return false
		}
	}
	return true
}

// Permissions returns the actions role is granted, in catalogue order.
func Permissions(role authapi.Role) []Action {
	if role == authapi.RoleAdmin {
		return slices.Clone(All)
	}
	granted := grants[role]
	out := make([]Action, 0, len(granted))
	for _, a := range All {
		if slices.Contains(granted, a) {
			out = append(out, a)
		}
	}
	return out
}

// CanAccessRoute reports whether the snapshot may open route. Public routes
// are always reachable.
func CanAccessRoute(s session.Snapshot, route string) bool {
	route = normalizeRoute(route)
	for _, p := range publicRoutes {
		if matchesPrefix(route, p) {
			return true
		}
	}
	if !s.SignedIn() {
		return false
	}
	action, ok := RequiredAction(route)
	if !ok {
		return true
	}
	return HasPermission(s, action)
}

// RequiredAction returns the action guarding route, if any.
func RequiredAction(route string) (Action, bool) {
	route = normalizeRoute(route)

	best := ""
	for prefix := range routes {
		if matchesPrefix(route, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return "", false
	}
	return routes[best], true
}

func roleAllows(role authapi.Role, a Action) bool {
	switch role {
	case "":
		return false
	case authapi.RoleAdmin:
		return true
	}
	return slices.Contains(grants[role], a)
}

// matchesPrefix matches whole path segments: "/users" covers "/users/7"
// but not "/userspace".
func matchesPrefix(route, prefix string) bool {
	if !strings.HasPrefix(route, prefix) {
		return false
	}
	return len(route) == len(prefix) || route[len(prefix)] == '/'
}

func normalizeRoute(route string) string {
	if i := strings.IndexAny(route, "?#"); i >= 0 {
		route = route[:i]
	}
	route = strings.TrimRight(route, "/")
	if !strings.HasPrefix(route, "/") {
		route = "/" + route
	}
	return route
}
