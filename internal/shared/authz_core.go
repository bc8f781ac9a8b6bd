package shared

// Permission names checked by the back office.
const (
	PermViewUsers   = "view_users"
	PermCreateUsers = "create_users"
	PermEditUsers   = "edit_users"
	PermDeleteUsers = "delete_users"

	PermViewActivityLogs = "view_activity_logs"

	PermManageSystemSettings = "can-manage-system-settings"
)

// Abilities understood by the authorization engine.
const (
	AbilityViewAny          = "viewAny"
	AbilityView             = "view"
	AbilityCreate           = "create"
	AbilityUpdate           = "update"
	AbilityDelete           = "delete"
	AbilityManageSettings   = "can-manage-system-settings"
	AbilityAccessSuperadmin = "access-superadmin"
)

// CoreScopes lists every permission the seeder provisions.
func CoreScopes() []string {
	return []string{
		PermViewUsers,
		PermCreateUsers,
		PermEditUsers,
		PermDeleteUsers,
		PermViewActivityLogs,
		PermManageSystemSettings,
	}
}
