package membership

// Access describes whether a user may enter the member hub.
type Access struct {
	Allowed bool
	// Warning is set when access is granted but at risk (past due payment).
	Warning string
}

// AccessWarningPastDue is the warning attached to past-due members.
const AccessWarningPastDue = "past_due"

// HasMemberAccess applies the member hub rule: a professional or clinic admin
// with an active or past-due subscription, or any super admin.
func HasMemberAccess(u *User) Access {
	if u == nil {
		return Access{}
	}
	if u.Role == RoleSuperAdmin {
		return Access{Allowed: true}
	}
	if u.Role != RoleProfessional && u.Role != RoleClinicAdmin {
		return Access{}
	}
	switch u.SubscriptionStatus {
	case StatusActive:
		return Access{Allowed: true}
	case StatusPastDue:
		return Access{Allowed: true, Warning: AccessWarningPastDue}
	default:
		return Access{}
	}
}
