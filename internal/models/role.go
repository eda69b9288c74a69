package models

// Role represents a position in the institution hierarchy.
type Role string

const (
	RoleStudent          Role = "STUDENT"
	RoleTeacher          Role = "TEACHER"
	RoleDepartmentAdmin  Role = "DEPARTMENT_ADMIN"
	RoleInstitutionAdmin Role = "INSTITUTION_ADMIN"
	RoleSystemAdmin      Role = "SYSTEM_ADMIN"
)

// roleLevels is the single authoritative ordering for the hierarchy. All
// escalation and approval decisions derive from it.
var roleLevels = map[Role]int{
	RoleStudent:          1,
	RoleTeacher:          2,
	RoleDepartmentAdmin:  3,
	RoleInstitutionAdmin: 4,
	RoleSystemAdmin:      5,
}

// validTransitions lists the role moves allowed without an explicit
// escalation rule. Requests outside this table are denied.
var validTransitions = map[Role][]Role{
	RoleStudent:          {RoleTeacher},
	RoleTeacher:          {RoleStudent, RoleDepartmentAdmin},
	RoleDepartmentAdmin:  {RoleTeacher, RoleInstitutionAdmin},
	RoleInstitutionAdmin: {RoleDepartmentAdmin, RoleSystemAdmin},
	RoleSystemAdmin:      {RoleInstitutionAdmin},
}

// Level returns the hierarchy level of the role, 0 for unknown roles.
func (r Role) Level() int {
	return roleLevels[r]
}

// Valid reports whether the role is part of the taxonomy.
func (r Role) Valid() bool {
	_, ok := roleLevels[r]
	return ok
}

// IsHighPrivilege reports whether the role is an administrative role.
func (r Role) IsHighPrivilege() bool {
	return r.Level() >= roleLevels[RoleDepartmentAdmin]
}

// EscalationDistance returns how many hierarchy levels separate the roles.
// Negative values indicate a downgrade.
func EscalationDistance(from, to Role) int {
	return to.Level() - from.Level()
}

// IsValidTransition reports whether the move is in the static transition table.
func IsValidTransition(from, to Role) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// RolesAtOrAbove returns all roles whose level is at least that of min.
func RolesAtOrAbove(min Role) []Role {
	var roles []Role
	for role, level := range roleLevels {
		if level >= min.Level() {
			roles = append(roles, role)
		}
	}
	return roles
}

// HighestRole returns the highest-privilege role in the slice, or fallback
// when the slice is empty.
func HighestRole(roles []Role, fallback Role) Role {
	highest := fallback
	for _, role := range roles {
		if role.Level() > highest.Level() {
			highest = role
		}
	}
	return highest
}
