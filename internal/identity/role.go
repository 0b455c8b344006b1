package identity

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
)

// Role is the access-level tag controlling which dashboard a principal reaches.
type Role string

const (
	RoleNone              Role = ""
	RoleSuperAdmin        Role = "super_admin"
	RoleAdmin             Role = "admin"
	RoleProprietor        Role = "proprietor"
	RoleTeacher           Role = "teacher"
	RoleExamOfficer       Role = "exam_officer"
	RoleStudent           Role = "student"
	RoleParent            Role = "parent"
	RoleInspector         Role = "inspector"
	RoleComplianceOfficer Role = "compliance_officer"
	RoleCounselor         Role = "counselor"
)

// Roles lists every assignable role.
var Roles = []Role{
	RoleSuperAdmin,
	RoleAdmin,
	RoleProprietor,
	RoleTeacher,
	RoleExamOfficer,
	RoleStudent,
	RoleParent,
	RoleInspector,
	RoleComplianceOfficer,
	RoleCounselor,
}

var roleIndex = buildRoleIndex()

func buildRoleIndex() map[string]Role {
	index := make(map[string]Role, len(Roles)+4)
	for _, role := range Roles {
		index[roleKey(string(role))] = role
	}
	// legacy spellings still present in old profile rows
	index["owner"] = RoleProprietor
	index["guardian"] = RoleParent
	index["counsellor"] = RoleCounselor
	return index
}

// ParseRole maps a raw role string onto the enumeration. Case and separators
// are ignored, so "Exam Officer", "exam-officer" and "examofficer" all match.
func ParseRole(raw string) (Role, bool) {
	key := roleKey(raw)
	if key == "" {
		return RoleNone, false
	}
	role, ok := roleIndex[key]
	return role, ok
}

func roleKey(raw string) string {
	folded := cases.Fold().String(strings.TrimSpace(raw))
	return strings.Map(func(r rune) rune {
		if r == '_' || r == '-' || unicode.IsSpace(r) {
			return -1
		}
		return r
	}, folded)
}

// Privileged reports whether the role administers a school and therefore
// needs a confirmed email before reaching its dashboard.
func (r Role) Privileged() bool {
	switch r {
	case RoleSuperAdmin, RoleAdmin, RoleProprietor:
		return true
	}
	return false
}

// Valid reports whether r is a member of the enumeration.
func (r Role) Valid() bool {
	for _, role := range Roles {
		if r == role {
			return true
		}
	}
	return false
}

// DashboardPath is the landing route for the role.
func (r Role) DashboardPath() string {
	if r == RoleNone {
		return "/"
	}
	return "/dashboard/" + string(r)
}

func (r Role) String() string {
	return string(r)
}
