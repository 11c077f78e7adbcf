package auth

type Role string

const (
	RoleOfficer     Role = "officer"
	RoleBidder      Role = "bidder"
	RoleEvaluator   Role = "evaluator"
	RoleAdjudicator Role = "adjudicator"
	RoleSigner      Role = "signer"
	RoleTreasury    Role = "treasury"
	RoleAuditor     Role = "auditor"
)

// Actor is the caller identity handed to the engine. The engine records
// Actor.ID in audit entries and trusts it as given.
type Actor struct {
	ID   string
	Role Role
	// Org is the organization the actor acts for, an opaque reference.
	Org string
}

func isValidRole(role Role) bool {
	switch role {
	case RoleOfficer, RoleBidder, RoleEvaluator, RoleAdjudicator, RoleSigner, RoleTreasury, RoleAuditor:
		return true
	default:
		return false
	}
}
