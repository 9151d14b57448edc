package model

// Principal is the authenticated caller of a user-facing operation.
// Scope membership comes from the bearer token; the vault does not manage it.
type Principal struct {
	UserID          string   `json:"userId"`
	PersonalVaultID string   `json:"personalVaultId,omitempty"`
	OrganizationIDs []string `json:"organizationIds,omitempty"`
}

// CanAccess reports whether the principal may act within scope.
func (p Principal) CanAccess(s Scope) bool {
	if s.PersonalVaultID != "" {
		return s.PersonalVaultID == p.PersonalVaultID
	}
	return p.MemberOf(s.OrganizationID)
}

// MemberOf reports whether the principal belongs to the organization.
func (p Principal) MemberOf(orgID string) bool {
	if orgID == "" {
		return false
	}
	for _, id := range p.OrganizationIDs {
		if id == orgID {
			return true
		}
	}
	return false
}
