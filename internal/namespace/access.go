package namespace

import (
	"sort"

	"github.com/moduleplane/moduleplane/internal/models"
)

// accessVerdict is the outcome of one evaluation, kept for audit details.
type accessVerdict struct {
	Allowed bool
	Reason  string
}

// evaluateAccess runs the fixed evaluation order: blocked operations, then
// allowed operations, then permissions, then access rules by descending
// priority with the first match winning, then default deny. Callers handle
// trusted principals (system, admin role, the owning scope) before getting
// here.
func evaluateAccess(ac *models.AccessControl, p *models.Principal, op string) accessVerdict {
	if containsOp(ac.BlockedOperations, op) {
		return accessVerdict{Allowed: false, Reason: "operation blocked"}
	}
	if containsOp(ac.AllowedOperations, op) {
		return accessVerdict{Allowed: true, Reason: "operation open"}
	}
	for _, perm := range ac.Permissions {
		if !containsOp(perm.Operations, op) {
			continue
		}
		if !principalMatches(perm.Type, perm.Target, p) {
			continue
		}
		if !conditionsMatch(perm.Conditions, p) {
			continue
		}
		return accessVerdict{Allowed: true, Reason: "permission " + perm.Target}
	}
	for _, rule := range sortedRules(ac.AccessRules) {
		if !ruleMatches(rule, p, op) {
			continue
		}
		return accessVerdict{
			Allowed: rule.Effect == models.EffectAllow,
			Reason:  "rule " + ruleName(rule),
		}
	}
	return accessVerdict{Allowed: false, Reason: "no matching grant"}
}

// sortedRules orders by descending priority. The sort is stable so rules
// sharing a priority keep their declaration order, which makes evaluation
// deterministic.
func sortedRules(rules []models.AccessRule) []models.AccessRule {
	out := make([]models.AccessRule, len(rules))
	copy(out, rules)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

// ruleName identifies a rule in audit reasons.
func ruleName(rule models.AccessRule) string {
	return rule.ID
}

func ruleMatches(rule models.AccessRule, p *models.Principal, op string) bool {
	if len(rule.Operations) > 0 && !containsOp(rule.Operations, op) {
		return false
	}
	if rule.PrincipalType != "" && !principalMatches(rule.PrincipalType, rule.Target, p) {
		return false
	}
	return conditionsMatch(rule.Conditions, p)
}

// principalMatches reports whether p is named by (ptype, target). Target "*"
// matches any principal the type admits; a role grant matches any principal
// carrying the role.
func principalMatches(ptype models.PrincipalType, target string, p *models.Principal) bool {
	if p == nil {
		return false
	}
	switch ptype {
	case models.PrincipalRole:
		if target == "*" {
			return len(p.Roles) > 0
		}
		for _, r := range p.Roles {
			if r == target {
				return true
			}
		}
		return false
	case models.PrincipalUser, models.PrincipalModule, models.PrincipalTenant:
		if p.Type != ptype {
			return false
		}
		return target == "*" || target == "" || p.ID == target
	default:
		return false
	}
}

// conditionsMatch requires every condition key to equal the principal's
// attribute of the same name; the value "*" only requires presence. No
// conditions means no constraint.
func conditionsMatch(conds map[string]string, p *models.Principal) bool {
	if len(conds) == 0 {
		return true
	}
	if p == nil {
		return false
	}
	for k, want := range conds {
		got, ok := p.Attributes[k]
		if !ok {
			return false
		}
		if want != "*" && got != want {
			return false
		}
	}
	return true
}

func containsOp(ops []string, op string) bool {
	for _, o := range ops {
		if o == op || o == "*" {
			return true
		}
	}
	return false
}

// trustedPrincipal short-circuits evaluation for callers that own the tree
// or administer the system: the system identity, anyone holding the admin
// role, the owning tenant, and the owning module.
func trustedPrincipal(p *models.Principal, ns *models.Namespace) bool {
	if p == nil {
		return true
	}
	if p.ID == "system" && p.Type == models.PrincipalUser {
		return true
	}
	for _, r := range p.Roles {
		if r == "admin" {
			return true
		}
	}
	if p.Type == models.PrincipalTenant && p.ID == ns.TenantID {
		return true
	}
	if p.Type == models.PrincipalModule && p.ID == ns.ModuleID {
		return true
	}
	return false
}
