package auth

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
)

//go:embed policy_model.conf
var policyModelConf string

// anyAuthenticated is the casbin subject granted by rules without a role list.
const anyAuthenticated = "*"

// PolicyRule grants the listed roles access to every path under Prefix.
// A rule with no roles admits any authenticated principal.
type PolicyRule struct {
	Prefix string
	Roles  []Role
}

// RolePolicy is an ordered, immutable list of prefix rules. The first rule
// whose prefix matches a path decides; when none matches, any authenticated
// principal is allowed.
type RolePolicy struct {
	rules    []PolicyRule
	enforcer *casbin.SyncedEnforcer
}

// NewRolePolicy validates rules and loads them into a casbin enforcer.
func NewRolePolicy(rules []PolicyRule) (*RolePolicy, error) {
	m, err := model.NewModelFromString(policyModelConf)
	if err != nil {
		return nil, fmt.Errorf("load policy model: %w", err)
	}
	enforcer, err := casbin.NewSyncedEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("create enforcer: %w", err)
	}

	copied := make([]PolicyRule, 0, len(rules))
	seen := make(map[string]int, len(rules))
	for i, rule := range rules {
		if !strings.HasPrefix(rule.Prefix, "/") {
			return nil, fmt.Errorf("policy rule %d: prefix %q must start with /", i, rule.Prefix)
		}
		rule.Prefix = normalizePrefix(rule.Prefix)
		if first, dup := seen[rule.Prefix]; dup {
			return nil, fmt.Errorf("policy rule %d: prefix %q already declared by rule %d", i, rule.Prefix, first)
		}
		seen[rule.Prefix] = i
		rule.Roles = append([]Role(nil), rule.Roles...)

		subjects := make([]string, 0, len(rule.Roles))
		for _, r := range rule.Roles {
			if !r.Valid() {
				return nil, fmt.Errorf("policy rule %d (%s): unknown role %q", i, rule.Prefix, r)
			}
			subjects = append(subjects, string(r))
		}
		if len(subjects) == 0 {
			subjects = append(subjects, anyAuthenticated)
		}
		for _, sub := range subjects {
			if _, err := enforcer.AddPolicy(sub, rule.Prefix); err != nil {
				return nil, fmt.Errorf("policy rule %d (%s): %w", i, rule.Prefix, err)
			}
		}
		copied = append(copied, rule)
	}

	return &RolePolicy{rules: copied, enforcer: enforcer}, nil
}

// Rules returns a copy of the ordered rule list.
func (p *RolePolicy) Rules() []PolicyRule {
	out := make([]PolicyRule, len(p.rules))
	copy(out, p.rules)
	return out
}

// Match returns the first rule whose prefix matches path.
func (p *RolePolicy) Match(path string) (PolicyRule, bool) {
	for _, rule := range p.rules {
		if MatchPrefix(path, rule.Prefix) {
			return rule, true
		}
	}
	return PolicyRule{}, false
}

// Authorize reports whether role may access path.
func (p *RolePolicy) Authorize(path string, role Role) (bool, error) {
	if !role.Valid() {
		return false, nil
	}
	rule, ok := p.Match(path)
	if !ok {
		return true, nil
	}
	allowed, err := p.enforcer.Enforce(string(role), rule.Prefix)
	if err != nil {
		return false, fmt.Errorf("enforce %s for %s: %w", rule.Prefix, role, err)
	}
	return allowed, nil
}

// MatchPrefix reports whether path equals prefix or lies beneath it.
// "/api/admin" and "/api/admin/" both match "/api/admin" and "/api/admin/users"
// but not "/api/administrators".
func MatchPrefix(path, prefix string) bool {
	prefix = normalizePrefix(prefix)
	if prefix == "/" {
		return true
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// MatchAnyPrefix reports whether path matches any of prefixes.
func MatchAnyPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if MatchPrefix(path, p) {
			return true
		}
	}
	return false
}

func normalizePrefix(prefix string) string {
	if len(prefix) > 1 {
		return strings.TrimRight(prefix, "/")
	}
	return prefix
}

// DefaultPolicyRules returns the built-in route table.
func DefaultPolicyRules() []PolicyRule {
	allRoles := []Role{RoleUser, RoleAnalyst, RoleAdmin}
	analysts := []Role{RoleAnalyst, RoleAdmin}
	admins := []Role{RoleAdmin}

	return []PolicyRule{
		{Prefix: "/api/ip"},
		{Prefix: "/api/test/user", Roles: allRoles},
		{Prefix: "/Users", Roles: allRoles},
		{Prefix: "/api/user", Roles: allRoles},
		{Prefix: "/api/test/analyst", Roles: analysts},
		{Prefix: "/api/analyst", Roles: analysts},
		{Prefix: "/api/analytics", Roles: analysts},
		{Prefix: "/api/reports", Roles: analysts},
		{Prefix: "/api/test/admin", Roles: admins},
		{Prefix: "/Admin", Roles: admins},
		{Prefix: "/api/admin", Roles: admins},
		{Prefix: "/api/files", Roles: admins},
		{Prefix: "/uploads", Roles: admins},
	}
}
