// Package authz decides whether a foreground package may run during a
// session. The decision is a pure function of the rule sets and the
// whitelist snapshot; callers fetch both and pass them in.
package authz

import "focuslock/internal/config"

// Verdicts.
const (
	Allow = "allow"
	Block = "block"
)

// Rule categories, for analytics.
const (
	RuleSelf              = "self"
	RuleSecurityRisk      = "security_risk"
	RuleEssentialSystem   = "essential_system"
	RuleWhitelist         = "whitelist"
	RuleDefaultApp        = "default_app"
	RuleSupportingService = "supporting_service"
	RuleDefaultBlock      = "default_block"
)

// Decision is the transient authorization result; it is never persisted.
type Decision struct {
	PackageID string `json:"package_id"`
	Verdict   string `json:"verdict" enum:"allow,block"`
	Rule      string `json:"rule"`
}

func (d Decision) Allowed() bool { return d.Verdict == Allow }

// Ruleset is the fixed portion of the decision input, derived from config.
type Ruleset struct {
	SelfPackage        string
	SecurityRisk       map[string]bool
	EssentialSystem    map[string]bool
	SupportingServices map[string][]string
}

// NewRuleset builds the fixed rule sets from config.
func NewRuleset(cfg *config.Config) Ruleset {
	rs := Ruleset{
		SelfPackage:        cfg.Enforcement.SelfPackage,
		SecurityRisk:       toSet(cfg.Authorization.SecurityRisk),
		EssentialSystem:    toSet(cfg.Authorization.EssentialSystem),
		SupportingServices: cfg.Authorization.SupportingServices,
	}
	return rs
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, it := range items {
		set[it] = true
	}
	return set
}

// Authorize evaluates the precedence chain; first match wins. The
// security-risk check runs before the whitelist so a risky package can
// never be allowed by whitelisting it.
func (rs Ruleset) Authorize(pkg string, whitelist, enabledDefaults map[string]bool) Decision {
	if pkg == rs.SelfPackage {
		return Decision{PackageID: pkg, Verdict: Allow, Rule: RuleSelf}
	}
	if rs.SecurityRisk[pkg] {
		return Decision{PackageID: pkg, Verdict: Block, Rule: RuleSecurityRisk}
	}
	if rs.EssentialSystem[pkg] {
		return Decision{PackageID: pkg, Verdict: Allow, Rule: RuleEssentialSystem}
	}
	if whitelist[pkg] {
		return Decision{PackageID: pkg, Verdict: Allow, Rule: RuleWhitelist}
	}
	if enabledDefaults[pkg] {
		return Decision{PackageID: pkg, Verdict: Allow, Rule: RuleDefaultApp}
	}
	if rs.isSupportingService(pkg, whitelist, enabledDefaults) {
		return Decision{PackageID: pkg, Verdict: Allow, Rule: RuleSupportingService}
	}
	return Decision{PackageID: pkg, Verdict: Block, Rule: RuleDefaultBlock}
}

// isSupportingService reports whether pkg is a service some currently
// allowed app transitively needs.
func (rs Ruleset) isSupportingService(pkg string, whitelist, enabledDefaults map[string]bool) bool {
	for owner, services := range rs.SupportingServices {
		if !whitelist[owner] && !enabledDefaults[owner] {
			continue
		}
		for _, svc := range services {
			if svc == pkg {
				return true
			}
		}
	}
	return false
}
