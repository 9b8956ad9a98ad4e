package permission

import (
	"os"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Rule is one entry in a RuleSet: the permission it governs, the glob
// pattern it matches against, and the action to take. Rules are ordered;
// among rules whose permission and pattern both match, the last one wins.
type Rule struct {
	Permission PermissionType
	Pattern    string
	Action     PermissionAction
}

// RuleSet is an ordered collection of Rules representing one precedence
// layer (built-in defaults, user config, per-agent overrides, or a
// session's sticky "always" approvals).
type RuleSet []Rule

// Evaluate concatenates sets in call order (later sets override earlier
// ones) and scans every rule whose Permission equals perm and whose Pattern
// matches pattern under glob semantics, keeping the last such match.
// Default, when nothing matches, is ActionAsk.
func Evaluate(perm PermissionType, pattern string, sets ...RuleSet) PermissionAction {
	result := ActionAsk
	matched := false

	for _, set := range sets {
		for _, rule := range set {
			if rule.Permission != perm {
				continue
			}
			if !matchGlob(rule.Pattern, pattern) {
				continue
			}
			result = rule.Action
			matched = true
		}
	}

	if !matched {
		return ActionAsk
	}
	return result
}

// matchGlob reports whether pattern (after ~/$HOME expansion) matches
// candidate using doublestar glob semantics, falling back to a bare "*"
// wildcard check for patterns that aren't path-shaped (e.g. bash command
// patterns like "git commit *").
func matchGlob(pattern, candidate string) bool {
	pattern = expandHome(pattern)
	candidate = expandHome(candidate)

	if pattern == "*" || pattern == candidate {
		return true
	}

	if ok, err := doublestar.Match(pattern, candidate); err == nil && ok {
		return true
	}

	return false
}

// expandHome replaces a leading "~" or "$HOME" with the user's home
// directory, matching the source's documented pattern semantics.
func expandHome(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, "~") {
		return home + strings.TrimPrefix(path, "~")
	}
	if strings.HasPrefix(path, "$HOME") {
		return home + strings.TrimPrefix(path, "$HOME")
	}
	return path
}

// BuiltinDefaults returns the process-wide default ruleset: ask for
// everything not overridden by config, per-agent, or session layers.
func BuiltinDefaults() RuleSet {
	return RuleSet{
		{Permission: PermBash, Pattern: "*", Action: ActionAsk},
		{Permission: PermEdit, Pattern: "*", Action: ActionAsk},
		{Permission: PermWebFetch, Pattern: "*", Action: ActionAsk},
		{Permission: PermExternalDir, Pattern: "*", Action: ActionAsk},
		{Permission: PermDoomLoop, Pattern: "*", Action: ActionAsk},
	}
}

// RuleSetFromAgentPermissions converts the config-level AgentPermissions
// shape into a RuleSet, so the layered Evaluate call can treat it like any
// other precedence layer.
func RuleSetFromAgentPermissions(perms AgentPermissions) RuleSet {
	set := RuleSet{
		{Permission: PermEdit, Pattern: "*", Action: perms.Edit},
		{Permission: PermWebFetch, Pattern: "*", Action: perms.WebFetch},
		{Permission: PermExternalDir, Pattern: "*", Action: perms.ExternalDir},
		{Permission: PermDoomLoop, Pattern: "*", Action: perms.DoomLoop},
	}
	for pattern, action := range perms.Bash {
		set = append(set, Rule{Permission: PermBash, Pattern: pattern, Action: action})
	}
	return set
}
