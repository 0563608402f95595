package policy

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidRule is returned by RuleSet.Validate for malformed rules.
var ErrInvalidRule = errors.New("invalid policy rule")

// DefaultGroups are the built-in tool groups usable in Rule.Tools.
var DefaultGroups = map[string][]string{
	"group:fs":        {"read", "write", "edit", "exec"},
	"group:web":       {"web_search", "web_fetch"},
	"group:runtime":   {"execute_code"},
	"group:memory":    {"memory_search"},
	"group:browser":   {"browser"},
	"group:messaging": {"send_message"},
	"group:jobs":      {"job_status"},
}

// ToolAliases maps alternative tool names to canonical ones.
var ToolAliases = map[string]string{
	"bash":        "exec",
	"shell":       "exec",
	"apply-patch": "edit",
	"apply_patch": "edit",
	"sandbox":     "execute_code",
	"websearch":   "web_search",
	"webfetch":    "web_fetch",
}

// NormalizeTool lowercases a tool name and resolves known aliases.
func NormalizeTool(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if alias, ok := ToolAliases[normalized]; ok {
		return alias
	}
	return normalized
}

// Rule is one declarative policy rule. Empty selector lists match anything.
type Rule struct {
	ID              string   `json:"id" yaml:"id" toml:"id"`
	Effect          Effect   `json:"effect" yaml:"effect" toml:"effect"`
	Tools           []string `json:"tools,omitempty" yaml:"tools" toml:"tools"`
	Subjects        []string `json:"subjects,omitempty" yaml:"subjects" toml:"subjects"`
	Actions         []string `json:"actions,omitempty" yaml:"actions" toml:"actions"`
	Channels        []string `json:"channels,omitempty" yaml:"channels" toml:"channels"`
	RequireApproval bool     `json:"require_approval,omitempty" yaml:"require_approval" toml:"require_approval"`
	Reason          string   `json:"reason,omitempty" yaml:"reason" toml:"reason"`
}

// RuleSet evaluates a list of rules. Deny rules win over allow rules; when
// nothing matches the Default effect applies.
type RuleSet struct {
	Default Effect              `json:"default" yaml:"default" toml:"default"`
	Rules   []Rule              `json:"rules" yaml:"rules" toml:"rules"`
	Groups  map[string][]string `json:"groups,omitempty" yaml:"groups" toml:"groups"`
}

// Validate checks effects and rule ids.
func (rs *RuleSet) Validate() error {
	if rs.Default != "" && rs.Default != EffectAllow && rs.Default != EffectDeny {
		return fmt.Errorf("%w: default effect %q", ErrInvalidRule, rs.Default)
	}
	seen := make(map[string]bool, len(rs.Rules))
	for i, rule := range rs.Rules {
		if rule.Effect != EffectAllow && rule.Effect != EffectDeny {
			return fmt.Errorf("%w: rule %d effect %q", ErrInvalidRule, i, rule.Effect)
		}
		id := rs.ruleID(i)
		if seen[id] {
			return fmt.Errorf("%w: duplicate rule id %q", ErrInvalidRule, id)
		}
		seen[id] = true
	}
	return nil
}

// Evaluator adapts the rule set to the Evaluator signature.
func (rs *RuleSet) Evaluator() Evaluator {
	return rs.Evaluate
}

// Evaluate applies every rule to ctx.
func (rs *RuleSet) Evaluate(ctx Context) *Evaluation {
	tool := toolFromContext(ctx)
	channel, _ := ctx.Metadata["channel"].(string)

	var allowed, denied *Evaluation
	for i, rule := range rs.Rules {
		if !rs.matches(rule, ctx, tool, channel) {
			continue
		}
		id := rs.ruleID(i)
		if rule.Effect == EffectDeny {
			if denied == nil {
				denied = Deny()
			}
			denied.WithRules(id)
			denied.Reasons = append(denied.Reasons, ruleReason(rule, id))
			continue
		}
		if allowed == nil {
			allowed = Allow()
		}
		allowed.WithRules(id)
		allowed.Reasons = append(allowed.Reasons, ruleReason(rule, id))
		if rule.RequireApproval {
			allowed.RequiresApproval = true
		}
	}

	switch {
	case denied != nil:
		return denied
	case allowed != nil:
		return allowed
	case rs.Default == EffectDeny:
		return Deny()
	default:
		return Allow()
	}
}

// ruleReason is never blank, so Reasons stays index-aligned with
// MatchedRules.
func ruleReason(rule Rule, id string) string {
	if reason := strings.TrimSpace(rule.Reason); reason != "" {
		return reason
	}
	return fmt.Sprintf("Matched rule %s.", id)
}

func (rs *RuleSet) ruleID(i int) string {
	if id := strings.TrimSpace(rs.Rules[i].ID); id != "" {
		return id
	}
	return fmt.Sprintf("rule-%d", i+1)
}

func (rs *RuleSet) matches(rule Rule, ctx Context, tool, channel string) bool {
	if len(rule.Tools) > 0 && !rs.matchTool(rule.Tools, tool) {
		return false
	}
	if len(rule.Subjects) > 0 && !matchLiteral(rule.Subjects, ctx.Subject) {
		return false
	}
	if len(rule.Actions) > 0 && !matchLiteral(rule.Actions, ctx.Action) {
		return false
	}
	if len(rule.Channels) > 0 && !matchLiteral(rule.Channels, channel) {
		return false
	}
	return true
}

func (rs *RuleSet) matchTool(patterns []string, tool string) bool {
	if tool == "" {
		return false
	}
	for _, candidate := range rs.expandGroups(patterns) {
		if candidate == "*" || candidate == tool {
			return true
		}
		if strings.HasPrefix(tool, "mcp:") && matchMCPPattern(candidate, tool) {
			return true
		}
	}
	return false
}

// expandGroups replaces group references with their member tools.
func (rs *RuleSet) expandGroups(items []string) []string {
	var result []string
	seen := make(map[string]bool)
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			result = append(result, name)
		}
	}

	for _, item := range items {
		normalized := NormalizeTool(item)
		members, ok := rs.Groups[normalized]
		if !ok {
			members, ok = DefaultGroups[normalized]
		}
		if !ok {
			add(normalized)
			continue
		}
		for _, member := range members {
			add(NormalizeTool(member))
		}
	}
	return result
}

// matchMCPPattern supports "mcp:server.tool", "mcp:server.*" and "mcp:*".
func matchMCPPattern(pattern, toolName string) bool {
	if pattern == "mcp:*" {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(toolName, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == toolName
}

func matchLiteral(patterns []string, value string) bool {
	value = strings.TrimSpace(value)
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "*" || (p != "" && strings.EqualFold(p, value)) {
			return true
		}
	}
	return false
}

func toolFromContext(ctx Context) string {
	if name, ok := ctx.Metadata["tool"].(string); ok && strings.TrimSpace(name) != "" {
		return NormalizeTool(name)
	}
	if name, ok := strings.CutPrefix(strings.TrimSpace(ctx.Resource), "tool:"); ok {
		return NormalizeTool(name)
	}
	return ""
}
