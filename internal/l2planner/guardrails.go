package l2planner

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/jbouey/msp-flake-sub001/internal/healing"
)

// Guardrails validates L2 LLM decisions before execution.
// Blocks dangerous commands and enforces an allowed-actions allowlist.
type Guardrails struct {
	dangerousPatterns []*regexp.Regexp
	allowedActions    map[string]bool
}

// DefaultAllowedActions is the set of actions the L2 planner can
// auto-execute — the same canonical allow-list the L1 deterministic
// engine binds rules to, since both tiers share one action executor.
var DefaultAllowedActions = append([]string{}, healing.CanonicalActions...)

// dangerousActions require human approval even when every other guardrail
// passes, because their blast radius is large enough that confidence alone
// shouldn't authorize them unattended.
var dangerousActions = map[string]bool{
	"delete":   true,
	"format":   true,
	"reboot":   true,
	"shutdown": true,
}

// dangerousPatternDefs are regex patterns that indicate destructive commands.
var dangerousPatternDefs = []string{
	// Filesystem destruction
	`rm\s+(-[a-zA-Z]*)?r[a-zA-Z]*f\s+/`,    // rm -rf /
	`rm\s+(-[a-zA-Z]*)?f[a-zA-Z]*r\s+/`,    // rm -fr /
	`\bmkfs\b`,                               // format filesystem
	`\bfdisk\b`,                              // partition editor
	`\bdd\s+if=/dev/zero\b`,                  // zero out disk
	`\bdd\s+if=/dev/urandom\b`,              // random overwrite

	// Permission destruction
	`chmod\s+777\s+/`,                         // world-writable root
	`chmod\s+(-[a-zA-Z]*)?R\s+777\b`,        // recursive world-writable

	// Remote code execution via pipe
	`curl\s+.*\|\s*(?:ba)?sh`,               // curl | bash
	`wget\s+.*\|\s*(?:ba)?sh`,              // wget | sh
	`curl\s+.*\|\s*python`,                  // curl | python
	`wget\s+.*\|\s*python`,                 // wget | python

	// SQL destruction
	`(?i)\bDROP\s+(?:TABLE|DATABASE)\b`,     // DROP TABLE/DATABASE
	`(?i)\bDELETE\s+FROM\b`,                // DELETE FROM
	`(?i)\bTRUNCATE\b`,                      // TRUNCATE

	// Credential files
	`/etc/shadow`,                            // shadow password file
	`\bid_rsa\b`,                             // SSH private key
	`(?i)\bapi[_\s]?key\b`,                  // API key references
	`\.env\b`,                                // env files with secrets

	// Reverse shells
	`\bnc\s+.*-[a-zA-Z]*e\s+/bin/`,          // netcat reverse shell
	`\bncat\s+.*-[a-zA-Z]*e\s+/bin/`,       // ncat reverse shell
	`/dev/tcp/`,                              // bash reverse shell

	// System destruction
	`\b(?:shutdown|reboot|halt|poweroff)\b.*-[a-zA-Z]*f\b`,  // forced shutdown
	`>\s*/dev/sda`,                           // overwrite disk device

	// Windows destruction
	`(?i)Format-Volume`,                      // PowerShell format disk
	`(?i)Clear-Disk`,                         // PowerShell clear disk
	`(?i)Remove-Partition`,                   // PowerShell remove partition
	`(?i)Stop-Computer\s+-Force`,            // forced shutdown
}

// NewGuardrails creates a Guardrails checker with the given allowed actions.
// If allowedActions is nil, DefaultAllowedActions is used.
func NewGuardrails(allowedActions []string) *Guardrails {
	if allowedActions == nil {
		allowedActions = DefaultAllowedActions
	}

	allowed := make(map[string]bool, len(allowedActions))
	for _, a := range allowedActions {
		allowed[strings.ToLower(a)] = true
	}

	patterns := make([]*regexp.Regexp, 0, len(dangerousPatternDefs))
	for _, p := range dangerousPatternDefs {
		patterns = append(patterns, regexp.MustCompile(p))
	}

	return &Guardrails{
		dangerousPatterns: patterns,
		allowedActions:    allowed,
	}
}

// CheckResult is the result of a guardrails check.
type CheckResult struct {
	Allowed  bool
	Reason   string
	Category string // "dangerous_pattern", "unknown_action", "low_confidence", ""
}

// Check validates an L2 decision. Returns a CheckResult indicating whether
// the decision should be executed or escalated.
func (g *Guardrails) Check(action string, script string, confidence float64) CheckResult {
	// Check confidence threshold
	if confidence < 0.6 {
		return CheckResult{
			Allowed:  false,
			Reason:   "confidence too low for auto-execution",
			Category: "low_confidence",
		}
	}

	// Check action is in allowlist
	if !g.IsActionAllowed(action) {
		return CheckResult{
			Allowed:  false,
			Reason:   "action not in allowed list: " + action,
			Category: "unknown_action",
		}
	}

	// Check script for dangerous patterns
	if reason := g.CheckDangerous(script); reason != "" {
		return CheckResult{
			Allowed:  false,
			Reason:   reason,
			Category: "dangerous_pattern",
		}
	}

	// Also check action string itself for dangerous patterns
	if reason := g.CheckDangerous(action); reason != "" {
		return CheckResult{
			Allowed:  false,
			Reason:   reason,
			Category: "dangerous_pattern",
		}
	}

	return CheckResult{Allowed: true}
}

// IsActionAllowed checks if an action is in the allowlist.
func (g *Guardrails) IsActionAllowed(action string) bool {
	return g.allowedActions[strings.ToLower(action)]
}

// CheckDangerous scans a string for dangerous patterns.
// Returns the reason string if dangerous, empty string if safe.
func (g *Guardrails) CheckDangerous(input string) string {
	for _, p := range g.dangerousPatterns {
		if p.MatchString(input) {
			return "dangerous pattern detected: " + p.String()
		}
	}
	return ""
}

// DecisionCheckResult is the outcome of running the full ordered guardrail
// pipeline (spec step 7) against an LLM decision.
type DecisionCheckResult struct {
	Escalate          bool
	RequiresApproval  bool
	SecurityViolation bool
	Confidence        float64 // possibly forced to 0 by a security violation
	Reason            string
}

// CheckDecision runs the ordered guardrail pipeline against a decision's
// action, params, reasoning, and confidence:
//
//	a. action not in the allow-list -> force escalate, require approval
//	b. a dangerous pattern anywhere in params (recursively) or reasoning
//	   -> force escalate, zero confidence, flag security_violation
//	c. confidence < 0.6 -> require approval
//	d. action in the "dangerous" set (delete/format/reboot/shutdown)
//	   -> require approval
//
// Later steps still run after an earlier one fires, since escalation and
// approval are independent signals the caller folds together.
func (g *Guardrails) CheckDecision(action string, params map[string]interface{}, reasoning string, confidence float64) DecisionCheckResult {
	result := DecisionCheckResult{Confidence: confidence}

	if !g.IsActionAllowed(action) && !healing.IsRunbookAction(action) {
		result.Escalate = true
		result.RequiresApproval = true
		result.Reason = "action not in allowed list: " + action
	}

	if reason := g.scanDangerous(params, reasoning); reason != "" {
		result.Escalate = true
		result.SecurityViolation = true
		result.Confidence = 0
		if result.Reason != "" {
			result.Reason += "; "
		}
		result.Reason += reason
	}

	if confidence < 0.6 {
		result.RequiresApproval = true
	}

	if dangerousActions[strings.ToLower(action)] {
		result.RequiresApproval = true
	}

	return result
}

// scanDangerous walks params recursively (keys and string values) plus
// reasoning, checking each string against the dangerous-pattern denylist.
func (g *Guardrails) scanDangerous(params map[string]interface{}, reasoning string) string {
	if reason := g.CheckDangerous(reasoning); reason != "" {
		return reason
	}
	return g.scanValue(params)
}

func (g *Guardrails) scanValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return g.CheckDangerous(val)
	case map[string]interface{}:
		for k, vv := range val {
			if reason := g.CheckDangerous(k); reason != "" {
				return reason
			}
			if reason := g.scanValue(vv); reason != "" {
				return reason
			}
		}
	case []interface{}:
		for _, item := range val {
			if reason := g.scanValue(item); reason != "" {
				return reason
			}
		}
	default:
		if val != nil {
			return g.CheckDangerous(fmt.Sprintf("%v", val))
		}
	}
	return ""
}

// AllowedActions returns the list of allowed actions.
func (g *Guardrails) AllowedActions() []string {
	actions := make([]string, 0, len(g.allowedActions))
	for a := range g.allowedActions {
		actions = append(actions, a)
	}
	return actions
}
