package policy

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// Extension layers loadable CEL rules on top of the mandatory rule table
// in Evaluate. It never replaces the mandatory table — it only runs after
// it and may add extra violations or raise risk_score further, matching
// the "policy as data" design note: the rule set is declarative and
// loadable, with policy_version stamped into every event.
type Extension struct {
	env     *cel.Env
	rules   []compiledRule
	version string
}

type compiledRule struct {
	def     RuleDef
	program cel.Program
}

// Version returns the policy_version carried by the loaded rule set.
func (e *Extension) Version() string {
	return e.version
}

// NewExtension compiles every rule in set against a small, fixed CEL
// environment exposing action_type, content, and the base risk_score
// computed by the mandatory table.
func NewExtension(set *RuleSet) (*Extension, error) {
	env, err := cel.NewEnv(
		cel.Variable("action_type", cel.StringType),
		cel.Variable("content", cel.StringType),
		cel.Variable("risk_score_so_far", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: create CEL env: %w", err)
	}

	ext := &Extension{env: env, version: set.PolicyVersion}
	for _, def := range set.Rules {
		ast, issues := env.Compile(def.Expression)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("policy: compile rule %q: %w", def.ID, issues.Err())
		}
		program, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("policy: build program for rule %q: %w", def.ID, err)
		}
		ext.rules = append(ext.rules, compiledRule{def: def, program: program})
	}
	return ext, nil
}

// Apply runs the loaded rules against base and returns an augmented
// Result. On any CEL evaluation error the offending rule is skipped
// (fail-closed: the mandatory table's decision is never weakened, and a
// broken extension rule simply contributes nothing rather than panicking
// the request).
func (e *Extension) Apply(actionType, content string, base Result) Result {
	result := base
	for _, r := range e.rules {
		out, _, err := r.program.Eval(map[string]interface{}{
			"action_type":       actionType,
			"content":           content,
			"risk_score_so_far": result.RiskScore,
		})
		if err != nil {
			continue
		}
		matched, ok := out.Value().(bool)
		if !ok || !matched {
			continue
		}
		result.Violations = append(result.Violations, Violation{Rule: r.def.RuleCode, Description: r.def.Description})
		result.RiskScore = clamp(result.RiskScore+r.def.RiskDelta, 0, 1)
	}
	if result.Decision != Denied && result.RiskScore >= EscalationThreshold {
		result.Decision = Escalated
	}
	return result
}
