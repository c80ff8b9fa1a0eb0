package policy

import (
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// RuleDef is one CEL-backed extension rule loaded from a policy-as-data
// file. Expression must evaluate to a bool; when true, Description is
// recorded under RuleCode and RiskDelta is added to the base risk_score.
// RileDelta must be >= 0 — the extension layer can only raise risk or add
// violations, never lower what the mandatory table already decided.
type RuleDef struct {
	ID          string  `yaml:"id"`
	Expression  string  `yaml:"expression"`
	RuleCode    string  `yaml:"rule_code"`
	Description string  `yaml:"description"`
	RiskDelta   float64 `yaml:"risk_delta"`
}

// RuleSet is the top-level shape of a POLICY_RULES_PATH file.
type RuleSet struct {
	PolicyVersion string    `yaml:"policy_version"`
	Rules         []RuleDef `yaml:"rules"`
}

// LoadRules reads and validates a policy-as-data YAML file. The
// policy_version field must parse as semver so that evaluations stamped
// with it remain comparable across deployments.
func LoadRules(path string) (*RuleSet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read rules file: %w", err)
	}
	var set RuleSet
	if err := yaml.Unmarshal(raw, &set); err != nil {
		return nil, fmt.Errorf("policy: parse rules file: %w", err)
	}
	if set.PolicyVersion == "" {
		set.PolicyVersion = Version
	}
	if _, err := semver.NewVersion(set.PolicyVersion); err != nil {
		return nil, fmt.Errorf("policy: policy_version %q is not valid semver: %w", set.PolicyVersion, err)
	}
	for _, r := range set.Rules {
		if r.RiskDelta < 0 {
			return nil, fmt.Errorf("policy: rule %q has negative risk_delta %v; extension rules may only add risk", r.ID, r.RiskDelta)
		}
	}
	return &set, nil
}
