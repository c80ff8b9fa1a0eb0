package approval

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Template is an approval template loaded from policy-as-data: a
// non-default TTL and/or multi-approver quorum for escalated intents whose
// action_type matches PolicyID. Absent a matching template, the registry's
// default TTL and single-approver model apply.
type Template struct {
	PolicyID       string   `yaml:"policy_id"`
	ApproverRoles  []string `yaml:"approver_roles"`
	Quorum         int      `yaml:"quorum"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	OnTimeout      string   `yaml:"on_timeout"`
}

// TemplateSet is the top-level shape of an APPROVAL_TEMPLATES_PATH file.
type TemplateSet struct {
	Templates []Template `yaml:"templates"`
}

// LoadTemplates reads and validates an approval-template YAML file. Every
// template must name a policy_id, and on_timeout — if set — must be
// AUTO_DENY: the registry fails closed on timeout and has no auto-approve
// path to wire a different value to.
func LoadTemplates(path string) (*TemplateSet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("approval: read templates file: %w", err)
	}
	var set TemplateSet
	if err := yaml.Unmarshal(raw, &set); err != nil {
		return nil, fmt.Errorf("approval: parse templates file: %w", err)
	}
	for i := range set.Templates {
		t := &set.Templates[i]
		if t.PolicyID == "" {
			return nil, fmt.Errorf("approval: template at index %d is missing policy_id", i)
		}
		if t.Quorum <= 0 {
			t.Quorum = 1
		}
		if t.OnTimeout == "" {
			t.OnTimeout = "AUTO_DENY"
		} else if t.OnTimeout != "AUTO_DENY" {
			return nil, fmt.Errorf("approval: template %q has unsupported on_timeout %q (only AUTO_DENY is implemented)", t.PolicyID, t.OnTimeout)
		}
	}
	return &set, nil
}

// For returns the template governing policyID (matched against the
// intent's action_type), or nil if none is configured.
func (s *TemplateSet) For(policyID string) *Template {
	if s == nil {
		return nil
	}
	for i := range s.Templates {
		if s.Templates[i].PolicyID == policyID {
			return &s.Templates[i]
		}
	}
	return nil
}

// allowsApprover reports whether approverActor may act as a reviewer under
// this template. A nil template or an empty ApproverRoles list means any
// authenticated approver may act — role-gating is opt-in per template.
func (t *Template) allowsApprover(approverActor string) bool {
	if t == nil || len(t.ApproverRoles) == 0 {
		return true
	}
	for _, role := range t.ApproverRoles {
		if role == approverActor {
			return true
		}
	}
	return false
}

func ttlOf(t *Template, fallback time.Duration) time.Duration {
	if t != nil && t.TimeoutSeconds > 0 {
		return time.Duration(t.TimeoutSeconds) * time.Second
	}
	return fallback
}

func quorumOf(t *Template) int {
	if t != nil && t.Quorum > 0 {
		return t.Quorum
	}
	return 1
}
