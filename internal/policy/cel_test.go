package policy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtension_AddsViolationAndRaisesRisk(t *testing.T) {
	set := &RuleSet{
		PolicyVersion: "1.1.0",
		Rules: []RuleDef{
			{
				ID:          "no-staging-writes",
				Expression:  `action_type == "file_write" && content.contains("staging/")`,
				RuleCode:    "NO_STAGING_WRITE",
				Description: "writes to staging/ require extra scrutiny",
				RiskDelta:   0.5,
			},
		},
	}
	ext, err := NewExtension(set)
	require.NoError(t, err)

	base := Evaluate("file_write", "staging/app.conf")
	augmented := ext.Apply("file_write", "staging/app.conf", base)

	require.Len(t, augmented.Violations, len(base.Violations)+1)
	require.Equal(t, Escalated, augmented.Decision)
}

func TestExtension_NoMatchLeavesResultUnchanged(t *testing.T) {
	set := &RuleSet{
		PolicyVersion: "1.0.0",
		Rules: []RuleDef{
			{ID: "never", Expression: `false`, RuleCode: "NEVER", Description: "never matches"},
		},
	}
	ext, err := NewExtension(set)
	require.NoError(t, err)

	base := Evaluate("file_read", "README.md")
	augmented := ext.Apply("file_read", "README.md", base)
	require.Equal(t, base, augmented)
}
