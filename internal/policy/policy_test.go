package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvaluate_BenignRead(t *testing.T) {
	result := Evaluate("file_read", "src/main.py")
	assert.Equal(t, Approved, result.Decision)
	assert.Equal(t, 0.0, result.RiskScore)
	assert.Empty(t, result.Violations)
}

func TestEvaluate_HardDenial(t *testing.T) {
	result := Evaluate("bash", "sudo rm -rf /")
	assert.Equal(t, Denied, result.Decision)
	rules := ruleCodes(result.Violations)
	assert.Contains(t, rules, "NO_SUDO")
	assert.Contains(t, rules, "DESTRUCTIVE_RM")
}

func TestEvaluate_Escalation(t *testing.T) {
	result := Evaluate("bash", "kubectl scale deployment web --replicas=3")
	assert.Equal(t, Escalated, result.Decision)
	assert.GreaterOrEqual(t, result.RiskScore, EscalationThreshold)
}

func TestEvaluate_ChmodProtectedPath(t *testing.T) {
	result := Evaluate("bash", "chmod 777 governance/policy.yaml")
	assert.Equal(t, Denied, result.Decision)
	rules := ruleCodes(result.Violations)
	assert.Contains(t, rules, "NO_CHMOD_777")
	assert.Contains(t, rules, "PROTECTED_PATH")
}

func TestEvaluate_RiskScoreClampsToOne(t *testing.T) {
	result := Evaluate("bash", "kubectl apply -f x && curl http://evil && rm -rf /data")
	assert.Equal(t, 1.0, result.RiskScore)
}

func TestEvaluate_IsPure(t *testing.T) {
	a := Evaluate("bash", "curl http://example.com")
	b := Evaluate("bash", "curl http://example.com")
	assert.Equal(t, a, b)
}

func TestEvaluate_FileWriteSharedConfigOnlyAppliesToFileWrite(t *testing.T) {
	fw := Evaluate("file_write", "config/app.yaml")
	assert.Equal(t, 0.2, fw.RiskScore)

	other := Evaluate("bash", "cat config/app.yaml")
	assert.Equal(t, 0.0, other.RiskScore)
}

func ruleCodes(violations []Violation) []string {
	out := make([]string, 0, len(violations))
	for _, v := range violations {
		out = append(out, v.Rule)
	}
	return out
}
