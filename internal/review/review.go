// Package review runs deterministic, post-execution checks on a Blast Box
// EvidencePacket: scope compliance, forbidden-path touches, leaked
// secrets, dependency-file changes, and outbound network attempts. It is
// a supplement to the bare EvidencePacket, not a policy gate — findings
// feed a risk_delta back into the audit trail, they never block or
// rewrite the execution that already happened.
package review

import (
	"regexp"
	"strings"
	"time"

	"github.com/gavelhq/gavel/internal/blastbox"
	"github.com/gavelhq/gavel/internal/canon"
)

// Finding categories.
const (
	CategoryScopeViolation   = "scope_violation"
	CategoryForbiddenPath    = "forbidden_path"
	CategorySecretExposure   = "secret_exposure"
	CategoryDependencyChange = "dependency_change"
	CategoryNetworkAttempt   = "network_attempt"
)

// Finding severities.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// Finding is one deterministic observation about a Blast Box run.
type Finding struct {
	Category       string `json:"category"`
	Severity       string `json:"severity"`
	Description    string `json:"description"`
	FilePath       string `json:"file_path,omitempty"`
	MatchedPattern string `json:"matched_pattern,omitempty"`
}

// Result is the outcome of running every check against one EvidencePacket.
type Result struct {
	Passed         bool      `json:"passed"`
	Findings       []Finding `json:"findings"`
	RiskDelta      float64   `json:"risk_delta"`
	ScopeCompliant bool      `json:"scope_compliant"`
	ReviewedAt     time.Time `json:"reviewed_at"`
}

var forbiddenPathPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)CONSTITUTION\.md`),
	regexp.MustCompile(`(?i)governance[/\\]`),
	regexp.MustCompile(`(?i)policy[/\\]`),
	regexp.MustCompile(`(?i)\.env`),
	regexp.MustCompile(`(?i)\.git[/\\]`),
	regexp.MustCompile(`(?i).*\.key$`),
	regexp.MustCompile(`(?i).*\.pem$`),
	regexp.MustCompile(`(?i)id_rsa`),
}

var dependencyFiles = map[string]bool{
	"package-lock.json": true,
	"package.json":      true,
	"poetry.lock":        true,
	"pyproject.toml":     true,
	"requirements.txt":   true,
	"Gemfile.lock":       true,
	"go.sum":             true,
	"Cargo.lock":         true,
}

type namedPattern struct {
	name    string
	pattern *regexp.Regexp
}

var networkPatterns = []namedPattern{
	{"Network command", regexp.MustCompile(`\b(?:curl|wget|fetch|http\.get|requests\.get|urllib)\b`)},
	{"URL reference", regexp.MustCompile(`(?:https?|ftp)://`)},
	{"DNS operation", regexp.MustCompile(`\b(?:getaddrinfo|resolve|nslookup|dig)\b`)},
	{"Socket operation", regexp.MustCompile(`(?:connect\(\)|socket\(|SOCK_STREAM)`)},
	{"Network error (blocked)", regexp.MustCompile(`(?:Network is unreachable|Could not resolve host|Connection refused|Name or service not known)`)},
}

var secretPatterns = []namedPattern{
	{"AWS Access Key", regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
	{"GitHub Token", regexp.MustCompile(`gh[posrt]_[A-Za-z0-9_]{36,}`)},
	{"Generic API Key", regexp.MustCompile(`(?i)api[_\-]?key\s*[:=]\s*\S+`)},
	{"Private Key Header", regexp.MustCompile(`-----BEGIN.*PRIVATE KEY-----`)},
}

// riskDeltaMap assigns each category's contribution to risk_delta. Kept as
// an ordered slice (rather than a plain map) so RiskMapVersionHash hashes
// something with a stable iteration order of its own, independent of
// canon.Marshal's key-sorting (which would mask a future reordering bug).
var riskDeltaMap = []struct {
	category string
	delta    float64
}{
	{CategoryScopeViolation, 0.3},
	{CategoryForbiddenPath, 0.5},
	{CategorySecretExposure, 0.5},
	{CategoryDependencyChange, 0.1},
	{CategoryNetworkAttempt, 0.2},
}

func riskDeltaOf(category string) float64 {
	for _, e := range riskDeltaMap {
		if e.category == category {
			return e.delta
		}
	}
	return 0
}

// RiskMapVersionHash fingerprints the category->risk_delta table so a
// downstream consumer of EVIDENCE_REVIEW_DETERMINISTIC can detect when the
// weights it was scored under have changed.
var RiskMapVersionHash = computeRiskMapVersionHash()

func computeRiskMapVersionHash() string {
	asMap := make(map[string]float64, len(riskDeltaMap))
	for _, e := range riskDeltaMap {
		asMap[e.category] = e.delta
	}
	hash, err := canon.HashValue(asMap)
	if err != nil {
		panic("review: risk map must be hashable: " + err.Error())
	}
	return hash
}

func reviewScope(diff blastbox.PersistedDiff, allowPaths []string) []Finding {
	var findings []Finding
	touched := append(append([]string{}, diff.Added...), diff.Modified...)
	for _, path := range touched {
		if pathAllowed(path, allowPaths) {
			continue
		}
		findings = append(findings, Finding{
			Category:    CategoryScopeViolation,
			Severity:    SeverityHigh,
			Description: "File '" + path + "' is outside allowed paths",
			FilePath:    path,
		})
	}
	return findings
}

func pathAllowed(path string, allowPaths []string) bool {
	for _, prefix := range allowPaths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func reviewForbiddenPaths(diff blastbox.PersistedDiff) []Finding {
	var findings []Finding
	all := append(append(append([]string{}, diff.Added...), diff.Modified...), diff.Deleted...)
	for _, path := range all {
		for _, pattern := range forbiddenPathPatterns {
			if pattern.MatchString(path) {
				findings = append(findings, Finding{
					Category:       CategoryForbiddenPath,
					Severity:       SeverityCritical,
					Description:    "Forbidden path touched: '" + path + "'",
					FilePath:       path,
					MatchedPattern: pattern.String(),
				})
				break // one finding per file is enough
			}
		}
	}
	return findings
}

func reviewDependencies(diff blastbox.PersistedDiff) []Finding {
	var findings []Finding
	all := append(append([]string{}, diff.Added...), diff.Modified...)
	for _, path := range all {
		base := path
		if i := strings.LastIndexAny(path, "/\\"); i >= 0 {
			base = path[i+1:]
		}
		if dependencyFiles[base] {
			findings = append(findings, Finding{
				Category:    CategoryDependencyChange,
				Severity:    SeverityMedium,
				Description: "Dependency file changed: '" + path + "'",
				FilePath:    path,
			})
		}
	}
	return findings
}

// scanStreams applies patterns to stdout and stderr, reporting at most one
// finding per (pattern name, stream) pair.
func scanStreams(stdout, stderr string, category, severity string, patterns []namedPattern) []Finding {
	var findings []Finding
	streams := []struct {
		name string
		text string
	}{{"stdout", stdout}, {"stderr", stderr}}
	for _, stream := range streams {
		for _, p := range patterns {
			if p.pattern.MatchString(stream.text) {
				findings = append(findings, Finding{
					Category:       category,
					Severity:       severity,
					Description:    p.name + " detected in " + stream.name,
					MatchedPattern: p.pattern.String(),
				})
			}
		}
	}
	return findings
}

func reviewSecrets(stdout, stderr string) []Finding {
	return scanStreams(stdout, stderr, CategorySecretExposure, SeverityCritical, secretPatterns)
}

func reviewNetworkAttempts(stdout, stderr string) []Finding {
	return scanStreams(stdout, stderr, CategoryNetworkAttempt, SeverityMedium, networkPatterns)
}

func computeRiskDelta(findings []Finding) float64 {
	var total float64
	for _, f := range findings {
		total += riskDeltaOf(f.Category)
	}
	if total > 1.0 {
		return 1.0
	}
	return total
}

// Evidence runs every deterministic check against packet. allowPaths, when
// non-nil, additionally gates every added/modified file to those prefixes;
// passing nil skips the scope check entirely (matching a Blast Box run
// with no declared workspace scope).
func Evidence(packet *blastbox.EvidencePacket, allowPaths []string, now time.Time) Result {
	var findings []Finding
	if allowPaths != nil {
		findings = append(findings, reviewScope(packet.WorkspaceDiff, allowPaths)...)
	}
	findings = append(findings, reviewForbiddenPaths(packet.WorkspaceDiff)...)
	findings = append(findings, reviewSecrets(packet.Stdout, packet.Stderr)...)
	findings = append(findings, reviewDependencies(packet.WorkspaceDiff)...)
	findings = append(findings, reviewNetworkAttempts(packet.Stdout, packet.Stderr)...)

	passed := true
	scopeCompliant := true
	for _, f := range findings {
		if f.Severity == SeverityCritical || f.Severity == SeverityHigh {
			passed = false
		}
		if f.Category == CategoryScopeViolation {
			scopeCompliant = false
		}
	}

	return Result{
		Passed:         passed,
		Findings:       findings,
		RiskDelta:      computeRiskDelta(findings),
		ScopeCompliant: scopeCompliant,
		ReviewedAt:     now,
	}
}
