// Package config loads gateway configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds server configuration for the gavel gateway.
type Config struct {
	Port     string
	LogLevel string

	// DatabaseURL selects the Postgres ledger backend when set; when empty
	// the gateway falls back to the embedded SQLite "Lite Mode" backend.
	DatabaseURL string

	// HumanAPIKey gates /approve and /deny. Deliberately NOT defaulted:
	// an empty key means those endpoints always return 401.
	HumanAPIKey string

	ApprovalTTL           time.Duration
	ApprovalTemplatesPath string
	IdentitiesPath        string
	PolicyRulesPath       string
	RedisURL              string
	OTELExporterOTLP      string
	GatewayURL            string

	BlastBoxImage          string
	BlastBoxNetworkMode    string
	BlastBoxMemory         string
	BlastBoxCPUs           string
	BlastBoxTimeoutSeconds time.Duration
	BlastBoxWorkspace      string
	BlastBoxMaxConcurrent  int

	// EvidenceReviewAllowPaths scopes the post-execution deterministic
	// evidence review's scope-compliance check. Empty means the check is
	// skipped entirely, matching a run with no declared workspace scope.
	EvidenceReviewAllowPaths []string
}

// Load reads configuration from environment variables, applying the same
// defaults for non-sensitive settings that the rest of this codebase uses,
// and failing closed (empty string, never a baked-in secret) for anything
// security sensitive.
func Load() *Config {
	return &Config{
		Port:     envOr("PORT", "8080"),
		LogLevel: envOr("LOG_LEVEL", "INFO"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		HumanAPIKey: os.Getenv("HUMAN_API_KEY"),

		ApprovalTTL:           envDurationSeconds("APPROVAL_TTL_SECONDS", 3600*time.Second),
		ApprovalTemplatesPath: os.Getenv("APPROVAL_TEMPLATES_PATH"),
		IdentitiesPath:        envOr("IDENTITIES_PATH", "./identities.json"),
		PolicyRulesPath:       os.Getenv("POLICY_RULES_PATH"),
		RedisURL:              os.Getenv("REDIS_URL"),

		OTELExporterOTLP: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		GatewayURL:       os.Getenv("GATEWAY_URL"),

		BlastBoxImage:          envOr("BLAST_BOX_IMAGE", "gavel-blastbox:latest"),
		BlastBoxNetworkMode:    envOr("BLAST_BOX_NETWORK_MODE", "none"),
		BlastBoxMemory:         envOr("BLAST_BOX_MEMORY", "256m"),
		BlastBoxCPUs:           envOr("BLAST_BOX_CPUS", "1.0"),
		BlastBoxTimeoutSeconds: envDurationSeconds("BLAST_BOX_TIMEOUT_SECONDS", 60*time.Second),
		BlastBoxWorkspace:      os.Getenv("BLAST_BOX_WORKSPACE"),
		BlastBoxMaxConcurrent:  envInt("BLAST_BOX_MAX_CONCURRENT", 4),

		EvidenceReviewAllowPaths: envCommaList("EVIDENCE_REVIEW_ALLOW_PATHS"),
	}
}

func envCommaList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDurationSeconds(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return time.Duration(secs) * time.Second
}
