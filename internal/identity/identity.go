// Package identity implements the actor allow-list that gates propose()
// and the bearer-secret check that gates the human-review endpoints.
package identity

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
)

// Identity is one entry in identities.json.
type Identity struct {
	ActorID string `json:"actor_id"`
	Kind    string `json:"kind"` // "agent" or "human"
	Active  bool   `json:"active"`
}

type identitiesFile struct {
	Actors []Identity `json:"actors"`
}

// Registry is a reloadable, concurrency-safe view of identities.json.
type Registry struct {
	mu   sync.RWMutex
	path string
	byID map[string]Identity
}

// Load reads identities.json from path and builds a Registry. An empty or
// missing path yields a Registry that rejects every actor.
func Load(path string) (*Registry, error) {
	r := &Registry{path: path}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads identities.json from disk, replacing the in-memory view
// atomically. Called at startup, on SIGHUP, and from the `gavel reload`
// command.
func (r *Registry) Reload() error {
	if r.path == "" {
		r.mu.Lock()
		r.byID = map[string]Identity{}
		r.mu.Unlock()
		return nil
	}

	raw, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("identity: read %s: %w", r.path, err)
	}
	var file identitiesFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("identity: parse %s: %w", r.path, err)
	}

	byID := make(map[string]Identity, len(file.Actors))
	for _, a := range file.Actors {
		byID[a.ActorID] = a
	}

	r.mu.Lock()
	r.byID = byID
	r.mu.Unlock()
	return nil
}

// Validate resolves actorID to an active Identity, or an error describing
// why the actor was rejected (unknown vs. inactive) for logging purposes.
// Callers that need a plain allow/deny for HTTP responses should just
// check the returned error for nil.
func (r *Registry) Validate(actorID string) (Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byID[actorID]
	if !ok {
		return Identity{}, fmt.Errorf("identity: unknown actor %q", actorID)
	}
	if !id.Active {
		return Identity{}, fmt.Errorf("identity: actor %q is inactive", actorID)
	}
	return id, nil
}

// BearerAuthenticator checks Authorization: Bearer <HUMAN_API_KEY> headers
// against a single configured secret in constant time. An empty secret
// always rejects — the human-review endpoints fail closed, never open.
type BearerAuthenticator struct {
	secret string
}

func NewBearerAuthenticator(secret string) BearerAuthenticator {
	return BearerAuthenticator{secret: secret}
}

// Authenticate reports whether authorizationHeader carries the configured
// bearer secret.
func (b BearerAuthenticator) Authenticate(authorizationHeader string) bool {
	if b.secret == "" {
		return false
	}
	token, ok := parseBearerToken(authorizationHeader)
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(b.secret)) == 1
}

func parseBearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}
