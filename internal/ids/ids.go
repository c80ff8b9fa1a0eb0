// Package ids mints the identifiers used throughout the governance spine.
package ids

import "github.com/google/uuid"

// New returns a fresh random v4 identifier as its canonical string form.
func New() string {
	return uuid.New().String()
}

// Valid reports whether s parses as a UUID.
func Valid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
