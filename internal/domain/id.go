package domain

import (
	"fmt"

	"github.com/google/uuid"
)

// NewID returns a time-ordered UUIDv7 string
func NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate job id: %w", err)
	}
	return id.String(), nil
}

// ValidID reports whether s parses as a UUID
func ValidID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
