// Package uuid generates record identifiers that are stable across the local
// and remote stores.
package uuid

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// Canonical lowercase/uppercase hyphenated form, version 4 or 7, RFC 4122 variant.
var recordIDRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[47][0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New generates a record ID. IDs are UUID v7 so that ordering by id roughly
// follows creation time; v4 is used if the v7 generator fails.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// NewRandom generates a UUID v4, for identifiers that must not leak time.
func NewRandom() string {
	return uuid.New().String()
}

// IsValid checks if s is a canonical v4 or v7 UUID.
func IsValid(s string) bool {
	return recordIDRegex.MatchString(s)
}

// Validate returns an error if s is not a canonical v4 or v7 UUID.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid record id format: %q", s)
	}
	return nil
}
