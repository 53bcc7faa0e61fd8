package util

import "github.com/google/uuid"

// NewID returns an opaque identifier, optionally namespaced by prefix.
func NewID(prefix string) string {
	id := uuid.NewString()
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
