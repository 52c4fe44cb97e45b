package registry

import "github.com/google/uuid"

// GenerateEntryID generates a new unique entry ID using UUID v4
func GenerateEntryID() string {
	return uuid.New().String()
}
