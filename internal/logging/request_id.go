package logging

import "github.com/google/uuid"

// GenerateRequestID returns "req-" followed by a time-ordered UUIDv7.
func GenerateRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return "req-" + uuid.NewString()
	}
	return "req-" + id.String()
}
