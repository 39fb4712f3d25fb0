package idgen

import "github.com/google/uuid"

// New returns a UUIDv7 identifier string.
// If UUIDv7 generation fails, it falls back to a random UUIDv4.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Valid reports whether id parses as a UUID. Agent ids from requests are
// checked with it before they reach the store.
func Valid(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
