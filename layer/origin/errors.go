package origin

import "fmt"

// StatusError is a non-2xx, non-404 response from the origin.
type StatusError struct {
	Key    string
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("origin: %s: unexpected status %s", e.Key, e.Status)
}
