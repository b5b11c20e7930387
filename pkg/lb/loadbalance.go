package lb

import "errors"

var (
	ErrNoAvailable = errors.New("lb: no available target")
	ErrNoTarget    = errors.New("lb: target count must be positive")
)

// Balancer picks one of n targets, identified by index, for a request signature.
type Balancer interface {
	Pick(signature string) (int, error)
	// Unavailable takes a target out of rotation until Available is called.
	Unavailable(i int)
	Available(i int)
	Len() int
}
