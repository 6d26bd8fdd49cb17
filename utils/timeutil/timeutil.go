package timeutil

import "time"

// Now returns the current time in UTC. Repositories use this through an
// injectable clock so tests can pin time.
func Now() time.Time {
	return time.Now().UTC()
}
