package delivery

import "time"

// Backoff returns the retry delay after the given number of failed attempts:
// base, 2*base, 4*base and so on, capped at limit.
func Backoff(attempts int, base, limit time.Duration) time.Duration {
	if base <= 0 {
		base = time.Minute
	}
	if limit < base {
		limit = base
	}
	if attempts <= 1 {
		return base
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	return d
}
