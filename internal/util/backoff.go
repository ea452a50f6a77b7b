package util

import (
	crand "crypto/rand"
	"math/big"
	"time"
)

// JitteredBackoff returns a backoff function that doubles the previous delay,
// adds jitter in [0, delay/2) and caps the result at max. Its signature matches
// juju/retry's BackoffFunc.
func JitteredBackoff(max time.Duration) func(delay time.Duration, attempt int) time.Duration {
	return func(delay time.Duration, attempt int) time.Duration {
		if attempt <= 1 {
			return capDelay(delay, max)
		}
		next := delay * 2
		if next <= 0 || next > max {
			next = max
		}
		return capDelay(next+jitter(next/2), max)
	}
}

func capDelay(d, max time.Duration) time.Duration {
	if max > 0 && d > max {
		return max
	}
	return d
}

// jitter draws from crypto/rand so concurrent dispatchers do not reconnect in lockstep.
func jitter(half time.Duration) time.Duration {
	if half <= 0 {
		return 0
	}
	n, err := crand.Int(crand.Reader, big.NewInt(int64(half)))
	if err != nil {
		return 0
	}
	return time.Duration(n.Int64())
}
