package token

import (
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour
)

var ttlUnits = map[byte]time.Duration{
	's': time.Second,
	'm': time.Minute,
	'h': time.Hour,
	'd': 24 * time.Hour,
}

// ParseTTL reads "<n><unit>" with unit one of s, m, h, d ("15m", "7d"). Anything else,
// including a zero or negative count, yields fallback.
func ParseTTL(s string, fallback time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if len(s) < 2 {
		return fallback
	}
	unit, ok := ttlUnits[s[len(s)-1]]
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(s[:len(s)-1], 10, 64)
	if err != nil || n <= 0 {
		return fallback
	}
	// Reject counts that would overflow a Duration.
	if n > math.MaxInt64/int64(unit) {
		return fallback
	}
	return time.Duration(n) * unit
}
