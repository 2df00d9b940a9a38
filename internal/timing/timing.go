package timing

import (
	"math"
	"time"
)

// DefaultRate is the production tick frequency of the session host.
const DefaultRate Rate = 1

// Rate is the number of host timer ticks per second of wall time. Every
// timeout in the watchdog and the modes is expressed in seconds and scaled
// through a Rate, so tests can drive them in virtual time.
type Rate int

// Ticks converts a duration into a tick count, rounding up so a timeout never
// fires early. A non-positive rate is treated as DefaultRate.
func (r Rate) Ticks(d time.Duration) int {
	if r <= 0 {
		r = DefaultRate
	}
	return int(math.Ceil(d.Seconds() * float64(r)))
}

// Interval is the wall-clock period between two ticks.
func (r Rate) Interval() time.Duration {
	if r <= 0 {
		r = DefaultRate
	}
	return time.Second / time.Duration(r)
}

// Seconds converts a tick count back into seconds.
func (r Rate) Seconds(ticks int) float64 {
	if r <= 0 {
		r = DefaultRate
	}
	return float64(ticks) / float64(r)
}
