package device

import "math"

// Separation returns the angular distance between two coordinates in degrees.
func Separation(a, b EqCoord) float64 {
	ra1, ra2 := a.RA*15*math.Pi/180, b.RA*15*math.Pi/180
	d1, d2 := a.Dec*math.Pi/180, b.Dec*math.Pi/180
	cos := math.Sin(d1)*math.Sin(d2) + math.Cos(d1)*math.Cos(d2)*math.Cos(ra1-ra2)
	cos = math.Max(-1, math.Min(1, cos))
	return math.Acos(cos) * 180 / math.Pi
}

// NormalizeRA wraps an RA value into [0, 24) hours.
func NormalizeRA(ra float64) float64 {
	ra = math.Mod(ra, 24)
	if ra < 0 {
		ra += 24
	}
	return ra
}
