// Package alignment measures the rigid shift between two star fields.
//
// Star lists are matched through triangles built from neighbouring stars:
// triangle edge lengths are invariant under rotation and translation, so a
// pair of similar triangles votes for one rotation and one translation. The
// votes are then filtered iteratively until a consistent consensus remains.
// A missing consensus is reported as "no match" rather than an error because
// sparse or cloudy fields are an expected condition.
package alignment

import (
	"math"
	"sort"
)

// Point is a detected star position in image pixel coordinates.
type Point struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Brightness float64 `json:"brightness,omitempty"`
}

// Offset is the rigid transform mapping a reference field onto the current
// one: cur = R(Angle)·(ref − c) + c + (X, Y), where c is the image centre and
// Angle is in radians.
type Offset struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Angle float64 `json:"angle"`
}

// Apply maps a reference point into the current field.
func (o Offset) Apply(p Point, width, height int) Point {
	cx, cy := float64(width)/2, float64(height)/2
	sin, cos := math.Sincos(o.Angle)
	rx, ry := p.X-cx, p.Y-cy
	return Point{
		X:          cos*rx - sin*ry + cx + o.X,
		Y:          sin*rx + cos*ry + cy + o.Y,
		Brightness: p.Brightness,
	}
}

// Distance is the length of the translation part of the offset.
func (o Offset) Distance() float64 {
	return math.Hypot(o.X, o.Y)
}

type tier struct {
	maxPoints int
	maxErr    float64
}

// Tiers widen the star sample while tightening the edge tolerance.
var tiers = []tier{
	{maxPoints: 50, maxErr: 2.5},
	{maxPoints: 70, maxErr: 1.5},
	{maxPoints: 100, maxErr: 1.5},
}

const (
	neighbourCount = 8
	minConsensus   = 10
	maxRounds      = 10
	keepAngleDeg   = 1.5
)

// Calculate returns the offset mapping ref onto cur, or false when the two
// fields have no consistent correspondence. Both lists are expected to be
// ordered brightest first.
func Calculate(ref, cur []Point, width, height int) (Offset, bool) {
	if len(ref) < 3 || len(cur) < 3 || width <= 0 || height <= 0 {
		return Offset{}, false
	}
	minPerimeter := float64(width+height) / 40
	centre := Point{X: float64(width) / 2, Y: float64(height) / 2}

	for _, t := range tiers {
		refTris := buildTriangles(ref, t.maxPoints, minPerimeter)
		curTris := buildTriangles(cur, t.maxPoints, minPerimeter)
		if len(refTris) == 0 || len(curTris) == 0 {
			continue
		}
		cands := matchTriangles(refTris, curTris, t.maxErr)
		if off, ok := consensus(cands, t.maxErr, centre); ok {
			return off, true
		}
	}
	return Offset{}, false
}

type candidate struct {
	ref, cur *triangle
	angle    float64
	dx, dy   float64
}

func matchTriangles(refTris, curTris []triangle, maxErr float64) []candidate {
	maxErr2 := maxErr * maxErr
	var cands []candidate
	for i := range refTris {
		rt := &refTris[i]
		lo := sort.Search(len(curTris), func(j int) bool {
			return curTris[j].perimeter >= rt.perimeter-maxErr
		})
		for j := lo; j < len(curTris) && curTris[j].perimeter <= rt.perimeter+maxErr; j++ {
			ct := &curTris[j]
			var diff2 float64
			for k := 0; k < 3; k++ {
				d := rt.edges[k] - ct.edges[k]
				diff2 += d * d
			}
			if diff2 >= maxErr2 {
				continue
			}
			deltas := [3]float64{
				ct.angles[0] - rt.angles[0],
				ct.angles[1] - rt.angles[1],
				ct.angles[2] - rt.angles[2],
			}
			cands = append(cands, candidate{ref: rt, cur: ct, angle: circularMean(deltas[:])})
		}
	}
	return cands
}

func consensus(cands []candidate, maxErr float64, centre Point) (Offset, bool) {
	if len(cands) < minConsensus {
		return Offset{}, false
	}
	keep := keepAngleDeg * math.Pi / 180

	for round := 0; round < maxRounds; round++ {
		before := len(cands)

		mode := rotationMode(cands)
		cands = filterCandidates(cands, func(c *candidate) bool {
			return math.Abs(angleDiff(c.angle, mode)) <= keep
		})
		if len(cands) < minConsensus {
			return Offset{}, false
		}

		angle := candidatesAngle(cands)
		dxs := make([]float64, len(cands))
		dys := make([]float64, len(cands))
		for i := range cands {
			cands[i].dx, cands[i].dy = cands[i].translation(angle, centre)
			dxs[i], dys[i] = cands[i].dx, cands[i].dy
		}
		mx, my := median(dxs), median(dys)
		cands = filterCandidates(cands, func(c *candidate) bool {
			return math.Abs(c.dx-mx) <= maxErr/2 && math.Abs(c.dy-my) <= maxErr/2
		})
		if len(cands) < minConsensus {
			return Offset{}, false
		}
		if len(cands) == before {
			break
		}
	}

	angle := candidatesAngle(cands)
	var sx, sy float64
	for i := range cands {
		dx, dy := cands[i].translation(angle, centre)
		sx += dx
		sy += dy
	}
	n := float64(len(cands))
	return Offset{X: sx / n, Y: sy / n, Angle: angle}, true
}

func (c *candidate) translation(angle float64, centre Point) (float64, float64) {
	sin, cos := math.Sincos(angle)
	rx, ry := c.ref.cx-centre.X, c.ref.cy-centre.Y
	return c.cur.cx - centre.X - (cos*rx - sin*ry),
		c.cur.cy - centre.Y - (sin*rx + cos*ry)
}

func filterCandidates(cands []candidate, keep func(*candidate) bool) []candidate {
	out := cands[:0]
	for i := range cands {
		if keep(&cands[i]) {
			out = append(out, cands[i])
		}
	}
	return out
}

// rotationMode returns the centre of the most populated 1° rotation bin.
func rotationMode(cands []candidate) float64 {
	var hist [360]int
	for i := range cands {
		hist[degreeBin(cands[i].angle)]++
	}
	best := 0
	for b := 1; b < len(hist); b++ {
		if hist[b] > hist[best] {
			best = b
		}
	}
	return (float64(best) + 0.5) * math.Pi / 180
}

func degreeBin(angle float64) int {
	deg := math.Mod(angle*180/math.Pi, 360)
	if deg < 0 {
		deg += 360
	}
	return int(deg) % 360
}

func candidatesAngle(cands []candidate) float64 {
	angles := make([]float64, len(cands))
	for i := range cands {
		angles[i] = cands[i].angle
	}
	return circularMean(angles)
}

// circularMean averages angles through their unit vectors so values around
// ±π do not cancel out.
func circularMean(angles []float64) float64 {
	var s, c float64
	for _, a := range angles {
		sin, cos := math.Sincos(a)
		s += sin
		c += cos
	}
	return math.Atan2(s, c)
}

// angleDiff returns a−b normalised to (−π, π].
func angleDiff(a, b float64) float64 {
	d := math.Mod(a-b, 2*math.Pi)
	if d > math.Pi {
		d -= 2 * math.Pi
	} else if d <= -math.Pi {
		d += 2 * math.Pi
	}
	return d
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
