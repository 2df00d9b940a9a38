package alignment

import (
	"math"
	"sort"
)

// triangle keeps its vertices in canonical order: edge 0 (p0→p1) is the
// shortest, edge 1 (p1→p2) the middle one and edge 2 (p2→p0) the longest.
// The same physical triangle therefore gets the same naming in both fields
// regardless of rotation.
type triangle struct {
	p         [3]Point
	edges     [3]float64
	angles    [3]float64
	perimeter float64
	cx, cy    float64
}

func newTriangle(a, b, c Point) triangle {
	verts := [3]Point{a, b, c}
	opposite := [3]float64{dist(b, c), dist(a, c), dist(a, b)}

	order := [3]int{0, 1, 2}
	sort.Slice(order[:], func(i, j int) bool {
		return opposite[order[i]] < opposite[order[j]]
	})
	// order[0] faces the shortest edge, order[2] the longest one.
	t := triangle{p: [3]Point{verts[order[1]], verts[order[2]], verts[order[0]]}}
	for k := 0; k < 3; k++ {
		from, to := t.p[k], t.p[(k+1)%3]
		t.edges[k] = dist(from, to)
		t.angles[k] = math.Atan2(to.Y-from.Y, to.X-from.X)
		t.perimeter += t.edges[k]
		t.cx += t.p[k].X / 3
		t.cy += t.p[k].Y / 3
	}
	return t
}

// buildTriangles forms triangles from every star and pairs of its nearest
// neighbours among the first maxPoints stars.
func buildTriangles(points []Point, maxPoints int, minPerimeter float64) []triangle {
	if len(points) > maxPoints {
		points = points[:maxPoints]
	}
	seen := make(map[[3]int]struct{})
	var tris []triangle
	for i := range points {
		nb := nearestNeighbours(points, i, neighbourCount)
		for a := 0; a < len(nb); a++ {
			for b := a + 1; b < len(nb); b++ {
				key := sortedTriple(i, nb[a], nb[b])
				if _, ok := seen[key]; ok {
					continue
				}
				seen[key] = struct{}{}
				t := newTriangle(points[key[0]], points[key[1]], points[key[2]])
				if t.perimeter < minPerimeter {
					continue
				}
				tris = append(tris, t)
			}
		}
	}
	sort.Slice(tris, func(i, j int) bool { return tris[i].perimeter < tris[j].perimeter })
	return tris
}

func nearestNeighbours(points []Point, idx, k int) []int {
	others := make([]int, 0, len(points)-1)
	for j := range points {
		if j != idx {
			others = append(others, j)
		}
	}
	sort.Slice(others, func(a, b int) bool {
		return dist(points[idx], points[others[a]]) < dist(points[idx], points[others[b]])
	})
	if len(others) > k {
		others = others[:k]
	}
	return others
}

func sortedTriple(a, b, c int) [3]int {
	t := [3]int{a, b, c}
	sort.Ints(t[:])
	return t
}

func dist(a, b Point) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}
