// Package geofence implements axis-aligned 3D regions and the trigger
// evaluator that turns a stream of subject positions into enter, exit,
// cross and while-in/while-out firings.
package geofence

// Region is an axis-aligned box in feet. Bounds are inclusive and callers
// keep Min <= Max on every axis.
type Region struct {
	MinX float64 `json:"min_x"`
	MaxX float64 `json:"max_x"`
	MinY float64 `json:"min_y"`
	MaxY float64 `json:"max_y"`
	MinZ float64 `json:"min_z"`
	MaxZ float64 `json:"max_z"`
}

// Box returns a region centered on (x, y) with the given half-width on X and
// Y, spanning zMin..zMax.
func Box(x, y, halfWidth, zMin, zMax float64) Region {
	return Region{
		MinX: x - halfWidth, MaxX: x + halfWidth,
		MinY: y - halfWidth, MaxY: y + halfWidth,
		MinZ: zMin, MaxZ: zMax,
	}
}

// Contains reports whether the point lies inside the region, boundaries included.
func (r Region) Contains(x, y, z float64) bool {
	return r.MinX <= x && x <= r.MaxX &&
		r.MinY <= y && y <= r.MaxY &&
		r.MinZ <= z && z <= r.MaxZ
}

// Centroid returns the midpoint of the region on each axis.
func (r Region) Centroid() (x, y, z float64) {
	return (r.MinX + r.MaxX) / 2, (r.MinY + r.MaxY) / 2, (r.MinZ + r.MaxZ) / 2
}

// MoveBy translates the region by the given delta.
func (r *Region) MoveBy(dx, dy, dz float64) {
	r.MinX += dx
	r.MaxX += dx
	r.MinY += dy
	r.MaxY += dy
	r.MinZ += dz
	r.MaxZ += dz
}

// MoveTo translates the region so its centroid lands on (x, y, z).
func (r *Region) MoveTo(x, y, z float64) {
	cx, cy, cz := r.Centroid()
	r.MoveBy(x-cx, y-cy, z-cz)
}

// RegionSet is the union of the regions owned by one trigger.
type RegionSet []Region

// Contains reports whether any member contains the point. An empty set contains nothing.
func (s RegionSet) Contains(x, y, z float64) bool {
	for i := range s {
		if s[i].Contains(x, y, z) {
			return true
		}
	}
	return false
}

// Centroid returns the average of the member centroids.
func (s RegionSet) Centroid() (x, y, z float64) {
	if len(s) == 0 {
		return 0, 0, 0
	}
	for i := range s {
		cx, cy, cz := s[i].Centroid()
		x += cx
		y += cy
		z += cz
	}
	n := float64(len(s))
	return x / n, y / n, z / n
}

// MoveBy translates every member by the same delta.
func (s RegionSet) MoveBy(dx, dy, dz float64) {
	for i := range s {
		s[i].MoveBy(dx, dy, dz)
	}
}

// MoveTo translates the set so its average centroid lands on (x, y, z).
// Members keep their relative layout. An empty set is left alone.
func (s RegionSet) MoveTo(x, y, z float64) {
	if len(s) == 0 {
		return
	}
	cx, cy, cz := s.Centroid()
	s.MoveBy(x-cx, y-cy, z-cz)
}
