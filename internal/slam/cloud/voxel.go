package cloud

import "math"

// VoxelDownsample reduces pc to one point per leaf-sized voxel, placed
// at the centroid of the voxel's members with their mean intensity.
// A non-positive leaf returns the input unchanged.
func VoxelDownsample(pc Cloud, leaf float64) Cloud {
	if leaf <= 0 || len(pc) == 0 {
		return pc
	}
	type cell struct {
		x, y, z, intensity float64
		n                  int
		first              Point
	}
	type key struct{ i, j, k int }
	cells := make(map[key]*cell)
	order := make([]key, 0, len(pc))
	for _, p := range pc {
		k := key{
			i: int(math.Floor(p.X / leaf)),
			j: int(math.Floor(p.Y / leaf)),
			k: int(math.Floor(p.Z / leaf)),
		}
		c, ok := cells[k]
		if !ok {
			c = &cell{first: p}
			cells[k] = c
			order = append(order, k)
		}
		c.x += p.X
		c.y += p.Y
		c.z += p.Z
		c.intensity += p.Intensity
		c.n++
	}
	out := make(Cloud, 0, len(order))
	for _, k := range order {
		c := cells[k]
		n := float64(c.n)
		p := c.first
		p.X, p.Y, p.Z = c.x/n, c.y/n, c.z/n
		p.Intensity = c.intensity / n
		out = append(out, p)
	}
	return out
}
